package progress

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatsCounters(t *testing.T) {
	s := NewStats("data.bin", 1000)

	s.Add(250)
	s.Add(250)
	assert.Equal(t, int64(500), s.Transferred())
	assert.InDelta(t, 50.0, s.Percent(), 0.01)

	s.Set(1000)
	assert.InDelta(t, 100.0, s.Percent(), 0.01)
}

func TestPercentZeroTotal(t *testing.T) {
	s := NewStats("empty.bin", 0)
	assert.Equal(t, 100.0, s.Percent())
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512.0 B", FormatBytes(512))
	assert.Equal(t, "1.5 KiB", FormatBytes(1536))
	assert.Equal(t, "2.0 MiB", FormatBytes(2*1024*1024))
}

func TestSummary(t *testing.T) {
	s := NewStats("data.bin", 1000)
	s.Add(1000)

	out := Summary(s)
	assert.True(t, strings.HasPrefix(out, "data.bin: "))
	assert.Contains(t, out, "1000.0 B")
}
