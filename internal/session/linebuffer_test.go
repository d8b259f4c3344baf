package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLineBufferSplitDelivery(t *testing.T) {
	var lb LineBuffer

	lb.Feed([]byte("TI"))
	_, ok := lb.Next()
	assert.False(t, ok)

	lb.Feed([]byte("ME\nECHO hel"))
	line, ok := lb.Next()
	assert.True(t, ok)
	assert.Equal(t, "TIME", line)

	_, ok = lb.Next()
	assert.False(t, ok)

	lb.Feed([]byte("lo\n"))
	line, ok = lb.Next()
	assert.True(t, ok)
	assert.Equal(t, "ECHO hello", line)
}

func TestLineBufferOrdering(t *testing.T) {
	var lb LineBuffer
	lb.Feed([]byte("one\ntwo\nthree\n"))

	for _, want := range []string{"one", "two", "three"} {
		line, ok := lb.Next()
		assert.True(t, ok)
		assert.Equal(t, want, line)
	}
	_, ok := lb.Next()
	assert.False(t, ok)
}

func TestLineBufferCRLF(t *testing.T) {
	var lb LineBuffer
	lb.Feed([]byte("TIME\r\n"))
	line, ok := lb.Next()
	assert.True(t, ok)
	assert.Equal(t, "TIME", line)
}

func TestLineBufferDrainRaw(t *testing.T) {
	var lb LineBuffer
	lb.Feed([]byte("UPLOAD f.bin 4\nbody"))

	line, ok := lb.Next()
	assert.True(t, ok)
	assert.Equal(t, "UPLOAD f.bin 4", line)

	// The leftover after the command line is the start of the raw
	// upload body.
	raw := lb.DrainRaw()
	assert.Equal(t, []byte("body"), raw)
	assert.Equal(t, 0, lb.Len())
	assert.Nil(t, lb.DrainRaw())
}
