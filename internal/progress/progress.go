// Package progress tracks per-transfer statistics and renders them on
// the client console.
package progress

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// Stats holds transfer statistics. The transferred counter is atomic
// so the reporter goroutine can read while the transfer goroutine
// writes.
type Stats struct {
	Filename    string
	TotalBytes  int64
	StartTime   time.Time
	transferred atomic.Int64
}

// NewStats starts the clock for a transfer.
func NewStats(filename string, total int64) *Stats {
	return &Stats{
		Filename:   filename,
		TotalBytes: total,
		StartTime:  time.Now(),
	}
}

// Add records n more transferred bytes.
func (s *Stats) Add(n int64) { s.transferred.Add(n) }

// Set overwrites the transferred count, used when resuming from an
// existing partial.
func (s *Stats) Set(n int64) { s.transferred.Store(n) }

// Transferred returns the current transferred count.
func (s *Stats) Transferred() int64 { return s.transferred.Load() }

// Percent returns completion in [0,100].
func (s *Stats) Percent() float64 {
	if s.TotalBytes <= 0 {
		return 100
	}
	return float64(s.Transferred()) / float64(s.TotalBytes) * 100
}

// Rate returns the average transfer rate in bytes per second.
func (s *Stats) Rate() float64 {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(s.Transferred()) / elapsed
}

// Reporter periodically rewrites a console progress line for a running
// transfer.
type Reporter struct {
	stats  *Stats
	ticker *time.Ticker
	done   chan struct{}
}

// NewReporter creates a reporter updating twice a second.
func NewReporter(stats *Stats) *Reporter {
	return &Reporter{
		stats:  stats,
		ticker: time.NewTicker(500 * time.Millisecond),
		done:   make(chan struct{}),
	}
}

// Start begins rendering in a background goroutine.
func (r *Reporter) Start() {
	go func() {
		for {
			select {
			case <-r.ticker.C:
				r.render()
			case <-r.done:
				return
			}
		}
	}()
}

// Stop ends rendering and prints the final summary line.
func (r *Reporter) Stop() {
	r.ticker.Stop()
	close(r.done)
	pterm.Printo("")
	pterm.Println(Summary(r.stats))
}

func (r *Reporter) render() {
	pterm.Printo(fmt.Sprintf("%s  %5.1f%%  %s / %s  %s/s",
		r.stats.Filename,
		r.stats.Percent(),
		FormatBytes(float64(r.stats.Transferred())),
		FormatBytes(float64(r.stats.TotalBytes)),
		FormatBytes(r.stats.Rate())))
}

// Summary formats a one-line completion report with the average rate.
func Summary(s *Stats) string {
	elapsed := time.Since(s.StartTime).Round(time.Millisecond)
	return fmt.Sprintf("%s: %s in %v (%s/s)",
		s.Filename,
		FormatBytes(float64(s.Transferred())),
		elapsed,
		FormatBytes(s.Rate()))
}

var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB"}

// FormatBytes renders a byte count with a binary unit suffix.
func FormatBytes(b float64) string {
	unit := 0
	for b >= 1024 && unit < len(byteUnits)-1 {
		b /= 1024
		unit++
	}
	return fmt.Sprintf("%.1f %s", b, byteUnits[unit])
}
