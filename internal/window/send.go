// Package window implements the reliability layer for the datagram
// transport: a sliding send window with timeout-driven retransmission
// and a receive window that reorders, deduplicates, and delivers
// payloads in strict sequence order.
package window

import (
	stderrors "errors"
	"sort"
	"time"
)

var (
	// ErrWindowFull is returned when admitting a packet would exceed
	// the window capacity. The caller retries after acks drain it.
	ErrWindowFull = stderrors.New("send window full")

	// ErrRetriesExhausted is returned when a packet has been
	// retransmitted past the ceiling. It is a permanent failure for
	// the owning request.
	ErrRetriesExhausted = stderrors.New("retransmission ceiling exceeded")
)

// Entry tracks one unacknowledged in-flight packet.
type Entry struct {
	Seq      uint32
	Frame    []byte // encoded packet bytes, kept for retransmission
	LastSent time.Time
	Resends  int
}

// SendWindow bounds the number of unacknowledged packets for one
// logical request. Entries leave only on matching acknowledgment; the
// base advances past acked gaps.
type SendWindow struct {
	size       int
	timeout    time.Duration
	maxResends int
	base       uint32
	next       uint32
	entries    map[uint32]*Entry
}

// NewSendWindow creates a send window with the given capacity,
// per-packet ack timeout, and retransmission ceiling.
func NewSendWindow(size int, timeout time.Duration, maxResends int) *SendWindow {
	return &SendWindow{
		size:       size,
		timeout:    timeout,
		maxResends: maxResends,
		entries:    make(map[uint32]*Entry),
	}
}

// CanAdmit reports whether the window has room for another packet.
func (w *SendWindow) CanAdmit() bool {
	return len(w.entries) < w.size
}

// Admit places an encoded frame into the window. The caller transmits
// it immediately after a successful admit.
func (w *SendWindow) Admit(seq uint32, frame []byte, now time.Time) error {
	if !w.CanAdmit() {
		return ErrWindowFull
	}
	w.entries[seq] = &Entry{Seq: seq, Frame: frame, LastSent: now}
	if seq >= w.next {
		w.next = seq + 1
	}
	return nil
}

// Ack removes the acknowledged entry and advances the base past any
// now-missing, already-acked sequence numbers. Duplicate acks are
// harmless and report false.
func (w *SendWindow) Ack(seq uint32) bool {
	if _, ok := w.entries[seq]; !ok {
		return false
	}
	delete(w.entries, seq)
	for w.base < w.next {
		if _, inflight := w.entries[w.base]; inflight {
			break
		}
		w.base++
	}
	return true
}

// Due returns the entries whose ack timeout expired, bumping their
// resend counters and send times. An entry past the retransmission
// ceiling fails the whole request with ErrRetriesExhausted.
func (w *SendWindow) Due(now time.Time) ([]*Entry, error) {
	var due []*Entry
	for _, e := range w.entries {
		if now.Sub(e.LastSent) < w.timeout {
			continue
		}
		if e.Resends >= w.maxResends {
			return nil, ErrRetriesExhausted
		}
		e.Resends++
		e.LastSent = now
		due = append(due, e)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Seq < due[j].Seq })
	return due, nil
}

// Len returns the number of unacknowledged entries.
func (w *SendWindow) Len() int {
	return len(w.entries)
}

// Base returns the lowest unacknowledged sequence number.
func (w *SendWindow) Base() uint32 {
	return w.base
}
