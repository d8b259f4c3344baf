package window

// Delivery is one in-order payload handed to the consumer.
type Delivery struct {
	Seq     uint32
	Payload []byte
	End     bool // the packet carried the END flag
}

// ReceiveWindow reorders out-of-order payloads for one logical request
// and delivers each sequence number exactly once, in strictly
// increasing order. Payloads further than the window size ahead of the
// expected sequence are dropped; the sender's retransmission timer is
// the recovery mechanism.
type ReceiveWindow struct {
	size     int
	expected uint32
	buffer   map[uint32]Delivery
}

// NewReceiveWindow creates a receive window expecting sequence numbers
// starting at start.
func NewReceiveWindow(size int, start uint32) *ReceiveWindow {
	return &ReceiveWindow{
		size:     size,
		expected: start,
		buffer:   make(map[uint32]Delivery),
	}
}

// Offer processes an arriving payload and returns every payload that
// can now be delivered in order. Duplicates (already delivered or
// already buffered) have no effect. A payload at the expected sequence
// is delivered immediately, then buffered successors drain.
func (w *ReceiveWindow) Offer(seq uint32, payload []byte, end bool) []Delivery {
	switch {
	case seq < w.expected:
		// Already delivered; drop without effect.
		return nil

	case seq > w.expected:
		if seq >= w.expected+uint32(w.size) {
			// Too far ahead; never buffer past capacity.
			return nil
		}
		if _, dup := w.buffer[seq]; !dup {
			w.buffer[seq] = Delivery{Seq: seq, Payload: payload, End: end}
		}
		return nil
	}

	out := []Delivery{{Seq: seq, Payload: payload, End: end}}
	w.expected++

	for {
		d, ok := w.buffer[w.expected]
		if !ok {
			break
		}
		delete(w.buffer, w.expected)
		out = append(out, d)
		w.expected++
	}
	return out
}

// Expected returns the next sequence number awaited for in-order
// delivery.
func (w *ReceiveWindow) Expected() uint32 {
	return w.expected
}

// Buffered returns the number of out-of-order payloads held.
func (w *ReceiveWindow) Buffered() int {
	return len(w.buffer)
}
