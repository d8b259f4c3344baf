// Package packet defines the datagram frame format and its binary codec.
package packet

// Magic marks the start of every datagram frame. Frames that fail the
// magic check are discarded without touching session state.
const Magic uint16 = 0xDEAD

// HeaderSize is the fixed header size:
// magic(2) + request id(2) + seq(4) + total(4) + flags(1) + payload length(2).
const HeaderSize = 15

// Flag bits. Independent and combinable; DATA|END marks the last data
// packet of an exchange.
const (
	FlagData  uint8 = 0x01
	FlagAck   uint8 = 0x02
	FlagStart uint8 = 0x04
	FlagEnd   uint8 = 0x08
)

// Packet is one datagram frame. RequestID groups all packets belonging
// to a single logical exchange (a command round-trip, one upload, one
// download) so concurrent requests from the same peer do not interleave.
type Packet struct {
	RequestID uint16
	Seq       uint32
	Total     uint32 // total-packet-count hint, informational
	Flags     uint8
	Payload   []byte
}

// Has reports whether all bits of flag are set.
func (p *Packet) Has(flag uint8) bool {
	return p.Flags&flag == flag
}

// MaxPayload returns the payload capacity of a frame for the given
// datagram size limit.
func MaxPayload(mtu int) int {
	return mtu - HeaderSize
}
