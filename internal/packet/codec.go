package packet

import (
	"encoding/binary"
	stderrors "errors"
	"fmt"
	"log/slog"

	"fileferry/internal/errors"
)

// Decode failure sentinels, matchable with errors.Is through the
// ProtocolError wrapper.
var (
	ErrMalformed = stderrors.New("frame shorter than header")
	ErrBadMagic  = stderrors.New("bad magic marker")
)

// Encode serializes a packet into header + payload bytes.
// All multi-byte fields are big-endian.
func Encode(p *Packet) []byte {
	buf := make([]byte, HeaderSize+len(p.Payload))
	binary.BigEndian.PutUint16(buf[0:2], Magic)
	binary.BigEndian.PutUint16(buf[2:4], p.RequestID)
	binary.BigEndian.PutUint32(buf[4:8], p.Seq)
	binary.BigEndian.PutUint32(buf[8:12], p.Total)
	buf[12] = p.Flags
	binary.BigEndian.PutUint16(buf[13:15], uint16(len(p.Payload)))
	copy(buf[HeaderSize:], p.Payload)
	return buf
}

// Decode parses a datagram into a Packet. A frame shorter than the
// header or with a wrong magic marker fails. A declared payload length
// that exceeds the trailing bytes is tolerated by truncating to what
// actually arrived: datagram transports may legitimately truncate, so
// this is a soft warning rather than a dropped packet.
func Decode(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, errors.NewProtocolError("decode",
			fmt.Sprintf("frame is %d bytes, header needs %d", len(data), HeaderSize), ErrMalformed)
	}

	magic := binary.BigEndian.Uint16(data[0:2])
	if magic != Magic {
		return nil, errors.NewProtocolError("decode",
			fmt.Sprintf("magic 0x%04X does not match 0x%04X", magic, Magic), ErrBadMagic)
	}

	p := &Packet{
		RequestID: binary.BigEndian.Uint16(data[2:4]),
		Seq:       binary.BigEndian.Uint32(data[4:8]),
		Total:     binary.BigEndian.Uint32(data[8:12]),
		Flags:     data[12],
	}

	declared := int(binary.BigEndian.Uint16(data[13:15]))
	avail := len(data) - HeaderSize
	if declared > avail {
		slog.Warn("Truncated datagram payload",
			"request_id", p.RequestID,
			"seq", p.Seq,
			"declared", declared,
			"actual", avail)
		declared = avail
	}

	if declared > 0 {
		p.Payload = make([]byte, declared)
		copy(p.Payload, data[HeaderSize:HeaderSize+declared])
	}
	return p, nil
}

// Ack builds an acknowledgment for the given packet. The seq field
// names the acknowledged packet; the payload is empty.
func Ack(requestID uint16, seq uint32) *Packet {
	return &Packet{RequestID: requestID, Seq: seq, Flags: FlagAck}
}
