package packet

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	maxPayload := MaxPayload(1400)

	payloads := map[string][]byte{
		"empty":  nil,
		"single": {0x42},
		"max":    bytes.Repeat([]byte{0xAB}, maxPayload),
	}

	for name, payload := range payloads {
		t.Run(name, func(t *testing.T) {
			orig := &Packet{
				RequestID: 0x1234,
				Seq:       987654,
				Total:     1000,
				Flags:     FlagData | FlagEnd,
				Payload:   payload,
			}

			decoded, err := Decode(Encode(orig))
			require.NoError(t, err)

			assert.Equal(t, orig.RequestID, decoded.RequestID)
			assert.Equal(t, orig.Seq, decoded.Seq)
			assert.Equal(t, orig.Total, decoded.Total)
			assert.Equal(t, orig.Flags, decoded.Flags)
			assert.Equal(t, len(payload), len(decoded.Payload))
			assert.True(t, bytes.Equal(payload, decoded.Payload))
		})
	}
}

func TestDecodeRejectsShortFrame(t *testing.T) {
	_, err := Decode(make([]byte, HeaderSize-1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	frame := Encode(&Packet{RequestID: 1, Seq: 1, Flags: FlagData, Payload: []byte("x")})
	binary.BigEndian.PutUint16(frame[0:2], 0xBEEF)

	_, err := Decode(frame)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBadMagic))
}

func TestDecodeTruncatesOversizedDeclaredLength(t *testing.T) {
	frame := Encode(&Packet{RequestID: 7, Seq: 3, Flags: FlagData, Payload: []byte("hello world")})

	// Declare more payload than actually follows; a datagram transport
	// may truncate in flight. Decode must recover, not reject.
	binary.BigEndian.PutUint16(frame[13:15], 500)

	p, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), p.Payload)
}

func TestDecodePayloadIsCopied(t *testing.T) {
	frame := Encode(&Packet{RequestID: 1, Seq: 1, Flags: FlagData, Payload: []byte("abcd")})

	p, err := Decode(frame)
	require.NoError(t, err)

	// Mutating the receive buffer must not corrupt a decoded packet.
	frame[HeaderSize] = 'z'
	assert.Equal(t, []byte("abcd"), p.Payload)
}

func TestAck(t *testing.T) {
	ack := Ack(42, 1337)

	assert.Equal(t, uint16(42), ack.RequestID)
	assert.Equal(t, uint32(1337), ack.Seq)
	assert.True(t, ack.Has(FlagAck))
	assert.False(t, ack.Has(FlagData))
	assert.Empty(t, ack.Payload)

	decoded, err := Decode(Encode(ack))
	require.NoError(t, err)
	assert.True(t, decoded.Has(FlagAck))
	assert.Empty(t, decoded.Payload)
}

func TestHasRequiresAllBits(t *testing.T) {
	p := &Packet{Flags: FlagData | FlagEnd}

	assert.True(t, p.Has(FlagData))
	assert.True(t, p.Has(FlagEnd))
	assert.True(t, p.Has(FlagData|FlagEnd))
	assert.False(t, p.Has(FlagAck))
	assert.False(t, p.Has(FlagData|FlagAck))
}
