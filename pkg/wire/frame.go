package wire

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Frame header layout, all fields big-endian:
// interface_id(4) | timestamp_sec(4) | timestamp_usec(4) | payload_length(4) | direction(1)
const HeaderSize = 17

// MaxDatagramSize is the largest UDP payload the dataplane can emit.
const MaxDatagramSize = 65507

// MaxPayloadSize caps the declared payload length of a single frame. A
// header declaring more than this cannot be trusted and the stream cannot
// be resynchronized past it.
const MaxPayloadSize = 65535

// Direction marks which side of the interface a packet was seen on.
type Direction uint8

const (
	DirectionRX Direction = 0
	DirectionTX Direction = 1
)

func (d Direction) String() string {
	switch d {
	case DirectionRX:
		return "RX"
	case DirectionTX:
		return "TX"
	default:
		return fmt.Sprintf("Direction(%d)", uint8(d))
	}
}

// Packet is one decoded frame. Immutable after decode; the payload slice
// is owned by the packet and never aliases the receive buffer.
type Packet struct {
	InterfaceID   uint32
	TimestampSec  uint32
	TimestampUsec uint32
	Direction     Direction
	Payload       []byte
}

// Time returns the packet timestamp at microsecond resolution.
func (p *Packet) Time() time.Time {
	return time.Unix(int64(p.TimestampSec), int64(p.TimestampUsec)*1000)
}

// FramingError reports a frame header whose declared payload length cannot
// be valid. Once seen, the remaining accumulator contents are garbage:
// there is no way to find the next frame boundary.
type FramingError struct {
	Declared uint32
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("frame declares %d byte payload, max is %d", e.Declared, MaxPayloadSize)
}

// EncodeFrame appends the wire encoding of p to dst and returns the
// extended slice.
func EncodeFrame(dst []byte, p *Packet) []byte {
	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], p.InterfaceID)
	binary.BigEndian.PutUint32(hdr[4:8], p.TimestampSec)
	binary.BigEndian.PutUint32(hdr[8:12], p.TimestampUsec)
	binary.BigEndian.PutUint32(hdr[12:16], uint32(len(p.Payload)))
	hdr[16] = byte(p.Direction)
	dst = append(dst, hdr[:]...)
	return append(dst, p.Payload...)
}

// DecodeFrame decodes one frame from the front of buf. It returns the
// packet and the number of bytes consumed. A nil packet with a nil error
// means buf holds an incomplete frame: keep the bytes and retry after the
// next receive. A FramingError means the stream is unrecoverable.
func DecodeFrame(buf []byte) (*Packet, int, error) {
	if len(buf) < HeaderSize {
		return nil, 0, nil
	}

	payloadLen := binary.BigEndian.Uint32(buf[12:16])
	if payloadLen > MaxPayloadSize {
		return nil, 0, &FramingError{Declared: payloadLen}
	}

	total := HeaderSize + int(payloadLen)
	if len(buf) < total {
		return nil, 0, nil
	}

	payload := make([]byte, payloadLen)
	copy(payload, buf[HeaderSize:total])

	return &Packet{
		InterfaceID:   binary.BigEndian.Uint32(buf[0:4]),
		TimestampSec:  binary.BigEndian.Uint32(buf[4:8]),
		TimestampUsec: binary.BigEndian.Uint32(buf[8:12]),
		Direction:     Direction(buf[16]),
		Payload:       payload,
	}, total, nil
}
