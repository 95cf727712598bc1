package wire

// Accumulator reassembles frames from a byte stream delivered in arbitrary
// chunks. Frames may arrive several to a datagram or split across
// datagrams; Append the received bytes, then drain complete frames with
// Next until it returns nil.
//
// After a full drain the accumulator holds strictly fewer than
// HeaderSize+MaxPayloadSize bytes: at most one incomplete trailing frame.
type Accumulator struct {
	buf []byte
}

// Append adds received bytes to the tail of the accumulator.
func (a *Accumulator) Append(data []byte) {
	a.buf = append(a.buf, data...)
}

// Next decodes and removes one complete frame from the front. It returns
// nil with a nil error when only an incomplete frame remains. A
// FramingError poisons the accumulator; the caller must stop feeding it.
func (a *Accumulator) Next() (*Packet, error) {
	pkt, n, err := DecodeFrame(a.buf)
	if err != nil {
		return nil, err
	}
	if pkt == nil {
		return nil, nil
	}

	// Shift the tail down instead of re-slicing so the backing array does
	// not grow without bound across appends.
	rest := copy(a.buf, a.buf[n:])
	a.buf = a.buf[:rest]
	return pkt, nil
}

// Len reports the buffered byte count.
func (a *Accumulator) Len() int {
	return len(a.buf)
}
