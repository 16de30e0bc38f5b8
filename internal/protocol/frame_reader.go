package protocol

// FrameReader reassembles a byte stream into complete frames using the
// total length declared in each frame header.
type FrameReader struct {
	buf []byte
	err error
}

// Feed appends a chunk received from the stream.
func (r *FrameReader) Feed(chunk []byte) {
	if r.err != nil {
		return
	}
	r.buf = append(r.buf, chunk...)
}

// Next returns the next complete frame, or nil when more bytes are needed.
// A header declaring a length shorter than the header itself poisons the
// reader: every later call returns the same error.
func (r *FrameReader) Next() ([]byte, error) {
	if r.err != nil {
		return nil, r.err
	}
	if len(r.buf) < HeaderSize {
		return nil, nil
	}
	n, err := FrameLength(r.buf)
	if err != nil {
		r.err = err
		r.buf = nil
		return nil, err
	}
	if len(r.buf) < n {
		return nil, nil
	}
	frame := make([]byte, n)
	copy(frame, r.buf)
	r.buf = append(r.buf[:0], r.buf[n:]...)
	return frame, nil
}

// Buffered returns the number of bytes held for an incomplete frame.
func (r *FrameReader) Buffered() int {
	return len(r.buf)
}
