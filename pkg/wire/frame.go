package wire

import (
	"encoding/binary"
	"fmt"
)

// MaxFrameSize is the largest payload a single frame can carry.
const MaxFrameSize = 0xFFFF

const lengthSize = 2

// AppendFrame appends payload to dst prefixed with its 16-bit big-endian length.
func AppendFrame(dst, payload []byte) ([]byte, error) {
	if len(payload) > MaxFrameSize {
		return dst, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(payload))
	}
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(payload)))
	return append(dst, payload...), nil
}

// Decoder splits a byte stream into frames written by AppendFrame.
// Bytes are fed with Write as they arrive; Next returns complete frames in order.
// A Decoder is not safe for concurrent use.
type Decoder struct {
	buf []byte
	off int // start of unread bytes in buf
}

// Write buffers p. It never fails.
func (d *Decoder) Write(p []byte) (int, error) {
	if d.off > 0 {
		// at most one partial frame is left; move it to the front once per read
		n := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.off = 0
	}
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// Next returns the next complete frame, or false if more input is needed.
// The returned slice is owned by the caller.
func (d *Decoder) Next() ([]byte, bool) {
	rest := d.buf[d.off:]
	if len(rest) < lengthSize {
		return nil, false
	}
	n := int(binary.BigEndian.Uint16(rest))
	if len(rest)-lengthSize < n {
		// length known but body incomplete; leave the header in place
		return nil, false
	}
	frame := make([]byte, n)
	copy(frame, rest[lengthSize:lengthSize+n])
	d.off += lengthSize + n
	if d.off == len(d.buf) {
		d.buf = d.buf[:0]
		d.off = 0
	}
	return frame, true
}

// Buffered reports how many bytes are waiting for the rest of their frame.
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.off
}
