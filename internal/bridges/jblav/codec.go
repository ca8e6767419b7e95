package jblav

import "bytes"

const (
	// minFrameLen covers marker (2), opcode, result code and length.
	minFrameLen = 5

	// maxGarbageLen is how much marker-less data is kept before it is
	// treated as noise and dropped.
	maxGarbageLen = 100
)

var responseMarker = []byte{ResponseStart, CommandStart}

// DiscardFunc is told how many bytes the codec threw away and why.
type DiscardFunc func(n int, reason string)

// Discard reasons reported to DiscardFunc.
const (
	DiscardNoMarker = "no_marker"
	DiscardPrefix   = "prefix"
)

// FrameBuffer accumulates bytes from the receiver and splits them into frames.
//
// Thread Safety: not safe for concurrent use. A FrameBuffer belongs to the
// single read loop of one session.
type FrameBuffer struct {
	buf       []byte
	onDiscard DiscardFunc
}

// NewFrameBuffer creates an empty buffer. onDiscard may be nil.
func NewFrameBuffer(onDiscard DiscardFunc) *FrameBuffer {
	return &FrameBuffer{onDiscard: onDiscard}
}

// Append adds freshly read bytes.
func (f *FrameBuffer) Append(p []byte) {
	f.buf = append(f.buf, p...)
}

// Len returns the number of buffered bytes.
func (f *FrameBuffer) Len() int {
	return len(f.buf)
}

// Reset drops everything buffered.
func (f *FrameBuffer) Reset() {
	f.buf = f.buf[:0]
}

// Next extracts the next complete frame, from marker to terminator inclusive.
//
// It returns ok=false when no complete frame is available. Callers must keep
// calling Next until it reports false, since frames may arrive back to back.
//
// A 0x0D inside a payload cannot be told apart from the terminator and ends
// the frame early. The decoder then rejects the truncated frame.
func (f *FrameBuffer) Next() (frame []byte, ok bool) {
	if len(f.buf) < minFrameLen {
		return nil, false
	}

	start := bytes.Index(f.buf, responseMarker)
	if start < 0 {
		if len(f.buf) > maxGarbageLen {
			f.discard(len(f.buf), DiscardNoMarker)
			f.buf = f.buf[:0]
		}
		return nil, false
	}

	if start > 0 {
		f.discard(start, DiscardPrefix)
		f.buf = append(f.buf[:0], f.buf[start:]...)
	}

	end := bytes.IndexByte(f.buf, FrameEnd)
	if end < 0 {
		return nil, false
	}

	frame = make([]byte, end+1)
	copy(frame, f.buf[:end+1])
	f.buf = append(f.buf[:0], f.buf[end+1:]...)
	return frame, true
}

func (f *FrameBuffer) discard(n int, reason string) {
	if f.onDiscard != nil {
		f.onDiscard(n, reason)
	}
}
