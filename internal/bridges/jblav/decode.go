package jblav

import (
	"fmt"
	"strings"
)

// Response is one decoded inbound frame.
type Response struct {
	Opcode     Opcode
	ResultCode byte
	Payload    []byte
}

// OK reports whether the receiver flagged the frame as a status update.
func (r Response) OK() bool {
	return r.ResultCode == ResultSuccess
}

// Err returns a *DeviceError for a non-success result code, nil otherwise.
func (r Response) Err() error {
	if r.OK() {
		return nil
	}
	return &DeviceError{Opcode: r.Opcode, ResultCode: r.ResultCode}
}

// String renders the response for debug logs.
func (r Response) String() string {
	return fmt.Sprintf("%s result=0x%02X payload=% X", r.Opcode, r.ResultCode, r.Payload)
}

// DecodeResponse parses a frame produced by FrameBuffer.Next.
//
// Frame layout:
//
//	[0]   0x02   marker
//	[1]   0x23   marker
//	[2]   opcode
//	[3]   result code
//	[4]   payload length N
//	[5:5+N] payload
//	[last] 0x0D  terminator
//
// Returns ErrMalformedFrame for short frames, a bad marker or terminator, or a
// declared length that runs past the terminator.
func DecodeResponse(frame []byte) (Response, error) {
	if len(frame) < minFrameLen {
		return Response{}, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedFrame, len(frame), minFrameLen)
	}
	if frame[0] != ResponseStart || frame[1] != CommandStart {
		return Response{}, fmt.Errorf("%w: bad marker % X", ErrMalformedFrame, frame[:2])
	}
	if frame[len(frame)-1] != FrameEnd {
		return Response{}, fmt.Errorf("%w: missing terminator", ErrMalformedFrame)
	}

	declared := int(frame[4])
	available := len(frame) - minFrameLen - 1
	if declared > available {
		return Response{}, fmt.Errorf("%w: declared length %d exceeds %d available", ErrMalformedFrame, declared, available)
	}

	payload := make([]byte, declared)
	copy(payload, frame[minFrameLen:minFrameLen+declared])

	return Response{
		Opcode:     Opcode(frame[2]),
		ResultCode: frame[3],
		Payload:    payload,
	}, nil
}

// printableASCII keeps the printable characters of a version reply.
func printableASCII(p []byte) string {
	var b strings.Builder
	for _, c := range p {
		if c >= 0x20 && c <= 0x7E {
			b.WriteByte(c)
		}
	}
	return b.String()
}
