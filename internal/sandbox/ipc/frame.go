// Package ipc implements the framed request/response protocol spoken between
// the host and one sandbox worker over the worker's stdin and stdout.
package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Frame types. The worker sends hello once after boot, then one response per
// request. The host sends requests and, on graceful stop, a shutdown frame.
const (
	FrameHello    byte = 0x01
	FrameRequest  byte = 0x02
	FrameResponse byte = 0x03
	FrameShutdown byte = 0x04
)

const frameHeaderLength = 5

// MaxFrameLength bounds a single frame payload.
const MaxFrameLength = 16 * 1024 * 1024

// ErrFrameTooLarge is returned when a payload exceeds MaxFrameLength.
var ErrFrameTooLarge = errors.New("ipc: frame exceeds maximum length")

// Frame is one length-delimited message: [type][u32 big-endian length][payload].
type Frame struct {
	Type    byte
	Payload []byte
}

// WriteFrame writes header and payload with a single Write call.
func WriteFrame(w io.Writer, f Frame) error {
	if len(f.Payload) > MaxFrameLength {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(f.Payload))
	}
	buf := make([]byte, frameHeaderLength+len(f.Payload))
	buf[0] = f.Type
	binary.BigEndian.PutUint32(buf[1:frameHeaderLength], uint32(len(f.Payload)))
	copy(buf[frameHeaderLength:], f.Payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame. A clean end of stream before any header byte
// yields an error wrapping io.EOF.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [frameHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, fmt.Errorf("read frame header: %w", err)
	}
	length := binary.BigEndian.Uint32(header[1:frameHeaderLength])
	if length > MaxFrameLength {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("read frame payload: %w", err)
		}
	}
	return Frame{Type: header[0], Payload: payload}, nil
}
