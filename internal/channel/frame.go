// Package channel implements the framed Unix-domain-socket transport that
// carries protocol messages between the coordinator (server mode) and its
// agents (client mode). Frames are self-delimited: a 4-byte big-endian
// unsigned length followed by exactly that many bytes of JSON payload, so a
// short read never splits a message.
package channel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame's payload. Larger frames indicate a
// corrupt stream or a misbehaving peer and tear down the connection.
const MaxFrameSize = 16 << 20

// ErrFrameTooLarge reports a length header above MaxFrameSize.
var ErrFrameTooLarge = errors.New("channel: frame exceeds maximum size")

// WriteFrame writes one length-prefixed frame. Header and payload go out in a
// single Write so concurrent writers serialized by the caller cannot
// interleave partial frames.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame, blocking until the full payload
// arrives or the stream ends.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}
