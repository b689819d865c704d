package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	// FrameHeaderSize is the size of the big-endian length prefix
	FrameHeaderSize = 4

	// DefaultMaxFrameSize bounds a single frame payload (16 MB).
	// Stickers and drawings travel as one frame each, so this is also the
	// largest binary payload a client can relay.
	DefaultMaxFrameSize = 16 * 1024 * 1024
)

var (
	ErrFrameTooLarge  = errors.New("frame exceeds maximum size")
	ErrTruncatedFrame = errors.New("stream closed mid-frame")
)

// EncodeFrame returns payload prefixed with its 4-byte big-endian length.
// Broadcasts encode once and write the same bytes to every recipient.
func EncodeFrame(payload []byte) ([]byte, error) {
	if uint64(len(payload)) > math.MaxUint32 {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, FrameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[:FrameHeaderSize], uint32(len(payload)))
	copy(buf[FrameHeaderSize:], payload)
	return buf, nil
}

// WriteFrame writes one frame to w.
// Format: [Length (4 bytes, big-endian)][Payload (Length bytes)]
//
// Header and payload go out in a single Write so a frame is never split
// across two writer calls.
func WriteFrame(w io.Writer, payload []byte) error {
	buf, err := EncodeFrame(payload)
	if err != nil {
		return err
	}

	n, err := w.Write(buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return io.ErrShortWrite
	}
	return nil
}

// ReadFrame reads exactly one frame from r and returns its payload.
//
// Returns io.EOF if the stream ended cleanly before any length byte,
// ErrTruncatedFrame if it ended inside the length prefix or payload, and
// ErrFrameTooLarge if the declared length exceeds maxSize. A maxSize of
// 0 disables the limit. Any other error comes from r unchanged.
func ReadFrame(r io.Reader, maxSize uint32) ([]byte, error) {
	length, err := ReadUint32(r)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: partial length prefix", ErrTruncatedFrame)
		}
		return nil, err
	}

	if maxSize > 0 && length > maxSize {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, length, maxSize)
	}

	payload := make([]byte, length)
	if length == 0 {
		return payload, nil
	}

	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: partial payload", ErrTruncatedFrame)
		}
		return nil, err
	}

	return payload, nil
}

// ReadUint32 reads a big-endian uint32. A stream that ends before the
// first byte returns io.EOF, one that ends after it io.ErrUnexpectedEOF.
func ReadUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// WriteUint32 writes a big-endian uint32
func WriteUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}
