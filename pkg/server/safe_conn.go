package server

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/aeolun/lanchat/pkg/protocol"
)

// Stream is the byte stream a client session runs over.
// *net.TCPConn and the WebSocket adapter both satisfy it.
type Stream interface {
	io.ReadWriteCloser
	RemoteAddr() net.Addr
	SetWriteDeadline(t time.Time) error
}

// SafeConn wraps a Stream with automatic write synchronization to prevent
// concurrent writes from corrupting the wire protocol frames.
//
// Broadcasts from many connection handlers may target the same recipient
// at once. A sticker or drawing is two frames (envelope, then binary) and
// both must land back to back, so every write goes through WriteFrames,
// which holds the mutex for the whole group.
type SafeConn struct {
	stream       Stream
	mu           sync.Mutex // Protects writes to stream
	writeTimeout time.Duration
	maxFrameSize uint32
	closeOnce    sync.Once
}

// NewSafeConn wraps a stream with write synchronization.
// A zero writeTimeout disables write deadlines; a zero maxFrameSize
// disables the read limit.
func NewSafeConn(stream Stream, writeTimeout time.Duration, maxFrameSize uint32) *SafeConn {
	return &SafeConn{
		stream:       stream,
		writeTimeout: writeTimeout,
		maxFrameSize: maxFrameSize,
	}
}

// WriteFrames writes pre-encoded frames (see protocol.EncodeFrame) as one
// uninterrupted sequence. This is the ONLY way to write to the stream.
func (sc *SafeConn) WriteFrames(frames ...[]byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.writeTimeout > 0 {
		if err := sc.stream.SetWriteDeadline(time.Now().Add(sc.writeTimeout)); err != nil {
			return err
		}
	}

	for _, frame := range frames {
		n, err := sc.stream.Write(frame)
		if err != nil {
			return err
		}
		if n != len(frame) {
			return io.ErrShortWrite
		}
	}
	return nil
}

// WriteEnvelope encodes and sends one envelope, optionally followed by
// its binary frame.
func (sc *SafeConn) WriteEnvelope(env *protocol.Envelope, binary []byte) error {
	frames, err := encodeEnvelopeFrames(env, binary)
	if err != nil {
		return err
	}
	return sc.WriteFrames(frames...)
}

// ReadFrame reads one frame payload from the stream.
// Reads happen only on the session's own goroutine and need no lock.
func (sc *SafeConn) ReadFrame() ([]byte, error) {
	return protocol.ReadFrame(sc.stream, sc.maxFrameSize)
}

// Close closes the underlying stream. Safe to call more than once; a
// broadcaster closing a dead recipient and the recipient's own handler
// may race here.
func (sc *SafeConn) Close() error {
	var err error
	sc.closeOnce.Do(func() {
		err = sc.stream.Close()
	})
	return err
}

// RemoteAddr returns the remote network address
func (sc *SafeConn) RemoteAddr() net.Addr {
	return sc.stream.RemoteAddr()
}

// encodeEnvelopeFrames encodes env into a frame and, when binary is
// non-nil, appends the binary frame.
func encodeEnvelopeFrames(env *protocol.Envelope, binary []byte) ([][]byte, error) {
	payload, err := env.Encode()
	if err != nil {
		return nil, err
	}
	header, err := protocol.EncodeFrame(payload)
	if err != nil {
		return nil, err
	}
	if binary == nil {
		return [][]byte{header}, nil
	}

	trailer, err := protocol.EncodeFrame(binary)
	if err != nil {
		return nil, err
	}
	return [][]byte{header, trailer}, nil
}
