// Package wsstream presents a WebSocket connection as a plain byte stream.
//
// The chat protocol is a stream of length-prefixed frames and does not
// care how the transport chunks it. Each Write becomes one binary
// WebSocket message; Read concatenates incoming binary messages, so a
// frame may arrive split across messages or several frames in one.
package wsstream

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const closeGrace = time.Second

// Stream adapts a *websocket.Conn to io.ReadWriteCloser.
// One goroutine may Read while another Writes; concurrent Writes must be
// serialized by the caller (server.SafeConn does this).
type Stream struct {
	conn      *websocket.Conn
	reader    io.Reader // current message, nil between messages
	closeOnce sync.Once
}

// New wraps conn
func New(conn *websocket.Conn) *Stream {
	return &Stream{conn: conn}
}

// Read reads from the current binary message, advancing to the next one
// when it is exhausted. Text messages are skipped. A normal close from
// the peer is reported as io.EOF.
func (s *Stream) Read(p []byte) (int, error) {
	for {
		if s.reader == nil {
			msgType, r, err := s.conn.NextReader()
			if err != nil {
				return 0, mapCloseError(err)
			}
			if msgType != websocket.BinaryMessage {
				continue
			}
			s.reader = r
		}

		n, err := s.reader.Read(p)
		if errors.Is(err, io.EOF) {
			s.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Write sends p as a single binary message
func (s *Stream) Write(p []byte) (int, error) {
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a close frame (best effort) and closes the connection
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
		err = s.conn.Close()
	})
	return err
}

func (s *Stream) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

func (s *Stream) SetWriteDeadline(t time.Time) error {
	return s.conn.SetWriteDeadline(t)
}

func mapCloseError(err error) error {
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
		websocket.CloseAbnormalClosure, // peer dropped the TCP connection
	) {
		return io.EOF
	}
	return err
}
