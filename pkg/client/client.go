package client

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aeolun/lanchat/pkg/protocol"
	"github.com/aeolun/lanchat/pkg/wsstream"
)

const dialTimeout = 5 * time.Second

var (
	// ErrNotLoggedIn is returned by send methods called before Login
	ErrNotLoggedIn = errors.New("not logged in")

	// ErrLoginRejected wraps the server's reason when LoginAndWait fails
	ErrLoginRejected = errors.New("login rejected")

	ErrClosed = errors.New("connection closed")
)

// Incoming is one server envelope plus, for stickers and drawings, the
// binary frame that followed it.
type Incoming struct {
	*protocol.Envelope
	Binary []byte
}

// Client speaks the relay protocol over one stream.
//
// Any number of goroutines may send; sends are serialized so a sticker's
// envelope and binary frame go out back to back. Receive must be called
// from one goroutine at a time.
type Client struct {
	stream    io.ReadWriteCloser
	transport string
	addr      string

	sendMu sync.Mutex
	recvMu sync.Mutex

	mu       sync.RWMutex
	username string
	closed   bool

	maxFrameSize uint32

	// Traffic counters (bytes on the wire)
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
}

// Dial connects to addr. See parseServerAddress for accepted forms; a bare
// "host:port" is TCP.
func Dial(addr string) (*Client, error) {
	cfg, err := parseServerAddress(addr)
	if err != nil {
		return nil, err
	}
	if cfg.transport == "ws" {
		return DialWebSocket(cfg.address)
	}

	conn, err := net.DialTimeout("tcp", cfg.address, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	c := New(conn)
	c.transport = "tcp"
	c.addr = cfg.display
	return c, nil
}

// DialWebSocket connects to a ws:// or wss:// URL
func DialWebSocket(url string) (*Client, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: dialTimeout,
	}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("WebSocket dial %s: %w", url, err)
	}

	c := New(wsstream.New(conn))
	c.transport = "ws"
	c.addr = url
	return c, nil
}

// New runs the protocol over an existing stream (a net.Pipe end in tests)
func New(stream io.ReadWriteCloser) *Client {
	return &Client{
		stream:       stream,
		transport:    "stream",
		maxFrameSize: protocol.DefaultMaxFrameSize,
	}
}

// Transport returns "tcp", "ws" or "stream"
func (c *Client) Transport() string {
	return c.transport
}

// Addr returns the address the client dialed
func (c *Client) Addr() string {
	return c.addr
}

// Username returns the name passed to Login, or ""
func (c *Client) Username() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username
}

func (c *Client) BytesSent() uint64 {
	return c.bytesSent.Load()
}

func (c *Client) BytesReceived() uint64 {
	return c.bytesReceived.Load()
}

// Login sends a login envelope. The server answers with an online_status
// on success or an error envelope on rejection; use LoginAndWait to block
// for that answer.
func (c *Client) Login(username string) error {
	if err := c.send(&protocol.Envelope{Type: protocol.TypeLogin, Username: username}, nil); err != nil {
		return err
	}
	c.mu.Lock()
	c.username = username
	c.mu.Unlock()
	return nil
}

// LoginAndWait logs in and reads until the server accepts or rejects the
// name. Nothing else reaches a connection before its login succeeds.
func (c *Client) LoginAndWait(username string) ([]string, error) {
	if err := c.Login(username); err != nil {
		return nil, err
	}

	for {
		in, err := c.Receive()
		if err != nil {
			return nil, err
		}
		switch in.Type {
		case protocol.TypeOnlineStatus:
			return in.OnlineUsers, nil
		case protocol.TypeError:
			c.mu.Lock()
			c.username = ""
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrLoginRejected, in.Message)
		}
	}
}

// SendMessage sends a chat line to everyone. A line starting with
// "/w <user> " is routed privately by the server.
func (c *Client) SendMessage(text string) error {
	if err := c.requireLogin(); err != nil {
		return err
	}
	return c.send(&protocol.Envelope{Type: protocol.TypeMessage, Message: text}, nil)
}

// Whisper sends text to target only
func (c *Client) Whisper(target, text string) error {
	return c.SendMessage(fmt.Sprintf("/w %s %s", target, text))
}

// Typing sends the partially typed line as a typing indicator
func (c *Client) Typing(partial string) error {
	if err := c.requireLogin(); err != nil {
		return err
	}
	return c.send(&protocol.Envelope{Type: protocol.TypePartialMessage, Message: partial}, nil)
}

func (c *Client) SendSticker(image []byte) error {
	return c.sendBinary(protocol.TypeSticker, image)
}

func (c *Client) SendDrawing(image []byte) error {
	return c.sendBinary(protocol.TypeDrawing, image)
}

func (c *Client) sendBinary(t protocol.MessageType, payload []byte) error {
	if err := c.requireLogin(); err != nil {
		return err
	}
	if payload == nil {
		payload = []byte{}
	}
	return c.send(&protocol.Envelope{Type: t}, payload)
}

// Logout asks the server to end the session. The server closes the
// stream afterwards.
func (c *Client) Logout() error {
	if err := c.requireLogin(); err != nil {
		return err
	}
	return c.send(&protocol.Envelope{Type: protocol.TypeLogout}, nil)
}

// SendEnvelope writes an arbitrary envelope (and binary frame if non-nil)
// without client-side checks
func (c *Client) SendEnvelope(env *protocol.Envelope, binary []byte) error {
	return c.send(env, binary)
}

func (c *Client) requireLogin() error {
	if c.Username() == "" {
		return ErrNotLoggedIn
	}
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *Client) send(env *protocol.Envelope, binary []byte) error {
	payload, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode failed: %w", err)
	}
	frame, err := protocol.EncodeFrame(payload)
	if err != nil {
		return err
	}
	if binary != nil {
		trailer, err := protocol.EncodeFrame(binary)
		if err != nil {
			return err
		}
		frame = append(frame, trailer...)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.isClosed() {
		return ErrClosed
	}
	n, err := c.stream.Write(frame)
	c.bytesSent.Add(uint64(n))
	if err != nil {
		return fmt.Errorf("write frame failed: %w", err)
	}
	return nil
}

// Receive reads the next server envelope. For sticker and drawing it
// also reads the binary frame that follows. Returns io.EOF once the
// server closed the stream.
func (c *Client) Receive() (*Incoming, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	payload, err := c.readFrame()
	if err != nil {
		return nil, err
	}
	env, err := protocol.DecodeEnvelope(payload)
	if err != nil {
		return nil, err
	}

	in := &Incoming{Envelope: env}
	if env.Type.CarriesBinary() {
		binary, err := c.readFrame()
		if err != nil {
			return nil, fmt.Errorf("read %s payload: %w", env.Type, err)
		}
		in.Binary = binary
	}
	return in, nil
}

func (c *Client) readFrame() ([]byte, error) {
	payload, err := protocol.ReadFrame(c.stream, c.maxFrameSize)
	if err != nil {
		if c.isClosed() {
			return nil, ErrClosed
		}
		return nil, err
	}
	c.bytesReceived.Add(uint64(protocol.FrameHeaderSize + len(payload)))
	return payload, nil
}

// Listen calls handler for every incoming envelope until the stream ends.
// A clean end of stream or a local Close returns nil.
func (c *Client) Listen(handler func(*Incoming)) error {
	for {
		in, err := c.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, ErrClosed) {
				return nil
			}
			return err
		}
		handler(in)
	}
}

// Close closes the stream. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	return c.stream.Close()
}
