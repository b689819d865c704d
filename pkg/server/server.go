package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aeolun/lanchat/pkg/protocol"
	"github.com/aeolun/lanchat/pkg/wsstream"
)

const (
	metricsLogInterval = 30 * time.Second
	httpShutdownGrace  = 5 * time.Second
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

// connState tracks where a connection is in its lifecycle.
// Only the connection's own handler goroutine reads or writes it.
type connState int

const (
	stateAwaitingLogin connState = iota
	stateActive
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateAwaitingLogin:
		return "AWAITING_LOGIN"
	case stateActive:
		return "ACTIVE"
	case stateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// Server represents the chat relay
type Server struct {
	config        ServerConfig
	sessions      *SessionManager
	metrics       *Metrics
	listener      net.Listener
	httpServer    *http.Server // WebSocket endpoint
	metricsServer *http.Server
	upgrader      websocket.Upgrader
	shutdown      chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
	startTime     time.Time

	// Guards wg.Add against a concurrent Stop
	connMu  sync.Mutex
	closing bool

	// Connection deltas for periodic reporting
	connectionsSinceReport    atomic.Int64
	disconnectionsSinceReport atomic.Int64
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host        string
	TCPPort     int // 0 picks a free port
	HTTPPort    int // WebSocket endpoint (0 = disabled)
	MetricsPort int // /metrics and /health (0 = disabled)

	MaxFrameSize          uint32        // bytes per frame, 0 = unlimited
	MaxMessageLength      int           // bytes per chat message, <= 0 = unlimited
	MaxUsernameLength     int           // bytes, <= 0 = unlimited
	MaxMalformedEnvelopes int           // consecutive, <= 0 = never disconnect
	WriteTimeout          time.Duration // per write, <= 0 = no deadline
	BroadcastWorkers      int           // parallel writers per broadcast
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		Host:        "127.0.0.1",
		TCPPort:     65432,
		HTTPPort:    0,
		MetricsPort: 9090,

		MaxFrameSize:          protocol.DefaultMaxFrameSize,
		MaxMessageLength:      4096,
		MaxUsernameLength:     32,
		MaxMalformedEnvelopes: 10,
		WriteTimeout:          10 * time.Second,
		BroadcastWorkers:      32,
	}
}

// NewServer creates a new server instance
func NewServer(config ServerConfig) *Server {
	metrics := NewMetrics()
	sessions := NewSessionManager()
	sessions.SetMetrics(metrics)

	return &Server{
		config:   config,
		sessions: sessions,
		metrics:  metrics,
		shutdown: make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// LAN tool without authentication; browsers on any origin may connect
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		startTime: time.Now(),
	}
}

// InitLoggers sends errors to stderr and dataDir/errors.log, and the
// standard log to stdout and dataDir/server.log (truncated per run).
func InitLoggers(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	errorFile, err := os.OpenFile(filepath.Join(dataDir, "errors.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return err
	}

	// Startup marker distinguishes runs in the append-only error log
	startupMsg := fmt.Sprintf("=== Server started at %s ===\n", time.Now().Format(time.RFC3339))
	if _, err := errorFile.WriteString(startupMsg); err != nil {
		return err
	}
	errorLog = log.New(io.MultiWriter(os.Stderr, errorFile), "ERROR: ", log.LstdFlags)

	serverLogFile, err := os.OpenFile(filepath.Join(dataDir, "server.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	log.SetOutput(io.MultiWriter(os.Stdout, serverLogFile))

	return nil
}

// EnableDebugLogging sends per-frame debug output to w
func EnableDebugLogging(w io.Writer) {
	debugLog = log.New(w, "DEBUG: ", log.LstdFlags)
	debugLog.Println("Debug logging enabled")
}

// Sessions exposes the session registry
func (s *Server) Sessions() *SessionManager {
	return s.sessions
}

// Metrics exposes the server's collectors
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Addr returns the TCP listen address, nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start binds the TCP listener (and the HTTP listeners when enabled) and
// begins accepting connections. It returns once everything is listening.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.TCPPort))

	var lc net.ListenConfig
	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	log.Printf("[LISTENING] Chat relay listening on %s", listener.Addr())

	if s.config.HTTPPort > 0 {
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", s.HandleWebSocket)
		srv, err := s.serveHTTP(s.config.HTTPPort, mux)
		if err != nil {
			s.listener.Close()
			return fmt.Errorf("failed to start WebSocket server: %w", err)
		}
		s.httpServer = srv
		log.Printf("WebSocket endpoint listening on %s (/ws)", srv.Addr)
	}

	if s.config.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())
		mux.HandleFunc("/health", s.HealthHandler)
		srv, err := s.serveHTTP(s.config.MetricsPort, mux)
		if err != nil {
			s.listener.Close()
			if s.httpServer != nil {
				s.httpServer.Close()
			}
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		s.metricsServer = srv
		log.Printf("Metrics server listening on %s (/metrics, /health) - INTERNAL ONLY", srv.Addr)
	}

	s.wg.Add(1)
	go s.metricsLoggingLoop()

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// serveHTTP binds port on the configured host and serves handler in the background
func (s *Server) serveHTTP(port int, handler http.Handler) (*http.Server, error) {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	srv := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorLog.Printf("HTTP server on %s: %v", srv.Addr, err)
		}
	}()
	return srv, nil
}

// Stop gracefully stops the server: no new connections, a shutdown
// notice to every client, then every connection closed and its handler
// waited for.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		log.Println("Graceful shutdown initiated...")
		close(s.shutdown)

		if s.listener != nil {
			s.listener.Close()
			log.Println("TCP listener closed")
		}

		ctx, cancel := context.WithTimeout(context.Background(), httpShutdownGrace)
		defer cancel()
		for _, srv := range []*http.Server{s.httpServer, s.metricsServer} {
			if srv == nil {
				continue
			}
			if err := srv.Shutdown(ctx); err != nil {
				log.Printf("HTTP server %s shutdown: %v", srv.Addr, err)
			}
		}

		s.connMu.Lock()
		s.closing = true
		s.connMu.Unlock()

		s.notifyClientsOfShutdown()

		log.Println("Closing all client sessions...")
		s.sessions.CloseAll()

		s.wg.Wait()
		log.Println("Graceful shutdown complete")
	})
	return nil
}

func (s *Server) isShuttingDown() bool {
	select {
	case <-s.shutdown:
		return true
	default:
		return false
	}
}

// trackConn registers a connection handler with the wait group unless
// the server is stopping.
func (s *Server) trackConn() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	return true
}

// notifyClientsOfShutdown sends a system notice to every connection
func (s *Server) notifyClientsOfShutdown() {
	sessions := s.sessions.GetAllSessions()
	if len(sessions) == 0 {
		log.Println("No active sessions to notify")
		return
	}

	log.Printf("Sending shutdown notification to %d active sessions...", len(sessions))
	s.deliver(sessions, protocol.SystemEnvelope("Server is shutting down."), nil)
}

// acceptLoop accepts incoming TCP connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("Accept error: %v", err)
			continue
		}

		if !s.trackConn() {
			conn.Close()
			continue
		}
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// handleConnection sets up a TCP connection and runs its message loop
func (s *Server) handleConnection(conn net.Conn) {
	// Disable Nagle's algorithm for immediate sends (typing notices are tiny)
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}
	s.serveStream(conn, "tcp")
}

// HandleWebSocket upgrades the request and runs the chat protocol over it.
// Binary WebSocket messages carry the same framed byte stream as TCP.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error
		debugLog.Printf("WebSocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	if !s.trackConn() {
		conn.Close()
		return
	}
	defer s.wg.Done()

	s.serveStream(wsstream.New(conn), "ws")
}

// serveStream creates the session for an accepted stream and blocks in
// its message loop until the connection ends.
func (s *Server) serveStream(stream Stream, transport string) {
	safe := NewSafeConn(stream, s.config.WriteTimeout, s.config.MaxFrameSize)
	sess := s.sessions.CreateSession(safe, transport)

	s.connectionsSinceReport.Add(1)
	log.Printf("[NEW CONNECTION] %s connected via %s (session %s)", sess.RemoteAddr, transport, sess.ID)

	// Stop may have snapshotted sessions before this one was created
	if s.isShuttingDown() {
		s.removeSession(sess)
		return
	}

	s.messageLoop(sess)
}

// messageLoop reads frames until the connection ends. Every exit path
// goes through removeSession.
func (s *Server) messageLoop(sess *Session) {
	defer s.removeSession(sess)

	malformed := 0
	for {
		payload, err := sess.Conn.ReadFrame()
		if err != nil {
			s.logReadError(sess, err)
			return
		}

		env, err := protocol.DecodeEnvelope(payload)
		if err != nil {
			malformed++
			s.metrics.RecordFrameError("malformed")
			log.Printf("[ERROR] %s: Invalid envelope: %v", sess.RemoteAddr, err)
			if limit := s.config.MaxMalformedEnvelopes; limit > 0 && malformed >= limit {
				log.Printf("Session %s: %d consecutive malformed envelopes, disconnecting", sess.ID, malformed)
				return
			}
			continue
		}
		malformed = 0

		debugLog.Printf("Session %s ← RECV: Type=%s State=%s PayloadLen=%d", sess.ID, env.Type, sess.state, len(payload))
		s.metrics.RecordEnvelopeReceived(metricsTypeLabel(env.Type))

		if err := s.handleEnvelope(sess, env); err != nil {
			if errors.Is(err, ErrClientDisconnecting) {
				debugLog.Printf("Session %s disconnected gracefully", sess.ID)
				return
			}
			s.logReadError(sess, err)
			return
		}
	}
}

// logReadError records why a connection's loop ended
func (s *Server) logReadError(sess *Session, err error) {
	switch {
	case errors.Is(err, io.EOF):
		debugLog.Printf("Session %s: Client disconnected", sess.ID)
		return
	case errors.Is(err, protocol.ErrTruncatedFrame):
		s.metrics.RecordFrameError("truncated")
	case errors.Is(err, protocol.ErrFrameTooLarge):
		s.metrics.RecordFrameError("too_large")
	case errors.Is(err, net.ErrClosed):
		// Closed locally: shutdown, or a broadcaster dropped this client
		debugLog.Printf("Session %s: Connection closed", sess.ID)
		return
	default:
		s.metrics.RecordFrameError("io")
	}
	log.Printf("[ERROR] %s: %v", sess.RemoteAddr, err)
}

// removeSession unregisters sess, closes its connection and, if it was
// logged in, tells everyone else it left.
func (s *Server) removeSession(sess *Session) {
	username := s.sessions.RemoveSession(sess)
	sess.Conn.Close()
	sess.state = stateClosed

	s.disconnectionsSinceReport.Add(1)
	log.Printf("[DISCONNECTED] %s disconnected (session %s)", sess.RemoteAddr, sess.ID)

	if username != "" && !s.isShuttingDown() {
		s.announceDeparture(username)
	}
}

// metricsLoggingLoop periodically logs key metrics
func (s *Server) metricsLoggingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(metricsLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			connected := s.connectionsSinceReport.Swap(0)
			disconnected := s.disconnectionsSinceReport.Swap(0)

			log.Printf("[METRICS] Online users: %d, connections: %d, connected since last: %d, disconnected since last: %d, goroutines: %d",
				s.sessions.CountOnlineUsers(), s.sessions.CountConnections(), connected, disconnected, runtime.NumGoroutine())
		}
	}
}

type healthStatus struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	OnlineUsers   int    `json:"online_users"`
	Connections   int    `json:"connections"`
}

// HealthHandler reports liveness and current load as JSON
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	status := healthStatus{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		OnlineUsers:   s.sessions.CountOnlineUsers(),
		Connections:   s.sessions.CountConnections(),
	}
	if s.isShuttingDown() {
		status.Status = "shutting_down"
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}
