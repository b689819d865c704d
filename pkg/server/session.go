package server

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrDuplicateUsername is returned when a login names a user that is already online
	ErrDuplicateUsername = errors.New("username already in use")

	// ErrAlreadyLoggedIn is returned when a session that has a username logs in again
	ErrAlreadyLoggedIn = errors.New("session already logged in")
)

// Session represents an active client connection.
// A session exists from accept; it is visible to routing only once its
// login has been registered with the SessionManager.
type Session struct {
	ID          string    // Connection ID for logs
	Conn        *SafeConn // Stream with automatic write synchronization
	RemoteAddr  string
	Transport   string // "tcp" or "ws"
	ConnectedAt time.Time

	// Username is assigned by SessionManager.Login under the manager's
	// lock and never changes afterwards.
	username string

	state connState // owned by the session's handler goroutine
}

// Username returns the logged-in name, or "" before login
func (s *Session) Username() string {
	return s.username
}

// SessionManager manages all active sessions.
//
// It is the only state shared between connection handlers. One lock
// covers both the connection set and the username registry so a snapshot
// never observes a half-added or half-removed session.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session // session ID -> session, every open connection
	users    map[string]*Session // username -> session, logged in only
	metrics  *Metrics
}

// NewSessionManager creates a new session manager
func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*Session),
		users:    make(map[string]*Session),
	}
}

// SetMetrics attaches metrics to the session manager
func (sm *SessionManager) SetMetrics(metrics *Metrics) {
	sm.metrics = metrics
}

// CreateSession tracks a newly accepted connection
func (sm *SessionManager) CreateSession(conn *SafeConn, transport string) *Session {
	sess := &Session{
		ID:          uuid.NewString(),
		Conn:        conn,
		Transport:   transport,
		ConnectedAt: time.Now(),
	}
	if addr := conn.RemoteAddr(); addr != nil {
		sess.RemoteAddr = addr.String()
	}

	// Only acquire lock for map insertion (critical section)
	sm.mu.Lock()
	sm.sessions[sess.ID] = sess
	connections := len(sm.sessions)
	sm.mu.Unlock()

	if sm.metrics != nil {
		sm.metrics.RecordConnections(connections)
		sm.metrics.RecordSessionCreated(transport)
	}

	return sess
}

// Login registers sess under username. Names are case-sensitive.
func (sm *SessionManager) Login(username string, sess *Session) error {
	sm.mu.Lock()
	if sess.username != "" {
		sm.mu.Unlock()
		return ErrAlreadyLoggedIn
	}
	if _, taken := sm.users[username]; taken {
		sm.mu.Unlock()
		return ErrDuplicateUsername
	}
	sess.username = username
	sm.users[username] = sess
	online := len(sm.users)
	sm.mu.Unlock()

	if sm.metrics != nil {
		sm.metrics.RecordOnlineUsers(online)
	}
	return nil
}

// Logout unregisters username. Reports whether a session was removed;
// unknown names are a no-op. The connection itself stays tracked.
func (sm *SessionManager) Logout(username string) bool {
	sm.mu.Lock()
	_, ok := sm.users[username]
	if ok {
		delete(sm.users, username)
	}
	online := len(sm.users)
	sm.mu.Unlock()

	if ok && sm.metrics != nil {
		sm.metrics.RecordOnlineUsers(online)
	}
	return ok
}

// Lookup returns the session logged in as username
func (sm *SessionManager) Lookup(username string) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sess, ok := sm.users[username]
	return sess, ok
}

// Snapshot returns every logged-in session, ordered by username
func (sm *SessionManager) Snapshot() []*Session {
	sm.mu.RLock()
	sessions := make([]*Session, 0, len(sm.users))
	for _, sess := range sm.users {
		sessions = append(sessions, sess)
	}
	sm.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].username < sessions[j].username
	})
	return sessions
}

// Usernames returns the sorted online-user list
func (sm *SessionManager) Usernames() []string {
	sm.mu.RLock()
	names := make([]string, 0, len(sm.users))
	for name := range sm.users {
		names = append(names, name)
	}
	sm.mu.RUnlock()

	sort.Strings(names)
	return names
}

// GetAllSessions returns every tracked connection, logged in or not
func (sm *SessionManager) GetAllSessions() []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sessions := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// RemoveSession stops tracking sess and unregisters its username if the
// registry entry still belongs to it. Returns the unregistered username,
// or "" if the session was not logged in (or had already logged out).
// The connection is not closed here.
func (sm *SessionManager) RemoveSession(sess *Session) string {
	sm.mu.Lock()
	_, tracked := sm.sessions[sess.ID]
	delete(sm.sessions, sess.ID)

	var username string
	if sess.username != "" && sm.users[sess.username] == sess {
		username = sess.username
		delete(sm.users, username)
	}
	connections := len(sm.sessions)
	online := len(sm.users)
	sm.mu.Unlock()

	if sm.metrics != nil && tracked {
		sm.metrics.RecordConnections(connections)
		sm.metrics.RecordOnlineUsers(online)
		sm.metrics.RecordSessionDisconnected()
	}

	return username
}

// CountOnlineUsers returns the number of logged-in users
func (sm *SessionManager) CountOnlineUsers() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	return len(sm.users)
}

// CountConnections returns the number of open connections
func (sm *SessionManager) CountConnections() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	return len(sm.sessions)
}

// CloseAll closes every connection. Each connection's handler observes
// the closed stream and removes its own session.
func (sm *SessionManager) CloseAll() {
	for _, sess := range sm.GetAllSessions() {
		sess.Conn.Close()
	}
}
