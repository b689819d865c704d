package server

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"unicode"

	"github.com/aeolun/lanchat/pkg/protocol"
)

const whisperPrefix = "/w "

var (
	// ErrClientDisconnecting is returned when client sends graceful logout
	ErrClientDisconnecting = errors.New("client disconnecting")
)

// handleEnvelope dispatches one decoded envelope. A non-nil error ends
// the connection; every recoverable problem is answered with an error
// envelope instead.
func (s *Server) handleEnvelope(sess *Session, env *protocol.Envelope) error {
	if sess.state == stateAwaitingLogin && env.Type != protocol.TypeLogin {
		return s.rejectBeforeLogin(sess, env)
	}

	switch env.Type {
	case protocol.TypeLogin:
		return s.handleLogin(sess, env)
	case protocol.TypeMessage:
		return s.handleChatMessage(sess, env)
	case protocol.TypePartialMessage:
		return s.handlePartialMessage(sess, env)
	case protocol.TypeLogout:
		return s.handleLogout(sess, env)
	case protocol.TypeSticker, protocol.TypeDrawing:
		return s.handleBinaryMessage(sess, env)
	default:
		// Unknown types and server-only types sent by a client
		debugLog.Printf("Session %s: unsupported message type %q", sess.ID, env.Type)
		return s.sendError(sess, fmt.Sprintf("Unsupported message type: %s", env.Type))
	}
}

// rejectBeforeLogin answers anything but login while AWAITING_LOGIN.
// A sticker or drawing still has its binary frame consumed so the next
// read starts at an envelope.
func (s *Server) rejectBeforeLogin(sess *Session, env *protocol.Envelope) error {
	if env.Type.CarriesBinary() {
		if _, err := sess.Conn.ReadFrame(); err != nil {
			return fmt.Errorf("read %s payload: %w", env.Type, err)
		}
	}
	return s.sendError(sess, "You must log in first.")
}

// handleLogin registers the session and announces the new user
func (s *Server) handleLogin(sess *Session, env *protocol.Envelope) error {
	if sess.state == stateActive {
		return s.sendError(sess, fmt.Sprintf("Already logged in as %s.", sess.Username()))
	}

	username := env.Username
	if reason := s.validateUsername(username); reason != "" {
		return s.sendError(sess, reason)
	}

	if err := s.sessions.Login(username, sess); err != nil {
		if errors.Is(err, ErrDuplicateUsername) {
			log.Printf("[LOGIN] %s rejected: username %s already in use", sess.RemoteAddr, username)
			return s.sendError(sess, fmt.Sprintf("Username %s is already taken.", username))
		}
		return s.sendError(sess, err.Error())
	}

	sess.state = stateActive
	log.Printf("[LOGIN] %s logged in (session %s)", username, sess.ID)

	if err := s.broadcast(username, protocol.SystemEnvelope(fmt.Sprintf("%s has joined the chat.", username)), nil); err != nil {
		return err
	}
	return s.broadcastOnlineStatus()
}

// validateUsername returns a user-facing reason the name cannot be used,
// or "" if it is acceptable.
func (s *Server) validateUsername(username string) string {
	if strings.TrimSpace(username) == "" {
		return "Username must not be empty."
	}
	if limit := s.config.MaxUsernameLength; limit > 0 && len(username) > limit {
		return fmt.Sprintf("Username must be at most %d bytes.", limit)
	}
	// Whisper targets are split on spaces
	if strings.IndexFunc(username, unicode.IsSpace) >= 0 {
		return "Username must not contain spaces."
	}
	if username == protocol.SystemSender {
		return fmt.Sprintf("Username %s is reserved.", username)
	}
	return ""
}

// handleChatMessage relays a chat line, or routes it privately when it
// starts with "/w ".
func (s *Server) handleChatMessage(sess *Session, env *protocol.Envelope) error {
	if limit := s.config.MaxMessageLength; limit > 0 && len(env.Message) > limit {
		return s.sendError(sess, fmt.Sprintf("Message exceeds %d bytes.", limit))
	}

	if strings.HasPrefix(env.Message, whisperPrefix) {
		return s.handleWhisper(sess, env.Message)
	}

	username := sess.Username()
	return s.broadcast(username, &protocol.Envelope{
		Type:    protocol.TypeMessage,
		Sender:  username,
		Message: env.Message,
	}, nil)
}

// handleWhisper delivers "/w <target> <text>" to target only
func (s *Server) handleWhisper(sess *Session, text string) error {
	parts := strings.SplitN(text, " ", 3)
	if len(parts) < 3 {
		return s.sendError(sess, "Invalid whisper format.")
	}
	targetName, body := parts[1], parts[2]

	target, ok := s.sessions.Lookup(targetName)
	if !ok {
		return s.sendError(sess, fmt.Sprintf("User %s not found.", targetName))
	}

	whisper := &protocol.Envelope{
		Type:    protocol.TypeWhisper,
		Sender:  sess.Username(),
		Message: body,
	}
	if err := s.sendTo(target, whisper, nil); err != nil {
		// The target's own handler cleans up once its stream is closed
		target.Conn.Close()
	}
	return nil
}

// handlePartialMessage relays a typing indicator. Commands in progress
// (text starting with "/") are not shown to others.
func (s *Server) handlePartialMessage(sess *Session, env *protocol.Envelope) error {
	if strings.HasPrefix(env.Message, "/") {
		return nil
	}
	if limit := s.config.MaxMessageLength; limit > 0 && len(env.Message) > limit {
		return nil
	}

	username := sess.Username()
	return s.broadcast(username, &protocol.Envelope{
		Type:    protocol.TypePartialMessage,
		Sender:  username,
		Message: env.Message,
	}, nil)
}

// handleLogout unregisters the user, announces the departure and ends
// the connection.
func (s *Server) handleLogout(sess *Session, env *protocol.Envelope) error {
	username := sess.Username()
	if s.sessions.Logout(username) {
		log.Printf("[LOGOUT] %s logged out (session %s)", username, sess.ID)
		s.announceDeparture(username)
	}
	sess.state = stateClosed
	return ErrClientDisconnecting
}

// handleBinaryMessage reads the binary frame that follows a sticker or
// drawing envelope and relays the pair to everyone else.
func (s *Server) handleBinaryMessage(sess *Session, env *protocol.Envelope) error {
	binary, err := sess.Conn.ReadFrame()
	if err != nil {
		return fmt.Errorf("read %s payload: %w", env.Type, err)
	}

	username := sess.Username()
	debugLog.Printf("Session %s: relaying %s from %s (%d bytes)", sess.ID, env.Type, username, len(binary))

	return s.broadcast(username, &protocol.Envelope{
		Type:   env.Type,
		Sender: username,
	}, binary)
}

// announceDeparture tells every remaining user that username left
func (s *Server) announceDeparture(username string) {
	if err := s.broadcast("", protocol.SystemEnvelope(fmt.Sprintf("%s has left the chat.", username)), nil); err != nil {
		errorLog.Printf("Departure notice for %s: %v", username, err)
		return
	}
	if err := s.broadcastOnlineStatus(); err != nil {
		errorLog.Printf("Online status after %s left: %v", username, err)
	}
}

// sendError sends an error envelope to a single session
func (s *Server) sendError(sess *Session, message string) error {
	return s.sendTo(sess, protocol.ErrorEnvelope(message), nil)
}

// metricsTypeLabel bounds label cardinality to the protocol's types
func metricsTypeLabel(t protocol.MessageType) string {
	if t.Known() {
		return string(t)
	}
	return "unknown"
}
