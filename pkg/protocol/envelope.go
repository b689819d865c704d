package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
)

// MessageType identifies the envelope kind carried in the "type" field
type MessageType string

// Client → Server
const (
	TypeLogin          MessageType = "login"
	TypeMessage        MessageType = "message"
	TypePartialMessage MessageType = "partial_message" // typing indicator, also relayed Server → Client
	TypeLogout         MessageType = "logout"
	TypeSticker        MessageType = "sticker" // followed by one binary frame, both directions
	TypeDrawing        MessageType = "drawing" // followed by one binary frame, both directions
)

// Server → Client
const (
	TypeWhisper      MessageType = "whisper"
	TypeOnlineStatus MessageType = "online_status"
	TypeError        MessageType = "error"
	TypeSystem       MessageType = "system"
)

// SystemSender is the sender name on server-originated envelopes
const SystemSender = "system"

var ErrMalformedEnvelope = errors.New("malformed envelope")

// Envelope is the JSON header of every text frame.
// Format: {"type": ..., "sender": ..., "message": ..., "username": ..., "online_users": [...]}
type Envelope struct {
	Type        MessageType `json:"type"`
	Sender      string      `json:"sender,omitempty"`
	Message     string      `json:"message,omitempty"`
	Username    string      `json:"username,omitempty"`     // login only
	OnlineUsers []string    `json:"online_users,omitempty"` // online_status only
}

// CarriesBinary reports whether an envelope of this type is followed by
// exactly one binary frame on the same stream.
func (t MessageType) CarriesBinary() bool {
	return t == TypeSticker || t == TypeDrawing
}

// Known reports whether t is part of the protocol
func (t MessageType) Known() bool {
	switch t {
	case TypeLogin, TypeMessage, TypePartialMessage, TypeLogout, TypeSticker, TypeDrawing,
		TypeWhisper, TypeOnlineStatus, TypeError, TypeSystem:
		return true
	}
	return false
}

func (e *Envelope) EncodeTo(w io.Writer) error {
	data, err := e.Encode()
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func (e *Envelope) Encode() ([]byte, error) {
	if e.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}
	buf := new(bytes.Buffer)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e); err != nil {
		return nil, err
	}
	// json.Encoder terminates every value with a newline
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func (e *Envelope) Decode(payload []byte) error {
	var decoded Envelope
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if decoded.Type == "" {
		return fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}
	*e = decoded
	return nil
}

// DecodeEnvelope decodes a text frame payload
func DecodeEnvelope(payload []byte) (*Envelope, error) {
	env := &Envelope{}
	if err := env.Decode(payload); err != nil {
		return nil, err
	}
	return env, nil
}

// SystemEnvelope builds an informational notice such as a join or leave line
func SystemEnvelope(message string) *Envelope {
	return &Envelope{Type: TypeSystem, Sender: SystemSender, Message: message}
}

// ErrorEnvelope builds an error reply for a single client
func ErrorEnvelope(message string) *Envelope {
	return &Envelope{Type: TypeError, Sender: SystemSender, Message: message}
}

// OnlineStatusEnvelope builds the online-user list, sorted so every
// recipient renders the same order.
func OnlineStatusEnvelope(usernames []string) *Envelope {
	users := make([]string, len(usernames))
	copy(users, usernames)
	sort.Strings(users)
	return &Envelope{Type: TypeOnlineStatus, OnlineUsers: users}
}
