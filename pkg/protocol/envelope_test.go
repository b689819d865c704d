package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeEncodeOmitsAbsentFields(t *testing.T) {
	tests := []struct {
		name string
		env  Envelope
		want string
	}{
		{
			name: "login",
			env:  Envelope{Type: TypeLogin, Username: "alice"},
			want: `{"type":"login","username":"alice"}`,
		},
		{
			name: "relayed message",
			env:  Envelope{Type: TypeMessage, Sender: "alice", Message: "hi"},
			want: `{"type":"message","sender":"alice","message":"hi"}`,
		},
		{
			name: "sticker header has empty message",
			env:  Envelope{Type: TypeSticker, Sender: "alice"},
			want: `{"type":"sticker","sender":"alice"}`,
		},
		{
			name: "online status",
			env:  Envelope{Type: TypeOnlineStatus, OnlineUsers: []string{"alice", "bob"}},
			want: `{"type":"online_status","online_users":["alice","bob"]}`,
		},
		{
			name: "html characters are not escaped",
			env:  Envelope{Type: TypeMessage, Message: "<b>&</b>"},
			want: `{"type":"message","message":"<b>&</b>"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.env.Encode()
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(data))
			assert.Equal(t, tt.want, string(data))
		})
	}
}

func TestEnvelopeEncodeRequiresType(t *testing.T) {
	_, err := (&Envelope{Message: "orphan"}).Encode()
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestDecodeEnvelope(t *testing.T) {
	t.Run("client sticker header", func(t *testing.T) {
		env, err := DecodeEnvelope([]byte(`{"type": "sticker"}`))
		require.NoError(t, err)
		assert.Equal(t, TypeSticker, env.Type)
		assert.True(t, env.Type.CarriesBinary())
	})

	t.Run("unknown fields are ignored", func(t *testing.T) {
		env, err := DecodeEnvelope([]byte(`{"type":"message","message":"hi","color":"red"}`))
		require.NoError(t, err)
		assert.Equal(t, &Envelope{Type: TypeMessage, Message: "hi"}, env)
	})

	t.Run("unknown type decodes", func(t *testing.T) {
		env, err := DecodeEnvelope([]byte(`{"type":"poke"}`))
		require.NoError(t, err)
		assert.False(t, env.Type.Known())
	})

	malformed := map[string]string{
		"invalid json":     `{"type":`,
		"missing type":     `{"message":"hi"}`,
		"empty type":       `{"type":""}`,
		"non-string type":  `{"type":7}`,
		"json array":       `["login"]`,
		"json null":        `null`,
		"binary garbage":   "\x89PNG\r\n",
		"empty payload":    ``,
		"wrong field type": `{"type":"online_status","online_users":"alice"}`,
	}
	for name, payload := range malformed {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeEnvelope([]byte(payload))
			assert.ErrorIs(t, err, ErrMalformedEnvelope)
		})
	}
}

func TestEnvelopeEncodeTo(t *testing.T) {
	buf := new(bytes.Buffer)
	env := &Envelope{Type: TypePartialMessage, Sender: "bob", Message: "typ"}
	require.NoError(t, env.EncodeTo(buf))

	decoded, err := DecodeEnvelope(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, env, decoded)
}

func TestMessageTypeCarriesBinary(t *testing.T) {
	withBinary := []MessageType{TypeSticker, TypeDrawing}
	without := []MessageType{TypeLogin, TypeMessage, TypePartialMessage, TypeLogout,
		TypeWhisper, TypeOnlineStatus, TypeError, TypeSystem, MessageType("poke")}

	for _, mt := range withBinary {
		assert.True(t, mt.CarriesBinary(), mt)
		assert.True(t, mt.Known(), mt)
	}
	for _, mt := range without {
		assert.False(t, mt.CarriesBinary(), mt)
	}
}

func TestServerEnvelopes(t *testing.T) {
	assert.Equal(t, &Envelope{Type: TypeSystem, Sender: SystemSender, Message: "alice has joined the chat."},
		SystemEnvelope("alice has joined the chat."))
	assert.Equal(t, &Envelope{Type: TypeError, Sender: SystemSender, Message: "User bob not found."},
		ErrorEnvelope("User bob not found."))

	input := []string{"carol", "alice", "bob"}
	status := OnlineStatusEnvelope(input)
	assert.Equal(t, []string{"alice", "bob", "carol"}, status.OnlineUsers)
	assert.Equal(t, []string{"carol", "alice", "bob"}, input, "input must not be reordered")
}
