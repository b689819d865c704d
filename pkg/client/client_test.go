package client

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/lanchat/pkg/protocol"
)

// pipeClient returns a client on one end of a net.Pipe and the raw
// server end
func pipeClient(t *testing.T) (*Client, net.Conn) {
	t.Helper()
	clientEnd, serverEnd := net.Pipe()
	c := New(clientEnd)
	t.Cleanup(func() {
		c.Close()
		serverEnd.Close()
	})
	return c, serverEnd
}

// writeEnvelope plays the server side; errors surface as a failed
// Receive on the client.
func writeEnvelope(conn net.Conn, env *protocol.Envelope) {
	payload, err := env.Encode()
	if err != nil {
		return
	}
	protocol.WriteFrame(conn, payload)
}

func TestSendBeforeLogin(t *testing.T) {
	c, _ := pipeClient(t)

	assert.ErrorIs(t, c.SendMessage("hi"), ErrNotLoggedIn)
	assert.ErrorIs(t, c.Whisper("bob", "hi"), ErrNotLoggedIn)
	assert.ErrorIs(t, c.Typing("h"), ErrNotLoggedIn)
	assert.ErrorIs(t, c.SendSticker([]byte{1}), ErrNotLoggedIn)
	assert.ErrorIs(t, c.SendDrawing([]byte{1}), ErrNotLoggedIn)
	assert.ErrorIs(t, c.Logout(), ErrNotLoggedIn)
}

func TestLoginAndWaitAccepted(t *testing.T) {
	c, server := pipeClient(t)

	go func() {
		payload, err := protocol.ReadFrame(server, 0)
		if err != nil {
			return
		}
		env, err := protocol.DecodeEnvelope(payload)
		if err != nil || env.Type != protocol.TypeLogin {
			return
		}
		writeEnvelope(server, protocol.OnlineStatusEnvelope([]string{env.Username, "bob"}))
	}()

	users, err := c.LoginAndWait("alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, users)
	assert.Equal(t, "alice", c.Username())
}

func TestLoginAndWaitRejected(t *testing.T) {
	c, server := pipeClient(t)

	go func() {
		if _, err := protocol.ReadFrame(server, 0); err != nil {
			return
		}
		writeEnvelope(server, protocol.ErrorEnvelope("Username alice is already taken."))
	}()

	_, err := c.LoginAndWait("alice")
	require.ErrorIs(t, err, ErrLoginRejected)
	assert.Contains(t, err.Error(), "already taken")
	assert.Empty(t, c.Username())
}

func TestSendMessage(t *testing.T) {
	c, server := pipeClient(t)

	go func() {
		protocol.ReadFrame(server, 0) // login
	}()
	require.NoError(t, c.Login("alice"))

	done := make(chan *protocol.Envelope, 1)
	go func() {
		payload, err := protocol.ReadFrame(server, 0)
		if err != nil {
			close(done)
			return
		}
		env, _ := protocol.DecodeEnvelope(payload)
		done <- env
	}()
	require.NoError(t, c.Whisper("bob", "psst"))

	env := <-done
	require.NotNil(t, env)
	assert.Equal(t, protocol.TypeMessage, env.Type)
	assert.Equal(t, "/w bob psst", env.Message)
}

func TestSendStickerWritesTwoFrames(t *testing.T) {
	c, server := pipeClient(t)

	go func() {
		protocol.ReadFrame(server, 0) // login
	}()
	require.NoError(t, c.Login("alice"))

	type result struct {
		env    *protocol.Envelope
		binary []byte
	}
	done := make(chan result, 1)
	go func() {
		var r result
		payload, err := protocol.ReadFrame(server, 0)
		if err == nil {
			r.env, _ = protocol.DecodeEnvelope(payload)
			r.binary, _ = protocol.ReadFrame(server, 0)
		}
		done <- r
	}()

	image := []byte{0x89, 'P', 'N', 'G'}
	require.NoError(t, c.SendSticker(image))

	r := <-done
	require.NotNil(t, r.env)
	assert.Equal(t, protocol.TypeSticker, r.env.Type)
	assert.Equal(t, image, r.binary)
}

func TestReceivePairsBinary(t *testing.T) {
	c, server := pipeClient(t)

	go func() {
		writeEnvelope(server, &protocol.Envelope{Type: protocol.TypeDrawing, Sender: "bob"})
		protocol.WriteFrame(server, []byte{1, 2, 3})
		writeEnvelope(server, &protocol.Envelope{Type: protocol.TypeMessage, Sender: "bob", Message: "after"})
	}()

	in, err := c.Receive()
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeDrawing, in.Type)
	assert.Equal(t, "bob", in.Sender)
	assert.Equal(t, []byte{1, 2, 3}, in.Binary)

	in, err = c.Receive()
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeMessage, in.Type)
	assert.Equal(t, "after", in.Message)
	assert.Nil(t, in.Binary)
}

func TestListenStopsAtEndOfStream(t *testing.T) {
	c, server := pipeClient(t)

	go func() {
		writeEnvelope(server, protocol.SystemEnvelope("bob has joined the chat."))
		writeEnvelope(server, protocol.SystemEnvelope("Server is shutting down."))
		server.Close()
	}()

	var got []string
	err := c.Listen(func(in *Incoming) {
		got = append(got, in.Message)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"bob has joined the chat.", "Server is shutting down."}, got)
}

func TestSendAfterClose(t *testing.T) {
	c, _ := pipeClient(t)

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Login("alice"), ErrClosed)
	assert.NoError(t, c.Close())
}

func TestByteCounters(t *testing.T) {
	c, server := pipeClient(t)

	go func() {
		protocol.ReadFrame(server, 0)
	}()
	require.NoError(t, c.Login("al"))

	// {"type":"login","username":"al"} plus the length prefix
	assert.Equal(t, uint64(4+len(`{"type":"login","username":"al"}`)), c.BytesSent())
}
