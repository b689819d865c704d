package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseServerAddress(t *testing.T) {
	tests := []struct {
		name      string
		address   string
		transport string
		expected  string
	}{
		{
			name:      "bare host gets default TCP port",
			address:   "chat.lan",
			transport: "tcp",
			expected:  "chat.lan:65432",
		},
		{
			name:      "host and port",
			address:   "192.168.1.20:7000",
			transport: "tcp",
			expected:  "192.168.1.20:7000",
		},
		{
			name:      "explicit tcp scheme",
			address:   "tcp://chat.lan:7000",
			transport: "tcp",
			expected:  "chat.lan:7000",
		},
		{
			name:      "bracketed IPv6 without port",
			address:   "[::1]",
			transport: "tcp",
			expected:  "[::1]:65432",
		},
		{
			name:      "WebSocket gets default port and path",
			address:   "ws://chat.lan",
			transport: "ws",
			expected:  "ws://chat.lan:8080/ws",
		},
		{
			name:      "WebSocket keeps custom path",
			address:   "wss://chat.lan:443/relay",
			transport: "ws",
			expected:  "wss://chat.lan:443/relay",
		},
		{
			name:      "surrounding whitespace",
			address:   "  chat.lan:7000 ",
			transport: "tcp",
			expected:  "chat.lan:7000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := parseServerAddress(tt.address)
			require.NoError(t, err)
			assert.Equal(t, tt.transport, cfg.transport)
			assert.Equal(t, tt.expected, cfg.address)
		})
	}
}

func TestParseServerAddressErrors(t *testing.T) {
	for _, address := range []string{"", "   ", "ssh://chat.lan", "tcp://"} {
		_, err := parseServerAddress(address)
		assert.Error(t, err, "address %q", address)
	}
}
