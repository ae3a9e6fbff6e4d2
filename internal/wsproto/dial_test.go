package wsproto

import (
	"bufio"
	"net"
	"net/textproto"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Endpoint
		wantErr bool
	}{
		{
			name: "ws with explicit port and path",
			raw:  "ws://homeassistant.local:8123/api/websocket",
			want: Endpoint{TLS: false, Host: "homeassistant.local:8123", Path: "/api/websocket"},
		},
		{
			name: "wss default port",
			raw:  "wss://ha.example.com",
			want: Endpoint{TLS: true, Host: "ha.example.com:443", Path: "/api/websocket"},
		},
		{
			name: "ws default port",
			raw:  "ws://ha.example.com",
			want: Endpoint{TLS: false, Host: "ha.example.com:80", Path: "/api/websocket"},
		},
		{
			name: "root path treated as default",
			raw:  "ws://ha.example.com/",
			want: Endpoint{TLS: false, Host: "ha.example.com:80", Path: "/api/websocket"},
		},
		{
			name: "custom path preserved",
			raw:  "ws://ha.example.com:8123/custom/path",
			want: Endpoint{TLS: false, Host: "ha.example.com:8123", Path: "/custom/path"},
		},
		{
			name:    "unrecognized scheme",
			raw:     "http://ha.example.com",
			wantErr: true,
		},
		{
			name:    "missing host",
			raw:     "ws://",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseEndpoint(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEndpointScheme(t *testing.T) {
	assert.Equal(t, "https", Endpoint{TLS: true}.Scheme())
	assert.Equal(t, "http", Endpoint{TLS: false}.Scheme())
}

// TestDialUpgradeRejectsBadAccept spins up a bare TCP listener that plays
// the server side of the handshake but returns a bogus Sec-WebSocket-Accept,
// exercising the accept-key verification spec.md §8 property 6 requires.
func TestDialUpgradeRejectsBadAccept(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		tp := textproto.NewReader(bufio.NewReader(conn))
		_, _ = tp.ReadLine()
		_, _ = tp.ReadMIMEHeader()

		conn.Write([]byte("HTTP/1.1 101 Switching Protocols\r\n" +
			"Upgrade: websocket\r\n" +
			"Connection: Upgrade\r\n" +
			"Sec-WebSocket-Accept: not-the-right-value\r\n\r\n"))
	}()

	ep := Endpoint{TLS: false, Host: ln.Addr().String(), Path: "/api/websocket"}
	_, err = Dial(ep, 2*time.Second)
	assert.Error(t, err)
	<-serverDone
}

// TestDialUpgradeAcceptsValidHandshake exercises the full client side of
// the upgrade against a minimal server that computes the real accept value.
func TestDialUpgradeAcceptsValidHandshake(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		tp := textproto.NewReader(bufio.NewReader(conn))
		_, _ = tp.ReadLine()
		header, err := tp.ReadMIMEHeader()
		if err != nil {
			return
		}
		key := header.Get("Sec-Websocket-Key")
		accept := computeAccept(key)

		conn.Write([]byte("HTTP/1.1 101 Switching Protocols\r\n" +
			"Upgrade: websocket\r\n" +
			"Connection: Upgrade\r\n" +
			"Sec-WebSocket-Accept: " + accept + "\r\n\r\n"))
	}()

	ep := Endpoint{TLS: false, Host: ln.Addr().String(), Path: "/api/websocket"}
	conn, err := Dial(ep, 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()
	<-serverDone
}
