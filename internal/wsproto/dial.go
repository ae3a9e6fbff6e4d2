package wsproto

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/textproto"
	"strings"
	"time"
)

// acceptGUID is fixed by RFC 6455 §1.3.
const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// Endpoint is a parsed upstream URL: scheme selects TLS on/off, Host
// includes an explicit port, Path defaults to /api/websocket.
type Endpoint struct {
	TLS  bool
	Host string // host:port
	Path string
}

// ParseEndpoint parses a URL of the form "ws://host[:port][/path]" or
// "wss://host[:port][/path]". Port defaults to 80/443 by scheme; path
// defaults to (and "/" is treated as) "/api/websocket".
func ParseEndpoint(raw string) (Endpoint, error) {
	var ep Endpoint
	switch {
	case strings.HasPrefix(raw, "wss://"):
		ep.TLS = true
		raw = raw[len("wss://"):]
	case strings.HasPrefix(raw, "ws://"):
		ep.TLS = false
		raw = raw[len("ws://"):]
	default:
		return Endpoint{}, fmt.Errorf("wsproto: unrecognized scheme in %q", raw)
	}

	hostPort := raw
	path := "/api/websocket"
	if i := strings.IndexByte(raw, '/'); i >= 0 {
		hostPort = raw[:i]
		if p := raw[i:]; p != "/" && p != "" {
			path = p
		}
	}
	if hostPort == "" {
		return Endpoint{}, fmt.Errorf("wsproto: missing host in %q", raw)
	}

	host, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		host = hostPort
		if ep.TLS {
			port = "443"
		} else {
			port = "80"
		}
	}
	ep.Host = net.JoinHostPort(host, port)
	ep.Path = path
	return ep, nil
}

// Scheme returns "https" or "http" matching ep.TLS, used to synthesize
// the Origin header.
func (ep Endpoint) Scheme() string {
	if ep.TLS {
		return "https"
	}
	return "http"
}

// Conn is an established, upgraded WebSocket client connection.
type Conn struct {
	nc     net.Conn
	br     *bufio.Reader
	origin string
}

// Dial opens a TCP (optionally TLS) connection to ep and performs the
// HTTP upgrade handshake. TLS verification is disabled: the operator
// trust boundary for this broker is local, not the upstream's CA chain.
func Dial(ep Endpoint, dialTimeout time.Duration) (*Conn, error) {
	rawConn, err := net.DialTimeout("tcp", ep.Host, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("wsproto: tcp dial: %w", err)
	}

	// The same timeout also bounds the TLS handshake and HTTP upgrade.
	if err := rawConn.SetDeadline(time.Now().Add(dialTimeout)); err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("wsproto: setting handshake deadline: %w", err)
	}

	var nc net.Conn = rawConn
	if ep.TLS {
		host, _, _ := net.SplitHostPort(ep.Host)
		tlsConn := tls.Client(rawConn, &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: true,
		})
		if err := tlsConn.Handshake(); err != nil {
			rawConn.Close()
			return nil, fmt.Errorf("wsproto: tls handshake: %w", err)
		}
		nc = tlsConn
	}

	c := &Conn{nc: nc, br: bufio.NewReader(nc), origin: fmt.Sprintf("%s://%s", ep.Scheme(), ep.Host)}
	if err := c.upgrade(ep); err != nil {
		nc.Close()
		return nil, err
	}
	if err := nc.SetDeadline(time.Time{}); err != nil {
		nc.Close()
		return nil, fmt.Errorf("wsproto: clearing handshake deadline: %w", err)
	}
	return c, nil
}

func (c *Conn) upgrade(ep Endpoint) error {
	key, err := newClientKey()
	if err != nil {
		return err
	}

	var req bytes.Buffer
	fmt.Fprintf(&req, "GET %s HTTP/1.1\r\n", ep.Path)
	fmt.Fprintf(&req, "Host: %s\r\n", ep.Host)
	fmt.Fprintf(&req, "Upgrade: websocket\r\n")
	fmt.Fprintf(&req, "Connection: Upgrade\r\n")
	fmt.Fprintf(&req, "Sec-WebSocket-Key: %s\r\n", key)
	fmt.Fprintf(&req, "Sec-WebSocket-Version: 13\r\n")
	fmt.Fprintf(&req, "Origin: %s\r\n", c.origin)
	fmt.Fprintf(&req, "\r\n")

	if _, err := c.nc.Write(req.Bytes()); err != nil {
		return fmt.Errorf("wsproto: sending upgrade request: %w", err)
	}

	tp := textproto.NewReader(c.br)
	statusLine, err := tp.ReadLine()
	if err != nil {
		return fmt.Errorf("wsproto: reading status line: %w", err)
	}
	if !strings.HasPrefix(statusLine, "HTTP/1.1 101") && !strings.HasPrefix(statusLine, "HTTP/1.0 101") {
		return fmt.Errorf("wsproto: upgrade rejected: %q", statusLine)
	}

	header, err := tp.ReadMIMEHeader()
	if err != nil {
		return fmt.Errorf("wsproto: reading upgrade headers: %w", err)
	}

	accept := header.Get("Sec-Websocket-Accept")
	if accept == "" {
		return fmt.Errorf("wsproto: upgrade response missing Sec-WebSocket-Accept")
	}

	want := computeAccept(key)
	if accept != want {
		return fmt.Errorf("wsproto: Sec-WebSocket-Accept mismatch")
	}

	return nil
}

func computeAccept(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(acceptGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// WriteMessage sends payload as a single text frame. Safe to call from
// one goroutine at a time; the session task owns the Conn exclusively.
func (c *Conn) WriteMessage(payload []byte) error {
	return WriteTextFrame(c.nc, payload)
}

// SetReadDeadline forwards to the underlying connection, used by the
// session task to bound each poll-for-a-frame turn.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.nc.SetReadDeadline(t)
}

// SetWriteDeadline forwards to the underlying connection.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.nc.SetWriteDeadline(t)
}

// ReadFrame reads one frame. It does not answer pings itself: the caller
// (see session.go) replies with Pong, so the caller retains control over
// logging and disconnect semantics.
func (c *Conn) ReadFrame() (Frame, error) {
	return ReadFrame(c.br)
}

// Pong replies to a ping, echoing payload.
func (c *Conn) Pong(payload []byte) error {
	return WritePong(c.nc, payload)
}

// Close sends a close frame (best effort) and closes the socket.
func (c *Conn) Close() error {
	_ = WriteClose(c.nc, 1000, "")
	return c.nc.Close()
}

// IsTimeout reports whether err is a network timeout, used by the
// session loop to distinguish "no frame within the poll deadline" from
// a real read error.
func IsTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
