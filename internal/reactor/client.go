package reactor

import (
	"bufio"
	"log/slog"
	"net"
	"time"
)

// maxLineLength is the bound on a single command line (spec.md §6):
// oversize input is truncated to this length before parsing rather
// than disconnecting the client.
const maxLineLength = 2 * 1024

// maxSubscriptions is the per-client subscription cap (spec.md §3).
const maxSubscriptions = 256

// writeRetryDeadline is how long a single write attempt waits before
// being retried; this is the Go analogue of spec.md's "writes that
// return EAGAIN are retried after a brief poll (≤500ms)" — a blocking
// net.Conn never returns EAGAIN to its caller, so a short write
// deadline plays the same role of giving a slow client time to drain.
const writeRetryDeadline = 500 * time.Millisecond

// subscription is one (sub_id, entity_id) pair held by a client.
type subscription struct {
	subID    int
	entityID string
}

// client is one connected local socket. It is exclusively owned by the
// hub goroutine for all state (subs, nextSubID) — the reader and
// writer goroutines only move bytes, never touch broker state.
type client struct {
	id   uint64
	conn net.Conn
	out  chan []byte

	subs      []subscription
	nextSubID int

	closed bool
}

func newClient(id uint64, conn net.Conn) *client {
	return &client{
		id:   id,
		conn: conn,
		out:  make(chan []byte, 64),
	}
}

// readLoop reads LF-terminated commands and forwards each trimmed line
// to the hub via lines. It returns (and signals disconnect via done)
// on EOF or any read error.
func (c *client) readLoop(lines chan<- clientLine, done chan<- uint64) {
	reader := bufio.NewReaderSize(c.conn, maxLineLength)
	var buf []byte
	for {
		chunk, isPrefix, err := reader.ReadLine()
		if err != nil {
			done <- c.id
			return
		}
		buf = append(buf, chunk...)
		if len(buf) > maxLineLength {
			// Bounded-buffer overflow: keep the first maxLineLength
			// bytes, discard the rest of the line up to its newline and
			// parse what was kept, rather than disconnecting the client.
			buf = buf[:maxLineLength]
		}
		if isPrefix {
			continue
		}
		line := string(buf)
		buf = buf[:0]
		lines <- clientLine{clientID: c.id, text: line}
	}
}

// writeLoop serializes writes to the client socket from out, so the
// hub goroutine never blocks on a slow reader.
func (c *client) writeLoop() {
	for msg := range c.out {
		if err := c.writeAll(msg); err != nil {
			slog.Debug("client write failed, closing", "client", c.id, "error", err)
			c.conn.Close()
			return
		}
	}
}

func (c *client) writeAll(msg []byte) error {
	for {
		if err := c.conn.SetWriteDeadline(time.Now().Add(writeRetryDeadline)); err != nil {
			return err
		}
		_, err := c.conn.Write(msg)
		if err == nil {
			return nil
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			continue
		}
		return err
	}
}

// send enqueues msg for delivery, dropping it if the client's outbound
// buffer is saturated rather than blocking the hub goroutine.
func (c *client) send(msg []byte) {
	select {
	case c.out <- msg:
	default:
		slog.Debug("client outbound buffer full, dropping message", "client", c.id)
	}
}

type clientLine struct {
	clientID uint64
	text     string
}
