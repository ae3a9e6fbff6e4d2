// Package reactor is the broker: it owns the listening filesystem
// socket and every connected client, multiplexes local commands onto
// the upstream session's request queue, and fans upstream events out
// to the subscribed clients. All of its mutable state (clients,
// pending table, subscriptions, the upstream-connected flag) is
// touched only by the hub goroutine started in Run — reader and
// writer goroutines per client move bytes but never decide anything,
// which is the Go channel-and-hub translation of spec.md §5's
// single-threaded event loop.
package reactor

import (
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/wozt/goofydeck/internal/jsonutil"
	"github.com/wozt/goofydeck/internal/upstream"
)

// Config bundles the reactor's externally configurable knobs.
type Config struct {
	SocketPath string
	SocketMode os.FileMode
}

// Broker is the broker reactor.
type Broker struct {
	cfg Config

	listener net.Listener
	clients  map[uint64]*client
	nextID   uint64

	pending     *pendingTable
	idGen       *upstream.IDGenerator
	haConnected bool

	reqCh   chan<- upstream.Request
	notifCh <-chan upstream.Notification

	registerCh   chan *client
	disconnectCh chan uint64
	linesCh      chan clientLine
}

// New constructs a Broker. reqCh/notifCh connect it to an
// upstream.Supervise goroutine.
func New(cfg Config, reqCh chan<- upstream.Request, notifCh <-chan upstream.Notification) *Broker {
	return &Broker{
		cfg:          cfg,
		clients:      make(map[uint64]*client),
		pending:      newPendingTable(),
		idGen:        upstream.NewIDGenerator(),
		reqCh:        reqCh,
		notifCh:      notifCh,
		registerCh:   make(chan *client),
		disconnectCh: make(chan uint64),
		linesCh:      make(chan clientLine, 256),
	}
}

// Run listens on cfg.SocketPath and processes clients and upstream
// notifications until stop is closed. It returns any error from
// setting up the listener; once listening begins it runs until
// instructed to stop.
func (b *Broker) Run(stop <-chan struct{}) error {
	mode := b.cfg.SocketMode
	if mode == 0 {
		mode = 0o660
	}
	ln, err := listenUnix(b.cfg.SocketPath, mode)
	if err != nil {
		return fmt.Errorf("reactor: listen: %w", err)
	}
	b.listener = ln
	defer ln.Close()

	acceptStop := make(chan struct{})
	go b.acceptLoop(acceptStop)

	b.hub(stop)

	close(acceptStop)
	ln.Close()
	return nil
}

// acceptLoop accepts connections non-blocking from the reactor's point
// of view: each accepted socket gets its own reader/writer goroutines,
// decoupling slow or stalled clients from the hub.
func (b *Broker) acceptLoop(stop <-chan struct{}) {
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			select {
			case <-stop:
				return
			default:
				slog.Warn("reactor: accept failed", "error", err)
				return
			}
		}

		b.nextID++
		c := newClient(b.nextID, conn)
		go c.readLoop(b.linesCh, b.disconnectCh)
		go c.writeLoop()
		b.registerCh <- c
	}
}

// hub is the single-threaded event loop: every state mutation in the
// broker happens here, on this goroutine, in response to one of four
// event sources.
func (b *Broker) hub(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return

		case c := <-b.registerCh:
			b.clients[c.id] = c
			if b.haConnected {
				c.send([]byte("evt connected\n"))
			} else {
				c.send([]byte("evt disconnected\n"))
			}

		case id := <-b.disconnectCh:
			if c, ok := b.clients[id]; ok {
				delete(b.clients, id)
				b.pending.releaseClient(id)
				c.conn.Close()
				close(c.out)
			}

		case line := <-b.linesCh:
			if c, ok := b.clients[line.clientID]; ok {
				b.handleLine(c, line.text)
			}

		case notif := <-b.notifCh:
			b.handleNotification(notif)
		}
	}
}

// handleNotification applies one UpstreamNotification to broker state
// and/or routes it to the relevant client(s).
func (b *Broker) handleNotification(notif upstream.Notification) {
	switch notif.Kind {
	case upstream.NotifConnected:
		if b.haConnected {
			return // idempotent, spec.md invariant 6
		}
		b.haConnected = true
		b.broadcast([]byte("evt connected\n"))

	case upstream.NotifDisconnected:
		if !b.haConnected {
			return
		}
		b.haConnected = false
		b.broadcast([]byte("evt disconnected\n"))

	case upstream.NotifResult:
		b.handleResult(notif)

	case upstream.NotifState:
		b.fanOutState(notif.EntityID, notif.NewState)
	}
}

func (b *Broker) broadcast(msg []byte) {
	for _, c := range b.clients {
		c.send(msg)
	}
}

func (b *Broker) fanOutState(entityID, newStateJSON string) {
	line := []byte(fmt.Sprintf("evt state %s %s\n", entityID, newStateJSON))
	for _, c := range b.clients {
		for _, sub := range c.subs {
			if sub.entityID == entityID {
				c.send(line)
				break
			}
		}
	}
}

func (b *Broker) handleResult(notif upstream.Notification) {
	entry, ok := b.pending.take(notif.ID)
	if !ok {
		return // no matching Pending: discard silently (invariant 2)
	}
	c, ok := b.clients[entry.clientID]
	if !ok {
		return // originating client is gone: reap without replying
	}

	if !b.haConnected {
		c.send([]byte("err ha_disconnected\n"))
		return
	}

	switch entry.kind {
	case pendingCall:
		if notif.Success {
			c.send([]byte("ok\n"))
		} else {
			c.send([]byte("err ha_error\n"))
		}

	case pendingGet:
		if !notif.Success {
			c.send([]byte("err ha_error\n"))
			return
		}
		c.send(buildGetReply(notif.Payload, entry.entityID))
	}
}

// buildGetReply locates the state object whose entity_id matches
// target within the get_states result array and frames the reply.
func buildGetReply(statesArrayJSON, target string) []byte {
	_, root, err := jsonutil.Parse(statesArrayJSON)
	if err != nil || root.Kind != jsonutil.KindArray {
		return []byte("err bad_json\n")
	}
	elem, ok := findStateByEntityID(statesArrayJSON, root, target)
	if !ok {
		return []byte("err not_found\n")
	}
	return []byte(fmt.Sprintf("ok %s\n", elem.Raw(statesArrayJSON)))
}

// findStateByEntityID scans a get_states JSON array for the element
// whose "entity_id" string equals target.
func findStateByEntityID(src string, arr jsonutil.Token, target string) (jsonutil.Token, bool) {
	for _, elem := range jsonutil.ArrayElements(src, arr) {
		idTok, ok := jsonutil.FindKey(src, elem, "entity_id")
		if !ok {
			continue
		}
		id, ok := jsonutil.ToString(src, idTok)
		if ok && id == target {
			return elem, true
		}
	}
	return jsonutil.Token{}, false
}
