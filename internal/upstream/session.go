package upstream

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/wozt/goofydeck/internal/jsonutil"
	"github.com/wozt/goofydeck/internal/wsproto"
)

// pollInterval is how long the steady-state loop waits for an incoming
// frame before looping back to check the input channel again. Spec.md
// §4.2 recommends 50ms so outbound requests stay responsive even when
// the upstream is quiet.
const pollInterval = 50 * time.Millisecond

// handshakeTimeout bounds each blocking read during the auth/subscribe
// handshake.
const handshakeTimeout = 10 * time.Second

// dialTimeout bounds the TCP connect + TLS + HTTP upgrade.
const dialTimeout = 10 * time.Second

// runSession drives one connection attempt end to end:
// dial -> upgrade -> auth_required/auth/auth_ok -> subscribe_events ->
// steady state. It returns when the connection ends, for any reason;
// the caller (the supervisor) decides whether and when to retry.
func runSession(endpointURL, token string, reqCh <-chan Request, notifCh chan<- Notification, stop <-chan struct{}) error {
	ep, err := wsproto.ParseEndpoint(endpointURL)
	if err != nil {
		return fmt.Errorf("upstream: parsing endpoint: %w", err)
	}

	conn, err := wsproto.Dial(ep, dialTimeout)
	if err != nil {
		return fmt.Errorf("upstream: dial: %w", err)
	}
	defer conn.Close()

	if err := authenticate(conn, token); err != nil {
		return fmt.Errorf("upstream: authentication: %w", err)
	}

	if err := subscribeEvents(conn); err != nil {
		return fmt.Errorf("upstream: subscribe: %w", err)
	}

	slog.Info("upstream session ready")
	notifCh <- Notification{Kind: NotifConnected}

	return steadyState(conn, reqCh, notifCh, stop)
}

// authenticate implements HTTP_UPGRADED -> AWAIT_AUTH_REQUIRED ->
// AUTH_SENT -> AWAIT_AUTH_OK; the earlier TCP connect and HTTP upgrade
// are done by wsproto.Dial.
func authenticate(conn *wsproto.Conn, token string) error {
	msgType, _, err := readTypedMessage(conn, handshakeTimeout)
	if err != nil {
		return err
	}
	if msgType != "auth_required" {
		return fmt.Errorf("expected auth_required, got %q", msgType)
	}

	authMsg := fmt.Sprintf(`{"type":"auth","access_token":"%s"}`, jsonutil.EscapeString(token))
	if err := conn.WriteMessage([]byte(authMsg)); err != nil {
		return fmt.Errorf("sending auth: %w", err)
	}

	msgType, _, err = readTypedMessage(conn, handshakeTimeout)
	if err != nil {
		return err
	}
	if msgType != "auth_ok" {
		return fmt.Errorf("expected auth_ok, got %q", msgType)
	}
	return nil
}

// subscribeEvents implements SUBSCRIBED -> READY: the fixed correlation
// id 1 is reserved exclusively for this subscription (spec.md §3
// invariant 1).
func subscribeEvents(conn *wsproto.Conn) error {
	msg := fmt.Sprintf(`{"id":%d,"type":"subscribe_events","event_type":"state_changed"}`, subscriptionCorrelationID)
	if err := conn.WriteMessage([]byte(msg)); err != nil {
		return fmt.Errorf("sending subscribe_events: %w", err)
	}
	return nil
}

// readTypedMessage reads one text frame within deadline and returns its
// "type" field plus the parsed document for further field lookups.
// Non-text frames during the handshake are treated as protocol errors.
func readTypedMessage(conn *wsproto.Conn, deadline time.Duration) (string, jsonutil.Doc, error) {
	if err := conn.SetReadDeadline(time.Now().Add(deadline)); err != nil {
		return "", jsonutil.Doc{}, fmt.Errorf("setting read deadline: %w", err)
	}
	frame, err := conn.ReadFrame()
	if err != nil {
		return "", jsonutil.Doc{}, fmt.Errorf("reading frame: %w", err)
	}
	if frame.Opcode != wsproto.OpText {
		return "", jsonutil.Doc{}, fmt.Errorf("expected text frame during handshake, got opcode %d", frame.Opcode)
	}

	text := string(frame.Payload)
	doc, root, err := jsonutil.Parse(text)
	if err != nil {
		return "", jsonutil.Doc{}, fmt.Errorf("parsing handshake message: %w", err)
	}
	typeTok, ok := jsonutil.FindKey(text, root, "type")
	if !ok {
		return "", jsonutil.Doc{}, fmt.Errorf("handshake message missing \"type\"")
	}
	typeStr, _ := jsonutil.ToString(text, typeTok)
	return typeStr, doc, nil
}

// steadyState runs the multiplexed request/response + event stream
// loop described in spec.md §4.2. Each turn: a non-blocking pull of one
// outbound Request, then a bounded poll for one inbound frame.
func steadyState(conn *wsproto.Conn, reqCh <-chan Request, notifCh chan<- Notification, stop <-chan struct{}) error {
	for {
		select {
		case <-stop:
			return nil
		case req := <-reqCh:
			if err := sendRequest(conn, req); err != nil {
				slog.Warn("upstream: send failed, surfacing synthetic failure", "id", req.ID, "error", err)
				notifCh <- Notification{Kind: NotifResult, ID: req.ID, Success: false}
				return fmt.Errorf("upstream: sending request: %w", err)
			}
		default:
		}

		if err := conn.SetReadDeadline(time.Now().Add(pollInterval)); err != nil {
			return fmt.Errorf("upstream: setting read deadline: %w", err)
		}
		frame, err := conn.ReadFrame()
		if err != nil {
			if wsproto.IsTimeout(err) {
				continue
			}
			return fmt.Errorf("upstream: reading frame: %w", err)
		}

		if err := dispatchFrame(conn, frame, notifCh); err != nil {
			slog.Warn("upstream: dropping malformed frame", "error", err)
		}
	}
}

func sendRequest(conn *wsproto.Conn, req Request) error {
	switch req.Kind {
	case ReqCallService:
		data := req.ServiceData
		if data == "" {
			data = "{}"
		}
		msg := fmt.Sprintf(`{"id":%d,"type":"call_service","domain":"%s","service":"%s","service_data":%s}`,
			req.ID, jsonutil.EscapeString(req.Domain), jsonutil.EscapeString(req.Service), data)
		return conn.WriteMessage([]byte(msg))
	case ReqGetStates:
		msg := fmt.Sprintf(`{"id":%d,"type":"get_states"}`, req.ID)
		return conn.WriteMessage([]byte(msg))
	default:
		return fmt.Errorf("unknown request kind %d", req.Kind)
	}
}

// dispatchFrame parses one inbound frame and either replies to a
// control ping, emits a RESULT notification, or emits a STATE
// notification for the reserved subscription id. Non-text frames and
// events for a different id are dropped silently; a malformed message
// is dropped too, but reported as an error, which the caller logs.
func dispatchFrame(conn *wsproto.Conn, frame wsproto.Frame, notifCh chan<- Notification) error {
	switch frame.Opcode {
	case wsproto.OpPing:
		return conn.Pong(frame.Payload)
	case wsproto.OpText:
		// fall through below
	default:
		return nil
	}

	text := string(frame.Payload)
	_, root, err := jsonutil.Parse(text)
	if err != nil {
		return fmt.Errorf("parsing message: %w", err)
	}
	typeTok, ok := jsonutil.FindKey(text, root, "type")
	if !ok {
		return fmt.Errorf("message missing \"type\"")
	}
	msgType, _ := jsonutil.ToString(text, typeTok)

	switch msgType {
	case "result":
		return dispatchResult(text, root, notifCh)
	case "event":
		return dispatchEvent(text, root, notifCh)
	default:
		return nil
	}
}

func dispatchResult(text string, root jsonutil.Token, notifCh chan<- Notification) error {
	idTok, ok := jsonutil.FindKey(text, root, "id")
	if !ok {
		return fmt.Errorf("result missing \"id\"")
	}
	id, ok := jsonutil.ToInt(text, idTok)
	if !ok {
		return fmt.Errorf("result \"id\" not an integer")
	}

	success := false
	if successTok, ok := jsonutil.FindKey(text, root, "success"); ok {
		success, _ = jsonutil.ToBool(text, successTok)
	}

	var payload string
	if resultTok, ok := jsonutil.FindKey(text, root, "result"); ok {
		payload = resultTok.Raw(text)
	}

	notifCh <- Notification{Kind: NotifResult, ID: id, Success: success, Payload: payload}
	return nil
}

func dispatchEvent(text string, root jsonutil.Token, notifCh chan<- Notification) error {
	idTok, ok := jsonutil.FindKey(text, root, "id")
	if !ok {
		return fmt.Errorf("event missing \"id\"")
	}
	id, ok := jsonutil.ToInt(text, idTok)
	if !ok || id != subscriptionCorrelationID {
		return nil // not our state_changed subscription; drop.
	}

	eventTok, ok := jsonutil.FindKey(text, root, "event")
	if !ok {
		return nil
	}
	dataTok, ok := jsonutil.FindKey(text, eventTok, "data")
	if !ok {
		return nil
	}
	entityTok, ok := jsonutil.FindKey(text, dataTok, "entity_id")
	if !ok {
		return nil
	}
	entityID, ok := jsonutil.ToString(text, entityTok)
	if !ok {
		return nil
	}
	newStateTok, ok := jsonutil.FindKey(text, dataTok, "new_state")
	if !ok {
		return nil
	}

	notifCh <- Notification{Kind: NotifState, EntityID: entityID, NewState: newStateTok.Raw(text)}
	return nil
}
