package reactor

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/wozt/goofydeck/internal/jsonutil"
	"github.com/wozt/goofydeck/internal/upstream"
)

// handleLine parses and executes one command line from c. It runs on
// the hub goroutine, so it may freely read and mutate broker and
// client state.
func (b *Broker) handleLine(c *client, line string) {
	if strings.TrimSpace(line) == "" {
		return // empty/whitespace-only commands are ignored
	}
	verb, rest := splitCommand(line)

	switch verb {
	case "ping":
		c.send([]byte("ok\n"))

	case "info":
		if b.haConnected {
			c.send([]byte(`ok {"ws":"connected"}` + "\n"))
		} else {
			c.send([]byte(`ok {"ws":"disconnected"}` + "\n"))
		}

	case "subs":
		c.send(b.buildSubsReply(c))

	case "sub-state":
		b.handleSubState(c, rest)

	case "unsub":
		b.handleUnsub(c, rest)

	case "get":
		b.handleGet(c, rest)

	case "call":
		b.handleCall(c, rest)

	default:
		c.send([]byte("err unknown\n"))
	}
}

func (b *Broker) buildSubsReply(c *client) []byte {
	var sb strings.Builder
	sb.WriteString("ok [")
	for i, sub := range c.subs {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, `{"id":%d,"entity_id":"%s"}`, sub.subID, jsonutil.EscapeString(sub.entityID))
	}
	sb.WriteString("]\n")
	return []byte(sb.String())
}

func (b *Broker) handleSubState(c *client, rest string) {
	entityID, ok := splitOneArg(rest)
	if !ok {
		c.send([]byte("err bad_args\n"))
		return
	}
	if len(c.subs) >= maxSubscriptions {
		c.send([]byte("err too_many\n"))
		return
	}
	c.nextSubID++
	subID := c.nextSubID
	c.subs = append(c.subs, subscription{subID: subID, entityID: entityID})
	c.send([]byte(fmt.Sprintf("ok sub_id=%d\n", subID)))
}

func (b *Broker) handleUnsub(c *client, rest string) {
	arg, ok := splitOneArg(rest)
	if !ok {
		c.send([]byte("err not_found\n"))
		return
	}
	subID, err := strconv.Atoi(arg)
	if err != nil {
		c.send([]byte("err not_found\n"))
		return
	}
	for i, sub := range c.subs {
		if sub.subID == subID {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			c.send([]byte("ok\n"))
			return
		}
	}
	c.send([]byte("err not_found\n"))
}

func (b *Broker) handleGet(c *client, rest string) {
	entityID, ok := splitOneArg(rest)
	if !ok {
		c.send([]byte("err bad_args\n"))
		return
	}
	if !b.haConnected {
		c.send([]byte("err ha_disconnected\n"))
		return
	}
	if !b.pending.hasFree() {
		c.send([]byte("err busy\n"))
		return
	}

	corrID := b.idGen.Next()
	b.pending.alloc(corrID, pendingGet, c.id, entityID)
	b.reqCh <- upstream.Request{ID: corrID, Kind: upstream.ReqGetStates}
}

func (b *Broker) handleCall(c *client, rest string) {
	domain, service, serviceData, ok := splitCallArgs(rest)
	if !ok {
		c.send([]byte("err bad_args\n"))
		return
	}
	if _, _, err := jsonutil.Parse(serviceData); err != nil {
		c.send([]byte("err bad_json\n"))
		return
	}
	if !b.haConnected {
		c.send([]byte("err ha_disconnected\n"))
		return
	}
	if !b.pending.hasFree() {
		c.send([]byte("err busy\n"))
		return
	}

	corrID := b.idGen.Next()
	b.pending.alloc(corrID, pendingCall, c.id, "")
	b.reqCh <- upstream.Request{
		ID:          corrID,
		Kind:        upstream.ReqCallService,
		Domain:      domain,
		Service:     service,
		ServiceData: serviceData,
	}
}
