// Package main provides a CI-friendly WebSocket smoke test for Herald realtime.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/ack session establishment and initial catch-up
//   - name_set and room join confirmation
//   - send -> ack, fanout message_new to another client
//   - idempotent resend acknowledged as duplicate without rebroadcast
//   - reconnect with last_offset replays the missed record
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "herald/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	defaultSubprotocol = "herald.realtime.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name     string
	conn     *websocket.Conn
	identity string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		room    = flag.String("room", "smoke", "Room to join")
		content = flag.String("text", "hello herald", "Message content to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()
	topic := "room:" + *room

	a := mustConnect(root, "A", *wsURL, *origin, "", nil, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, "", nil, *timeout)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.identity, b.identity, *origin)
	}

	for _, c := range []*smokeClient{a, b} {
		c.mustSend(root, v1.TypeNameSet, v1.NameSetPayload{Name: "smoke-" + c.name}, *timeout)
		c.mustSend(root, v1.TypeRoomJoin, v1.RoomPayload{Room: *room}, *timeout)
		c.mustReadUntilType(root, v1.TypeRoomJoined, *timeout)
	}

	key := fmt.Sprintf("smoke-%d", time.Now().UnixNano())
	send := v1.MessageSendPayload{IdempotencyKey: key, Content: *content, Topic: topic}

	a.mustSend(root, v1.TypeMessageSend, send, *timeout)
	ack := mustDecode[v1.MessageAckPayload](a.mustReadUntilType(root, v1.TypeMessageAck, *timeout))
	if ack.IdempotencyKey != key || ack.Offset <= 0 || ack.Duplicate {
		fatalf("unexpected ack: %+v", ack)
	}

	mustAssertNew(root, b, ack.Offset, key, a.identity, topic, *content, *timeout)

	a.mustSend(root, v1.TypeMessageSend, send, *timeout)
	dup := mustDecode[v1.MessageAckPayload](a.mustReadUntilType(root, v1.TypeMessageAck, *timeout))
	if !dup.Duplicate || dup.Offset != ack.Offset {
		fatalf("dedupe: expected duplicate ack for offset %d, got %+v", ack.Offset, dup)
	}
	mustAssertNoType(root, b, v1.TypeMessageNew, 1200*time.Millisecond)

	// B reconnects as the same identity and must replay the record it "missed".
	closeWS(b.conn)
	last := ack.Offset - 1
	b = mustConnect(root, "B", *wsURL, *origin, b.identity, &last, *timeout)
	defer closeWS(b.conn)

	found := false
	for !found {
		batch := mustDecode[v1.CatchUpBatchPayload](b.mustReadUntilType(root, v1.TypeCatchUpBatch, *timeout))
		for _, m := range batch.Messages {
			if m.Offset == ack.Offset && m.IdempotencyKey == key {
				found = true
			}
		}
		if !batch.HasMore {
			break
		}
	}
	if !found {
		fatalf("catch-up after offset %d did not replay %d", last, ack.Offset)
	}

	fmt.Printf("OK: A=%s B=%s topic=%s offset=%d\n", a.identity, b.identity, topic, ack.Offset)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin, identity string, lastOffset *int64, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	c.mustSend(parent, v1.TypeHello, v1.HelloPayload{Identity: identity, LastOffset: lastOffset}, stepTimeout)

	ack := mustDecode[v1.HelloAckPayload](c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout))
	if strings.TrimSpace(ack.Identity) == "" || strings.TrimSpace(ack.SessionID) == "" {
		fatalf("hello_ack incomplete (%s): %+v", name, ack)
	}
	if identity != "" && ack.Identity != identity {
		fatalf("hello_ack identity mismatch (%s): got=%q want=%q", name, ack.Identity, identity)
	}
	c.identity = ack.Identity

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}
			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				c.fail(fmt.Errorf("unsupported message type: %v", mt))
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func (c *smokeClient) mustSend(parent context.Context, typ string, payload any, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      fmt.Sprintf("%s-%s-%d", c.name, typ, time.Now().UnixNano()),
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
}

func mustAssertNew(parent context.Context, c *smokeClient, offset int64, key, sender, topic, content string, stepTimeout time.Duration) {
	for {
		p := mustDecode[v1.MessageNewPayload](c.mustReadUntilType(parent, v1.TypeMessageNew, stepTimeout))
		if p.Offset < offset {
			// Earlier traffic on a shared server.
			continue
		}
		if p.Offset != offset || p.IdempotencyKey != key {
			fatalf("message_new mismatch (%s): got offset=%d key=%q want offset=%d key=%q", c.name, p.Offset, p.IdempotencyKey, offset, key)
		}
		if p.Sender != sender || p.Topic != topic || p.Content != content {
			fatalf("message_new fields mismatch (%s): %+v", c.name, p)
		}
		if p.CreatedAt.IsZero() {
			fatalf("message_new created_at missing (%s)", c.name)
		}
		return
	}
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				ep := mustDecode[v1.ErrorPayload](env)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

// mustReadUntilType skips presence, typing and other interleaved traffic.
func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				ep := mustDecode[v1.ErrorPayload](env)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustDecode[T any](env v1.Envelope) T {
	var out T
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		fatalf("unmarshal %s payload: %v", env.Type, err)
	}
	return out
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
