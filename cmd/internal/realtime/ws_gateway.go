package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	v1 "herald/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	wsSubprotocolV1 = "herald.realtime.v1"

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsDefaultHelloTimeout = 10 * time.Second
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Application close code for a session taken over by a newer connection.
	wsStatusReplaced websocket.StatusCode = 4001
)

// WSGateway is the WebSocket entrypoint for Herald realtime.
//
// It enforces origin policy, subprotocol selection, rate limits, heartbeats,
// and maps validated envelopes to Service operations and Service events back
// to envelopes.
type WSGateway struct {
	log *slog.Logger
	svc *Service
	cfg WSConfig

	origins originPolicy
}

// NewWSGateway constructs a gateway over svc.
// When svc is nil, it falls back to an in-memory Service for dev.
func NewWSGateway(log *slog.Logger, svc *Service, cfg WSConfig) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if svc == nil {
		svc, _ = NewService(log, NewInMemoryStore(), nil, ServiceConfig{})
	}

	cfg = cfg.withDefaults()
	return &WSGateway{
		log:     log,
		svc:     svc,
		cfg:     cfg,
		origins: newOriginPolicy(cfg.OriginRequired, cfg.AllowedOrigins),
	}
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the realtime loop.
//
// The first client envelope must be hello. hello_ack is written before any
// queued event, so catch-up and presence always follow it.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.origins.check(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{wsSubprotocolV1},

		// Authorize allowed origin hosts (e.g. localhost) for cross-origin requests.
		OriginPatterns: g.origins.patterns,

		// Dev-only escape hatch.
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess, err := g.handshake(ctx, conn)
	if err != nil {
		g.log.Info("ws.hello.fail", "remote", r.RemoteAddr, "err", err)
		_ = writeEnvelope(ctx, conn, newErrorEnvelope(errorCode(err), err.Error()), g.cfg.WriteTimeout)
		_ = conn.Close(websocket.StatusPolicyViolation, "hello failed")
		return
	}
	log := g.log.With("session_id", sess.ConnID, "identity", sess.Identity())

	var closeOnce sync.Once

	// shutdown is idempotent. The session outbound queue is never closed.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.svc.Disconnect(context.WithoutCancel(ctx), sess)
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-sess.Done():
				code, reason := closeStatusFor(sess.CloseReason())
				log.Info("ws.session.closed", "reason", sess.CloseReason())
				shutdown(code, reason)
				return
			case ev := <-sess.Events():
				env, err := eventEnvelope(ev, time.Now().UTC())
				if err != nil {
					log.Error("ws.encode.fail", "kind", ev.Kind.String(), "err", err)
					continue
				}
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-sess.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					log.Info("ws.ping.fail", "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(sess, "bad_json", "invalid JSON")
				continue readLoop
			default:
				log.Info("ws.read.fail", "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now().UTC()) {
			g.trySendError(sess, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(sess, "bad_envelope", err.Error())
			continue readLoop
		}

		if err := g.dispatch(ctx, sess, env); err != nil {
			if errors.Is(err, ErrSessionGone) {
				break readLoop
			}
			g.trySendError(sess, errorCode(err), err.Error())
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// handshake reads hello, connects the session and writes hello_ack directly.
func (g *WSGateway) handshake(ctx context.Context, conn *websocket.Conn) (*Session, error) {
	helloCtx, helloCancel := context.WithTimeout(ctx, g.cfg.HelloTimeout)
	env, err := readEnvelope(helloCtx, conn)
	helloCancel()
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, invalid("envelope", err.Error())
	}
	if env.Type != v1.TypeHello {
		return nil, invalid("type", "hello required first")
	}

	var p v1.HelloPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, invalid("payload", err.Error())
		}
	}

	sess, err := g.svc.Connect(ctx, ConnectInput{Identity: p.Identity, LastKnownOffset: p.LastOffset})
	if err != nil {
		return nil, err
	}

	ackPayload, _ := json.Marshal(v1.HelloAckPayload{Identity: sess.Identity(), SessionID: sess.ConnID})
	ack := newEnvelope(v1.TypeHelloAck, ackPayload, time.Now().UTC())
	if err := writeEnvelope(ctx, conn, ack, g.cfg.WriteTimeout); err != nil {
		g.svc.Disconnect(context.WithoutCancel(ctx), sess)
		return nil, fmt.Errorf("write hello_ack: %w", err)
	}
	return sess, nil
}

// ---- handlers ----

func (g *WSGateway) dispatch(ctx context.Context, sess *Session, env v1.Envelope) error {
	switch env.Type {
	case v1.TypeHello:
		return invalid("type", "session already started")

	case v1.TypeNameSet:
		var p v1.NameSetPayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		return g.svc.SetName(ctx, sess, p.Name)

	case v1.TypeRoomJoin:
		var p v1.RoomPayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		return g.svc.Join(ctx, sess, p.Room)

	case v1.TypeRoomLeave:
		var p v1.RoomPayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		return g.svc.Leave(ctx, sess, p.Room)

	case v1.TypeMessageSend:
		var p v1.MessageSendPayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		_, err := g.svc.SendMessage(ctx, sess, SendInput{
			IdempotencyKey: p.IdempotencyKey,
			Content:        p.Content,
			Recipient:      p.Recipient,
			Topic:          p.Topic,
		})
		return err

	case v1.TypeTyping:
		var p v1.TypingPayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		return g.svc.Typing(ctx, sess, p.Topic, p.IsTyping)

	case v1.TypeSync:
		var p v1.SyncPayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		return g.svc.Sync(ctx, sess, p.LastOffset)

	default:
		return invalid("type", fmt.Sprintf("unsupported type: %s", env.Type))
	}
}

func decodePayload(env v1.Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return invalid("payload", "required")
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return invalid("payload", err.Error())
	}
	return nil
}

// errorCode maps core errors to stable wire codes.
func errorCode(err error) string {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return "invalid_" + ve.Field
	case errors.Is(err, ErrNotMember):
		return "not_joined"
	case errors.Is(err, ErrTransientStore):
		return "store_unavailable"
	case errors.Is(err, ErrSessionGone):
		return "session_gone"
	default:
		return "internal"
	}
}

func closeStatusFor(reason string) (websocket.StatusCode, string) {
	switch reason {
	case ReasonReplaced:
		return wsStatusReplaced, reason
	case ReasonSlowConsumer, ReasonCatchUpOverflow:
		return websocket.StatusTryAgainLater, reason
	case ReasonShutdown:
		return websocket.StatusGoingAway, reason
	default:
		return websocket.StatusNormalClosure, "bye"
	}
}

// ---- send helpers ----

func (g *WSGateway) trySendError(sess *Session, code, msg string) {
	_ = sess.enqueue(errorEvent(code, msg))
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEnvelopeID(ts),
		TS:      ts,
		Payload: payload,
	}
}

func newErrorEnvelope(code, msg string) v1.Envelope {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	return newEnvelope(v1.TypeError, p, time.Now().UTC())
}

func recordPayload(r Record) v1.MessageNewPayload {
	return v1.MessageNewPayload{
		Offset:         r.Offset,
		IdempotencyKey: r.IdempotencyKey,
		Content:        r.Content,
		Sender:         r.Sender,
		SenderName:     r.SenderName,
		Recipient:      r.Recipient,
		Topic:          r.Topic,
		CreatedAt:      r.CreatedAt,
	}
}

// eventEnvelope converts a session event to its wire envelope.
func eventEnvelope(ev Event, now time.Time) (v1.Envelope, error) {
	var (
		typ     string
		payload any
	)
	switch ev.Kind {
	case EventMessage:
		typ, payload = v1.TypeMessageNew, recordPayload(ev.Record)
	case EventCatchUp:
		msgs := make([]v1.MessageNewPayload, 0, len(ev.Records))
		for _, r := range ev.Records {
			msgs = append(msgs, recordPayload(r))
		}
		typ, payload = v1.TypeCatchUpBatch, v1.CatchUpBatchPayload{Messages: msgs, Watermark: ev.Watermark, HasMore: ev.HasMore}
	case EventPresence:
		online := ev.Presence
		if online == nil {
			online = map[string]string{}
		}
		typ, payload = v1.TypePresenceSnapshot, v1.PresenceSnapshotPayload{Online: online}
	case EventTyping:
		typ, payload = v1.TypeTyping, v1.TypingPayload{
			Topic:       ev.Typing.Topic,
			Identity:    ev.Typing.Identity,
			DisplayName: ev.Typing.DisplayName,
			IsTyping:    ev.Typing.IsTyping,
		}
	case EventAck:
		typ, payload = v1.TypeMessageAck, v1.MessageAckPayload{
			IdempotencyKey: ev.Ack.IdempotencyKey,
			Offset:         ev.Ack.Offset,
			Duplicate:      ev.Ack.Duplicate,
		}
	case EventRoomJoined:
		typ, payload = v1.TypeRoomJoined, v1.RoomPayload{Room: ev.Room}
	case EventRoomLeft:
		typ, payload = v1.TypeRoomLeft, v1.RoomPayload{Room: ev.Room}
	case EventSyncReset:
		typ, payload = v1.TypeSyncReset, v1.SyncResetPayload{Floor: ev.Floor}
	case EventError:
		typ, payload = v1.TypeError, v1.ErrorPayload{Code: ev.Code, Message: ev.Message}
	default:
		return v1.Envelope{}, fmt.Errorf("unknown event kind %d", ev.Kind)
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, err
	}
	return newEnvelope(typ, b, now), nil
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return readErrBadJSON
	}
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}
