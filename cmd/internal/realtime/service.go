package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	maxIdempotencyKeyLen = 128
	maxDisplayNameChars  = 64
)

// ServiceConfig holds per-session limits. Zero values use defaults.
type ServiceConfig struct {
	SessionQueue      int
	CatchUpBuffer     int
	CatchUpPage       int
	PresenceHeartbeat time.Duration

	// Now is overridable in tests.
	Now func() time.Time
}

// Service is the realtime core: it validates inbound operations, appends to
// the log, fans out through the bus and keeps sessions and presence current.
type Service struct {
	log      *slog.Logger
	store    LogStore
	bus      *Bus
	registry *Registry
	presence *PresenceTracker
	coord    *Coordinator
	cfg      ServiceConfig
}

// NewService wires a Service. bus may be nil for a single instance without replication.
func NewService(log *slog.Logger, store LogStore, bus *Bus, cfg ServiceConfig) (*Service, error) {
	if store == nil {
		return nil, errors.New("realtime: nil store")
	}
	if log == nil {
		log = slog.Default()
	}
	if bus == nil {
		bus = NewBus(log, nil, nil)
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.PresenceHeartbeat <= 0 {
		cfg.PresenceHeartbeat = defaultPresenceHeartbeat
	}

	s := &Service{
		log:      log,
		store:    store,
		bus:      bus,
		registry: NewRegistry(),
		presence: NewPresenceTracker(cfg.PresenceHeartbeat),
		coord:    NewCoordinator(log, store, cfg.CatchUpPage),
		cfg:      cfg,
	}
	bus.OnRemotePresence(s.applyRemotePresence)
	return s, nil
}

// Registry exposes the local sessions.
func (s *Service) Registry() *Registry { return s.registry }

// Bus returns the fanout bus.
func (s *Service) Bus() *Bus { return s.bus }

// ---- connect / disconnect ----

// ConnectInput starts a session. Empty Identity gets a server assigned one;
// nil LastKnownOffset means full replay.
type ConnectInput struct {
	Identity        string
	LastKnownOffset *int64
}

// Connect registers a session and starts its catch-up. The sync goroutine
// stops when the session closes or ctx ends.
func (s *Service) Connect(ctx context.Context, in ConnectInput) (*Session, error) {
	now := s.cfg.Now()

	identity := strings.TrimSpace(in.Identity)
	if identity == "" {
		id, err := NewIdentity(now)
		if err != nil {
			return nil, err
		}
		identity = id
	} else if err := validateIdentity(identity); err != nil {
		return nil, err
	}

	var last int64
	if in.LastKnownOffset != nil {
		last = *in.LastKnownOffset
		if last < 0 {
			return nil, invalid("last_offset", "must be >= 0")
		}
	}

	connID, err := NewSessionID(now)
	if err != nil {
		return nil, err
	}

	sess := newSession(connID, identity, s.cfg.SessionQueue, s.cfg.CatchUpBuffer)
	sess.requestSync(syncRequest{kind: syncInitial, after: last})

	if old := s.registry.Register(sess); old != nil {
		old.Close(ReasonReplaced)
		s.detach(old)
		s.log.Info("session.replaced", "identity", identity, "old_session_id", old.ConnID, "session_id", connID)
	}

	s.bus.Subscribe(Global(), connID, sess)
	s.bus.Subscribe(Direct(identity), connID, sess)
	metricSessionsActive.Inc()

	go s.coord.Run(ctx, sess)

	s.log.Info("session.connect", "session_id", connID, "identity", identity, "last_offset", last)
	s.broadcastPresence(ctx)
	return sess, nil
}

// Disconnect closes the session and drops its subscriptions. Idempotent.
func (s *Service) Disconnect(ctx context.Context, sess *Session) {
	sess.Close(ReasonDisconnect)
	if !s.registry.Unregister(sess) {
		return
	}
	s.detach(sess)
	s.log.Info("session.disconnect", "session_id", sess.ConnID, "identity", sess.identity, "reason", sess.CloseReason())
	s.broadcastPresence(ctx)
}

func (s *Service) detach(sess *Session) {
	s.bus.UnsubscribeAll(sess.ConnID)
	metricSessionsActive.Dec()
}

// Shutdown closes every local session.
func (s *Service) Shutdown(ctx context.Context) {
	for _, sess := range s.registry.Sessions() {
		sess.Close(ReasonShutdown)
		s.Disconnect(ctx, sess)
	}
}

// ---- messages ----

// SendStatus is the outcome of an accepted send.
type SendStatus string

const (
	StatusAcked     SendStatus = "acked"
	StatusDuplicate SendStatus = "duplicate"
)

// SendInput is one message submission.
//
// Topic is "global" (default), "room:<id>" or "direct". A Recipient with an
// empty Topic means a direct message.
type SendInput struct {
	IdempotencyKey string
	Content        string
	Recipient      string
	Topic          string
}

// SendResult is the acknowledged outcome.
type SendResult struct {
	Status SendStatus
	Record Record
}

// SendMessage validates, appends and broadcasts a message.
//
// A duplicate key is acknowledged with StatusDuplicate and the stored record,
// and is not broadcast again. Store failures wrap ErrTransientStore; retrying
// with the same key is safe.
func (s *Service) SendMessage(ctx context.Context, sess *Session, in SendInput) (SendResult, error) {
	if sess.closed() {
		return SendResult{}, ErrSessionGone
	}

	app, err := s.prepareSend(sess, in)
	if err != nil {
		var ve *ValidationError
		switch {
		case errors.As(err, &ve):
			metricMessagesRejected.WithLabelValues(ve.Field).Inc()
		case errors.Is(err, ErrNotMember):
			metricMessagesRejected.WithLabelValues("not_member").Inc()
		}
		return SendResult{}, err
	}

	start := time.Now()
	res, err := s.store.Append(ctx, app)
	metricStoreLatency.WithLabelValues("append").Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, ErrValidation) {
			return SendResult{}, err
		}
		s.log.Error("store.append.fail", "session_id", sess.ConnID, "idempotency_key", app.IdempotencyKey, "err", err)
		return SendResult{}, fmt.Errorf("%w: %w", ErrTransientStore, err)
	}

	rec := res.Record
	status := StatusAcked
	if res.Duplicated {
		status = StatusDuplicate
		metricMessagesDuplicate.Inc()
	} else {
		metricMessagesAppended.Inc()
	}

	_ = sess.enqueue(Event{Kind: EventAck, Ack: Ack{
		IdempotencyKey: rec.IdempotencyKey,
		Offset:         rec.Offset,
		Duplicate:      res.Duplicated,
	}})

	if !res.Duplicated {
		s.publishRecord(ctx, rec)
	}
	return SendResult{Status: status, Record: rec}, nil
}

func (s *Service) prepareSend(sess *Session, in SendInput) (AppendInput, error) {
	key := strings.TrimSpace(in.IdempotencyKey)
	if key == "" {
		return AppendInput{}, invalid("idempotency_key", "required")
	}
	if len(key) > maxIdempotencyKeyLen {
		return AppendInput{}, invalid("idempotency_key", fmt.Sprintf("too long: max=%d", maxIdempotencyKeyLen))
	}

	content := strings.TrimSpace(in.Content)
	if content == "" {
		return AppendInput{}, invalid("content", "required")
	}
	if utf8.RuneCountInString(content) > maxMessageChars {
		return AppendInput{}, invalid("content", fmt.Sprintf("too long: max=%d chars", maxMessageChars))
	}

	name := sess.Name()
	if name == "" {
		return AppendInput{}, ErrNameRequired
	}

	topic, err := ParseTopic(in.Topic)
	if err != nil {
		return AppendInput{}, err
	}
	recipient := strings.TrimSpace(in.Recipient)

	var stored string
	switch topic.Kind {
	case TopicGlobal:
		if recipient != "" {
			if strings.TrimSpace(in.Topic) != "" {
				return AppendInput{}, invalid("recipient", "not allowed on global")
			}
			return s.directInput(sess, key, content, name, recipient)
		}
		stored = topic.String()

	case TopicRoom:
		if recipient != "" {
			return AppendInput{}, invalid("recipient", "not allowed on rooms")
		}
		if !sess.InRoom(topic.ID) {
			return AppendInput{}, fmt.Errorf("%w: %s", ErrNotMember, topic.ID)
		}
		stored = topic.String()

	case TopicDirect:
		if topic.ID != "" {
			if recipient != "" && recipient != topic.ID {
				return AppendInput{}, invalid("recipient", "does not match topic")
			}
			recipient = topic.ID
		}
		return s.directInput(sess, key, content, name, recipient)
	}

	return AppendInput{
		IdempotencyKey: key,
		Content:        content,
		Sender:         sess.identity,
		SenderName:     name,
		Topic:          stored,
		Now:            s.cfg.Now(),
	}, nil
}

func (s *Service) directInput(sess *Session, key, content, name, recipient string) (AppendInput, error) {
	if recipient == "" {
		return AppendInput{}, invalid("recipient", "required")
	}
	if err := validateIdentity(recipient); err != nil {
		return AppendInput{}, invalid("recipient", err.(*ValidationError).Reason)
	}
	return AppendInput{
		IdempotencyKey: key,
		Content:        content,
		Sender:         sess.identity,
		SenderName:     name,
		Recipient:      recipient,
		Topic:          DirectPairTopic(sess.identity, recipient),
		Now:            s.cfg.Now(),
	}, nil
}

// publishRecord fans a new record out. Direct records go to the recipient's
// and the sender's direct topic, once each.
func (s *Service) publishRecord(ctx context.Context, rec Record) {
	ev := Event{Kind: EventMessage, Record: rec}

	var topics []Topic
	if rec.IsDirect() {
		topics = append(topics, Direct(rec.Recipient))
		if rec.Sender != rec.Recipient {
			topics = append(topics, Direct(rec.Sender))
		}
	} else {
		t, err := routeTopic(rec.Topic)
		if err != nil {
			s.log.Error("bus.route.fail", "offset", rec.Offset, "topic", rec.Topic, "err", err)
			return
		}
		topics = append(topics, t)
	}

	for _, t := range topics {
		if err := s.bus.Publish(ctx, t, ev); err != nil {
			// Other instances recover through gap fill or catch-up.
			s.log.Warn("bus.publish.fail", "offset", rec.Offset, "topic", t.String(), "err", err)
		}
	}

	// Sessions outside the record's scope only learn its offset, after the
	// record itself went out so subscribers never see the marker first.
	if rec.Topic != topicGlobal {
		adv := Event{Kind: EventAdvance, Record: Record{
			Offset:    rec.Offset,
			Sender:    rec.Sender,
			Recipient: rec.Recipient,
			Topic:     rec.Topic,
		}}
		if err := s.bus.Publish(ctx, Global(), adv); err != nil {
			s.log.Warn("bus.publish.fail", "offset", rec.Offset, "topic", topicGlobal, "err", err)
		}
	}
}

// ---- names / rooms / typing / sync ----

// SetName sets the display name and broadcasts presence when it changes.
func (s *Service) SetName(ctx context.Context, sess *Session, name string) error {
	if sess.closed() {
		return ErrSessionGone
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return invalid("name", "required")
	}
	if utf8.RuneCountInString(name) > maxDisplayNameChars {
		return invalid("name", fmt.Sprintf("too long: max=%d chars", maxDisplayNameChars))
	}

	changed, err := s.registry.SetDisplayName(sess, name)
	if err != nil {
		return err
	}
	if changed {
		s.broadcastPresence(ctx)
	}
	return nil
}

// Join adds a room membership. Joining twice is a no-op that still confirms.
func (s *Service) Join(ctx context.Context, sess *Session, room string) error {
	if sess.closed() {
		return ErrSessionGone
	}
	room = strings.TrimSpace(room)
	if err := validateRoomID(room); err != nil {
		return err
	}

	added, err := s.registry.JoinRoom(sess, room)
	if err != nil {
		return err
	}
	if added {
		s.bus.Subscribe(Room(room), sess.ConnID, sess)
		// Close runs before detach, so a session closed by now may have
		// missed the UnsubscribeAll.
		if sess.closed() {
			s.bus.Unsubscribe(Room(room), sess.ConnID)
			return ErrSessionGone
		}
	}
	return sess.enqueue(Event{Kind: EventRoomJoined, Room: room})
}

// Leave removes a room membership.
func (s *Service) Leave(ctx context.Context, sess *Session, room string) error {
	if sess.closed() {
		return ErrSessionGone
	}
	room = strings.TrimSpace(room)
	if err := validateRoomID(room); err != nil {
		return err
	}

	if err := s.registry.LeaveRoom(sess, room); err != nil {
		return err
	}
	s.bus.Unsubscribe(Room(room), sess.ConnID)
	return sess.enqueue(Event{Kind: EventRoomLeft, Room: room})
}

// Typing broadcasts an ephemeral typing indicator on global or a joined room.
func (s *Service) Typing(ctx context.Context, sess *Session, topic string, isTyping bool) error {
	if sess.closed() {
		return ErrSessionGone
	}
	t, err := ParseTopic(topic)
	if err != nil {
		return err
	}
	switch t.Kind {
	case TopicGlobal:
	case TopicRoom:
		if !sess.InRoom(t.ID) {
			return fmt.Errorf("%w: %s", ErrNotMember, t.ID)
		}
	default:
		return invalid("topic", "typing is limited to global and rooms")
	}

	ev := Event{Kind: EventTyping, Typing: TypingEvent{
		Topic:       t.String(),
		Identity:    sess.identity,
		DisplayName: sess.Name(),
		IsTyping:    isTyping,
	}}
	if err := s.bus.Publish(ctx, t, ev); err != nil {
		s.log.Warn("bus.publish.fail", "kind", "typing", "topic", t.String(), "err", err)
	}
	return nil
}

// Sync replays every visible record after lastKnownOffset, including records
// the session already received.
func (s *Service) Sync(ctx context.Context, sess *Session, lastKnownOffset int64) error {
	if sess.closed() {
		return ErrSessionGone
	}
	if lastKnownOffset < 0 {
		return invalid("last_offset", "must be >= 0")
	}
	sess.requestSync(syncRequest{kind: syncExplicit, after: lastKnownOffset})
	return nil
}

// ---- presence ----

// Presence returns the merged presence snapshot.
func (s *Service) Presence() map[string]string {
	return s.presence.Snapshot(s.registry.Presence(), s.cfg.Now())
}

// broadcastPresence delivers the merged snapshot locally and replicates the
// local part.
func (s *Service) broadcastPresence(ctx context.Context) {
	local := s.registry.Presence()
	merged := s.presence.Snapshot(local, s.cfg.Now())

	s.bus.Deliver(Global(), Event{Kind: EventPresence, Presence: merged})
	if err := s.bus.Replicate(ctx, Global(), Event{Kind: EventPresence, Presence: local}); err != nil {
		s.log.Warn("presence.replicate.fail", "err", err)
	}
}

func (s *Service) applyRemotePresence(origin string, online map[string]string) {
	now := s.cfg.Now()
	s.presence.ApplyRemote(origin, online, now)
	merged := s.presence.Snapshot(s.registry.Presence(), now)
	s.bus.Deliver(Global(), Event{Kind: EventPresence, Presence: merged})
}

// RunPresence replicates the local presence on every heartbeat and expires
// instances that stopped sending. It returns when ctx ends.
func (s *Service) RunPresence(ctx context.Context) error {
	t := time.NewTicker(s.cfg.PresenceHeartbeat)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			local := s.registry.Presence()
			if err := s.bus.Replicate(ctx, Global(), Event{Kind: EventPresence, Presence: local}); err != nil && ctx.Err() == nil {
				s.log.Warn("presence.heartbeat.fail", "err", err)
			}
			if s.presence.Prune(s.cfg.Now()) {
				s.log.Info("presence.remote.expired")
				s.bus.Deliver(Global(), Event{Kind: EventPresence, Presence: s.Presence()})
			}
		}
	}
}
