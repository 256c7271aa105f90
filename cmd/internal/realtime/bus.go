package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	busOutboxSize       = 4096
	busResubscribeDelay = time.Second
)

// Subscriber receives events for the topics it is subscribed to.
// Deliver must not block; ErrSessionGone means the subscriber is closed.
type Subscriber interface {
	Deliver(ev Event) error
}

// Bus fans events out to local subscribers by topic and replicates them to
// other instances through an optional Replicator.
//
// Local delivery is synchronous and happens outside the topic lock. Remote
// frames are sent by a single goroutine in Run, in Publish call order.
type Bus struct {
	log        *slog.Logger
	origin     string
	replicator Replicator
	key        []byte

	mu     sync.RWMutex
	topics map[string]map[string]Subscriber // topic -> subscriber id -> subscriber
	byID   map[string]map[string]struct{}   // subscriber id -> topics

	outbox chan frame

	hookMu         sync.RWMutex
	remotePresence func(origin string, online map[string]string)
}

// NewBus constructs a Bus. replicator may be nil for a single instance.
// A non-empty secret authenticates frames with a keyed BLAKE2b MAC.
func NewBus(log *slog.Logger, replicator Replicator, secret []byte) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		log:        log,
		origin:     uuid.NewString(),
		replicator: replicator,
		key:        frameKey(secret),
		topics:     make(map[string]map[string]Subscriber),
		byID:       make(map[string]map[string]struct{}),
		outbox:     make(chan frame, busOutboxSize),
	}
}

// Origin identifies this instance on the backbone.
func (b *Bus) Origin() string { return b.origin }

// OnRemotePresence registers the handler for presence frames of other instances.
func (b *Bus) OnRemotePresence(fn func(origin string, online map[string]string)) {
	b.hookMu.Lock()
	b.remotePresence = fn
	b.hookMu.Unlock()
}

// Subscribe adds sub under id to topic. Re-subscribing replaces the previous entry.
func (b *Bus) Subscribe(topic Topic, id string, sub Subscriber) {
	key := topic.String()

	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.topics[key]
	if !ok {
		subs = make(map[string]Subscriber)
		b.topics[key] = subs
	}
	subs[id] = sub

	ts, ok := b.byID[id]
	if !ok {
		ts = make(map[string]struct{})
		b.byID[id] = ts
	}
	ts[key] = struct{}{}
}

// Unsubscribe removes id from topic.
func (b *Bus) Unsubscribe(topic Topic, id string) {
	key := topic.String()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(key, id)
}

// UnsubscribeAll removes id from every topic.
func (b *Bus) UnsubscribeAll(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key := range b.byID[id] {
		b.removeLocked(key, id)
	}
	delete(b.byID, id)
}

func (b *Bus) removeLocked(key, id string) {
	if subs, ok := b.topics[key]; ok {
		delete(subs, id)
		if len(subs) == 0 {
			delete(b.topics, key)
		}
	}
	if ts, ok := b.byID[id]; ok {
		delete(ts, key)
		if len(ts) == 0 {
			delete(b.byID, id)
		}
	}
}

// Subscribers returns how many local subscribers topic has.
func (b *Bus) Subscribers(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic.String()])
}

// Publish delivers ev to local subscribers of topic and replicates it.
// Replication failures are returned but local delivery has already happened.
func (b *Bus) Publish(ctx context.Context, topic Topic, ev Event) error {
	b.Deliver(topic, ev)
	return b.Replicate(ctx, topic, ev)
}

// Deliver hands ev to local subscribers only and returns how many accepted it.
func (b *Bus) Deliver(topic Topic, ev Event) int {
	key := topic.String()

	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.topics[key]))
	for _, s := range b.topics[key] {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	n := 0
	for _, s := range subs {
		if err := s.Deliver(ev); err != nil {
			// Gone sessions recover through catch-up on reconnect.
			continue
		}
		n++
	}
	return n
}

// Replicate sends ev to other instances only. A full outbox drops the frame.
func (b *Bus) Replicate(ctx context.Context, topic Topic, ev Event) error {
	if b.replicator == nil {
		return nil
	}
	payload, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	f := frame{Origin: b.origin, Topic: topic.String(), Kind: ev.Kind, Payload: payload}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case b.outbox <- f:
		return nil
	default:
		metricBusFrames.WithLabelValues("out", "dropped").Inc()
		return errors.New("realtime: bus outbox full")
	}
}

// Run pumps frames to and from the backbone until ctx ends.
// Without a replicator it just waits.
func (b *Bus) Run(ctx context.Context) error {
	if b.replicator == nil {
		<-ctx.Done()
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.sendLoop(ctx) })
	g.Go(func() error { return b.receiveLoop(ctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (b *Bus) sendLoop(ctx context.Context) error {
	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-b.outbox:
			seq++
			f.Seq = seq
			data, err := marshalFrame(f, b.key)
			if err != nil {
				metricBusFrames.WithLabelValues("out", "error").Inc()
				b.log.Error("bus.frame.encode.fail", "topic", f.Topic, "err", err)
				continue
			}
			if err := b.replicator.Publish(ctx, data); err != nil {
				metricBusFrames.WithLabelValues("out", "error").Inc()
				b.log.Warn("bus.publish.fail", "topic", f.Topic, "seq", f.Seq, "err", err)
				continue
			}
			metricBusFrames.WithLabelValues("out", "ok").Inc()
		}
	}
}

func (b *Bus) receiveLoop(ctx context.Context) error {
	for {
		err := b.replicator.Subscribe(ctx, b.handleFrame)
		if ctx.Err() != nil {
			return nil
		}
		b.log.Warn("bus.subscribe.fail", "err", err, "retry_in", busResubscribeDelay.String())

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(busResubscribeDelay):
		}
	}
}

func (b *Bus) handleFrame(data []byte) {
	f, err := unmarshalFrame(data, b.key)
	if err != nil {
		metricBusFrames.WithLabelValues("in", "rejected").Inc()
		b.log.Warn("bus.frame.reject", "err", err)
		return
	}
	if f.Origin == b.origin {
		metricBusFrames.WithLabelValues("in", "self").Inc()
		return
	}

	topic, err := ParseTopic(f.Topic)
	if err != nil {
		metricBusFrames.WithLabelValues("in", "rejected").Inc()
		b.log.Warn("bus.frame.topic.invalid", "origin", f.Origin, "topic", f.Topic, "err", err)
		return
	}
	ev, err := decodeEvent(f.Kind, f.Payload)
	if err != nil {
		metricBusFrames.WithLabelValues("in", "rejected").Inc()
		b.log.Warn("bus.frame.decode.fail", "origin", f.Origin, "kind", f.Kind, "err", err)
		return
	}
	metricBusFrames.WithLabelValues("in", "ok").Inc()

	if ev.Kind == EventPresence {
		b.hookMu.RLock()
		fn := b.remotePresence
		b.hookMu.RUnlock()
		if fn != nil {
			fn(f.Origin, ev.Presence)
		}
		return
	}
	b.Deliver(topic, ev)
}
