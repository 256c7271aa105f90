package realtime

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// SyncState is the per-session replay state.
type SyncState uint8

const (
	StateCatchingUp SyncState = iota + 1
	StateLive
)

func (s SyncState) String() string {
	switch s {
	case StateCatchingUp:
		return "catching_up"
	case StateLive:
		return "live"
	default:
		return "unknown"
	}
}

// Close reasons. Everything other than ReasonDisconnect is counted as a drop.
const (
	ReasonDisconnect      = "disconnect"
	ReasonSlowConsumer    = "slow_consumer"
	ReasonCatchUpOverflow = "catch_up_overflow"
	ReasonReplaced        = "replaced"
	ReasonShutdown        = "shutdown"
)

const (
	defaultSessionQueue  = 256
	minSessionQueue      = 32
	defaultCatchUpBuffer = 1024
)

type syncKind uint8

const (
	syncInitial syncKind = iota + 1
	syncExplicit
	syncGap
)

type syncRequest struct {
	kind  syncKind
	after int64
}

// Session is one live connection.
//
// Notes:
//   - out is never closed; done signals shutdown. Publishers may race with Close safely.
//   - Record delivery order is decided under mu, so concurrent publishers cannot reorder offsets.
//   - Close is idempotent and never takes mu.
type Session struct {
	ConnID string

	identity string

	out       chan Event
	done      chan struct{}
	closeOnce sync.Once
	reason    string

	notify chan struct{}

	mu         sync.Mutex
	name       string
	rooms      map[string]struct{}
	watermark  int64
	state      SyncState
	pending    []Record
	pendingMax int
	requests   []syncRequest
}

func newSession(connID, identity string, queueSize, pendingMax int) *Session {
	if queueSize <= 0 {
		queueSize = defaultSessionQueue
	}
	if queueSize < minSessionQueue {
		queueSize = minSessionQueue
	}
	if pendingMax <= 0 {
		pendingMax = defaultCatchUpBuffer
	}
	return &Session{
		ConnID:     connID,
		identity:   identity,
		out:        make(chan Event, queueSize),
		done:       make(chan struct{}),
		notify:     make(chan struct{}, 1),
		rooms:      make(map[string]struct{}),
		state:      StateCatchingUp,
		pendingMax: pendingMax,
	}
}

// Identity returns the identity the session runs under.
func (s *Session) Identity() string { return s.identity }

// Events is the outbound queue drained by the transport writer.
func (s *Session) Events() <-chan Event { return s.out }

// Done is closed when the session shuts down.
func (s *Session) Done() <-chan struct{} { return s.done }

// CloseReason is set once Done is closed.
func (s *Session) CloseReason() string {
	select {
	case <-s.done:
		return s.reason
	default:
		return ""
	}
}

// Close stops the session (idempotent).
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.reason = reason
		close(s.done)
		if reason != ReasonDisconnect {
			metricSessionsDropped.WithLabelValues(reason).Inc()
		}
	})
}

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Name returns the display name, empty until set.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

func (s *Session) setName(name string) {
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
}

// Rooms returns the joined rooms, sorted.
func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for r := range s.rooms {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// InRoom reports room membership.
func (s *Session) InRoom(room string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[room]
	return ok
}

func (s *Session) addRoom(room string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[room]; ok {
		return false
	}
	s.rooms[room] = struct{}{}
	return true
}

func (s *Session) removeRoom(room string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[room]; !ok {
		return false
	}
	delete(s.rooms, room)
	return true
}

// Watermark is the highest offset the session is known to have received.
func (s *Session) Watermark() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark
}

// State returns the sync state.
func (s *Session) State() SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) visibility() *Visibility {
	s.mu.Lock()
	defer s.mu.Unlock()
	topics := make([]string, 0, len(s.rooms)+1)
	topics = append(topics, topicGlobal)
	for r := range s.rooms {
		topics = append(topics, Room(r).String())
	}
	sort.Strings(topics[1:])
	return &Visibility{Topics: topics, Identity: s.identity}
}

// ---- outbound queue ----

// enqueue never blocks. A full queue closes the session as a slow consumer.
func (s *Session) enqueue(ev Event) error {
	if s.closed() {
		return ErrSessionGone
	}
	select {
	case s.out <- ev:
		return nil
	default:
		s.Close(ReasonSlowConsumer)
		return ErrSessionGone
	}
}

// enqueueWait blocks until the event is queued, the session closes, or ctx ends.
func (s *Session) enqueueWait(ctx context.Context, ev Event) error {
	select {
	case <-s.done:
		return ErrSessionGone
	case <-ctx.Done():
		return ctx.Err()
	case s.out <- ev:
		return nil
	}
}

// Deliver is called by the bus. Records go through the live/catch-up rule,
// everything else is queued as is.
func (s *Session) Deliver(ev Event) error {
	switch ev.Kind {
	case EventMessage:
		return s.offerLive(ev.Record)
	case EventAdvance:
		return s.advancePast(ev.Record)
	}
	return s.enqueue(ev)
}

// advancePast moves a live watermark over the next offset when that record is
// not visible to the session. Anything else is left to offerLive and gap fill.
func (s *Session) advancePast(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed() {
		return ErrSessionGone
	}
	if s.state != StateLive || r.Offset != s.watermark+1 || s.canSeeLocked(r) {
		return nil
	}
	s.watermark = r.Offset
	return nil
}

func (s *Session) canSeeLocked(r Record) bool {
	if r.IsDirect() {
		return r.Sender == s.identity || r.Recipient == s.identity
	}
	if r.Topic == topicGlobal {
		return true
	}
	room, ok := strings.CutPrefix(r.Topic, topicRoomPrefix)
	if !ok {
		return false
	}
	_, joined := s.rooms[room]
	return joined
}

func (s *Session) offerLive(r Record) error {
	s.mu.Lock()
	if s.closed() {
		s.mu.Unlock()
		return ErrSessionGone
	}

	if s.state == StateCatchingUp {
		if len(s.pending) >= s.pendingMax {
			s.mu.Unlock()
			s.Close(ReasonCatchUpOverflow)
			return ErrSessionGone
		}
		s.pending = append(s.pending, r)
		s.mu.Unlock()
		return nil
	}

	if r.Offset <= s.watermark {
		s.mu.Unlock()
		return nil
	}

	if r.Offset > s.watermark+1 {
		// Unknown hole: either records this session cannot see or a publish
		// that has not arrived yet. Let the store decide.
		s.state = StateCatchingUp
		s.pending = append(s.pending, r)
		queued := s.pushRequestLocked(syncRequest{kind: syncGap})
		s.mu.Unlock()
		if queued {
			metricGapFills.Inc()
		}
		s.wake()
		return nil
	}

	s.watermark = r.Offset
	err := s.enqueue(Event{Kind: EventMessage, Record: r})
	s.mu.Unlock()
	return err
}

// ---- sync requests ----

func (s *Session) requestSync(req syncRequest) {
	s.mu.Lock()
	s.pushRequestLocked(req)
	s.mu.Unlock()
	s.wake()
}

// pushRequestLocked queues req. Gap requests coalesce: one queued gap fill
// reads from the watermark current at processing time.
func (s *Session) pushRequestLocked(req syncRequest) bool {
	if req.kind == syncGap {
		for _, q := range s.requests {
			if q.kind == syncGap {
				return false
			}
		}
	}
	s.requests = append(s.requests, req)
	return true
}

func (s *Session) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Session) nextRequest() (syncRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		return syncRequest{}, false
	}
	req := s.requests[0]
	s.requests = s.requests[1:]
	if req.kind == syncGap {
		req.after = s.watermark
	}
	return req, true
}

// beginCatchUp buffers live records until finishCatchUp.
func (s *Session) beginCatchUp() {
	s.mu.Lock()
	s.state = StateCatchingUp
	s.mu.Unlock()
}

// finishCatchUp advances the watermark to hw, then drains the buffer in offset
// order under the live rule. If the buffer still has a hole after hw, the session
// stays catching up and needFill is true. With skipHoles the buffer is drained
// regardless of holes.
//
// vis is the filter the catch-up pages were read under. A buffered record at or
// below hw that vis rejects was not in those pages (a room joined mid-read), so
// it is delivered instead of dropped.
func (s *Session) finishCatchUp(hw int64, vis *Visibility, skipHoles bool) (needFill bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.watermark
	if hw > s.watermark {
		s.watermark = hw
	}

	sort.SliceStable(s.pending, func(i, j int) bool { return s.pending[i].Offset < s.pending[j].Offset })

	for i, r := range s.pending {
		if r.Offset <= s.watermark {
			if vis != nil && r.Offset > prev && r.Offset <= hw && !vis.Allows(r) {
				if err := s.enqueue(Event{Kind: EventMessage, Record: r}); err != nil {
					s.pending = nil
					return false, err
				}
			}
			continue
		}
		if r.Offset > s.watermark+1 && !skipHoles {
			s.pending = append(s.pending[:0], s.pending[i:]...)
			s.pushRequestLocked(syncRequest{kind: syncGap})
			return true, nil
		}
		s.watermark = r.Offset
		if err := s.enqueue(Event{Kind: EventMessage, Record: r}); err != nil {
			s.pending = nil
			return false, err
		}
	}

	s.pending = nil
	s.state = StateLive
	return false, nil
}
