package realtime

import (
	"sync"
	"time"
)

const (
	defaultPresenceHeartbeat = 15 * time.Second
	presenceMissedBeats      = 3
)

type remotePresence struct {
	online map[string]string
	seen   time.Time
}

// PresenceTracker merges the local presence with the partial snapshots other
// instances replicate. A remote partial expires when it has not been refreshed
// within ttl.
type PresenceTracker struct {
	ttl time.Duration

	mu     sync.Mutex
	remote map[string]remotePresence // origin -> last partial
}

// NewPresenceTracker constructs a tracker whose remote entries expire after
// three missed heartbeats.
func NewPresenceTracker(heartbeat time.Duration) *PresenceTracker {
	if heartbeat <= 0 {
		heartbeat = defaultPresenceHeartbeat
	}
	return &PresenceTracker{
		ttl:    presenceMissedBeats * heartbeat,
		remote: make(map[string]remotePresence),
	}
}

// ApplyRemote replaces origin's partial snapshot.
func (p *PresenceTracker) ApplyRemote(origin string, online map[string]string, now time.Time) {
	cp := make(map[string]string, len(online))
	for k, v := range online {
		cp[k] = v
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote[origin] = remotePresence{online: cp, seen: now}
}

// Prune drops expired remote partials and reports whether any were dropped.
func (p *PresenceTracker) Prune(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pruneLocked(now)
}

func (p *PresenceTracker) pruneLocked(now time.Time) bool {
	dropped := false
	for origin, rp := range p.remote {
		if now.Sub(rp.seen) > p.ttl {
			delete(p.remote, origin)
			dropped = true
		}
	}
	return dropped
}

// Snapshot merges live remote partials with local. Local entries win.
func (p *PresenceTracker) Snapshot(local map[string]string, now time.Time) map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pruneLocked(now)

	out := make(map[string]string, len(local))
	for _, rp := range p.remote {
		for id, name := range rp.online {
			out[id] = name
		}
	}
	for id, name := range local {
		out[id] = name
	}
	return out
}
