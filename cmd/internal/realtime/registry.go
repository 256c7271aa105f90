package realtime

import (
	"sort"
	"sync"
)

// Registry tracks the sessions connected to this instance, one per identity.
type Registry struct {
	mu         sync.RWMutex
	byIdentity map[string]*Session
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byIdentity: make(map[string]*Session)}
}

// Register adds s. A session already registered under the same identity is
// returned as replaced; the caller closes it.
func (r *Registry) Register(s *Session) (replaced *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	replaced = r.byIdentity[s.identity]
	r.byIdentity[s.identity] = s
	return replaced
}

// Unregister removes s if it is still the registered session for its identity.
func (r *Registry) Unregister(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.byIdentity[s.identity]; ok && cur == s {
		delete(r.byIdentity, s.identity)
		return true
	}
	return false
}

// Lookup returns the session registered under identity.
func (r *Registry) Lookup(identity string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byIdentity[identity]
	return s, ok
}

// current reports ErrSessionGone unless s is the registered session for its identity.
// A replaced session must not touch its successor.
func (r *Registry) current(s *Session) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cur, ok := r.byIdentity[s.identity]; !ok || cur != s {
		return ErrSessionGone
	}
	return nil
}

// SetDisplayName sets the name of s. changed is false when the name was
// already set to the same value.
func (r *Registry) SetDisplayName(s *Session, name string) (changed bool, err error) {
	if err := r.current(s); err != nil {
		return false, err
	}
	if s.Name() == name {
		return false, nil
	}
	s.setName(name)
	return true, nil
}

// JoinRoom adds room to the memberships of s. added is false if already a member.
func (r *Registry) JoinRoom(s *Session, room string) (added bool, err error) {
	if err := r.current(s); err != nil {
		return false, err
	}
	return s.addRoom(room), nil
}

// LeaveRoom removes room from the memberships of s.
func (r *Registry) LeaveRoom(s *Session, room string) error {
	if err := r.current(s); err != nil {
		return err
	}
	if !s.removeRoom(room) {
		return ErrNotMember
	}
	return nil
}

// Presence returns identity -> display name for local sessions with a name set.
func (r *Registry) Presence() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.byIdentity))
	for id, s := range r.byIdentity {
		if name := s.Name(); name != "" {
			out[id] = name
		}
	}
	return out
}

// Sessions returns the registered sessions ordered by identity.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.byIdentity))
	for _, s := range r.byIdentity {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].identity < out[j].identity })
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIdentity)
}
