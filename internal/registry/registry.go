// Package registry tracks every live terminal session's record and state
// machine, and fans mutations out to the state channel.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// State is a session's lifecycle stage.
type State int

const (
	Spawning State = iota
	Handshaking
	Running
	Exiting
	Closed
)

func (s State) String() string {
	switch s {
	case Spawning:
		return "spawning"
	case Handshaking:
		return "handshaking"
	case Running:
		return "running"
	case Exiting:
		return "exiting"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one tracked terminal session. Mutated only through Registry
// methods, which hold the write lock.
type Session struct {
	ID          string
	DisplayName string
	Shell       string
	Cols, Rows  uint16
	State       State
	Running     bool
	HasExitCode bool
	ExitCode    int32
	Cwd         string
	HostPID     int32
	PtyPID      int32
	CreatedAt   time.Time
	Order       int
	Detached    bool
}

// ErrNotFound is returned by operations on an unknown session id.
var ErrNotFound = errors.New("registry: session not found")

// Registry maps session id to Session record, serializing every mutation
// behind a single writer lock. Readers take an immutable snapshot so
// fan-out (mux, state channel) never blocks a concurrent mutation.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	nextOrd  int

	onMutate func(Session)
}

// New builds an empty Registry. onMutate, if non-nil, is invoked after
// every successful mutation with a copy of the affected session, the hook
// the state channel uses to emit debounced updates.
func New(onMutate func(Session)) *Registry {
	return &Registry{sessions: make(map[string]*Session), onMutate: onMutate}
}

func (r *Registry) notify(s Session) {
	if r.onMutate != nil {
		r.onMutate(s)
	}
}

// Create inserts a new session in the Spawning state.
func (r *Registry) Create(id, shell string, cols, rows uint16, createdAt time.Time) (Session, error) {
	r.mu.Lock()
	if _, exists := r.sessions[id]; exists {
		r.mu.Unlock()
		return Session{}, fmt.Errorf("registry: session %q already exists", id)
	}
	s := &Session{
		ID:          id,
		Shell:       shell,
		Cols:        cols,
		Rows:        rows,
		State:       Spawning,
		CreatedAt:   createdAt,
		Order:       r.nextOrd,
		DisplayName: id,
	}
	r.nextOrd++
	r.sessions[id] = s
	out := *s
	r.mu.Unlock()
	r.notify(out)
	return out, nil
}

// AttachHost transitions Spawning -> Handshaking once the IPC connection
// is dialed but before GetInfo completes.
func (r *Registry) AttachHost(id string, hostPID int32) error {
	return r.mutate(id, func(s *Session) error {
		s.HostPID = hostPID
		if s.State == Spawning {
			s.State = Handshaking
		}
		return nil
	})
}

// MarkRunning transitions Handshaking -> Running once GetInfo replies,
// recording the info the handshake revealed.
func (r *Registry) MarkRunning(id string, ptyPID int32, cwd string) error {
	return r.mutate(id, func(s *Session) error {
		s.PtyPID = ptyPID
		s.Cwd = cwd
		s.Running = true
		s.State = Running
		s.Detached = false
		return nil
	})
}

// SetStateChange applies a host-pushed StateChange: when running flips to
// false, the session enters Exiting; CWD changes are folded in too.
func (r *Registry) SetStateChange(id string, running, hasExitCode bool, exitCode int32, hasCwd bool, cwd string) error {
	return r.mutate(id, func(s *Session) error {
		s.Running = running
		s.HasExitCode = hasExitCode
		s.ExitCode = exitCode
		if hasCwd {
			s.Cwd = cwd
		}
		if !running && s.State == Running {
			s.State = Exiting
		}
		return nil
	})
}

// Close transitions a session to Closed, its terminal state.
func (r *Registry) Close(id string) error {
	return r.mutate(id, func(s *Session) error {
		s.State = Closed
		s.Running = false
		return nil
	})
}

// DetachHost marks a session as orphaned (connection lost but the host
// process may still be alive) without destroying its record, so reclaim
// can find it by id.
func (r *Registry) DetachHost(id string) error {
	return r.mutate(id, func(s *Session) error {
		s.Detached = true
		return nil
	})
}

// Rename updates a session's display name.
func (r *Registry) Rename(id, name string) error {
	return r.mutate(id, func(s *Session) error {
		s.DisplayName = name
		return nil
	})
}

// Resize updates a session's known dimensions (after a ResizeAck).
func (r *Registry) Resize(id string, cols, rows uint16) error {
	return r.mutate(id, func(s *Session) error {
		s.Cols, s.Rows = cols, rows
		return nil
	})
}

// Reorder assigns explicit order values; ids not present are left unchanged.
func (r *Registry) Reorder(order []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, id := range order {
		s, ok := r.sessions[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		s.Order = i
	}
	for _, s := range r.sessions {
		r.notify(*s)
	}
	return nil
}

// SetActive is a UI-facing hint only; the registry does not use it to
// reorder sessions (reordering is explicit per spec).
func (r *Registry) SetActive(id string) error {
	return r.mutate(id, func(s *Session) error { return nil })
}

func (r *Registry) mutate(id string, fn func(*Session) error) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := fn(s); err != nil {
		r.mu.Unlock()
		return err
	}
	out := *s
	r.mu.Unlock()
	r.notify(out)
	return nil
}

// Get returns a snapshot copy of one session.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// List returns an order-sorted snapshot of every tracked session.
func (r *Registry) List() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// Remove deletes a session record entirely (after Closed has been observed
// and the grace period elapses).
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}
