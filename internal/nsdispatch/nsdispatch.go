// Package nsdispatch implements the namespace dispatcher (spec §4.2):
// namespace -> insertion-ordered sequence of sessions, with role
// filtering and idempotent removal.
package nsdispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/dantte-lp/attp/internal/frame"
	"github.com/dantte-lp/attp/internal/route"
)

// ErrSessionNotAdded is returned by Remove when the session was not
// registered under namespace. Per Design Note (c), callers that rely on
// best-effort rerotation (the load balancer) treat this as a no-op.
var ErrSessionNotAdded = errors.New("nsdispatch: session not registered in namespace")

// Session is the minimal surface the namespace dispatcher needs from a
// session driver. *session.Driver satisfies it.
type Session interface {
	SessionID() string
	Role() route.Role
	Namespace() string
	Close(ctx context.Context) error
}

// InboundFrame pairs a decoded application frame with the session it
// arrived on, the unit the frame dispatcher (package dispatch) drains
// from a namespace's multi-receiver (spec §4.4, §4.7).
type InboundFrame struct {
	Session Session
	Frame   frame.Frame
}

// Dispatcher maintains namespace -> ordered sessions.
type Dispatcher struct {
	mu    sync.RWMutex
	byNS  map[string][]Session
}

// New creates an empty Dispatcher.
func New() *Dispatcher {
	return &Dispatcher{byNS: make(map[string][]Session)}
}

// Add registers session under namespace, appended in insertion order.
func (d *Dispatcher) Add(namespace string, s Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byNS[namespace] = append(d.byNS[namespace], s)
}

// Remove removes session from namespace. Removing an absent session
// returns ErrSessionNotAdded; callers for whom removal is best-effort
// should ignore that error (spec Design Note (c)).
func (d *Dispatcher) Remove(namespace string, s Session) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	sessions := d.byNS[namespace]
	for i, candidate := range sessions {
		if candidate == s {
			d.byNS[namespace] = append(sessions[:i], sessions[i+1:]...)
			if len(d.byNS[namespace]) == 0 {
				delete(d.byNS, namespace)
			}
			return nil
		}
	}
	return ErrSessionNotAdded
}

// Find returns the unique session in namespace with the given session
// id, or false if none matches.
func (d *Dispatcher) Find(namespace, sessionID string) (Session, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, s := range d.byNS[namespace] {
		if s.SessionID() == sessionID {
			return s, true
		}
	}
	return nil, false
}

// Candidates returns the ordered sequence of sessions in namespace,
// optionally filtered by role ("" means no filter).
func (d *Dispatcher) Candidates(namespace string, role route.Role) []Session {
	d.mu.RLock()
	defer d.mu.RUnlock()

	sessions := d.byNS[namespace]
	if role == "" {
		out := make([]Session, len(sessions))
		copy(out, sessions)
		return out
	}

	out := make([]Session, 0, len(sessions))
	for _, s := range sessions {
		if s.Role() == role {
			out = append(out, s)
		}
	}
	return out
}

// Namespaces returns the names of every namespace with at least one
// registered session, in no particular order. Used by the daemon's debug
// surface (attpctl namespaces/routes/sessions).
func (d *Dispatcher) Namespaces() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]string, 0, len(d.byNS))
	for ns := range d.byNS {
		out = append(out, ns)
	}
	return out
}

// TerminateAll concurrently closes every registered session across every
// namespace and waits for all closes to complete.
func (d *Dispatcher) TerminateAll(ctx context.Context) {
	d.mu.RLock()
	var all []Session
	for _, sessions := range d.byNS {
		all = append(all, sessions...)
	}
	d.mu.RUnlock()

	var wg sync.WaitGroup
	wg.Add(len(all))
	for _, s := range all {
		go func(s Session) {
			defer wg.Done()
			_ = s.Close(ctx)
		}(s)
	}
	wg.Wait()
}
