// Package balancer implements candidate acquisition over the namespace
// dispatcher (spec §4.11): acquire a session to send through, optionally
// pinned by id, otherwise delegated to a pluggable Strategy; rerotate a
// dead session out of its namespace.
package balancer

import (
	"fmt"

	"github.com/dantte-lp/attp/internal/nsdispatch"
	"github.com/dantte-lp/attp/internal/route"
)

// ErrNoCandidates is returned when a namespace has no session to acquire.
type ErrNoCandidates struct {
	Namespace string
}

func (e *ErrNoCandidates) Error() string {
	return fmt.Sprintf("balancer: no session candidate found for namespace %q", e.Namespace)
}

// ErrUnknownStrategy is returned when the configured strategy name matches
// none of the registered strategies.
type ErrUnknownStrategy struct {
	Name string
}

func (e *ErrUnknownStrategy) Error() string {
	return fmt.Sprintf("balancer: unknown balancing strategy %q", e.Name)
}

// Balancer acquires a candidate session from a namespace, optionally
// pinned by id, otherwise via the configured Strategy.
type Balancer struct {
	dispatcher *nsdispatch.Dispatcher
	evaluator  *Evaluator
}

// New creates a Balancer drawing candidates from dispatcher and
// delegating unpinned selection to evaluator.
func New(dispatcher *nsdispatch.Dispatcher, evaluator *Evaluator) *Balancer {
	return &Balancer{dispatcher: dispatcher, evaluator: evaluator}
}

// Acquire returns a session to send through (spec §4.11 acquire). If
// sessionID is non-empty it must match exactly one session in namespace
// (role is ignored in that case, mirroring a pinned lookup); otherwise the
// first candidate (optionally role-filtered) seeds the configured
// Strategy.
func (b *Balancer) Acquire(namespace, sessionID string, role route.Role) (nsdispatch.Session, error) {
	if sessionID != "" {
		session, ok := b.dispatcher.Find(namespace, sessionID)
		if !ok {
			return nil, &ErrNoCandidates{Namespace: namespace}
		}
		return session, nil
	}

	candidates := b.dispatcher.Candidates(namespace, role)
	if len(candidates) == 0 {
		return nil, &ErrNoCandidates{Namespace: namespace}
	}

	return b.evaluator.Evaluate(candidates[0], candidates)
}

// Rerotate removes a dead session from namespace. Best-effort: a session
// already absent is not an error (Design Note (c)).
func (b *Balancer) Rerotate(namespace string, session nsdispatch.Session) {
	_ = b.dispatcher.Remove(namespace, session)
}
