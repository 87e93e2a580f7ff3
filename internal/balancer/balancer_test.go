package balancer

import (
	"context"
	"testing"

	"github.com/dantte-lp/attp/internal/nsdispatch"
	"github.com/dantte-lp/attp/internal/route"
)

type fakeSession struct {
	id        string
	role      route.Role
	namespace string
}

func (s *fakeSession) SessionID() string       { return s.id }
func (s *fakeSession) Role() route.Role        { return s.role }
func (s *fakeSession) Namespace() string       { return s.namespace }
func (s *fakeSession) Close(context.Context) error { return nil }

func newDispatcherWith(namespace string, sessions ...*fakeSession) *nsdispatch.Dispatcher {
	d := nsdispatch.New()
	for _, s := range sessions {
		d.Add(namespace, s)
	}
	return d
}

func TestAcquireReturnsExactSessionIDMatch(t *testing.T) {
	a := &fakeSession{id: "a", role: route.RoleServer, namespace: "orders"}
	b := &fakeSession{id: "b", role: route.RoleServer, namespace: "orders"}
	d := newDispatcherWith("orders", a, b)
	evaluator := NewEvaluator(NewMemoryCacher(), "round-robin", RoundRobin{})
	bal := New(d, evaluator)

	got, err := bal.Acquire("orders", "b", "")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got != nsdispatch.Session(b) {
		t.Fatalf("got %v, want session b", got)
	}
}

func TestAcquireUnknownSessionIDFails(t *testing.T) {
	a := &fakeSession{id: "a", role: route.RoleServer, namespace: "orders"}
	d := newDispatcherWith("orders", a)
	evaluator := NewEvaluator(NewMemoryCacher(), "round-robin", RoundRobin{})
	bal := New(d, evaluator)

	_, err := bal.Acquire("orders", "missing", "")
	if err == nil {
		t.Fatal("expected error for unknown session id")
	}
	var target *ErrNoCandidates
	if !asErrNoCandidates(err, &target) {
		t.Fatalf("expected ErrNoCandidates, got %T: %v", err, err)
	}
}

func TestAcquireEmptyNamespaceFails(t *testing.T) {
	d := nsdispatch.New()
	evaluator := NewEvaluator(NewMemoryCacher(), "round-robin", RoundRobin{})
	bal := New(d, evaluator)

	_, err := bal.Acquire("orders", "", "")
	if err == nil {
		t.Fatal("expected error for empty namespace")
	}
}

func TestAcquireDelegatesToRoundRobinStrategy(t *testing.T) {
	a := &fakeSession{id: "a", role: route.RoleServer, namespace: "orders"}
	b := &fakeSession{id: "b", role: route.RoleServer, namespace: "orders"}
	c := &fakeSession{id: "c", role: route.RoleServer, namespace: "orders"}
	d := newDispatcherWith("orders", a, b, c)
	evaluator := NewEvaluator(NewMemoryCacher(), "round-robin", RoundRobin{})
	bal := New(d, evaluator)

	var got []string
	for i := 0; i < 6; i++ {
		s, err := bal.Acquire("orders", "", "")
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		got = append(got, s.SessionID())
	}

	want := []string{"a", "b", "c", "a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("acquire[%d] = %q, want %q (full: %v)", i, got[i], want[i], got)
		}
	}
}

func TestAcquireUnknownStrategyFails(t *testing.T) {
	a := &fakeSession{id: "a", role: route.RoleServer, namespace: "orders"}
	d := newDispatcherWith("orders", a)
	evaluator := NewEvaluator(NewMemoryCacher(), "least-connections", RoundRobin{})
	bal := New(d, evaluator)

	_, err := bal.Acquire("orders", "", "")
	if err == nil {
		t.Fatal("expected error for unknown strategy")
	}
	var target *ErrUnknownStrategy
	if !asErrUnknownStrategy(err, &target) {
		t.Fatalf("expected ErrUnknownStrategy, got %T: %v", err, err)
	}
}

func TestAcquireFiltersByRole(t *testing.T) {
	server := &fakeSession{id: "srv", role: route.RoleServer, namespace: "orders"}
	client := &fakeSession{id: "cli", role: route.RoleClient, namespace: "orders"}
	d := newDispatcherWith("orders", server, client)
	evaluator := NewEvaluator(NewMemoryCacher(), "round-robin", RoundRobin{})
	bal := New(d, evaluator)

	got, err := bal.Acquire("orders", "", route.RoleClient)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got.SessionID() != "cli" {
		t.Fatalf("got %q, want cli", got.SessionID())
	}
}

func TestRerotateRemovesDeadSession(t *testing.T) {
	a := &fakeSession{id: "a", role: route.RoleServer, namespace: "orders"}
	b := &fakeSession{id: "b", role: route.RoleServer, namespace: "orders"}
	d := newDispatcherWith("orders", a, b)
	evaluator := NewEvaluator(NewMemoryCacher(), "round-robin", RoundRobin{})
	bal := New(d, evaluator)

	bal.Rerotate("orders", a)

	got, err := bal.Acquire("orders", "a", "")
	if err == nil {
		t.Fatalf("expected a to be gone, got %v", got)
	}
}

func TestRerotateOfUnknownSessionIsNoop(t *testing.T) {
	a := &fakeSession{id: "a", role: route.RoleServer, namespace: "orders"}
	d := newDispatcherWith("orders", a)
	evaluator := NewEvaluator(NewMemoryCacher(), "round-robin", RoundRobin{})
	bal := New(d, evaluator)

	unknown := &fakeSession{id: "ghost", role: route.RoleServer, namespace: "orders"}
	bal.Rerotate("orders", unknown)

	got, err := bal.Acquire("orders", "a", "")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got.SessionID() != "a" {
		t.Fatalf("got %q, want a", got.SessionID())
	}
}

func asErrNoCandidates(err error, target **ErrNoCandidates) bool {
	e, ok := err.(*ErrNoCandidates)
	if ok {
		*target = e
	}
	return ok
}

func asErrUnknownStrategy(err error, target **ErrUnknownStrategy) bool {
	e, ok := err.(*ErrUnknownStrategy)
	if ok {
		*target = e
	}
	return ok
}
