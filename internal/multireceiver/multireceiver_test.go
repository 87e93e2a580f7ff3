package multireceiver

import (
	"context"
	"testing"
	"time"
)

type item struct {
	namespace string
	value     string
}

func keyOf(i item) string { return i.namespace }

func TestOnNextAutoCreatesReceiver(t *testing.T) {
	m := New[item](keyOf)
	m.OnNext(item{namespace: "ns-a", value: "hello"})

	r := m.Receiver("ns-a")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	got, err := r.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.value != "hello" {
		t.Fatalf("value = %q, want hello", got.value)
	}
}

func TestOnNextFallsBackToDefaultNamespace(t *testing.T) {
	m := New[item](keyOf, WithDefaultNamespace[item]("fallback"))
	m.OnNext(item{namespace: "", value: "x"})

	if got := m.Namespaces(); len(got) != 1 || got[0] != "fallback" {
		t.Fatalf("namespaces = %v, want [fallback]", got)
	}
}

func TestWithoutAutoCreateDropsUnsubscribedItems(t *testing.T) {
	m := New[item](keyOf, WithoutAutoCreate[item]())
	m.OnNext(item{namespace: "ns-a", value: "dropped"})

	if got := m.Namespaces(); len(got) != 0 {
		t.Fatalf("namespaces = %v, want none (auto-create disabled)", got)
	}
}

func TestGlobalFanoutObservesEveryNamespace(t *testing.T) {
	m := New[item](keyOf, WithGlobalFanout[item]())
	m.OnNext(item{namespace: "ns-a", value: "a"})
	m.OnNext(item{namespace: "ns-b", value: "b"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	first, err := m.Get(ctx)
	if err != nil {
		t.Fatalf("Get 1: %v", err)
	}
	second, err := m.Get(ctx)
	if err != nil {
		t.Fatalf("Get 2: %v", err)
	}
	if first.value != "a" || second.value != "b" {
		t.Fatalf("got %q, %q, want a, b in arrival order", first.value, second.value)
	}
}

func TestGetWithoutGlobalFanoutFails(t *testing.T) {
	m := New[item](keyOf)
	if _, err := m.Get(context.Background()); err != ErrGlobalDisabled {
		t.Fatalf("err = %v, want ErrGlobalDisabled", err)
	}
	if err := m.TaskDone(); err != ErrGlobalDisabled {
		t.Fatalf("TaskDone err = %v, want ErrGlobalDisabled", err)
	}
}

func TestSubscribeCreatesIndependentReceiver(t *testing.T) {
	m := New[item](keyOf)
	r1 := m.Subscribe("ns-a")
	r2 := m.Subscribe("ns-a")

	m.OnNext(item{namespace: "ns-a", value: "dup"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	v1, err := r1.Get(ctx)
	if err != nil {
		t.Fatalf("r1.Get: %v", err)
	}
	v2, err := r2.Get(ctx)
	if err != nil {
		t.Fatalf("r2.Get: %v", err)
	}
	if v1.value != "dup" || v2.value != "dup" {
		t.Fatalf("both subscribers should observe the item, got %q and %q", v1.value, v2.value)
	}
}

func TestUnsubscribePrunesEmptyNamespace(t *testing.T) {
	m := New[item](keyOf)
	r := m.Subscribe("ns-a")

	m.Unsubscribe("ns-a", r)

	if got := m.Namespaces(); len(got) != 0 {
		t.Fatalf("namespaces = %v, want none after unsubscribe", got)
	}
}

func TestUnsubscribeUnknownReceiverIsNoop(t *testing.T) {
	m := New[item](keyOf)
	m.Subscribe("ns-a")
	m.Unsubscribe("ns-a", NewReceiver[item]())

	if got := m.Namespaces(); len(got) != 1 {
		t.Fatalf("namespaces = %v, want [ns-a] unaffected", got)
	}
}

func TestReceiverGetRespectsContextCancellation(t *testing.T) {
	r := NewReceiver[item]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := r.Get(ctx); err == nil {
		t.Fatal("expected Get to fail once the context is cancelled")
	}
}
