package transmitter_test

import (
	"context"
	"sync"
	"testing"
	"time"

	msgpackcodec "github.com/dantte-lp/attp/codec/msgpack"
	"github.com/dantte-lp/attp/internal/ackgate"
	"github.com/dantte-lp/attp/internal/balancer"
	"github.com/dantte-lp/attp/internal/frame"
	"github.com/dantte-lp/attp/internal/nsdispatch"
	"github.com/dantte-lp/attp/internal/route"
	"github.com/dantte-lp/attp/internal/session"
	"github.com/dantte-lp/attp/internal/transmitter"
	"github.com/dantte-lp/attp/pkg/attperr"
	"github.com/dantte-lp/attp/transport"
)

// recordingConn remembers every frame handed to Send; good enough to
// drive a session.Driver's outbound primitives without a real socket.
type recordingConn struct {
	mu  sync.Mutex
	out []frame.Frame
}

func (c *recordingConn) AddEventHandler(h transport.EventHandler)  {}
func (c *recordingConn) StartHandler(ctx context.Context) error    { return nil }
func (c *recordingConn) StartListener(ctx context.Context) error   { return nil }
func (c *recordingConn) StopListener() error                       { return nil }
func (c *recordingConn) Disconnect(ctx context.Context) error      { return nil }
func (c *recordingConn) SessionID() string                         { return "recording" }
func (c *recordingConn) PeerAddr() string                          { return "nowhere:0" }

func (c *recordingConn) Send(ctx context.Context, f frame.Frame) error {
	c.mu.Lock()
	c.out = append(c.out, f)
	c.mu.Unlock()
	return nil
}

func (c *recordingConn) SendBatch(ctx context.Context, frames []frame.Frame) error {
	for _, f := range frames {
		_ = c.Send(ctx, f)
	}
	return nil
}

func (c *recordingConn) last() frame.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out[len(c.out)-1]
}

func newEnv(t *testing.T, namespace string) (*transmitter.Transmitter, *session.Driver, *recordingConn, *ackgate.Gate) {
	t.Helper()

	gate := ackgate.New()
	conn := &recordingConn{}
	registry := route.NewRegistry()
	registry.IncludeRemote(namespace, route.RoleClient, []route.Wire{
		{Pattern: "orders.process", RouteID: 9, Type: route.Message, Namespace: namespace},
		{Pattern: "orders.notify", RouteID: 10, Type: route.Event, Namespace: namespace},
	})

	driver := session.NewClient(session.Config{
		Conn:     conn,
		Codec:    msgpackcodec.New(),
		Registry: registry,
		AckGate:  gate,
	})

	dispatcher := nsdispatch.New()
	dispatcher.Add(namespace, driver)

	evaluator := balancer.NewEvaluator(balancer.NewMemoryCacher(), "round-robin", balancer.RoundRobin{})
	bal := balancer.New(dispatcher, evaluator)

	tr := transmitter.New(bal, registry, gate, msgpackcodec.New())
	return tr, driver, conn, gate
}

func TestSendAwaitsAndDecodesResponse(t *testing.T) {
	t.Parallel()

	tr, _, conn, gate := newEnv(t, "orders")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if func() bool {
				conn.mu.Lock()
				defer conn.mu.Unlock()
				return len(conn.out) > 0
			}() {
				break
			}
			time.Sleep(time.Millisecond)
		}
		f := conn.last()
		gate.Feed(frame.New(f.RouteID, frame.ACK, []byte("pong")).WithCorrelation(f.CorrelationID))
	}()

	ctx := context.Background()
	reply, err := tr.Send(ctx, transmitter.Target{Namespace: "orders"}, "orders.process", []byte("ping"), time.Second)
	<-done
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if string(reply) != "pong" {
		t.Fatalf("got reply %q, want %q", reply, "pong")
	}

	if conn.last().Command != frame.CALL {
		t.Fatalf("got command %s, want CALL", conn.last().Command)
	}
}

func TestSendUnknownRouteReturns404(t *testing.T) {
	t.Parallel()

	tr, _, _, _ := newEnv(t, "orders")

	_, err := tr.Send(context.Background(), transmitter.Target{Namespace: "orders"}, "orders.unknown", nil, time.Second)
	var attpErr *attperr.Error
	if err == nil {
		t.Fatal("expected error for unknown route")
	}
	if e, ok := err.(*attperr.Error); ok {
		attpErr = e
	}
	if attpErr == nil || attpErr.Code != 404 {
		t.Fatalf("got %v, want *attperr.Error code 404", err)
	}
}

func TestSendNoCandidatesFails(t *testing.T) {
	t.Parallel()

	gate := ackgate.New()
	registry := route.NewRegistry()
	dispatcher := nsdispatch.New()
	evaluator := balancer.NewEvaluator(balancer.NewMemoryCacher(), "round-robin", balancer.RoundRobin{})
	bal := balancer.New(dispatcher, evaluator)
	tr := transmitter.New(bal, registry, gate, msgpackcodec.New())

	_, err := tr.Send(context.Background(), transmitter.Target{Namespace: "orders"}, "orders.process", nil, time.Second)
	if err == nil {
		t.Fatal("expected error when no session candidates exist")
	}
}

func TestSendSurfacesRemoteErrFrame(t *testing.T) {
	t.Parallel()

	tr, _, conn, gate := newEnv(t, "orders")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if func() bool {
				conn.mu.Lock()
				defer conn.mu.Unlock()
				return len(conn.out) > 0
			}() {
				break
			}
			time.Sleep(time.Millisecond)
		}
		f := conn.last()
		codec := msgpackcodec.New()
		raw, _ := codec.Marshal(attperr.Validation(map[string]any{"field": "amount"}))
		gate.Feed(frame.New(f.RouteID, frame.ERR, raw).WithCorrelation(f.CorrelationID))
	}()

	_, err := tr.Send(context.Background(), transmitter.Target{Namespace: "orders"}, "orders.process", []byte("ping"), time.Second)
	<-done
	attpErr, ok := err.(*attperr.Error)
	if !ok {
		t.Fatalf("got %T, want *attperr.Error", err)
	}
	if attpErr.Code != 422 {
		t.Fatalf("got code %d, want 422", attpErr.Code)
	}
}

func TestEmitSendsEventFrameAndIgnoresMissingRoute(t *testing.T) {
	t.Parallel()

	tr, _, conn, _ := newEnv(t, "orders")

	if err := tr.Emit(context.Background(), transmitter.Target{Namespace: "orders"}, "orders.notify", []byte("hi")); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if conn.last().Command != frame.EMIT {
		t.Fatalf("got command %s, want EMIT", conn.last().Command)
	}

	// A pattern with no remote route mapping is dropped silently, not an
	// error (there is no ACK channel to report failure through).
	if err := tr.Emit(context.Background(), transmitter.Target{Namespace: "orders"}, "orders.ghost", []byte("hi")); err != nil {
		t.Fatalf("Emit with unknown route should be a no-op, got: %v", err)
	}
}

func TestRequestStreamYieldsChunksThenCloses(t *testing.T) {
	t.Parallel()

	tr, _, conn, gate := newEnv(t, "orders")

	go func() {
		for {
			conn.mu.Lock()
			n := len(conn.out)
			conn.mu.Unlock()
			if n > 0 {
				break
			}
			time.Sleep(time.Millisecond)
		}
		f := conn.last()
		gate.Feed(frame.New(f.RouteID, frame.STREAMBOS, nil).WithCorrelation(f.CorrelationID))
		gate.Feed(frame.New(f.RouteID, frame.CHUNK, []byte("a")).WithCorrelation(f.CorrelationID))
		gate.Feed(frame.New(f.RouteID, frame.CHUNK, []byte("b")).WithCorrelation(f.CorrelationID))
		gate.Feed(frame.New(f.RouteID, frame.STREAMEOS, nil).WithCorrelation(f.CorrelationID))
	}()

	items, err := tr.RequestStream(context.Background(), transmitter.Target{Namespace: "orders"}, "orders.process", []byte("ping"), time.Second)
	if err != nil {
		t.Fatalf("RequestStream: %v", err)
	}

	var chunks []string
	for item := range items {
		if item.Err != nil {
			t.Fatalf("unexpected stream error: %v", item.Err)
		}
		chunks = append(chunks, string(item.Payload))
	}

	if len(chunks) != 2 || chunks[0] != "a" || chunks[1] != "b" {
		t.Fatalf("got items %v, want exactly [a b] with no leading STREAMBOS marker", chunks)
	}
}

func TestHandleResponseFeedsAckGate(t *testing.T) {
	t.Parallel()

	tr, driver, _, gate := newEnv(t, "orders")

	cid, err := driver.SendCall(context.Background(), 9, []byte("ping"))
	if err != nil {
		t.Fatalf("SendCall: %v", err)
	}
	if err := gate.Open(cid); err != nil {
		t.Fatalf("Open: %v", err)
	}

	go tr.HandleResponse(frame.New(9, frame.ACK, []byte("pong")).WithCorrelation(cid))

	f, err := gate.AwaitSingle(context.Background(), cid, time.Second)
	if err != nil {
		t.Fatalf("AwaitSingle: %v", err)
	}
	if string(f.Payload) != "pong" {
		t.Fatalf("got %q, want %q", f.Payload, "pong")
	}
}
