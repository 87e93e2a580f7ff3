package discovery_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	msgpackcodec "github.com/dantte-lp/attp/codec/msgpack"
	"github.com/dantte-lp/attp/internal/ackgate"
	"github.com/dantte-lp/attp/internal/auth"
	"github.com/dantte-lp/attp/internal/bus"
	"github.com/dantte-lp/attp/internal/discovery"
	"github.com/dantte-lp/attp/internal/dispatch"
	"github.com/dantte-lp/attp/internal/frame"
	"github.com/dantte-lp/attp/internal/multireceiver"
	"github.com/dantte-lp/attp/internal/nsdispatch"
	"github.com/dantte-lp/attp/internal/route"
	"github.com/dantte-lp/attp/internal/session"
	"github.com/dantte-lp/attp/transport"
)

// fakeConn is an in-process loopback transport.Conn pair, mirroring
// session's own test helper: Send on one side invokes the other's
// registered event handler directly.
type fakeConn struct {
	id   string
	addr string
	peer *fakeConn

	mu      sync.Mutex
	handler transport.EventHandler
	ready   chan struct{}
	closed  bool
}

func newFakeConnPair(idA, idB string) (*fakeConn, *fakeConn) {
	a := &fakeConn{id: idA, addr: idA + ":0", ready: make(chan struct{})}
	b := &fakeConn{id: idB, addr: idB + ":0", ready: make(chan struct{})}
	a.peer = b
	b.peer = a
	return a, b
}

func (c *fakeConn) AddEventHandler(h transport.EventHandler) {
	c.mu.Lock()
	already := c.handler != nil
	c.handler = h
	c.mu.Unlock()
	if !already {
		close(c.ready)
	}
}

func (c *fakeConn) StartHandler(ctx context.Context) error  { return nil }
func (c *fakeConn) StartListener(ctx context.Context) error { return nil }
func (c *fakeConn) StopListener() error                     { return nil }

func (c *fakeConn) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) SessionID() string { return c.id }
func (c *fakeConn) PeerAddr() string  { return c.addr }

func (c *fakeConn) Send(ctx context.Context, f frame.Frame) error {
	select {
	case <-c.peer.ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.peer.mu.Lock()
	closed := c.peer.closed
	h := c.peer.handler
	c.peer.mu.Unlock()
	if closed {
		return errors.New("fakeConn: peer disconnected")
	}
	h(f)
	return nil
}

func (c *fakeConn) SendBatch(ctx context.Context, frames []frame.Frame) error {
	for _, f := range frames {
		if err := c.Send(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

// fakeServerTransport delivers one pre-supplied Conn to whatever handler
// AddConnHandler registers, once StartServer runs.
type fakeServerTransport struct {
	conn    transport.Conn
	handler transport.ConnHandler
}

func (t *fakeServerTransport) AddConnHandler(h transport.ConnHandler) { t.handler = h }
func (t *fakeServerTransport) StartServer(ctx context.Context) error {
	go t.handler(t.conn)
	return nil
}
func (t *fakeServerTransport) StopServer(ctx context.Context) error { return nil }
func (t *fakeServerTransport) Connect(ctx context.Context, maxRetries int) (transport.Conn, error) {
	return nil, errors.New("fakeServerTransport: not a dialer")
}

// fakeClientTransport returns a pre-supplied Conn from Connect, or fails
// every call if conn is nil.
type fakeClientTransport struct {
	conn    transport.Conn
	dialErr error
	dials   int
}

func (t *fakeClientTransport) AddConnHandler(h transport.ConnHandler) {}
func (t *fakeClientTransport) StartServer(ctx context.Context) error  { return nil }
func (t *fakeClientTransport) StopServer(ctx context.Context) error   { return nil }
func (t *fakeClientTransport) Connect(ctx context.Context, maxRetries int) (transport.Conn, error) {
	t.dials++
	if t.dialErr != nil {
		return nil, t.dialErr
	}
	return t.conn, nil
}

func newSignerAndStrategy(namespace, nodeID, secret string) (*auth.Signer, *auth.Strategy) {
	ref := auth.Literal(secret)
	signer := &auth.Signer{Namespace: namespace, NodeID: nodeID, Secret: ref, TTLSeconds: 30, MaxClockSkew: 5}
	strategy := auth.NewStrategy(ref, 30, 5, 1000)
	return signer, strategy
}

func newDeps(registry *route.Registry) discovery.Deps {
	gate := ackgate.New()
	b := bus.New(registry, msgpackcodec.New(), nil)
	return discovery.Deps{
		Registry:   registry,
		AckGate:    gate,
		Codec:      msgpackcodec.New(),
		Dispatcher: nsdispatch.New(),
		Frames:     multireceiver.New[nsdispatch.InboundFrame](func(f nsdispatch.InboundFrame) string { return f.Session.Namespace() }),
		Drainer:    dispatch.New(gate, b, nil),
		Bus:        b,
	}
}

func TestServerAcceptsAndRegistersSession(t *testing.T) {
	t.Parallel()

	clientConn, serverConn := newFakeConnPair("client", "server")

	serverRegistry := route.NewRegistry()
	deps := newDeps(serverRegistry)
	signer, strategy := newSignerAndStrategy("orders", "node-client", "shared-secret")

	srv := discovery.NewServer(deps, strategy, 2*time.Second)
	ft := &fakeServerTransport{conn: serverConn}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- srv.Serve(ctx, ft) }()

	client := session.NewClient(session.Config{
		Conn:     clientConn,
		Codec:    msgpackcodec.New(),
		Registry: route.NewRegistry(),
		AckGate:  ackgate.New(),
	})

	hsCtx, hsCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer hsCancel()
	if err := client.ClientHandshake(hsCtx, "orders", signer); err != nil {
		t.Fatalf("ClientHandshake: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := deps.Dispatcher.Find("orders", serverConn.SessionID()); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for server session to register")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	if err := <-serveErrCh; err != nil {
		t.Fatalf("Serve: %v", err)
	}
}

func TestClientRunEstablishesSessionThenStopsOnCancel(t *testing.T) {
	t.Parallel()

	clientConn, serverConn := newFakeConnPair("client", "server")

	clientRegistry := route.NewRegistry()
	deps := newDeps(clientRegistry)
	signer, strategy := newSignerAndStrategy("orders", "node-client", "shared-secret")

	go func() {
		server := session.NewServer(session.Config{
			Conn:     serverConn,
			Codec:    msgpackcodec.New(),
			Registry: route.NewRegistry(),
			AckGate:  ackgate.New(),
		})
		_ = server.ServerHandshake(context.Background(), strategy, 2*time.Second)
	}()

	client := discovery.NewClient(deps)
	peer := discovery.Peer{
		Namespace:    "orders",
		Capabilities: []string{"schema/msgpack"},
		Signer:       signer,
		Transport:    &fakeClientTransport{conn: clientConn},
		MaxRetries:   1,
		Reconnect:    false,
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErrCh := make(chan error, 1)
	go func() { runErrCh <- client.Run(ctx, peer) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := deps.Dispatcher.Find("orders", clientConn.SessionID()); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for client session to register")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	select {
	case err := <-runErrCh:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestClientRunStopsAfterMaxRetriesOnDialFailure(t *testing.T) {
	t.Parallel()

	deps := newDeps(route.NewRegistry())
	client := discovery.NewClient(deps)

	ft := &fakeClientTransport{dialErr: fmt.Errorf("connection refused")}
	peer := discovery.Peer{
		Namespace:      "orders",
		Transport:      ft,
		MaxRetries:     2,
		Reconnect:      true,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}

	err := client.Run(context.Background(), peer)
	if err == nil {
		t.Fatal("expected error once max retries exhausted")
	}
	if ft.dials != 2 {
		t.Fatalf("got %d dial attempts, want 2", ft.dials)
	}
}

func TestClientRunReturnsNilOnContextCancelDuringBackoff(t *testing.T) {
	t.Parallel()

	deps := newDeps(route.NewRegistry())
	client := discovery.NewClient(deps)

	ft := &fakeClientTransport{dialErr: fmt.Errorf("connection refused")}
	peer := discovery.Peer{
		Namespace:      "orders",
		Transport:      ft,
		Reconnect:      true,
		InitialBackoff: time.Second,
		MaxBackoff:     time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErrCh := make(chan error, 1)
	go func() { runErrCh <- client.Run(ctx, peer) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-runErrCh:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation during backoff")
	}
}
