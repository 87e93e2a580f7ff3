// Package discovery implements both directions of session establishment
// (SPEC_FULL §10): a server acceptor that turns inbound transport.Conns
// into authenticated sessions, and a per-peer client dial loop with
// bounded retries and automatic reconnection.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dantte-lp/attp/codec"
	"github.com/dantte-lp/attp/internal/ackgate"
	"github.com/dantte-lp/attp/internal/auth"
	"github.com/dantte-lp/attp/internal/bus"
	"github.com/dantte-lp/attp/internal/dispatch"
	attpmetrics "github.com/dantte-lp/attp/internal/metrics"
	"github.com/dantte-lp/attp/internal/multireceiver"
	"github.com/dantte-lp/attp/internal/nsdispatch"
	"github.com/dantte-lp/attp/internal/route"
	"github.com/dantte-lp/attp/internal/session"
	"github.com/dantte-lp/attp/transport"
)

// initialBackoff and its ceiling maxBackoff mirror the teacher's bridge reconnect
// loop (cmd/gobfd-exabgp-bridge): start at one second, double, cap at 30.
const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// Deps are the node-wide components a newly established session is
// wired into, shared across every peer and every inbound connection.
type Deps struct {
	Registry   *route.Registry
	AckGate    *ackgate.Gate
	Codec      codec.Codec
	Dispatcher *nsdispatch.Dispatcher
	Frames     *multireceiver.MultiReceiver[nsdispatch.InboundFrame]
	Drainer    *dispatch.Dispatcher
	Bus        *bus.Bus
	Metrics    *attpmetrics.Collector
	Logger     *slog.Logger
}

func (d *Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// register wires a freshly handshaken driver into the shared dispatch
// fabric: namespace dispatcher, metrics, a drain goroutine over its
// namespace's receiver, and the connect lifecycle route.
func (d *Deps) register(ctx context.Context, driver *session.Driver) {
	namespace := driver.Namespace()
	d.Dispatcher.Add(namespace, driver)
	if d.Metrics != nil {
		d.Metrics.RegisterSession(namespace)
	}

	receiver := d.Frames.Receiver(namespace)
	go func() {
		if err := d.Drainer.Drain(ctx, receiver); err != nil {
			d.logger().Error("dispatcher drain exited", slog.String("namespace", namespace), slog.String("error", err.Error()))
		}
	}()

	d.Bus.InvokeLifecycle(ctx, driver, route.Connect)
}

// unregister reverses register's effects once a session closes.
func (d *Deps) unregister(ctx context.Context, driver *session.Driver) {
	namespace := driver.Namespace()
	_ = d.Dispatcher.Remove(namespace, driver)
	if d.Metrics != nil {
		d.Metrics.UnregisterSession(namespace)
	}
	d.Bus.InvokeLifecycle(ctx, driver, route.Disconnect)
}

// Server accepts inbound connections off a transport.Transport bound to a
// listen address and drives each through the server handshake (spec
// §4.6), registering successful sessions into Deps.
type Server struct {
	deps        Deps
	strategy    *auth.Strategy
	authTimeout time.Duration
}

// NewServer builds a Server. authTimeout bounds how long an accepted
// connection may take to complete AUTH before it is dropped.
func NewServer(deps Deps, strategy *auth.Strategy, authTimeout time.Duration) *Server {
	return &Server{deps: deps, strategy: strategy, authTimeout: authTimeout}
}

// Serve starts t listening and accepts connections until ctx is
// cancelled, at which point the transport is stopped and Serve returns.
func (s *Server) Serve(ctx context.Context, t transport.Transport) error {
	t.AddConnHandler(func(conn transport.Conn) {
		go s.handleConn(ctx, conn)
	})

	if err := t.StartServer(ctx); err != nil {
		return fmt.Errorf("discovery: start server: %w", err)
	}

	<-ctx.Done()
	return t.StopServer(context.Background())
}

func (s *Server) handleConn(ctx context.Context, conn transport.Conn) {
	logger := s.deps.logger().With(slog.String("peer_addr", conn.PeerAddr()))

	driver := session.NewServer(session.Config{
		Conn:     conn,
		Codec:    s.deps.Codec,
		Registry: s.deps.Registry,
		AckGate:  s.deps.AckGate,
		OnApplicationFrame: func(f nsdispatch.InboundFrame) {
			s.deps.Frames.OnNext(f)
		},
	})

	if err := driver.ServerHandshake(ctx, s.strategy, s.authTimeout); err != nil {
		logger.Warn("inbound handshake failed", slog.String("error", err.Error()))
		_ = driver.Close(ctx)
		return
	}

	s.deps.register(ctx, driver)
	logger.Info("session established", slog.String("namespace", driver.Namespace()), slog.String("session_id", driver.SessionID()))
	defer s.deps.unregister(context.Background(), driver)

	<-ctx.Done()
	_ = driver.Close(context.Background())
}

// Peer describes one outbound connection to maintain (SPEC_FULL §10,
// grounded on `ServiceDiscoveryConfigs`/`AttpClientConfigs` in
// original_source's attp/client/configs.py).
type Peer struct {
	// Namespace this peer's session joins.
	Namespace string
	// Capabilities advertised during ClientHandshake.
	Capabilities []string
	// Signer produces this peer's AUTH payloads.
	Signer *auth.Signer
	// Transport is already configured to dial this peer's remote
	// address; Client only calls Connect/Connect's retry budget on it.
	Transport transport.Transport
	// MaxRetries bounds total connection attempts across the dial
	// loop's lifetime; 0 means unlimited (original default is 20, spec
	// §6 leaves the bound to deployment configuration).
	MaxRetries int
	// Reconnect controls whether Run redials after a session ends
	// (original_source default: true).
	Reconnect bool
	// InitialBackoff and MaxBackoff override the default 1s/30s
	// exponential backoff between redial attempts; zero means use the
	// default.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Client maintains one dial loop per configured Peer.
type Client struct {
	deps Deps
}

// NewClient builds a Client sharing deps with any Server on the same
// node.
func NewClient(deps Deps) *Client {
	return &Client{deps: deps}
}

// Run dials peer, handshakes, registers the session, and blocks until it
// terminates, reconnecting with exponential backoff (capped at 30s) for
// up to peer.MaxRetries total attempts when peer.Reconnect is set. It
// returns nil only when ctx is cancelled; any other exit is an error
// (attempt budget exhausted or Reconnect disabled).
func (c *Client) Run(ctx context.Context, peer Peer) error {
	logger := c.deps.logger().With(slog.String("namespace", peer.Namespace))

	backoff := peer.InitialBackoff
	if backoff <= 0 {
		backoff = initialBackoff
	}
	ceiling := peer.MaxBackoff
	if ceiling <= 0 {
		ceiling = maxBackoff
	}

	for attempt := 1; ; attempt++ {
		if peer.MaxRetries > 0 && attempt > peer.MaxRetries {
			return fmt.Errorf("discovery: peer %s exceeded %d connection attempts", peer.Namespace, peer.MaxRetries)
		}

		err := c.connectOnce(ctx, peer)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}

		logger.Warn("session ended, reconnecting",
			slog.String("error", err.Error()),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
		)

		if !peer.Reconnect {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > ceiling {
			backoff = ceiling
		}
	}
}

// connectOnce dials, handshakes, registers, and blocks until the session
// terminates or ctx is cancelled.
func (c *Client) connectOnce(ctx context.Context, peer Peer) error {
	conn, err := peer.Transport.Connect(ctx, 1)
	if err != nil {
		return fmt.Errorf("discovery: connect %s: %w", peer.Namespace, err)
	}

	terminated := make(chan struct{})
	var once sync.Once

	driver := session.NewClient(session.Config{
		Conn:         conn,
		Codec:        c.deps.Codec,
		Registry:     c.deps.Registry,
		AckGate:      c.deps.AckGate,
		Capabilities: peer.Capabilities,
		OnApplicationFrame: func(f nsdispatch.InboundFrame) {
			c.deps.Frames.OnNext(f)
		},
		OnTerminate: func(*session.Driver) {
			once.Do(func() { close(terminated) })
		},
	})

	if err := driver.ClientHandshake(ctx, peer.Namespace, peer.Signer); err != nil {
		_ = driver.Close(ctx)
		return fmt.Errorf("discovery: handshake %s: %w", peer.Namespace, err)
	}

	c.deps.register(ctx, driver)
	defer c.deps.unregister(context.Background(), driver)

	select {
	case <-terminated:
		return fmt.Errorf("discovery: session %s terminated", peer.Namespace)
	case <-ctx.Done():
		_ = driver.Close(context.Background())
		return ctx.Err()
	}
}
