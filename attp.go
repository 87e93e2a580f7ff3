// Package attp is the public entry point for embedding an ATTP node in
// a Go program: it wires the node-wide singletons (route registry, ack
// gate, codec, namespace dispatcher, event bus, frame dispatcher, load
// balancer, transmitter) described in SPEC_FULL.md §4-§5 and exposes
// them through a small Node API. cmd/attpd is itself just a thin
// config-driven consumer of this package.
package attp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dantte-lp/attp/codec"
	"github.com/dantte-lp/attp/codec/msgpack"
	"github.com/dantte-lp/attp/internal/ackgate"
	"github.com/dantte-lp/attp/internal/balancer"
	"github.com/dantte-lp/attp/internal/bus"
	"github.com/dantte-lp/attp/internal/config"
	"github.com/dantte-lp/attp/internal/discovery"
	"github.com/dantte-lp/attp/internal/dispatch"
	attpmetrics "github.com/dantte-lp/attp/internal/metrics"
	"github.com/dantte-lp/attp/internal/multireceiver"
	"github.com/dantte-lp/attp/internal/nsdispatch"
	"github.com/dantte-lp/attp/internal/route"
	"github.com/dantte-lp/attp/internal/transmitter"
	"github.com/dantte-lp/attp/transport"
)

// defaultMaxReplayEntries bounds the server-side replay cache when a
// caller doesn't override it via WithMaxReplayEntries.
const defaultMaxReplayEntries = 4096

// Option configures a Node at construction time.
type Option func(*options)

type options struct {
	logger           *slog.Logger
	registerer       prometheus.Registerer
	maxReplayEntries int
}

// WithLogger sets the structured logger every component logs through.
// Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRegisterer sets the Prometheus registerer metrics are registered
// against. Defaults to prometheus.DefaultRegisterer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithMaxReplayEntries overrides the server-side auth replay cache size
// (spec §4.6). Defaults to 4096.
func WithMaxReplayEntries(n int) Option {
	return func(o *options) { o.maxReplayEntries = n }
}

// Node bundles one ATTP node's shared components: everything a session
// driver, the load balancer, and the transmitter are wired into, built
// once and reused across every inbound connection and every configured
// peer (spec §5).
type Node struct {
	cfg *config.Config

	registry   *route.Registry
	ackGate    *ackgate.Gate
	codec      codec.Codec
	dispatcher *nsdispatch.Dispatcher
	frames     *multireceiver.MultiReceiver[nsdispatch.InboundFrame]
	bus        *bus.Bus
	drainer    *dispatch.Dispatcher
	balancer   *balancer.Balancer
	transmit   *transmitter.Transmitter
	metrics    *attpmetrics.Collector
	logger     *slog.Logger

	deps        discovery.Deps
	server      *discovery.Server
	client      *discovery.Client
	authTimeout time.Duration
}

// New builds a Node from cfg. cfg must already satisfy config.Validate.
func New(cfg *config.Config, opts ...Option) (*Node, error) {
	o := options{maxReplayEntries: defaultMaxReplayEntries}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	reg := o.registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	collector := attpmetrics.NewCollector(reg)

	registry := route.NewRegistry()
	gate := ackgate.New()
	c := msgpack.New()
	nsDispatcher := nsdispatch.New()
	frames := multireceiver.New(func(f nsdispatch.InboundFrame) string {
		return f.Session.Namespace()
	})
	eventBus := bus.New(registry, c, logger)
	drainer := dispatch.New(gate, eventBus, logger)
	drainer.Metrics = collector

	cacher := balancer.NewMemoryCacher()
	evaluator := balancer.NewEvaluator(cacher, cfg.Services.Balancer.Strategy, balancer.RoundRobin{})
	bal := balancer.New(nsDispatcher, evaluator)
	transmit := transmitter.New(bal, registry, gate, c)
	transmit.Metrics = collector

	deps := discovery.Deps{
		Registry:   registry,
		AckGate:    gate,
		Codec:      c,
		Dispatcher: nsDispatcher,
		Frames:     frames,
		Drainer:    drainer,
		Bus:        eventBus,
		Metrics:    collector,
		Logger:     logger,
	}

	strategy, err := cfg.AuthStrategy(o.maxReplayEntries)
	if err != nil {
		return nil, fmt.Errorf("attp: build auth strategy: %w", err)
	}
	strategy.Metrics = collector
	authTimeout := time.Duration(cfg.Client.Auth.TTLSeconds+cfg.Client.Auth.MaxClockSkew+5) * time.Second

	return &Node{
		cfg:         cfg,
		registry:    registry,
		ackGate:     gate,
		codec:       c,
		dispatcher:  nsDispatcher,
		frames:      frames,
		bus:         eventBus,
		drainer:     drainer,
		balancer:    bal,
		transmit:    transmit,
		metrics:     collector,
		logger:      logger,
		deps:        deps,
		server:      discovery.NewServer(deps, strategy, authTimeout),
		client:      discovery.NewClient(deps),
		authTimeout: authTimeout,
	}, nil
}

// Registry returns the node's shared route registry, for registering
// local message/event/error handlers before Serve/Connect is called.
func (n *Node) Registry() *route.Registry { return n.registry }

// Transmitter returns the node's outbound send/stream/emit surface.
func (n *Node) Transmitter() *transmitter.Transmitter { return n.transmit }

// Dispatcher returns the node's namespace dispatcher, for inspection
// (attpctl's debug endpoint reads Namespaces() off this).
func (n *Node) Dispatcher() *nsdispatch.Dispatcher { return n.dispatcher }

// Serve accepts inbound connections off t until ctx is cancelled,
// handshaking and registering each one (spec §4.6 Server handshake).
func (n *Node) Serve(ctx context.Context, t transport.Transport) error {
	return n.server.Serve(ctx, t)
}

// Connect dials and maintains peer over t, reconnecting per peer's
// Reconnect/MaxRetries policy, until ctx is cancelled (spec §10
// discovery client dial loop).
func (n *Node) Connect(ctx context.Context, namespace string, peerCfg config.PeerConfig, t transport.Transport) error {
	signer, err := n.cfg.AuthSignerForPeer(peerCfg)
	if err != nil {
		return fmt.Errorf("attp: build signer for peer %s: %w", namespace, err)
	}

	peer := discovery.Peer{
		Namespace:    namespace,
		Capabilities: config.PeerCapabilities(peerCfg),
		Signer:       signer,
		Transport:    t,
		MaxRetries:   n.cfg.Client.Limits.MaxRetries,
		Reconnect:    true,
	}
	return n.client.Run(ctx, peer)
}

// Close terminates every registered session across every namespace and
// waits for the closes to complete.
func (n *Node) Close(ctx context.Context) {
	n.dispatcher.TerminateAll(ctx)
}
