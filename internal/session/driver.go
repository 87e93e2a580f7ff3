package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dantte-lp/attp/codec"
	"github.com/dantte-lp/attp/internal/ackgate"
	"github.com/dantte-lp/attp/internal/auth"
	"github.com/dantte-lp/attp/internal/frame"
	"github.com/dantte-lp/attp/internal/nsdispatch"
	"github.com/dantte-lp/attp/internal/route"
	"github.com/dantte-lp/attp/pkg/attperr"
	"github.com/dantte-lp/attp/transport"
)

// ErrTransportClosed names a session whose transport has closed. Close
// does not hand it to outstanding ack awaiters: they receive
// ackgate.ErrClosed from the ack gate.
var ErrTransportClosed = errors.New("session: transport closed")

// ErrAuthTimeout is returned by ClientHandshake when the server never
// answers AUTH within the signer's timeout (spec §4.5 step 3).
var ErrAuthTimeout = errors.New("session: authentication timed out")

// ErrInvalidRouteID is returned by SendCall for route_id < 1 (spec §4.5
// Outbound send primitives).
var ErrInvalidRouteID = errors.New("session: route id must be >= 1")

// DefaultCapabilities is sent by both roles unless overridden (SPEC_FULL
// §6.4 peer config default).
var DefaultCapabilities = []string{"schema/msgpack", "streaming"}

// readyPayload is the READY frame payload (spec §6): proto/ver/caps/routes,
// plus server_time on the server's READY only.
type readyPayload struct {
	Proto      string        `msgpack:"proto"`
	Version    frame.Version `msgpack:"ver"`
	Caps       []string      `msgpack:"caps"`
	Routes     []route.Wire  `msgpack:"routes"`
	ServerTime string        `msgpack:"server_time,omitempty"`
}

// authFramePayload is the AUTH frame payload (spec §4.5 step 2):
// {namespace, data: authenticator.sign()}.
type authFramePayload struct {
	Namespace string      `msgpack:"namespace"`
	Data      auth.Payload `msgpack:"data"`
}

// Driver is the per-connection session state machine (spec §4.5). It
// satisfies nsdispatch.Session. Client and server share this trunk; the
// role-specific handshake sequence lives in ClientHandshake and
// ServerHandshake.
type Driver struct {
	mu    sync.Mutex
	state State

	role      route.Role
	sessionID string
	namespace string

	conn     transport.Conn
	codec    codec.Codec
	registry *route.Registry
	ackGate  *ackgate.Gate

	capabilities      []string
	negotiatedVersion frame.Version
	authenticated     bool
	establishedAt     time.Time

	onApplicationFrame func(nsdispatch.InboundFrame)
	onTerminate        func(*Driver)

	pendingMu   sync.Mutex
	pendingCIDs map[frame.CorrelationID]struct{}

	authRejectedCh chan error
	authFrameCh    chan frame.Frame
	readyCh        chan readyPayload

	closeOnce sync.Once
}

// Config bundles a Driver's fixed collaborators (spec's external
// collaborators plus the core components this repo implements).
type Config struct {
	Conn               transport.Conn
	Codec              codec.Codec
	Registry           *route.Registry
	AckGate            *ackgate.Gate
	Capabilities       []string
	OnApplicationFrame func(nsdispatch.InboundFrame)
	OnTerminate        func(*Driver)
}

func newDriver(role route.Role, cfg Config) *Driver {
	caps := cfg.Capabilities
	if caps == nil {
		caps = DefaultCapabilities
	}
	return &Driver{
		state:              StateNew,
		role:               role,
		sessionID:          uuid.NewString(),
		conn:               cfg.Conn,
		codec:              cfg.Codec,
		registry:           cfg.Registry,
		ackGate:            cfg.AckGate,
		capabilities:       caps,
		negotiatedVersion:  frame.DefaultVersion,
		onApplicationFrame: cfg.OnApplicationFrame,
		onTerminate:        cfg.OnTerminate,
		pendingCIDs:        make(map[frame.CorrelationID]struct{}),
		authRejectedCh:     make(chan error, 1),
		authFrameCh:        make(chan frame.Frame, 1),
		readyCh:            make(chan readyPayload, 1),
	}
}

// NewClient builds a client-role Driver around an already-connected
// transport.Conn.
func NewClient(cfg Config) *Driver { return newDriver(route.RoleClient, cfg) }

// NewServer builds a server-role Driver around an accepted
// transport.Conn.
func NewServer(cfg Config) *Driver { return newDriver(route.RoleServer, cfg) }

// SessionID satisfies nsdispatch.Session.
func (d *Driver) SessionID() string { return d.sessionID }

// Role satisfies nsdispatch.Session.
func (d *Driver) Role() route.Role { return d.role }

// Namespace satisfies nsdispatch.Session.
func (d *Driver) Namespace() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.namespace
}

// PeerAddr returns the transport-reported remote endpoint.
func (d *Driver) PeerAddr() string { return d.conn.PeerAddr() }

// State returns the current lifecycle state.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Authenticated reports whether the handshake completed successfully.
func (d *Driver) Authenticated() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.authenticated
}

func (d *Driver) transition(event Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	next, err := applyEvent(d.state, event)
	if err != nil {
		return err
	}
	d.state = next
	return nil
}

// startReadLoop wires the transport's event handler and begins the read
// loop (spec §4.5 step 1, both roles).
func (d *Driver) startReadLoop(ctx context.Context) error {
	d.conn.AddEventHandler(d.handleInbound)
	if err := d.conn.StartHandler(ctx); err != nil {
		return fmt.Errorf("session: start handler: %w", err)
	}
	if err := d.conn.StartListener(ctx); err != nil {
		return fmt.Errorf("session: start listener: %w", err)
	}
	return nil
}

// handleInbound is the transport's per-frame callback (spec §4.5 steady
// state). Handshake-phase AUTH/READY frames resolve the corresponding
// handshake channel; DISCONNECT triggers shutdown; everything else is
// forwarded to the namespace receiver once authenticated, and silently
// dropped otherwise.
func (d *Driver) handleInbound(f frame.Frame) {
	switch {
	case f.Command == frame.DISCONNECT:
		go func() { _ = d.Close(context.Background()) }()
		return

	case f.RouteID == route.AuthRouteID && f.Command == frame.AUTH:
		d.handleAuthFrame(f)
		return

	case f.RouteID == route.ConnectRouteID && f.Command == frame.READY:
		d.handleReadyFrame(f)
		return

	case f.RouteID == route.AuthRouteID && f.Command == frame.ERR:
		// Server rejected our AUTH.
		d.deliverAuthResult(attperr.AsError(fmt.Errorf("session: auth rejected: %s", string(f.Payload))))
		return
	}

	if !d.Authenticated() {
		return
	}

	if d.onApplicationFrame != nil {
		d.onApplicationFrame(nsdispatch.InboundFrame{Session: d, Frame: f})
	}
}

func (d *Driver) deliverAuthResult(err error) {
	select {
	case d.authRejectedCh <- err:
	default:
	}
}

func (d *Driver) handleAuthFrame(f frame.Frame) {
	// Only meaningful for the server role during AUTH_PENDING, consumed
	// by ServerHandshake's awaitAuthFrame.
	select {
	case d.authFrameCh <- f:
	default:
	}
}

func (d *Driver) handleReadyFrame(f frame.Frame) {
	var payload readyPayload
	if err := d.codec.Unmarshal(f.Payload, &payload); err != nil {
		return
	}
	select {
	case d.readyCh <- payload:
	default:
	}
}

// ClientHandshake runs the client side of the handshake (spec §4.5
// Client handshake).
func (d *Driver) ClientHandshake(ctx context.Context, namespace string, signer *auth.Signer) error {
	if err := d.startReadLoop(ctx); err != nil {
		return err
	}
	if err := d.transition(EventHandshakeStarted); err != nil {
		return err
	}

	d.mu.Lock()
	d.namespace = namespace
	d.mu.Unlock()

	authPayload, err := signer.Sign()
	if err != nil {
		return fmt.Errorf("session: sign auth: %w", err)
	}
	wirePayload, err := d.codec.Marshal(authFramePayload{Namespace: namespace, Data: authPayload})
	if err != nil {
		return fmt.Errorf("session: encode auth payload: %w", err)
	}

	if err := d.conn.Send(ctx, frame.New(route.AuthRouteID, frame.AUTH, wirePayload)); err != nil {
		return fmt.Errorf("session: send auth: %w", err)
	}

	timeout := signer.AuthTimeout()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ready := <-d.readyCh:
		return d.completeClientHandshake(ctx, namespace, ready)
	case rejection := <-d.authRejectedCh:
		return rejection
	case <-timer.C:
		return ErrAuthTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Driver) completeClientHandshake(ctx context.Context, namespace string, accepted readyPayload) error {
	if err := d.registry.IncludeRemote(namespace, route.RoleClient, accepted.Routes); err != nil {
		return err
	}
	d.mu.Lock()
	d.authenticated = true
	d.establishedAt = time.Now()
	d.mu.Unlock()

	if err := d.transition(EventAuthenticated); err != nil {
		return err
	}

	ourManifest := d.registry.ManifestFor(namespace)
	ourReady := readyPayload{
		Proto:   "ATTP",
		Version: frame.DefaultVersion,
		Caps:    d.capabilities,
		Routes:  ourManifest,
	}
	wire, err := d.codec.Marshal(ourReady)
	if err != nil {
		return fmt.Errorf("session: encode ready: %w", err)
	}
	if err := d.conn.Send(ctx, frame.New(route.ConnectRouteID, frame.READY, wire)); err != nil {
		return fmt.Errorf("session: send ready: %w", err)
	}

	return d.transition(EventManifestReconciled)
}

// ServerHandshake runs the server side of the handshake (spec §4.5
// Server handshake). It blocks until the client's AUTH and follow-up
// READY (with its manifest) have both been processed, or ctx/timeout
// expires.
func (d *Driver) ServerHandshake(ctx context.Context, strategy *auth.Strategy, authTimeout time.Duration) error {
	if err := d.startReadLoop(ctx); err != nil {
		return err
	}
	if err := d.transition(EventHandshakeStarted); err != nil {
		return err
	}

	authFrame, err := d.awaitAuthFrame(ctx, authTimeout)
	if err != nil {
		return err
	}

	var incoming authFramePayload
	if err := d.codec.Unmarshal(authFrame.Payload, &incoming); err != nil {
		d.sendAuthRejection(ctx, attperr.Unauthorized("malformed auth payload"))
		return err
	}

	if err := strategy.Verify(incoming.Namespace, incoming.Data, time.Now().Unix()); err != nil {
		d.sendAuthRejection(ctx, err)
		return err
	}

	d.mu.Lock()
	d.namespace = incoming.Namespace
	d.authenticated = true
	d.establishedAt = time.Now()
	d.mu.Unlock()

	if err := d.transition(EventAuthenticated); err != nil {
		return err
	}

	manifest := d.registry.ManifestFor(incoming.Namespace)
	ready := readyPayload{
		Proto:      "ATTP",
		Version:    frame.DefaultVersion,
		Caps:       d.capabilities,
		Routes:     manifest,
		ServerTime: time.Now().UTC().Format(time.RFC3339),
	}
	wire, err := d.codec.Marshal(ready)
	if err != nil {
		return fmt.Errorf("session: encode ready: %w", err)
	}
	if err := d.conn.Send(ctx, frame.New(route.ConnectRouteID, frame.READY, wire)); err != nil {
		return fmt.Errorf("session: send ready: %w", err)
	}

	clientReady, err := d.awaitReadyFrame(ctx, authTimeout)
	if err != nil {
		return err
	}
	if err := d.registry.IncludeRemote(incoming.Namespace, route.RoleServer, clientReady.Routes); err != nil {
		return err
	}

	return d.transition(EventManifestReconciled)
}

func (d *Driver) awaitAuthFrame(ctx context.Context, timeout time.Duration) (frame.Frame, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f := <-d.authFrameCh:
		return f, nil
	case <-timer.C:
		return frame.Frame{}, ErrAuthTimeout
	case <-ctx.Done():
		return frame.Frame{}, ctx.Err()
	}
}

func (d *Driver) awaitReadyFrame(ctx context.Context, timeout time.Duration) (readyPayload, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case p := <-d.readyCh:
		return p, nil
	case <-timer.C:
		return readyPayload{}, ErrAuthTimeout
	case <-ctx.Done():
		return readyPayload{}, ctx.Err()
	}
}

func (d *Driver) sendAuthRejection(ctx context.Context, cause error) {
	e := attperr.AsError(cause)
	e.Code = 401
	e.Retryable = false
	wire, err := d.codec.Marshal(e)
	if err != nil {
		return
	}
	_ = d.conn.Send(ctx, frame.New(route.AuthRouteID, frame.ERR, wire))
}

// SendCall sends a correlated request and returns its correlation id
// (spec §4.5 Outbound send primitives). route_id < 1 is rejected.
func (d *Driver) SendCall(ctx context.Context, routeID uint64, payload []byte) (frame.CorrelationID, error) {
	if routeID < 1 {
		return frame.CorrelationID{}, ErrInvalidRouteID
	}
	cid, err := frame.NewCorrelationID()
	if err != nil {
		return frame.CorrelationID{}, err
	}
	d.trackPending(cid)

	f := frame.New(routeID, frame.CALL, payload).WithCorrelation(cid)
	if err := d.conn.Send(ctx, f); err != nil {
		d.untrackPending(cid)
		return frame.CorrelationID{}, fmt.Errorf("session: send call: %w", err)
	}
	return cid, nil
}

// SendAck replies to a CALL with its encoded return value (spec §4.8.2).
func (d *Driver) SendAck(ctx context.Context, routeID uint64, cid frame.CorrelationID, payload []byte) error {
	return d.conn.Send(ctx, frame.New(routeID, frame.ACK, payload).WithCorrelation(cid))
}

// SendEvent sends an uncorrelated fire-and-forget frame.
func (d *Driver) SendEvent(ctx context.Context, routeID uint64, payload []byte) error {
	return d.conn.Send(ctx, frame.New(routeID, frame.EMIT, payload))
}

// SendError replies with an ERR frame, optionally correlated.
func (d *Driver) SendError(ctx context.Context, routeID uint64, e *attperr.Error, cid *frame.CorrelationID) error {
	wire, err := d.codec.Marshal(e)
	if err != nil {
		return fmt.Errorf("session: encode error: %w", err)
	}
	f := frame.New(routeID, frame.ERR, wire)
	if cid != nil {
		f = f.WithCorrelation(*cid)
	}
	return d.conn.Send(ctx, f)
}

// StartStream opens a server stream reusing cid (the originating CALL's
// correlation id).
func (d *Driver) StartStream(ctx context.Context, routeID uint64, cid frame.CorrelationID) error {
	return d.conn.Send(ctx, frame.New(routeID, frame.STREAMBOS, nil).WithCorrelation(cid))
}

// SendChunk emits one stream item.
func (d *Driver) SendChunk(ctx context.Context, routeID uint64, cid frame.CorrelationID, payload []byte) error {
	return d.conn.Send(ctx, frame.New(routeID, frame.CHUNK, payload).WithCorrelation(cid))
}

// EndStream closes a server stream.
func (d *Driver) EndStream(ctx context.Context, routeID uint64, cid frame.CorrelationID) error {
	return d.conn.Send(ctx, frame.New(routeID, frame.STREAMEOS, nil).WithCorrelation(cid))
}

func (d *Driver) trackPending(cid frame.CorrelationID) {
	d.pendingMu.Lock()
	d.pendingCIDs[cid] = struct{}{}
	d.pendingMu.Unlock()
}

func (d *Driver) untrackPending(cid frame.CorrelationID) {
	d.pendingMu.Lock()
	delete(d.pendingCIDs, cid)
	d.pendingMu.Unlock()
}

// CompleteCall releases cid once the transmitter is done awaiting it
// (either resolved or timed out).
func (d *Driver) CompleteCall(cid frame.CorrelationID) {
	d.untrackPending(cid)
	d.ackGate.Complete(cid)
}

// Close tears down the session (spec §4.5 Termination): halts the read
// loop, disconnects the transport, fails any pending ack entries
// originated on this session, invokes the termination callback, and
// clears authenticated.
func (d *Driver) Close(ctx context.Context) error {
	var err error
	d.closeOnce.Do(func() {
		_ = d.transition(EventCloseRequested)

		_ = d.conn.StopListener()
		err = d.conn.Disconnect(ctx)

		d.pendingMu.Lock()
		pending := make([]frame.CorrelationID, 0, len(d.pendingCIDs))
		for cid := range d.pendingCIDs {
			pending = append(pending, cid)
		}
		d.pendingCIDs = make(map[frame.CorrelationID]struct{})
		d.pendingMu.Unlock()

		for _, cid := range pending {
			d.ackGate.Complete(cid)
		}

		d.mu.Lock()
		d.authenticated = false
		d.mu.Unlock()

		if d.onTerminate != nil {
			d.onTerminate(d)
		}

		_ = d.transition(EventCleanupComplete)
	})
	return err
}
