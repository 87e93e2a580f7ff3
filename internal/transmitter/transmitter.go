// Package transmitter implements the outbound half of ATTP (spec §4.10):
// acquire a session via the load balancer, resolve a remote route, send,
// and demultiplex the response through the ack gate. One-shot
// rerotate-and-retry covers a session that dies between acquisition and
// send.
package transmitter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dantte-lp/attp/codec"
	"github.com/dantte-lp/attp/internal/ackgate"
	"github.com/dantte-lp/attp/internal/balancer"
	"github.com/dantte-lp/attp/internal/frame"
	attpmetrics "github.com/dantte-lp/attp/internal/metrics"
	"github.com/dantte-lp/attp/internal/nsdispatch"
	"github.com/dantte-lp/attp/internal/route"
	"github.com/dantte-lp/attp/internal/session"
	"github.com/dantte-lp/attp/pkg/attperr"
)

// Target names which session a send targets: namespace is required;
// SessionID pins an exact session (otherwise the balancer chooses); Role
// filters candidates by role when SessionID is empty.
type Target struct {
	Namespace string
	SessionID string
	Role      route.Role
}

// Transmitter is the outbound send/stream/emit surface built over a
// Balancer, a route Registry, and a shared ack Gate.
type Transmitter struct {
	balancer *balancer.Balancer
	registry *route.Registry
	ackGate  *ackgate.Gate
	codec    codec.Codec

	// Metrics records sent-frame counts and ack gate queue depth, if set.
	Metrics *attpmetrics.Collector

	pendingMu sync.Mutex
	pendingNS map[string]int
}

// New builds a Transmitter. All four collaborators are shared with the
// rest of the node (the same Balancer/Registry/Gate/Codec the session
// drivers and event bus use).
func New(bal *balancer.Balancer, registry *route.Registry, gate *ackgate.Gate, c codec.Codec) *Transmitter {
	return &Transmitter{balancer: bal, registry: registry, ackGate: gate, codec: c, pendingNS: make(map[string]int)}
}

// adjustPending updates the number of correlation ids currently open for
// namespace by delta and reports the result (spec §5 ack gate depth).
func (t *Transmitter) adjustPending(namespace string, delta int) {
	t.pendingMu.Lock()
	t.pendingNS[namespace] += delta
	n := t.pendingNS[namespace]
	t.pendingMu.Unlock()

	if t.Metrics != nil {
		t.Metrics.SetAckGatePending(namespace, n)
	}
}

// acquire resolves target to a concrete *session.Driver through the
// balancer, in a single attempt; acquireWithRetry adds the one-shot retry
// (spec §4.10).
func (t *Transmitter) acquire(target Target) (*session.Driver, error) {
	s, err := t.balancer.Acquire(target.Namespace, target.SessionID, target.Role)
	if err != nil {
		return nil, err
	}
	driver, ok := s.(*session.Driver)
	if !ok {
		return nil, fmt.Errorf("transmitter: session %T cannot send", s)
	}
	return driver, nil
}

// acquireWithRetry acquires a session for target, retrying once via
// rerotation if the first candidate is already closed.
func (t *Transmitter) acquireWithRetry(target Target) (*session.Driver, error) {
	driver, err := t.acquire(target)
	if err != nil {
		return nil, err
	}
	if driver.State() != session.StateClosed {
		return driver, nil
	}
	t.balancer.Rerotate(target.Namespace, nsdispatch.Session(driver))
	return t.acquire(target)
}

// Send performs a correlated CALL and waits for its single response
// (spec §4.10). The returned bytes are the response payload, still
// encoded; decode with the Codec or use SendInto for a typed result.
func (t *Transmitter) Send(ctx context.Context, target Target, pattern string, payload []byte, timeout time.Duration) ([]byte, error) {
	driver, err := t.acquireWithRetry(target)
	if err != nil {
		return nil, err
	}

	mapping, ok := t.registry.LookupRemote(pattern, route.Message, target.Namespace, driver.Role())
	if !ok {
		return nil, attperr.RouteNotFound(0)
	}

	cid, err := driver.SendCall(ctx, mapping.RouteID, payload)
	if err != nil {
		return nil, fmt.Errorf("transmitter: send call: %w", err)
	}
	if t.Metrics != nil {
		t.Metrics.IncFramesSent(target.Namespace, frame.CALL.String())
	}
	if err := t.ackGate.Open(cid); err != nil {
		driver.CompleteCall(cid)
		return nil, fmt.Errorf("transmitter: open ack gate: %w", err)
	}
	t.adjustPending(target.Namespace, 1)
	defer t.adjustPending(target.Namespace, -1)
	defer driver.CompleteCall(cid)

	reply, err := t.ackGate.AwaitSingle(ctx, cid, timeout)
	if err != nil {
		var remote *ackgate.ErrRemoteFrame
		if errors.As(err, &remote) {
			return nil, decodeErrFrame(t.codec, remote.Frame)
		}
		return nil, err
	}
	return reply.Payload, nil
}

// SendInto performs Send and decodes the response payload into a T. An
// absent payload while a type was expected is a serialization error
// (spec §4.10 Decoding contract).
func SendInto[T any](ctx context.Context, t *Transmitter, target Target, pattern string, payload []byte, timeout time.Duration) (T, error) {
	var out T
	raw, err := t.Send(ctx, target, pattern, payload, timeout)
	if err != nil {
		return out, err
	}
	if len(raw) == 0 {
		return out, fmt.Errorf("transmitter: empty payload, expected %T", out)
	}
	if err := t.codec.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("transmitter: decode response: %w", err)
	}
	return out, nil
}

// StreamItem is one element of a RequestStream result: either a chunk's
// payload, still encoded, or a terminal error.
type StreamItem struct {
	Payload []byte
	Err     error
}

// RequestStream performs a correlated CALL expecting a streamed reply
// (STREAMBOS/CHUNK*/STREAMEOS), yielding one StreamItem per chunk. The
// channel closes once the stream ends, errors, or ctx is cancelled; the
// ack gate entry is always completed before it closes.
func (t *Transmitter) RequestStream(ctx context.Context, target Target, pattern string, payload []byte, timeout time.Duration) (<-chan StreamItem, error) {
	driver, err := t.acquireWithRetry(target)
	if err != nil {
		return nil, err
	}

	mapping, ok := t.registry.LookupRemote(pattern, route.Message, target.Namespace, driver.Role())
	if !ok {
		return nil, attperr.RouteNotFound(0)
	}

	cid, err := driver.SendCall(ctx, mapping.RouteID, payload)
	if err != nil {
		return nil, fmt.Errorf("transmitter: send call: %w", err)
	}
	if t.Metrics != nil {
		t.Metrics.IncFramesSent(target.Namespace, frame.CALL.String())
	}
	if err := t.ackGate.Open(cid); err != nil {
		driver.CompleteCall(cid)
		return nil, fmt.Errorf("transmitter: open ack gate: %w", err)
	}
	t.adjustPending(target.Namespace, 1)

	frames := t.ackGate.Stream(ctx, cid, timeout)
	out := make(chan StreamItem)

	go func() {
		defer close(out)
		defer driver.CompleteCall(cid)
		defer t.adjustPending(target.Namespace, -1)

		for item := range frames {
			if item.Err != nil {
				var remote *ackgate.ErrRemoteFrame
				if errors.As(item.Err, &remote) {
					out <- StreamItem{Err: decodeErrFrame(t.codec, remote.Frame)}
					return
				}
				out <- StreamItem{Err: item.Err}
				return
			}
			out <- StreamItem{Payload: item.Frame.Payload}
		}
	}()

	return out, nil
}

// RequestStreamInto wraps RequestStream, decoding each chunk's payload
// into a T.
func RequestStreamInto[T any](ctx context.Context, t *Transmitter, target Target, pattern string, payload []byte, timeout time.Duration) (<-chan StreamResult[T], error) {
	raw, err := t.RequestStream(ctx, target, pattern, payload, timeout)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamResult[T])
	go func() {
		defer close(out)
		for item := range raw {
			var result StreamResult[T]
			if item.Err != nil {
				result.Err = item.Err
			} else if err := t.codec.Unmarshal(item.Payload, &result.Item); err != nil {
				result.Err = fmt.Errorf("transmitter: decode stream item: %w", err)
			}
			out <- result
		}
	}()
	return out, nil
}

// StreamResult is one decoded chunk (or terminal error) from
// RequestStreamInto.
type StreamResult[T any] struct {
	Item T
	Err  error
}

// Emit sends an uncorrelated EMIT frame (spec §4.10). A missing route
// drops silently, matching the event bus's own drop-on-no-route
// behavior for EMIT (there is no ACK to report failure through).
func (t *Transmitter) Emit(ctx context.Context, target Target, pattern string, payload []byte) error {
	driver, err := t.acquireWithRetry(target)
	if err != nil {
		return err
	}

	mapping, ok := t.registry.LookupRemote(pattern, route.Event, target.Namespace, driver.Role())
	if !ok {
		return nil
	}
	if err := driver.SendEvent(ctx, mapping.RouteID, payload); err != nil {
		return err
	}
	if t.Metrics != nil {
		t.Metrics.IncFramesSent(target.Namespace, frame.EMIT.String())
	}
	return nil
}

// HandleResponse forwards an inbound response-class frame to the ack
// gate (spec §4.10 handle_response).
func (t *Transmitter) HandleResponse(f frame.Frame) {
	t.ackGate.Feed(f)
}

func decodeErrFrame(c codec.Codec, f frame.Frame) error {
	var e attperr.Error
	if err := c.Unmarshal(f.Payload, &e); err != nil {
		return attperr.Internal(fmt.Sprintf("malformed ERR payload: %v", err))
	}
	return &e
}
