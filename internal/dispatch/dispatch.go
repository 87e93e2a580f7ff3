// Package dispatch implements the frame dispatcher (spec §4.7): it drains
// a namespace's multi-receiver and forks each inbound frame to the ack
// gate, the event bus, or both, depending on command type and whether a
// correlation id is present.
package dispatch

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dantte-lp/attp/internal/ackgate"
	"github.com/dantte-lp/attp/internal/frame"
	attpmetrics "github.com/dantte-lp/attp/internal/metrics"
	"github.com/dantte-lp/attp/internal/multireceiver"
	"github.com/dantte-lp/attp/internal/nsdispatch"
	"github.com/dantte-lp/attp/pkg/attperr"
)

// Bus is the event-bus surface the dispatcher hands request-class frames
// to (spec §4.8). *bus.Bus satisfies it.
type Bus interface {
	Dispatch(ctx context.Context, s nsdispatch.Session, f frame.Frame) error
}

// errorSender is the narrow capability the dispatcher needs to answer a
// failed CALL with ERR{500}. *session.Driver satisfies it; the interface
// lives here (rather than growing nsdispatch.Session) because only the
// dispatcher needs it.
type errorSender interface {
	SendError(ctx context.Context, routeID uint64, e *attperr.Error, cid *frame.CorrelationID) error
}

// Dispatcher drains namespace receivers (spec §4.7). The zero value is not
// usable; construct with New.
type Dispatcher struct {
	ackGate *ackgate.Gate
	bus     Bus
	logger  *slog.Logger

	// Metrics records inbound frame counts, if set.
	Metrics *attpmetrics.Collector
}

// New creates a Dispatcher forwarding response-class frames to ackGate and
// request-class frames to bus. A nil logger falls back to slog.Default().
func New(ackGate *ackgate.Gate, bus Bus, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{ackGate: ackGate, bus: bus, logger: logger}
}

// Drain pulls InboundFrames off receiver until ctx is cancelled or the
// receiver is closed, handling each per spec §4.7. It returns nil on
// graceful cancellation.
func (d *Dispatcher) Drain(ctx context.Context, receiver *multireceiver.Receiver[nsdispatch.InboundFrame]) error {
	for {
		item, err := receiver.Get(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return nil
		}

		d.handle(ctx, item)
		receiver.TaskDone()
	}
}

func (d *Dispatcher) handle(ctx context.Context, item nsdispatch.InboundFrame) {
	f := item.Frame

	if d.Metrics != nil {
		d.Metrics.IncFramesReceived(item.Session.Namespace(), f.Command.String())
	}

	var err error
	switch {
	case f.Command == frame.ERR && f.HasCorrelation:
		d.ackGate.Feed(f)
		err = d.bus.Dispatch(ctx, item.Session, f)

	case f.Command.IsResponseClass():
		d.ackGate.Feed(f)

	default:
		err = d.bus.Dispatch(ctx, item.Session, f)
	}

	if err == nil {
		return
	}

	d.logger.Error("dispatch failed",
		slog.String("session_id", item.Session.SessionID()),
		slog.Uint64("route_id", f.RouteID),
		slog.String("command", f.Command.String()),
		slog.String("error", err.Error()),
	)

	if f.Command != frame.CALL || !f.HasCorrelation {
		return
	}

	sender, ok := item.Session.(errorSender)
	if !ok {
		return
	}
	cid := f.CorrelationID
	_ = sender.SendError(ctx, f.RouteID, attperr.Internal("dispatcher failed to process frame"), &cid)
}
