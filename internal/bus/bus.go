package bus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dantte-lp/attp/codec"
	"github.com/dantte-lp/attp/internal/frame"
	"github.com/dantte-lp/attp/internal/nsdispatch"
	"github.com/dantte-lp/attp/internal/route"
	"github.com/dantte-lp/attp/internal/session"
	"github.com/dantte-lp/attp/pkg/attperr"
)

// Bus is the event bus (spec §4.8): given a decoded application frame and
// the session it arrived on, it looks up the local route, invokes the
// registered Handler per its binding mode, and writes the reply back
// through the session driver. Satisfies dispatch.Bus.
type Bus struct {
	registry *route.Registry
	codec    codec.Codec
	logger   *slog.Logger
}

// New creates a Bus resolving routes against registry and decoding
// payloads with codec. A nil logger falls back to slog.Default().
func New(registry *route.Registry, c codec.Codec, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{registry: registry, codec: c, logger: logger}
}

// Dispatch implements dispatch.Bus (spec §4.8).
func (b *Bus) Dispatch(ctx context.Context, s nsdispatch.Session, f frame.Frame) error {
	driver, ok := s.(*session.Driver)
	if !ok {
		return fmt.Errorf("bus: session %T cannot receive replies", s)
	}

	mapping, ok := b.registry.LookupLocal(f.RouteID, s.Namespace())
	if !ok {
		if f.HasCorrelation {
			return driver.SendError(ctx, f.RouteID, attperr.RouteNotFound(f.RouteID), &f.CorrelationID)
		}
		return nil
	}

	switch f.Command {
	case frame.CALL:
		return b.dispatchCall(ctx, driver, mapping, f)
	case frame.EMIT:
		return b.dispatchEmit(ctx, driver, mapping, f)
	case frame.ERR:
		return b.dispatchErr(ctx, driver, mapping, f)
	default:
		if f.HasCorrelation {
			return driver.SendError(ctx, f.RouteID, attperr.WrongMethod("message"), &f.CorrelationID)
		}
		return nil
	}
}

func (b *Bus) dispatchCall(ctx context.Context, s *session.Driver, mapping route.Mapping, f frame.Frame) error {
	if mapping.Type != route.Message {
		return s.SendError(ctx, f.RouteID, attperr.WrongMethod(string(mapping.Type)), &f.CorrelationID)
	}

	h, ok := mapping.Handler.(Handler)
	if !ok {
		return s.SendError(ctx, f.RouteID, attperr.Internal("route has no bound handler"), &f.CorrelationID)
	}

	result, err := h.invoke(ctx, s, f, b.codec)
	if err != nil {
		return s.SendError(ctx, f.RouteID, attperr.AsError(err), &f.CorrelationID)
	}

	if ch, ok := result.(<-chan StreamChunk); ok {
		return b.streamResult(ctx, s, f, ch)
	}

	payload, err := b.marshalResult(result)
	if err != nil {
		return s.SendError(ctx, f.RouteID, attperr.Internal(err.Error()), &f.CorrelationID)
	}
	return s.SendAck(ctx, f.RouteID, f.CorrelationID, payload)
}

func (b *Bus) streamResult(ctx context.Context, s *session.Driver, f frame.Frame, ch <-chan StreamChunk) error {
	if err := s.StartStream(ctx, f.RouteID, f.CorrelationID); err != nil {
		return err
	}

	for chunk := range ch {
		if chunk.Err != nil {
			b.logger.Error("stream handler failed",
				slog.Uint64("route_id", f.RouteID),
				slog.String("error", chunk.Err.Error()),
			)
			break
		}
		payload, err := b.marshalResult(chunk.Item)
		if err != nil {
			b.logger.Error("stream item encode failed",
				slog.Uint64("route_id", f.RouteID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := s.SendChunk(ctx, f.RouteID, f.CorrelationID, payload); err != nil {
			return err
		}
	}

	return s.EndStream(ctx, f.RouteID, f.CorrelationID)
}

func (b *Bus) marshalResult(result any) ([]byte, error) {
	if result == nil {
		return nil, nil
	}
	return b.codec.Marshal(result)
}

func (b *Bus) dispatchEmit(ctx context.Context, s *session.Driver, mapping route.Mapping, f frame.Frame) error {
	if mapping.Type != route.Event {
		b.logger.Error("wrong command for route type",
			slog.String("pattern", mapping.Pattern),
			slog.String("route_type", string(mapping.Type)),
		)
		return nil
	}

	h, ok := mapping.Handler.(Handler)
	if !ok {
		return nil
	}
	if _, err := h.invoke(ctx, s, f, b.codec); err != nil {
		b.logger.Error("event handler failed",
			slog.String("pattern", mapping.Pattern),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// InvokeLifecycle invokes the connect or disconnect pseudo-route
// registered for s's namespace, if any (SPEC_FULL §10 lifecycle routes).
// discovery calls this with route.Connect once a session reaches Ready
// and with route.Disconnect once it terminates.
func (b *Bus) InvokeLifecycle(ctx context.Context, s *session.Driver, typ route.Type) {
	mapping, ok := b.registry.LookupLifecycle(typ, s.Namespace())
	if !ok {
		return
	}
	h, ok := mapping.Handler.(Handler)
	if !ok {
		return
	}
	if _, err := h.invoke(ctx, s, frame.Frame{RouteID: route.ConnectRouteID}, b.codec); err != nil {
		b.logger.Error("lifecycle handler failed",
			slog.String("type", string(typ)),
			slog.String("error", err.Error()),
		)
	}
}

func (b *Bus) dispatchErr(ctx context.Context, s *session.Driver, mapping route.Mapping, f frame.Frame) error {
	if mapping.Type == route.Err || mapping.Type == route.Connect || mapping.Type == route.Disconnect {
		return nil
	}

	handler, ok := b.registry.GetErrorHandler(mapping.Pattern, s.Namespace())
	if !ok {
		return nil
	}
	h, ok := handler.(Handler)
	if !ok {
		return nil
	}
	if _, err := h.invoke(ctx, s, f, b.codec); err != nil {
		b.logger.Error("error handler failed",
			slog.String("pattern", mapping.Pattern),
			slog.String("error", err.Error()),
		)
	}
	return nil
}
