// Package bus implements the event bus (spec §4.8) and the explicit
// handler signature binding it dispatches through (spec §4.9, REDESIGN
// FLAGS "Dynamic handler signatures"): every handler declares, once at
// registration, which of three binding modes it expects. No reflection
// runs at dispatch time except the one narrow case Kwargs uses to
// validate each declared argument's type.
package bus

import (
	"context"
	"fmt"
	"reflect"

	"github.com/dantte-lp/attp/codec"
	"github.com/dantte-lp/attp/internal/frame"
	"github.com/dantte-lp/attp/internal/session"
	"github.com/dantte-lp/attp/pkg/attperr"
)

// Mode identifies which of the three binding strategies a Handler uses.
type Mode uint8

const (
	ModeFrameRaw Mode = iota
	ModeSingleDTO
	ModeKwargs
)

// Validator is implemented optionally by a SingleDTO target; Validate runs
// after decoding and before the handler is invoked.
type Validator interface {
	Validate() error
}

// nestedPayloadKeys is the fallback search order when a payload's
// top-level keys don't carry the fields a binding expects (spec §4.9).
var nestedPayloadKeys = []string{"data", "payload", "body", "params"}

// StreamChunk is one item (or terminal error) a streaming handler's
// returned channel yields. Closing the channel ends the stream.
type StreamChunk struct {
	Item any
	Err  error
}

// invokeFunc is what a Binding reduces to: given the decoded context, run
// the handler and return its result (possibly a <-chan StreamChunk) or an
// error mapped per spec §4.8.3.
type invokeFunc func(ctx context.Context, s *session.Driver, f frame.Frame, c codec.Codec) (any, error)

// Handler is a registered handler plus its binding mode, the value stored
// in route.Mapping.Handler.
type Handler struct {
	Mode   Mode
	invoke invokeFunc
}

// FrameRawHandler receives the raw decoded frame and the originating
// session; it is responsible for its own payload decoding.
type FrameRawHandler func(ctx context.Context, s *session.Driver, f frame.Frame) (any, error)

// FrameRaw binds h with no payload decoding at all.
func FrameRaw(h FrameRawHandler) Handler {
	return Handler{
		Mode: ModeFrameRaw,
		invoke: func(ctx context.Context, s *session.Driver, f frame.Frame, _ codec.Codec) (any, error) {
			return h(ctx, s, f)
		},
	}
}

// SingleDTOHandler receives one decoded, validated payload struct.
type SingleDTOHandler[T any] func(ctx context.Context, s *session.Driver, dto T) (any, error)

// SingleDTO binds h to decode the payload into a T. If decoding the
// top-level payload yields a zero T, it retries against the first nested
// data/payload/body/params key that decodes to a non-zero T (spec §4.9).
// If T implements Validator, Validate runs before h.
func SingleDTO[T any](h SingleDTOHandler[T]) Handler {
	return Handler{
		Mode: ModeSingleDTO,
		invoke: func(ctx context.Context, s *session.Driver, f frame.Frame, c codec.Codec) (any, error) {
			dto, err := decodeSingleDTO[T](f.Payload, c)
			if err != nil {
				return nil, attperr.Validation(map[string]any{"error": err.Error()})
			}
			if v, ok := any(&dto).(Validator); ok {
				if err := v.Validate(); err != nil {
					return nil, attperr.Validation(map[string]any{"error": err.Error()})
				}
			}
			return h(ctx, s, dto)
		},
	}
}

func decodeSingleDTO[T any](payload []byte, c codec.Codec) (T, error) {
	var zero, dto T
	if len(payload) == 0 {
		return dto, nil
	}
	if err := c.Unmarshal(payload, &dto); err != nil {
		return dto, err
	}
	if !reflect.DeepEqual(dto, zero) {
		return dto, nil
	}

	var outer map[string]any
	if err := c.Unmarshal(payload, &outer); err != nil {
		return dto, nil
	}
	for _, key := range nestedPayloadKeys {
		nested, ok := outer[key]
		if !ok {
			continue
		}
		nestedBytes, err := c.Marshal(nested)
		if err != nil {
			continue
		}
		var retry T
		if err := c.Unmarshal(nestedBytes, &retry); err == nil && !reflect.DeepEqual(retry, zero) {
			return retry, nil
		}
	}
	return dto, nil
}

// KwargsHandler receives its declared arguments by name, each already
// converted to its declared type.
type KwargsHandler func(ctx context.Context, s *session.Driver, args map[string]any) (any, error)

// KwField declares one named argument a Kwargs binding extracts from the
// payload.
type KwField struct {
	Name     string
	Type     reflect.Type
	Required bool
	Default  any
}

// Kwargs binds h to extract fields by name from the payload's top-level
// map (falling back to one nested data/payload/body/params map), with each
// value converted to its declared reflect.Type. A missing required field
// produces a 422 (spec §4.9) — this is the one binding mode that uses
// reflection, and only over argument types declared once here, never over
// h's own signature.
func Kwargs(h KwargsHandler, fields ...KwField) Handler {
	return Handler{
		Mode: ModeKwargs,
		invoke: func(ctx context.Context, s *session.Driver, f frame.Frame, c codec.Codec) (any, error) {
			maps, err := payloadMaps(f.Payload, c)
			if err != nil {
				return nil, attperr.Validation(map[string]any{"error": err.Error()})
			}

			args := make(map[string]any, len(fields))
			var missing []string
			for _, field := range fields {
				raw, found := lookup(maps, field.Name)
				if !found {
					if field.Required {
						missing = append(missing, field.Name)
						continue
					}
					args[field.Name] = field.Default
					continue
				}

				converted, err := convertTo(raw, field.Type)
				if err != nil {
					return nil, attperr.Validation(map[string]any{
						"field": field.Name,
						"error": err.Error(),
					})
				}
				args[field.Name] = converted
			}
			if len(missing) > 0 {
				return nil, attperr.Validation(map[string]any{"missing": missing})
			}

			return h(ctx, s, args)
		},
	}
}

func payloadMaps(payload []byte, c codec.Codec) ([]map[string]any, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	var outer map[string]any
	if err := c.Unmarshal(payload, &outer); err != nil {
		return nil, err
	}
	maps := []map[string]any{outer}
	for _, key := range nestedPayloadKeys {
		if nested, ok := outer[key].(map[string]any); ok {
			maps = append(maps, nested)
		}
	}
	return maps, nil
}

func lookup(maps []map[string]any, name string) (any, bool) {
	for _, m := range maps {
		if v, ok := m[name]; ok {
			return v, true
		}
	}
	return nil, false
}

func convertTo(value any, target reflect.Type) (any, error) {
	if target == nil {
		return value, nil
	}
	v := reflect.ValueOf(value)
	if v.IsValid() && v.Type().ConvertibleTo(target) {
		return v.Convert(target).Interface(), nil
	}
	return nil, fmt.Errorf("expected %s, got %T", target, value)
}
