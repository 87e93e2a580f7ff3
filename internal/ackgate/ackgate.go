// Package ackgate implements the correlation-id demultiplexer sitting
// between the frame dispatcher and outbound callers (spec §4.3): a map
// from correlation id to a bounded, single-producer/single-consumer
// queue of inbound frames.
package ackgate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dantte-lp/attp/internal/frame"
)

// queueDepth bounds each correlation id's pending-frame queue. A single
// CALL/ACK pair needs depth 1; a stream needs depth for its CHUNKs. This
// is generous enough that a well-behaved peer never fills it.
const queueDepth = 256

// ErrAlreadyOpen is returned by Open when cid already has an entry.
var ErrAlreadyOpen = errors.New("ackgate: correlation id already open")

// ErrTimeout is returned by AwaitSingle/Stream when no frame arrives in
// time.
var ErrTimeout = errors.New("ackgate: timed out waiting for response")

// ErrClosed is returned to any awaiter when the gate is torn down (e.g.
// the owning session terminated) while a request is outstanding.
var ErrClosed = errors.New("ackgate: gate closed")

// ErrRemoteFrame wraps an ERR frame received in answer to a correlated
// request, surfaced to the awaiter as a typed error carrying the
// original frame (and thus its error payload) for the caller to decode.
type ErrRemoteFrame struct {
	Frame frame.Frame
}

func (e *ErrRemoteFrame) Error() string {
	return fmt.Sprintf("ackgate: remote returned ERR for correlation %s", e.Frame.CorrelationID)
}

type entry struct {
	frames chan frame.Frame
	done   chan struct{} // closed by Complete
}

// Gate is the correlation-id demultiplexer. The zero value is not usable;
// construct with New.
type Gate struct {
	mu      sync.Mutex
	entries map[frame.CorrelationID]*entry
	closed  bool
}

// New creates an empty Gate.
func New() *Gate {
	return &Gate{entries: make(map[frame.CorrelationID]*entry)}
}

// Open installs an empty queue for cid. It fails if cid is already
// present.
func (g *Gate) Open(cid frame.CorrelationID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return ErrClosed
	}
	if _, exists := g.entries[cid]; exists {
		return ErrAlreadyOpen
	}
	g.entries[cid] = &entry{
		frames: make(chan frame.Frame, queueDepth),
		done:   make(chan struct{}),
	}
	return nil
}

// Feed enqueues f on f.CorrelationID's queue. It drops silently if the
// correlation id is unknown (a late frame after timeout/completion) or if
// the queue is full (a misbehaving or already-abandoned peer).
func (g *Gate) Feed(f frame.Frame) {
	g.mu.Lock()
	e, ok := g.entries[f.CorrelationID]
	g.mu.Unlock()
	if !ok {
		return
	}

	select {
	case e.frames <- f:
	default:
	}
}

// Complete removes cid's queue. Subsequent feeds for cid are dropped.
func (g *Gate) Complete(cid frame.CorrelationID) {
	g.mu.Lock()
	e, ok := g.entries[cid]
	if ok {
		delete(g.entries, cid)
	}
	g.mu.Unlock()

	if ok {
		close(e.done)
	}
}

// CloseAll fails every outstanding awaiter with ErrClosed. Used when a
// session terminates with pending acks (spec §4.5 Termination).
func (g *Gate) CloseAll() {
	g.mu.Lock()
	g.closed = true
	entries := g.entries
	g.entries = make(map[frame.CorrelationID]*entry)
	g.mu.Unlock()

	for _, e := range entries {
		close(e.done)
	}
}

// AwaitSingle yields the first frame enqueued for cid. It fails with
// ErrTimeout if none arrives in time, and with *ErrRemoteFrame if the
// frame is an ERR.
func (g *Gate) AwaitSingle(ctx context.Context, cid frame.CorrelationID, timeout time.Duration) (frame.Frame, error) {
	g.mu.Lock()
	e, ok := g.entries[cid]
	g.mu.Unlock()
	if !ok {
		return frame.Frame{}, fmt.Errorf("ackgate: correlation id %s not open", cid)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f := <-e.frames:
		if f.Command == frame.ERR {
			return frame.Frame{}, &ErrRemoteFrame{Frame: f}
		}
		return f, nil
	case <-e.done:
		return frame.Frame{}, ErrClosed
	case <-timer.C:
		return frame.Frame{}, ErrTimeout
	case <-ctx.Done():
		return frame.Frame{}, ctx.Err()
	}
}

// StreamItem is one element yielded by Stream: either a frame or a
// terminal error (timeout, remote ERR, or context cancellation).
type StreamItem struct {
	Frame frame.Frame
	Err   error
}

// Stream returns a channel yielding successive frames for cid (expecting
// CHUNK* then STREAMEOS). The channel is closed after STREAMEOS, after an
// ERR (delivered as the final item with Err set to *ErrRemoteFrame), or
// after a per-chunk timeout/cancellation (final item's Err set
// accordingly). The caller must still call Complete(cid) once done
// consuming.
func (g *Gate) Stream(ctx context.Context, cid frame.CorrelationID, timeout time.Duration) <-chan StreamItem {
	out := make(chan StreamItem)

	g.mu.Lock()
	e, ok := g.entries[cid]
	g.mu.Unlock()

	go func() {
		defer close(out)

		if !ok {
			out <- StreamItem{Err: fmt.Errorf("ackgate: correlation id %s not open", cid)}
			return
		}

		for {
			timer := time.NewTimer(timeout)
			select {
			case f := <-e.frames:
				timer.Stop()
				switch f.Command {
				case frame.ERR:
					out <- StreamItem{Err: &ErrRemoteFrame{Frame: f}}
					return
				case frame.STREAMEOS:
					return
				case frame.STREAMBOS:
					continue
				default:
					out <- StreamItem{Frame: f}
				}
			case <-e.done:
				timer.Stop()
				out <- StreamItem{Err: ErrClosed}
				return
			case <-timer.C:
				out <- StreamItem{Err: ErrTimeout}
				return
			case <-ctx.Done():
				timer.Stop()
				out <- StreamItem{Err: ctx.Err()}
				return
			}
		}
	}()

	return out
}
