// Package tcp is the reference transport.Transport/transport.Conn
// implementation (spec §6): a length-prefixed frame codec over a plain
// net.Conn, one read goroutine and one dispatch goroutine per connection.
package tcp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/dantte-lp/attp/internal/frame"
	"github.com/dantte-lp/attp/transport"
)

// headerSize is version(2B) + command_type(1B) + route_id(8B) +
// has_correlation flag(1B), the fixed-size prefix of every frame on the
// wire (spec §6).
const headerSize = 2 + 1 + 8 + 1

// absentPayloadLen marks a frame whose payload is absent (nil) rather
// than present-but-empty; ordinary payload lengths never reach it.
const absentPayloadLen = 0xFFFFFFFF

// headerPool reuses the fixed-size header buffer across reads, mirroring
// the teacher's PacketPool: one allocation-free buffer per decode instead
// of one per frame.
var headerPool = sync.Pool{
	New: func() any {
		buf := make([]byte, headerSize)
		return &buf
	},
}

func encodeFrame(f frame.Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	size := headerSize + 4
	if f.HasCorrelation {
		size += 16
	}
	if f.HasPayload() {
		size += len(f.Payload)
	}

	buf := make([]byte, 0, size)
	buf = append(buf, f.Version.Major, f.Version.Minor, byte(f.Command))

	var idBuf [8]byte
	binary.LittleEndian.PutUint64(idBuf[:], f.RouteID)
	buf = append(buf, idBuf[:]...)

	if f.HasCorrelation {
		buf = append(buf, 1)
		buf = append(buf, f.CorrelationID[:]...)
	} else {
		buf = append(buf, 0)
	}

	var lenBuf [4]byte
	if f.HasPayload() {
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(f.Payload)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, f.Payload...)
	} else {
		binary.LittleEndian.PutUint32(lenBuf[:], absentPayloadLen)
		buf = append(buf, lenBuf[:]...)
	}

	return buf, nil
}

func decodeFrame(r io.Reader) (frame.Frame, error) {
	hbufp, _ := headerPool.Get().(*[]byte)
	defer headerPool.Put(hbufp)
	hbuf := *hbufp

	if _, err := io.ReadFull(r, hbuf); err != nil {
		return frame.Frame{}, err
	}

	f := frame.Frame{
		Version: frame.Version{Major: hbuf[0], Minor: hbuf[1]},
		Command: frame.CommandType(hbuf[2]),
		RouteID: binary.LittleEndian.Uint64(hbuf[3:11]),
	}

	if hbuf[11] == 1 {
		var cid frame.CorrelationID
		if _, err := io.ReadFull(r, cid[:]); err != nil {
			return frame.Frame{}, fmt.Errorf("tcp: read correlation id: %w", err)
		}
		f.CorrelationID = cid
		f.HasCorrelation = true
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return frame.Frame{}, fmt.Errorf("tcp: read payload length: %w", err)
	}
	payloadLen := binary.LittleEndian.Uint32(lenBuf[:])
	if payloadLen != absentPayloadLen {
		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return frame.Frame{}, fmt.Errorf("tcp: read payload: %w", err)
		}
		f.Payload = payload
	}

	return f, nil
}

// Conn wraps one net.Conn as a transport.Conn: writes are serialized
// through writeMu, reads run on a dedicated goroutine feeding a bounded
// channel that a second goroutine drains into the registered handler.
type Conn struct {
	nc     net.Conn
	id     string
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	handler transport.EventHandler
	closed  bool

	frames chan frame.Frame
}

func newConn(nc net.Conn, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	id, err := frame.NewCorrelationID()
	idStr := nc.RemoteAddr().String()
	if err == nil {
		idStr = id.String()
	}
	return &Conn{
		nc:     nc,
		id:     idStr,
		logger: logger.With(slog.String("component", "transport.tcp"), slog.String("peer_addr", nc.RemoteAddr().String())),
		frames: make(chan frame.Frame, 256),
	}
}

// Send encodes and writes a single frame. If ctx carries a deadline it is
// applied to the underlying socket write.
func (c *Conn) Send(ctx context.Context, f frame.Frame) error {
	buf, err := encodeFrame(f)
	if err != nil {
		return fmt.Errorf("tcp: encode frame: %w", err)
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = c.nc.SetWriteDeadline(dl)
		defer c.nc.SetWriteDeadline(time.Time{})
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.nc.Write(buf); err != nil {
		return fmt.Errorf("tcp: write frame: %w", err)
	}
	return nil
}

// SendBatch writes frames one at a time under the same write lock,
// avoiding interleaving with a concurrent Send.
func (c *Conn) SendBatch(ctx context.Context, frames []frame.Frame) error {
	for _, f := range frames {
		if err := c.Send(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) AddEventHandler(h transport.EventHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// StartHandler drains decoded frames into the registered handler until
// ctx is cancelled or the read loop closes the frame channel.
func (c *Conn) StartHandler(ctx context.Context) error {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case f, ok := <-c.frames:
				if !ok {
					return
				}
				c.mu.Lock()
				h := c.handler
				c.mu.Unlock()
				if h != nil {
					h(f)
				}
			}
		}
	}()
	return nil
}

// StartListener begins reading frames off the wire into the internal
// channel StartHandler drains.
func (c *Conn) StartListener(ctx context.Context) error {
	go c.readLoop(ctx)
	return nil
}

// readLoop decodes frames until ctx is cancelled or the socket closes. A
// local Disconnect surfaces as net.ErrClosed and ends the loop quietly;
// any other read error (peer reset, EOF without a prior DISCONNECT)
// synthesizes a DISCONNECT frame so the session driver still tears itself
// down (spec §4.5 handleInbound), since nothing else observes an abrupt
// transport failure.
func (c *Conn) readLoop(ctx context.Context) {
	defer close(c.frames)
	for {
		f, err := decodeFrame(c.nc)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}

			c.logger.Warn("read loop stopped, synthesizing disconnect", slog.String("error", err.Error()))
			select {
			case c.frames <- frame.New(0, frame.DISCONNECT, nil):
			case <-ctx.Done():
			}
			return
		}

		select {
		case c.frames <- f:
		case <-ctx.Done():
			return
		}
	}
}

// StopListener is a no-op: the read loop exits once ctx is cancelled or
// Disconnect closes the socket underneath it.
func (c *Conn) StopListener() error { return nil }

func (c *Conn) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if err := c.nc.Close(); err != nil {
		return fmt.Errorf("tcp: close connection: %w", err)
	}
	return nil
}

func (c *Conn) SessionID() string { return c.id }
func (c *Conn) PeerAddr() string  { return c.nc.RemoteAddr().String() }

// Config configures a Transport. ListenAddr is read by StartServer,
// DialAddr by Connect; most deployments set only the one their role
// needs.
type Config struct {
	ListenAddr  string
	DialAddr    string
	DialTimeout time.Duration
	Logger      *slog.Logger
}

// Transport is the reference transport.Transport: a TCP listener for the
// server role, a dialer with a bounded retry budget for the client role.
type Transport struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	handler  transport.ConnHandler
}

// New builds a Transport from cfg.
func New(cfg Config) *Transport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{cfg: cfg, logger: logger.With(slog.String("component", "transport.tcp"))}
}

func (t *Transport) AddConnHandler(h transport.ConnHandler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *Transport) connHandler() transport.ConnHandler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler
}

// StartServer opens the listen socket and starts accepting connections
// in the background; it returns once the socket is bound.
func (t *Transport) StartServer(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", t.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("tcp: listen on %s: %w", t.cfg.ListenAddr, err)
	}

	t.mu.Lock()
	t.listener = ln
	t.mu.Unlock()

	go t.acceptLoop(ctx, ln)
	return nil
}

func (t *Transport) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			t.logger.Warn("accept failed", slog.String("error", err.Error()))
			continue
		}

		if h := t.connHandler(); h != nil {
			h(newConn(nc, t.logger))
		} else {
			_ = nc.Close()
		}
	}
}

// StopServer closes the listen socket, unblocking acceptLoop.
func (t *Transport) StopServer(ctx context.Context) error {
	t.mu.Lock()
	ln := t.listener
	t.mu.Unlock()

	if ln == nil {
		return nil
	}
	if err := ln.Close(); err != nil {
		return fmt.Errorf("tcp: close listener: %w", err)
	}
	return nil
}

// Connect dials cfg.DialAddr, retrying up to maxRetries times (at least
// once) before giving up.
func (t *Transport) Connect(ctx context.Context, maxRetries int) (transport.Conn, error) {
	timeout := t.cfg.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := net.Dialer{Timeout: timeout}

	attempts := maxRetries
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		nc, err := dialer.DialContext(ctx, "tcp", t.cfg.DialAddr)
		if err == nil {
			return newConn(nc, t.logger), nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		t.logger.Warn("dial attempt failed",
			slog.String("addr", t.cfg.DialAddr),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}

	return nil, fmt.Errorf("tcp: dial %s: %w", t.cfg.DialAddr, lastErr)
}
