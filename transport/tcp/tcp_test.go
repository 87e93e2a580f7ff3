package tcp_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/dantte-lp/attp/internal/frame"
	"github.com/dantte-lp/attp/transport"
	"github.com/dantte-lp/attp/transport/tcp"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve addr: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func TestServerAcceptsAndRoundTripsFrame(t *testing.T) {
	t.Parallel()

	addr := freeAddr(t)
	srv := tcp.New(tcp.Config{ListenAddr: addr})

	accepted := make(chan transport.Conn, 1)
	srv.AddConnHandler(func(c transport.Conn) { accepted <- c })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.StartServer(ctx); err != nil {
		t.Fatalf("StartServer: %v", err)
	}
	defer srv.StopServer(context.Background())

	client := tcp.New(tcp.Config{DialAddr: addr})
	clientConn, err := client.Connect(ctx, 5)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer clientConn.Disconnect(context.Background())

	var serverConn transport.Conn
	select {
	case serverConn = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted a connection")
	}
	defer serverConn.Disconnect(context.Background())

	received := make(chan frame.Frame, 1)
	serverConn.AddEventHandler(func(f frame.Frame) { received <- f })
	if err := serverConn.StartHandler(ctx); err != nil {
		t.Fatalf("StartHandler: %v", err)
	}
	if err := serverConn.StartListener(ctx); err != nil {
		t.Fatalf("StartListener: %v", err)
	}

	cid, err := frame.NewCorrelationID()
	if err != nil {
		t.Fatalf("NewCorrelationID: %v", err)
	}
	sent := frame.New(7, frame.CALL, []byte("payload")).WithCorrelation(cid)

	if err := clientConn.Send(ctx, sent); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-received:
		if got.RouteID != sent.RouteID {
			t.Fatalf("route id = %d, want %d", got.RouteID, sent.RouteID)
		}
		if got.Command != sent.Command {
			t.Fatalf("command = %v, want %v", got.Command, sent.Command)
		}
		if !got.HasCorrelation || got.CorrelationID != sent.CorrelationID {
			t.Fatalf("correlation id mismatch: got %v want %v", got.CorrelationID, sent.CorrelationID)
		}
		if string(got.Payload) != "payload" {
			t.Fatalf("payload = %q, want %q", got.Payload, "payload")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestSendAndReceiveFrameWithAbsentPayloadAndNoCorrelation(t *testing.T) {
	t.Parallel()

	addr := freeAddr(t)
	srv := tcp.New(tcp.Config{ListenAddr: addr})
	accepted := make(chan transport.Conn, 1)
	srv.AddConnHandler(func(c transport.Conn) { accepted <- c })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.StartServer(ctx); err != nil {
		t.Fatalf("StartServer: %v", err)
	}
	defer srv.StopServer(context.Background())

	client := tcp.New(tcp.Config{DialAddr: addr})
	clientConn, err := client.Connect(ctx, 5)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer clientConn.Disconnect(context.Background())

	var serverConn transport.Conn
	select {
	case serverConn = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted a connection")
	}
	defer serverConn.Disconnect(context.Background())

	received := make(chan frame.Frame, 1)
	serverConn.AddEventHandler(func(f frame.Frame) { received <- f })
	_ = serverConn.StartHandler(ctx)
	_ = serverConn.StartListener(ctx)

	sent := frame.New(0, frame.DISCONNECT, nil)
	if err := clientConn.Send(ctx, sent); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-received:
		if got.HasCorrelation {
			t.Fatal("expected no correlation id")
		}
		if got.HasPayload() {
			t.Fatalf("expected absent payload, got %v", got.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestSendRejectsInvalidFrame(t *testing.T) {
	t.Parallel()

	addr := freeAddr(t)
	srv := tcp.New(tcp.Config{ListenAddr: addr})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.StartServer(ctx); err != nil {
		t.Fatalf("StartServer: %v", err)
	}
	defer srv.StopServer(context.Background())

	client := tcp.New(tcp.Config{DialAddr: addr})
	clientConn, err := client.Connect(ctx, 5)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer clientConn.Disconnect(context.Background())

	// CALL without a correlation id violates frame.Validate.
	invalid := frame.New(3, frame.CALL, nil)
	if err := clientConn.Send(ctx, invalid); err == nil {
		t.Fatal("expected error for CALL frame without correlation id")
	}
}

func TestConnectFailsFastWhenNothingListens(t *testing.T) {
	t.Parallel()

	addr := freeAddr(t)
	client := tcp.New(tcp.Config{DialAddr: addr, DialTimeout: 200 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := client.Connect(ctx, 2); err == nil {
		t.Fatal("expected dial failure against a closed port")
	}
}

func TestAbruptPeerCloseSynthesizesDisconnectFrame(t *testing.T) {
	t.Parallel()

	addr := freeAddr(t)
	srv := tcp.New(tcp.Config{ListenAddr: addr})
	accepted := make(chan transport.Conn, 1)
	srv.AddConnHandler(func(c transport.Conn) { accepted <- c })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.StartServer(ctx); err != nil {
		t.Fatalf("StartServer: %v", err)
	}
	defer srv.StopServer(context.Background())

	client := tcp.New(tcp.Config{DialAddr: addr})
	clientConn, err := client.Connect(ctx, 5)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var serverConn transport.Conn
	select {
	case serverConn = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted a connection")
	}
	defer serverConn.Disconnect(context.Background())

	received := make(chan frame.Frame, 1)
	serverConn.AddEventHandler(func(f frame.Frame) { received <- f })
	_ = serverConn.StartHandler(ctx)
	_ = serverConn.StartListener(ctx)

	// Simulate an abrupt peer failure: close the client's raw socket
	// without sending a DISCONNECT frame first.
	if err := clientConn.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	select {
	case got := <-received:
		if got.Command != frame.DISCONNECT {
			t.Fatalf("command = %v, want DISCONNECT", got.Command)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for synthesized disconnect frame")
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	t.Parallel()

	addr := freeAddr(t)
	srv := tcp.New(tcp.Config{ListenAddr: addr})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.StartServer(ctx); err != nil {
		t.Fatalf("StartServer: %v", err)
	}
	defer srv.StopServer(context.Background())

	client := tcp.New(tcp.Config{DialAddr: addr})
	clientConn, err := client.Connect(ctx, 5)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := clientConn.Disconnect(context.Background()); err != nil {
		t.Fatalf("first Disconnect: %v", err)
	}
	if err := clientConn.Disconnect(context.Background()); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
}
