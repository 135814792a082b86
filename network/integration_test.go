package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"
)

func identity(id, name string) Hello {
	return Hello{DeviceID: id, DeviceName: name, DeviceModel: "test-model", OSVersion: "test-os", AppVersion: "9.9"}
}

// pair listens as server, dials as client and returns both ends.
func pair(t *testing.T, server, client Options) (*Server, *Link, *Link) {
	t.Helper()
	srv, err := Listen("127.0.0.1:0", server)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })

	out, err := Dial(context.Background(), srv.Addr().String(), client)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = out.Close() })

	in := nextLink(t, srv)
	t.Cleanup(func() { _ = in.Close() })
	return srv, out, in
}

func nextLink(t *testing.T, srv *Server) *Link {
	t.Helper()
	select {
	case l := <-srv.Links():
		return l
	case err := <-srv.Errors():
		t.Fatalf("server error before link: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for inbound link")
	}
	return nil
}

func TestHelloExchangeSharesMetadata(t *testing.T) {
	_, out, in := pair(t,
		Options{Identity: identity("server-device", "Server")},
		Options{Identity: identity("client-device", "Client")})

	if got := out.Remote(); got.DeviceID != "server-device" || got.DeviceModel != "test-model" || got.ProtocolVersion != ProtocolVersion {
		t.Fatalf("client saw %+v", got)
	}
	if got := in.Remote(); got.DeviceID != "client-device" || got.DeviceName != "Client" || got.AppVersion != "9.9" {
		t.Fatalf("server saw %+v", got)
	}
	if out.Closed() || in.Closed() {
		t.Fatalf("both ends should be up")
	}
}

func TestFramesArriveInOrderAndDrainAfterDisconnect(t *testing.T) {
	_, out, in := pair(t,
		Options{Identity: identity("server-order", "Server")},
		Options{Identity: identity("client-order", "Client")})

	const n = 20
	for i := 0; i < n; i++ {
		if err := out.Send([]byte(fmt.Sprintf("message-%02d", i))); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	if err := out.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < n; i++ {
		got, err := in.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive %d: %v", i, err)
		}
		if want := []byte(fmt.Sprintf("message-%02d", i)); !bytes.Equal(got, want) {
			t.Fatalf("frame %d: got %q, want %q", i, got, want)
		}
	}
	if _, err := in.Receive(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF after draining, got %v", err)
	}
	if in.Err() != nil {
		t.Fatalf("clean disconnect should leave no error, got %v", in.Err())
	}
	if err := out.Send([]byte("late")); err == nil {
		t.Fatalf("send after disconnect should fail")
	}
}

func TestReceiveHonorsContext(t *testing.T) {
	_, out, _ := pair(t,
		Options{Identity: identity("server-ctx", "Server")},
		Options{Identity: identity("client-ctx", "Client")})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := out.Receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}

func TestDialRefusedOnVersionMismatch(t *testing.T) {
	srv, err := Listen("127.0.0.1:0", Options{Identity: identity("server-version", "Server")})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Close()

	id := identity("client-version", "Client")
	id.ProtocolVersion = ProtocolVersion + 1
	_, err = Dial(context.Background(), srv.Addr().String(), Options{Identity: id})
	var remote *RemoteError
	if !errors.As(err, &remote) || !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected version refusal, got %v", err)
	}

	select {
	case serverErr := <-srv.Errors():
		if !errors.Is(serverErr, ErrUnsupportedVersion) {
			t.Fatalf("server reported %v", serverErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server did not report the mismatch")
	}
}

func TestDialRefusedForOwnDeviceID(t *testing.T) {
	srv, err := Listen("127.0.0.1:0", Options{Identity: identity("same", "Server")})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Close()

	_, err = Dial(context.Background(), srv.Addr().String(), Options{Identity: identity("same", "Client")})
	if !errors.Is(err, ErrSelfConnection) {
		t.Fatalf("expected self refusal, got %v", err)
	}
}

func TestDialHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Dial(ctx, "127.0.0.1:1", Options{Identity: identity("client-cancel", "Client")}); err == nil {
		t.Fatalf("expected cancelled dial to fail")
	}
}

func TestDialTimesOutOnSilentListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
			time.Sleep(time.Second)
		}
	}()

	start := time.Now()
	_, err = Dial(context.Background(), ln.Addr().String(), Options{
		Identity:       identity("client-slow", "Client"),
		ConnectTimeout: 80 * time.Millisecond,
	})
	if err == nil {
		t.Fatalf("expected hello timeout")
	}
	if elapsed := time.Since(start); elapsed > 700*time.Millisecond {
		t.Fatalf("dial took %s, timeout not applied", elapsed)
	}
}

func TestKeepAliveHoldsIdleLinks(t *testing.T) {
	opts := func(id string) Options {
		return Options{
			Identity:          identity(id, id),
			KeepAliveInterval: 120 * time.Millisecond,
			KeepAliveTimeout:  120 * time.Millisecond,
		}
	}
	_, out, in := pair(t, opts("server-idle"), opts("client-idle"))

	time.Sleep(600 * time.Millisecond)
	if out.Closed() || in.Closed() {
		t.Fatalf("idle link dropped: client=%v server=%v", out.Err(), in.Err())
	}
}

func TestSilentPeerFailsKeepAlive(t *testing.T) {
	_, out, _ := pair(t,
		Options{
			Identity:          identity("server-mute", "Server"),
			KeepAliveInterval: 500 * time.Millisecond,
			KeepAliveTimeout:  200 * time.Millisecond,
			SilentPings:       true,
		},
		Options{
			Identity:          identity("client-mute", "Client"),
			KeepAliveInterval: 80 * time.Millisecond,
			KeepAliveTimeout:  80 * time.Millisecond,
		})

	select {
	case <-out.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("expected keep-alive failure")
	}
	if !errors.Is(out.Err(), ErrPongTimeout) {
		t.Fatalf("expected ErrPongTimeout, got %v", out.Err())
	}
	if _, err := out.Receive(context.Background()); !errors.Is(err, ErrPongTimeout) {
		t.Fatalf("Receive after failure returned %v", err)
	}
}

func TestServerCloseStopsAccepting(t *testing.T) {
	srv, err := Listen("127.0.0.1:0", Options{Identity: identity("server-close", "Server")})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr := srv.Addr().String()
	if srv.Port() == 0 {
		t.Fatalf("expected bound port")
	}
	if err := srv.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_ = srv.Close()

	if _, ok := <-srv.Links(); ok {
		t.Fatalf("links channel should be closed")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := Dial(ctx, addr, Options{Identity: identity("late", "Late")}); err == nil {
		t.Fatalf("dial after close should fail")
	}
}
