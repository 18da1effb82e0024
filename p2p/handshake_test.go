package p2p

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return newTestServerWith(t, nil, nil)
}

func newTestServerWith(t *testing.T, handler MessageHandler, mutate func(*ServerConfig)) *Server {
	t.Helper()
	identity, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	cfg := ServerConfig{
		ListenAddress: "127.0.0.1:0",
		NetworkID:     7,
		ClientVersion: "meshnet/test",
		DisablePex:    true,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	server, err := NewServer(handler, identity, cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() { server.nonceGuard.Close() })
	return server
}

type handshakeResult struct {
	sess  *session
	hello *helloPacket
	err   error
}

// runHandshake drives both ends of the exchange over an in-memory pipe.
func runHandshake(t *testing.T, a, b *Server) (handshakeResult, handshakeResult) {
	t.Helper()
	connA, connB := net.Pipe()
	t.Cleanup(func() {
		connA.Close()
		connB.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resCh := make(chan handshakeResult, 1)
	go func() {
		sess, hello, err := b.performHandshake(ctx, connB, false)
		resCh <- handshakeResult{sess: sess, hello: hello, err: err}
	}()

	sess, hello, err := a.performHandshake(ctx, connA, true)
	resA := handshakeResult{sess: sess, hello: hello, err: err}
	resB := <-resCh
	return resA, resB
}

func TestHandshakeAuthenticatesBothSides(t *testing.T) {
	a := newTestServer(t)
	b := newTestServer(t)

	resA, resB := runHandshake(t, a, b)
	if resA.err != nil {
		t.Fatalf("initiator handshake failed: %v", resA.err)
	}
	if resB.err != nil {
		t.Fatalf("responder handshake failed: %v", resB.err)
	}
	if resA.hello.nodeID != b.NodeID() {
		t.Fatalf("initiator authenticated %s, want %s", resA.hello.nodeID, b.NodeID())
	}
	if resB.hello.nodeID != a.NodeID() {
		t.Fatalf("responder authenticated %s, want %s", resB.hello.nodeID, a.NodeID())
	}
	if resA.hello.negotiated != protocolVersion {
		t.Fatalf("expected negotiated version %d, got %d", protocolVersion, resA.hello.negotiated)
	}
	if resA.hello.ClientVersion != "meshnet/test" {
		t.Fatalf("client version not carried: %q", resA.hello.ClientVersion)
	}
}

func TestHandshakeRejectsNetworkMismatch(t *testing.T) {
	a := newTestServer(t)
	b := newTestServerWith(t, nil, func(cfg *ServerConfig) {
		cfg.NetworkID = 99
	})

	resA, resB := runHandshake(t, a, b)
	if resA.err == nil && resB.err == nil {
		t.Fatalf("expected a network ID mismatch on at least one side")
	}
	for _, res := range []handshakeResult{resA, resB} {
		if res.err == nil {
			continue
		}
		var hsErr *HandshakeError
		if !errors.As(res.err, &hsErr) {
			t.Fatalf("expected HandshakeError, got %v", res.err)
		}
	}
}

func TestHandshakeRejectsVersionBelowMinimum(t *testing.T) {
	a := newTestServer(t)
	b := newTestServerWith(t, nil, func(cfg *ServerConfig) {
		cfg.MinProtocolVersion = protocolVersion + 1
	})

	resA, _ := runHandshake(t, a, b)
	if resA.err == nil {
		t.Fatalf("expected remote minimum above local version to fail")
	}
}

func TestSessionCarriesFrames(t *testing.T) {
	a := newTestServer(t)
	b := newTestServer(t)

	resA, resB := runHandshake(t, a, b)
	if resA.err != nil || resB.err != nil {
		t.Fatalf("handshake failed: %v / %v", resA.err, resB.err)
	}
	defer resA.sess.Close()
	defer resB.sess.Close()

	sent := &Message{Type: MsgTypeTx, CorrelationID: 42, TTL: 3, Payload: []byte("encrypted payload")}
	errCh := make(chan error, 1)
	go func() {
		errCh <- writeMessage(resA.sess, sent, 1<<20)
	}()

	got, err := readMessage(bufio.NewReader(resB.sess), 1<<20)
	if err != nil {
		t.Fatalf("read over session: %v", err)
	}
	if writeErr := <-errCh; writeErr != nil {
		t.Fatalf("write over session: %v", writeErr)
	}
	if got.Type != sent.Type || got.CorrelationID != sent.CorrelationID || !bytes.Equal(got.Payload, sent.Payload) {
		t.Fatalf("frame mismatch: %+v", got)
	}
}

func TestSessionChunksLargePayloads(t *testing.T) {
	a := newTestServer(t)
	b := newTestServer(t)

	resA, resB := runHandshake(t, a, b)
	if resA.err != nil || resB.err != nil {
		t.Fatalf("handshake failed: %v / %v", resA.err, resB.err)
	}
	defer resA.sess.Close()
	defer resB.sess.Close()

	// Larger than a single Noise record, so the write must chunk.
	payload := make([]byte, 200_000)
	if _, err := rand.Read(payload); err != nil {
		t.Fatalf("fill payload: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := resA.sess.Write(payload)
		errCh <- err
	}()

	received := make([]byte, len(payload))
	if _, err := io.ReadFull(resB.sess, received); err != nil {
		t.Fatalf("read chunked payload: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("write chunked payload: %v", err)
	}
	if !bytes.Equal(payload, received) {
		t.Fatalf("chunked payload corrupted in transit")
	}
}

func TestSessionRejectsUseAfterClose(t *testing.T) {
	a := newTestServer(t)
	b := newTestServer(t)

	resA, resB := runHandshake(t, a, b)
	if resA.err != nil || resB.err != nil {
		t.Fatalf("handshake failed: %v / %v", resA.err, resB.err)
	}
	defer resB.sess.Close()

	resA.sess.Close()

	if _, err := resA.sess.Write([]byte("late frame")); !errors.Is(err, net.ErrClosed) {
		t.Fatalf("write after close: expected net.ErrClosed, got %v", err)
	}
	buf := make([]byte, 16)
	if _, err := resA.sess.Read(buf); !errors.Is(err, net.ErrClosed) {
		t.Fatalf("read after close: expected net.ErrClosed, got %v", err)
	}
	// Close is idempotent and must not disturb the wiped state.
	resA.sess.Close()
	if _, err := resA.sess.Write([]byte("again")); !errors.Is(err, net.ErrClosed) {
		t.Fatalf("second write after close: expected net.ErrClosed, got %v", err)
	}
}
