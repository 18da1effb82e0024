package p2p

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// startTestServer runs the accept loop in the background and returns the bound
// listen address once the ephemeral port is known.
func startTestServer(t *testing.T, s *Server) string {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()
	t.Cleanup(func() {
		s.Stop()
		if err := <-errCh; err != nil {
			t.Errorf("server exited with error: %v", err)
		}
	})

	var bound string
	waitFor(t, 5*time.Second, "listener to bind", func() bool {
		for _, addr := range s.ListenAddresses() {
			if _, port, err := net.SplitHostPort(addr); err == nil && port != "0" && port != "" {
				bound = addr
				return true
			}
		}
		return false
	})
	return bound
}

func TestServerConnectAndEvents(t *testing.T) {
	a := newTestServer(t)
	b := newTestServer(t)
	addrA := startTestServer(t, a)
	startTestServer(t, b)

	events := a.Subscribe()
	if err := b.Connect(addrA); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	waitFor(t, 5*time.Second, "both sides to register the peer", func() bool {
		return a.hasPeer(b.NodeID()) && b.hasPeer(a.NodeID())
	})

	select {
	case event := <-events:
		if event.Type != PeerConnected {
			t.Fatalf("expected connected event, got %s", event.Type)
		}
		if event.PeerID != b.NodeID() {
			t.Fatalf("event for wrong peer: %s", event.PeerID)
		}
		if !event.Inbound {
			t.Fatalf("dialed-in peer should be inbound on the listener side")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no connect event published")
	}

	// A second dial to the same address is a no-op.
	if err := b.Connect(addrA); err != nil {
		t.Fatalf("reconnect to connected address should be idempotent: %v", err)
	}
	if total, _, outbound := b.peerCounts(); total != 1 || outbound != 1 {
		t.Fatalf("expected a single outbound peer, got total=%d outbound=%d", total, outbound)
	}
}

func TestServerConnectValidation(t *testing.T) {
	s := newTestServer(t)

	if err := s.Connect(""); !errors.Is(err, ErrDialTargetEmpty) {
		t.Fatalf("expected ErrDialTargetEmpty, got %v", err)
	}
	if err := s.Connect("not-an-address"); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
	if err := s.Connect(s.NodeID() + "@127.0.0.1:30311"); err == nil {
		t.Fatalf("dialing our own identity must be refused")
	}
}

func TestServerGossipReachesHandler(t *testing.T) {
	received := make(chan InboundMessage, 1)
	a := newTestServerWith(t, MessageHandlerFunc(func(peerID string, msg *Message) error {
		received <- InboundMessage{PeerID: peerID, Message: msg}
		return nil
	}), nil)
	b := newTestServer(t)

	addrA := startTestServer(t, a)
	startTestServer(t, b)
	if err := b.Connect(addrA); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	waitFor(t, 5*time.Second, "peers to connect", func() bool {
		return a.hasPeer(b.NodeID())
	})

	payload := []byte(`{"tx":"deadbeef"}`)
	if err := b.Broadcast(NewGossipMessage(MsgTypeTx, payload)); err != nil {
		t.Fatalf("broadcast failed: %v", err)
	}

	select {
	case inbound := <-received:
		if inbound.PeerID != b.NodeID() {
			t.Fatalf("delivered from wrong peer: %s", inbound.PeerID)
		}
		if inbound.Message.Type != MsgTypeTx || !bytes.Equal(inbound.Message.Payload, payload) {
			t.Fatalf("payload corrupted: %+v", inbound.Message)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("gossip never reached the handler")
	}

	// The same payload again is a duplicate and must be suppressed.
	if err := b.Broadcast(NewGossipMessage(MsgTypeTx, payload)); err != nil {
		t.Fatalf("broadcast failed: %v", err)
	}
	select {
	case <-received:
		t.Fatalf("duplicate gossip should not reach the handler twice")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestServerRequestResponse(t *testing.T) {
	var responder *Server
	responder = newTestServerWith(t, MessageHandlerFunc(func(peerID string, msg *Message) error {
		if msg.Type != MsgTypeRequest {
			return nil
		}
		reply := append([]byte("echo:"), msg.Payload...)
		return responder.Respond(peerID, msg.CorrelationID, reply)
	}), nil)
	requester := newTestServer(t)

	addr := startTestServer(t, responder)
	startTestServer(t, requester)
	if err := requester.Connect(addr); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	waitFor(t, 5*time.Second, "peers to connect", func() bool {
		return requester.hasPeer(responder.NodeID())
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := requester.Request(ctx, responder.NodeID(), MsgTypeRequest, []byte("ping"))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.Type != MsgTypeResponse {
		t.Fatalf("expected response type, got 0x%02x", resp.Type)
	}
	if string(resp.Payload) != "echo:ping" {
		t.Fatalf("unexpected response payload %q", resp.Payload)
	}
}

func TestServerSendDirect(t *testing.T) {
	received := make(chan InboundMessage, 1)
	a := newTestServerWith(t, MessageHandlerFunc(func(peerID string, msg *Message) error {
		received <- InboundMessage{PeerID: peerID, Message: msg}
		return nil
	}), nil)
	b := newTestServer(t)

	addrA := startTestServer(t, a)
	startTestServer(t, b)
	if err := b.Connect(addrA); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	waitFor(t, 5*time.Second, "peers to connect", func() bool {
		return b.hasPeer(a.NodeID())
	})

	if err := b.Send(a.NodeID(), &Message{Type: MsgTypeRequest, Payload: []byte("direct")}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	select {
	case inbound := <-received:
		if string(inbound.Message.Payload) != "direct" {
			t.Fatalf("unexpected payload %q", inbound.Message.Payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("direct message never delivered")
	}

	if err := b.Send("0xffff", &Message{Type: MsgTypeRequest}); !errors.Is(err, ErrPeerUnknown) {
		t.Fatalf("expected ErrPeerUnknown for a stranger, got %v", err)
	}
}

func TestServerBanPeerDisconnectsAndRefusesReadmission(t *testing.T) {
	a := newTestServer(t)
	b := newTestServer(t)
	addrA := startTestServer(t, a)
	startTestServer(t, b)

	if err := b.Connect(addrA); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	waitFor(t, 5*time.Second, "peers to connect", func() bool {
		return a.hasPeer(b.NodeID())
	})

	if err := a.BanPeer(b.NodeID(), time.Minute); err != nil {
		t.Fatalf("ban failed: %v", err)
	}
	waitFor(t, 5*time.Second, "banned peer to be dropped", func() bool {
		return !a.hasPeer(b.NodeID())
	})
	waitFor(t, 5*time.Second, "dialer to notice the disconnect", func() bool {
		return !b.hasPeer(a.NodeID())
	})

	b.Connect(addrA)
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if a.hasPeer(b.NodeID()) {
			t.Fatalf("banned peer was readmitted")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestServerBanPeerRefusesReserved(t *testing.T) {
	reserved := "0x" + "ab"
	s := newTestServerWith(t, nil, func(cfg *ServerConfig) {
		cfg.ReservedPeers = []string{reserved + "@127.0.0.1:30311"}
	})

	if err := s.BanPeer(reserved, time.Minute); err == nil {
		t.Fatalf("reserved peers must not be bannable")
	}
	if err := s.BanPeer("not-hex", time.Minute); !errors.Is(err, ErrPeerUnknown) {
		t.Fatalf("expected ErrPeerUnknown for malformed id, got %v", err)
	}
}

func TestServerBroadcastValidation(t *testing.T) {
	s := newTestServer(t)
	if err := s.Broadcast(nil); err == nil {
		t.Fatalf("nil message must be rejected")
	}
	if err := s.Broadcast(&Message{Type: MsgTypePing}); err == nil {
		t.Fatalf("control types must not be broadcast")
	}
}

func TestServerKeepaliveRoundTrip(t *testing.T) {
	a := newTestServer(t)
	b := newTestServer(t)
	addrA := startTestServer(t, a)
	startTestServer(t, b)

	if err := b.Connect(addrA); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	waitFor(t, 5*time.Second, "peers to connect", func() bool {
		return b.hasPeer(a.NodeID())
	})

	peer := b.getPeer(a.NodeID())
	if peer == nil {
		t.Fatalf("peer missing after connect")
	}
	if err := peer.sendPing(); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
	waitFor(t, 5*time.Second, "pong to arrive", func() bool {
		peer.pingMu.Lock()
		defer peer.pingMu.Unlock()
		return !peer.lastPongSeen.Before(peer.pingSentAt)
	})
}

func TestServerExternalAddressAdvertised(t *testing.T) {
	s := newTestServer(t)
	s.AddExternalAddress("203.0.113.9:30311")
	s.AddExternalAddress("203.0.113.9:30311")

	count := 0
	for _, addr := range s.ListenAddresses() {
		if addr == "203.0.113.9:30311" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("external address should be advertised exactly once, got %d", count)
	}
}
