package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

func fakeRemotePeer(t *testing.T, id string) *Peer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return &Peer{
		id:       normalizeHex(id),
		outbound: make(chan *Message, outboundQueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func TestParseSeedList(t *testing.T) {
	seeds := parseSeedList([]string{
		"0xabcd@10.0.0.1:30311",
		"  0XABCD@10.0.0.1:30311 ",
		"0xbeef@10.0.0.2:30311",
		"",
		"no-at-sign",
		"not-hex@10.0.0.3:30311",
		"0xcafe@missing-port",
	})
	if len(seeds) != 2 {
		t.Fatalf("expected 2 seeds, got %d: %+v", len(seeds), seeds)
	}
	if seeds[0].NodeID != "0xabcd" || seeds[0].Address != "10.0.0.1:30311" {
		t.Fatalf("first seed mismatch: %+v", seeds[0])
	}
	if seeds[1].NodeID != "0xbeef" {
		t.Fatalf("second seed mismatch: %+v", seeds[1])
	}
}

func TestPexHandleRequestExcludesAsker(t *testing.T) {
	server := newTestServer(t)
	manager := newPexManager(server, time.Minute)
	now := time.Now()

	asker := fakeRemotePeer(t, "0xaaaa")
	server.registry.Upsert(asker.ID(), "10.0.0.9:30311", SourceBootstrap, "", now)
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("0x%040d", i)
		addr := fmt.Sprintf("10.0.1.%d:30311", i)
		server.registry.Upsert(id, addr, SourceBootstrap, "", now)
	}

	payload, _ := json.Marshal(PexRequestPayload{Max: 3})
	req := &Message{Type: MsgTypePexRequest, CorrelationID: 77, Payload: payload}
	if err := manager.handleRequest(asker, req); err != nil {
		t.Fatalf("handle request: %v", err)
	}

	var reply *Message
	select {
	case reply = <-asker.outbound:
	default:
		t.Fatalf("no reply enqueued")
	}
	if reply.Type != MsgTypePexAddresses {
		t.Fatalf("expected address reply, got 0x%02x", reply.Type)
	}
	if reply.CorrelationID != 77 {
		t.Fatalf("reply must echo the correlation id, got %d", reply.CorrelationID)
	}

	var addresses PexAddressesPayload
	if err := json.Unmarshal(reply.Payload, &addresses); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if len(addresses.Entries) == 0 || len(addresses.Entries) > 3 {
		t.Fatalf("expected 1..3 entries, got %d", len(addresses.Entries))
	}
	for _, entry := range addresses.Entries {
		if entry.NodeID == asker.ID() {
			t.Fatalf("reply must not advertise the asker to itself")
		}
	}
}

func TestPexHandleRequestMalformed(t *testing.T) {
	server := newTestServer(t)
	manager := newPexManager(server, time.Minute)
	asker := fakeRemotePeer(t, "0xaaaa")

	err := manager.handleRequest(asker, &Message{Type: MsgTypePexRequest, Payload: []byte("{")})
	if !IsProtocolViolation(err) {
		t.Fatalf("expected protocol violation, got %v", err)
	}
}

func TestPexHandleAddressesMergesRegistry(t *testing.T) {
	server := newTestServer(t)
	manager := newPexManager(server, time.Minute)
	from := fakeRemotePeer(t, "0xbbbb")

	payload, _ := json.Marshal(PexAddressesPayload{Entries: []PexEntry{
		{NodeID: "0xc0de", Address: "10.0.2.1:30311"},
		{NodeID: "0xd00d", Address: "no-port"},
	}})
	if err := manager.handleAddresses(from, &Message{Type: MsgTypePexAddresses, Payload: payload}); err != nil {
		t.Fatalf("handle addresses: %v", err)
	}

	rec, ok := server.registry.Get("0xc0de")
	if !ok {
		t.Fatalf("valid entry should land in the registry")
	}
	if rec.Sources&SourcePEX == 0 {
		t.Fatalf("entry should carry the PEX source, got %s", rec.Sources)
	}
	if _, introduced := rec.Introducers[from.ID()]; !introduced {
		t.Fatalf("advertising peer should be recorded as introducer")
	}
	if _, ok := server.registry.Get("0xd00d"); ok {
		t.Fatalf("undialable entries must be dropped")
	}
}

func TestPexHandleAddressesOverflow(t *testing.T) {
	server := newTestServer(t)
	manager := newPexManager(server, time.Minute)
	from := fakeRemotePeer(t, "0xbbbb")

	entries := make([]PexEntry, maxPeersPerExchange+1)
	for i := range entries {
		entries[i] = PexEntry{
			NodeID:  fmt.Sprintf("0x%040d", i),
			Address: fmt.Sprintf("10.0.3.%d:30311", i),
		}
	}
	payload, _ := json.Marshal(PexAddressesPayload{Entries: entries})

	err := manager.handleAddresses(from, &Message{Type: MsgTypePexAddresses, Payload: payload})
	if !IsProtocolViolation(err) {
		t.Fatalf("oversized replies must be a protocol violation, got %v", err)
	}
}
