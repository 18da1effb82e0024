package p2p

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestRegistryUpsertMergesSources(t *testing.T) {
	reg := NewPeerRegistry("0xffff")
	now := time.Now()

	rec, created := reg.Upsert("0xabc", "10.0.0.1:30311", SourceBootstrap, "", now)
	if !created {
		t.Fatalf("expected new record")
	}
	if rec.Sources != SourceBootstrap {
		t.Fatalf("expected bootstrap source, got %s", rec.Sources)
	}

	rec, created = reg.Upsert("0xabc", "10.0.0.1:30311", SourcePEX, "0xabcd", now.Add(time.Second))
	if created {
		t.Fatalf("expected merge into existing record")
	}
	if rec.Sources&SourceBootstrap == 0 || rec.Sources&SourcePEX == 0 {
		t.Fatalf("expected merged sources, got %s", rec.Sources)
	}
	if _, ok := rec.Introducers["0xabcd"]; !ok {
		t.Fatalf("expected introducer to be recorded")
	}
	if !rec.LastSeen.After(rec.FirstSeen) {
		t.Fatalf("expected last seen to advance")
	}
}

func TestRegistryIgnoresSelf(t *testing.T) {
	reg := NewPeerRegistry("0xffff")
	now := time.Now()

	reg.Upsert("0xffff", "10.0.0.1:30311", SourcePEX, "", now)
	if reg.Len() != 0 {
		t.Fatalf("self must never enter the registry")
	}
}

func TestRegistryStateTransitions(t *testing.T) {
	reg := NewPeerRegistry("0xffff")
	now := time.Now()

	reg.Upsert("0xabc", "10.0.0.1:30311", SourceBootstrap, "", now)
	reg.SetState("0xabc", StateConnecting, now)
	rec, ok := reg.Get("0xabc")
	if !ok || rec.State != StateConnecting {
		t.Fatalf("expected connecting state, got %s", rec.State)
	}
	if rec.LastDialAt.IsZero() {
		t.Fatalf("connecting should stamp the dial time")
	}

	reg.RecordDialFailure("0xabc", now)
	rec, _ = reg.Get("0xabc")
	if rec.Fails != 1 {
		t.Fatalf("expected one recorded failure, got %d", rec.Fails)
	}

	reg.SetState("0xabc", StateConnected, now)
	rec, _ = reg.Get("0xabc")
	if rec.State != StateConnected || rec.Fails != 0 {
		t.Fatalf("connected should reset the failure counter, got state=%s fails=%d", rec.State, rec.Fails)
	}
}

func TestRegistrySelectCandidates(t *testing.T) {
	reg := NewPeerRegistry("0xffff")
	now := time.Now()

	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("0x%040d", i)
		reg.Upsert(id, fmt.Sprintf("10.0.0.%d:30311", i+1), SourceBootstrap, "", now)
	}
	// Connected peers must not be re-dialed.
	reg.SetState(fmt.Sprintf("0x%040d", 0), StateConnected, now)

	candidates, err := reg.SelectCandidates(4, now, nil)
	if err != nil {
		t.Fatalf("selection failed: %v", err)
	}
	if len(candidates) != 4 {
		t.Fatalf("expected 4 candidates, got %d", len(candidates))
	}
	for _, rec := range candidates {
		if rec.State != StateDiscovered {
			t.Fatalf("candidate %s not in discovered state", rec.NodeID)
		}
	}
}

func TestRegistrySelectCandidatesHonorsFailureBackoff(t *testing.T) {
	reg := NewPeerRegistry("0xffff")
	now := time.Now()

	reg.Upsert("0xabc", "10.0.0.1:30311", SourceBootstrap, "", now)
	reg.SetState("0xabc", StateConnecting, now)
	reg.RecordDialFailure("0xabc", now)

	candidates, err := reg.SelectCandidates(4, now.Add(time.Second), nil)
	if err != nil {
		t.Fatalf("selection failed: %v", err)
	}
	if len(candidates) != 0 {
		t.Fatalf("failed peer must sit out the backoff window, got %d candidates", len(candidates))
	}

	retryAt := now.Add(dialRetryBase + time.Second)
	candidates, err = reg.SelectCandidates(4, retryAt, nil)
	if err != nil || len(candidates) != 1 {
		t.Fatalf("expected the peer back after the backoff, got %d (%v)", len(candidates), err)
	}

	// A second failure doubles the wait.
	reg.SetState("0xabc", StateConnecting, retryAt)
	reg.RecordDialFailure("0xabc", retryAt)
	candidates, _ = reg.SelectCandidates(4, retryAt.Add(dialRetryBase+time.Second), nil)
	if len(candidates) != 0 {
		t.Fatalf("second failure must double the backoff")
	}
	candidates, _ = reg.SelectCandidates(4, retryAt.Add(2*dialRetryBase+time.Second), nil)
	if len(candidates) != 1 {
		t.Fatalf("expected the peer back after the doubled backoff, got %d", len(candidates))
	}

	// A successful connection clears the counter entirely.
	reg.SetState("0xabc", StateConnected, retryAt)
	reg.SetState("0xabc", StateDiscovered, retryAt)
	candidates, _ = reg.SelectCandidates(4, retryAt.Add(time.Second), nil)
	if len(candidates) != 1 {
		t.Fatalf("connected success should reset the backoff, got %d candidates", len(candidates))
	}
}

func TestRegistryRejectsSingleIntroducerSet(t *testing.T) {
	reg := NewPeerRegistry("0xffff")
	now := time.Now()

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("0x%040d", i)
		reg.Upsert(id, fmt.Sprintf("10.0.1.%d:30311", i+1), SourcePEX, "0xe1e1", now)
	}

	_, err := reg.SelectCandidates(3, now, nil)
	if err == nil {
		t.Fatalf("expected single-introducer set to be refused")
	}
	var srcErr *DiscoverySourceError
	if !errors.As(err, &srcErr) {
		t.Fatalf("expected DiscoverySourceError, got %v", err)
	}
	if !errors.Is(err, errSingleIntroducer) {
		t.Fatalf("expected errSingleIntroducer, got %v", err)
	}

	// One record from an independent source clears the suspicion.
	reg.Upsert("0xcafe", "10.0.2.1:30311", SourceBootstrap, "", now)
	if _, err := reg.SelectCandidates(3, now, nil); err != nil {
		t.Fatalf("mixed-source set should be allowed: %v", err)
	}
}

func TestRegistrySingleCandidateNotSuspicious(t *testing.T) {
	reg := NewPeerRegistry("0xffff")
	now := time.Now()

	reg.Upsert("0xabc", "10.0.0.1:30311", SourcePEX, "0xe1e1", now)
	candidates, err := reg.SelectCandidates(3, now, nil)
	if err != nil {
		t.Fatalf("a set of one is never suspicious: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected the lone candidate, got %d", len(candidates))
	}
}
