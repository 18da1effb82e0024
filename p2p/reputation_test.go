package p2p

import (
	"testing"
	"time"
)

func reputationTestConfig() ReputationConfig {
	return ReputationConfig{
		GreyScore:        10,
		BanScore:         20,
		BanDuration:      time.Minute,
		MaxBanDuration:   8 * time.Minute,
		GreylistDuration: time.Minute,
		DecayHalfLife:    time.Hour,
	}
}

func TestReputationEvents(t *testing.T) {
	rep := NewReputationManager(reputationTestConfig())
	now := time.Now()

	status := rep.MarkHeartbeat("peer", now)
	if status.Score != heartbeatRewardDelta {
		t.Fatalf("expected heartbeat score %d, got %d", heartbeatRewardDelta, status.Score)
	}

	status = rep.MarkUsefulResponse("peer", now)
	if status.Score != heartbeatRewardDelta+usefulResponseRewardDelta {
		t.Fatalf("expected useful response reward applied, got %d", status.Score)
	}

	status = rep.PenalizeMalformed("peer", now, false)
	if status.Score != heartbeatRewardDelta+usefulResponseRewardDelta+malformedMessagePenaltyDelta {
		t.Fatalf("malformed penalty not applied, got %d", status.Score)
	}

	status = rep.PenalizeSpam("peer", now, false)
	if !status.Greylisted {
		t.Fatalf("expected spam to trigger greylist, score=%d", status.Score)
	}

	status = rep.PenalizeInvalidPayload("peer", now, false)
	if !status.Banned {
		t.Fatalf("expected invalid payload to trigger ban, score=%d", status.Score)
	}

	mis := rep.MarkMisbehavior("peer", now)
	if mis.Misbehavior == 0 {
		t.Fatalf("expected misbehavior counter to increment")
	}

	latency := rep.ObserveLatency("peer", 50*time.Millisecond, now)
	if latency.LatencyMS <= 0 {
		t.Fatalf("expected latency to be recorded, got %f", latency.LatencyMS)
	}
}

func TestReputationPersistentPeersNeverBanned(t *testing.T) {
	rep := NewReputationManager(reputationTestConfig())
	now := time.Now()

	var status ReputationStatus
	for i := 0; i < 10; i++ {
		status = rep.PenalizeInvalidPayload("persistent", now, true)
	}
	if status.Banned {
		t.Fatalf("persistent peers must not be banned")
	}
	if status.Score > 0 {
		t.Fatalf("persistent score must stay clamped at or below zero, got %d", status.Score)
	}
}

func TestReputationPersistentScoreHeldAtZero(t *testing.T) {
	rep := NewReputationManager(reputationTestConfig())
	now := time.Now()

	var status ReputationStatus
	for i := 0; i < 5; i++ {
		status = rep.Adjust("persistent", usefulResponseRewardDelta, now, true)
	}
	if status.Score != 0 {
		t.Fatalf("persistent rewards must clamp at zero, got %d", status.Score)
	}

	status = rep.Adjust("persistent", malformedMessagePenaltyDelta, now, true)
	if status.Score >= 0 {
		t.Fatalf("penalties must still register against persistent peers, got %d", status.Score)
	}
}

func TestReputationDecayToZero(t *testing.T) {
	cfg := reputationTestConfig()
	cfg.DecayHalfLife = time.Second
	rep := NewReputationManager(cfg)
	now := time.Now()

	rep.MarkHeartbeat("peer", now)
	rep.MarkHeartbeat("peer", now)

	later := now.Add(10 * cfg.DecayHalfLife)
	if score := rep.Score("peer", later); score != 0 {
		t.Fatalf("expected score to decay to zero, got %d", score)
	}
}

func TestReputationBanEscalation(t *testing.T) {
	cfg := reputationTestConfig()
	rep := NewReputationManager(cfg)
	now := time.Now()

	status := rep.PenalizeInvalidPayload("peer", now, false)
	if !status.Banned {
		t.Fatalf("expected first ban")
	}
	banned, until := rep.BanInfo("peer", now)
	if !banned || !until.Equal(now.Add(cfg.BanDuration)) {
		t.Fatalf("expected first ban for %v, got until=%v", cfg.BanDuration, until)
	}

	// After the ban lapses the next offense doubles the duration.
	afterFirst := until.Add(time.Second)
	status = rep.PenalizeInvalidPayload("peer", afterFirst, false)
	if !status.Banned {
		t.Fatalf("expected second ban")
	}
	_, until = rep.BanInfo("peer", afterFirst)
	if !until.Equal(afterFirst.Add(2 * cfg.BanDuration)) {
		t.Fatalf("expected doubled ban, got until=%v", until)
	}
}

func TestReputationBanCappedAtMax(t *testing.T) {
	cfg := reputationTestConfig()
	rep := NewReputationManager(cfg)
	now := time.Now()

	cursor := now
	for i := 0; i < 6; i++ {
		rep.PenalizeInvalidPayload("peer", cursor, false)
		_, until := rep.BanInfo("peer", cursor)
		if until.IsZero() {
			t.Fatalf("offense %d: expected active ban", i+1)
		}
		cursor = until.Add(time.Second)
	}
	rep.PenalizeInvalidPayload("peer", cursor, false)
	_, until := rep.BanInfo("peer", cursor)
	if until.Sub(cursor) > cfg.MaxBanDuration {
		t.Fatalf("ban exceeded cap: %v", until.Sub(cursor))
	}
}

func TestReputationOperatorBanCountsAsOffense(t *testing.T) {
	cfg := reputationTestConfig()
	rep := NewReputationManager(cfg)
	now := time.Now()

	rep.SetBan("peer", now.Add(time.Minute), now)
	if !rep.IsBanned("peer", now) {
		t.Fatalf("expected operator ban to be active")
	}
	if rep.IsBanned("peer", now.Add(2*time.Minute)) {
		t.Fatalf("expected ban to lapse")
	}

	afterBan := now.Add(2 * time.Minute)
	rep.PenalizeInvalidPayload("peer", afterBan, false)
	_, until := rep.BanInfo("peer", afterBan)
	if !until.Equal(afterBan.Add(2 * cfg.BanDuration)) {
		t.Fatalf("operator ban should escalate the next automatic ban, until=%v", until)
	}
}
