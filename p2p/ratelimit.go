package p2p

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Inbound traffic is budgeted per (peer, message class) so a peer flooding
// gossip cannot starve its own control plane, with a per-IP budget on
// connection attempts and a global ceiling across all peers.

// Greylisted peers run on a quarter of the normal budget: each of their
// messages draws four tokens instead of one.
const greylistTokenCost = 4

type messageClass int

const (
	classControl messageClass = iota
	classGossip
	classRequest
	classCount
)

func classifyMessage(t byte) messageClass {
	switch {
	case isControlType(t):
		return classControl
	case isGossipType(t):
		return classGossip
	default:
		return classRequest
	}
}

func (c messageClass) String() string {
	switch c {
	case classControl:
		return "control"
	case classGossip:
		return "gossip"
	case classRequest:
		return "request"
	}
	return "unknown"
}

// RateLimitConfig holds the steady rates (events per second) and bursts for
// each budget. Zero values fall back to defaults.
type RateLimitConfig struct {
	ControlRate  rate.Limit
	ControlBurst int
	GossipRate   rate.Limit
	GossipBurst  int
	RequestRate  rate.Limit
	RequestBurst int

	GlobalRate  rate.Limit
	GlobalBurst int

	ConnRate  rate.Limit
	ConnBurst int
}

func defaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		ControlRate:  4,
		ControlBurst: 16,
		GossipRate:   64,
		GossipBurst:  256,
		RequestRate:  16,
		RequestBurst: 32,
		GlobalRate:   4096,
		GlobalBurst:  8192,
		ConnRate:     1,
		ConnBurst:    4,
	}
}

func (c RateLimitConfig) withDefaults() RateLimitConfig {
	def := defaultRateLimitConfig()
	if c.ControlRate <= 0 {
		c.ControlRate, c.ControlBurst = def.ControlRate, def.ControlBurst
	}
	if c.GossipRate <= 0 {
		c.GossipRate, c.GossipBurst = def.GossipRate, def.GossipBurst
	}
	if c.RequestRate <= 0 {
		c.RequestRate, c.RequestBurst = def.RequestRate, def.RequestBurst
	}
	if c.GlobalRate <= 0 {
		c.GlobalRate, c.GlobalBurst = def.GlobalRate, def.GlobalBurst
	}
	if c.ConnRate <= 0 {
		c.ConnRate, c.ConnBurst = def.ConnRate, def.ConnBurst
	}
	return c
}

func (c RateLimitConfig) classParams(class messageClass) (rate.Limit, int) {
	switch class {
	case classControl:
		return c.ControlRate, c.ControlBurst
	case classGossip:
		return c.GossipRate, c.GossipBurst
	default:
		return c.RequestRate, c.RequestBurst
	}
}

type peerLimiter struct {
	classes [classCount]*rate.Limiter
}

func newPeerLimiter(cfg RateLimitConfig) *peerLimiter {
	pl := &peerLimiter{}
	for class := messageClass(0); class < classCount; class++ {
		limit, burst := cfg.classParams(class)
		pl.classes[class] = rate.NewLimiter(limit, burst)
	}
	return pl
}

// rateLimiters aggregates the per-peer, per-IP and global budgets.
type rateLimiters struct {
	cfg    RateLimitConfig
	global *rate.Limiter

	mu    sync.Mutex
	peers map[string]*peerLimiter
	ips   map[string]*rate.Limiter
}

func newRateLimiters(cfg RateLimitConfig) *rateLimiters {
	cfg = cfg.withDefaults()
	return &rateLimiters{
		cfg:    cfg,
		global: rate.NewLimiter(cfg.GlobalRate, cfg.GlobalBurst),
		peers:  make(map[string]*peerLimiter),
		ips:    make(map[string]*rate.Limiter),
	}
}

// AllowMessage charges one inbound message against the peer's class budget
// and the global budget. Greylisted peers pay greylistTokenCost per message,
// shrinking their effective rate. The global token is only spent when the
// class budget admits the message.
func (l *rateLimiters) AllowMessage(peerID string, class messageClass, greylisted bool, now time.Time) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	pl := l.peers[peerID]
	if pl == nil {
		pl = newPeerLimiter(l.cfg)
		l.peers[peerID] = pl
	}
	l.mu.Unlock()

	if class < 0 || class >= classCount {
		class = classRequest
	}
	cost := 1
	if greylisted {
		cost = greylistTokenCost
	}
	if !pl.classes[class].AllowN(now, cost) {
		return false
	}
	return l.global.AllowN(now, 1)
}

// AllowConn charges one connection attempt against the remote IP's budget.
func (l *rateLimiters) AllowConn(ip string, now time.Time) bool {
	if l == nil || ip == "" {
		return true
	}
	l.mu.Lock()
	limiter := l.ips[ip]
	if limiter == nil {
		limiter = rate.NewLimiter(l.cfg.ConnRate, l.cfg.ConnBurst)
		l.ips[ip] = limiter
	}
	l.mu.Unlock()
	return limiter.AllowN(now, 1)
}

// Forget drops a disconnected peer's budgets.
func (l *rateLimiters) Forget(peerID string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.peers, peerID)
	l.mu.Unlock()
}
