package p2p

import (
	"math"
	"math/rand"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"lukechampine.com/blake3"
)

const (
	gossipSeenCapacity = 65536
	gossipSeenTTL      = 10 * time.Minute

	// relays a peer may queue before further gossip to it is dropped
	gossipPerPeerQueue = 32
)

type gossipFingerprint [32]byte

// gossipManager floods application payloads across the mesh with duplicate
// suppression and a hop budget. Relay fanout is sqrt of the connected degree,
// so large meshes do not amplify every message to every link.
type gossipManager struct {
	server *Server
	seen   *lru.LRU[gossipFingerprint, struct{}]

	mu  sync.Mutex
	rng *rand.Rand
}

func newGossipManager(server *Server) *gossipManager {
	return &gossipManager{
		server: server,
		seen:   lru.NewLRU[gossipFingerprint, struct{}](gossipSeenCapacity, nil, gossipSeenTTL),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func fingerprintMessage(msgType byte, payload []byte) gossipFingerprint {
	hasher := blake3.New(32, nil)
	hasher.Write([]byte{msgType})
	hasher.Write(payload)
	var fp gossipFingerprint
	copy(fp[:], hasher.Sum(nil))
	return fp
}

// markSeen records the fingerprint, reporting whether it was new.
func (g *gossipManager) markSeen(fp gossipFingerprint) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, dup := g.seen.Get(fp); dup {
		return false
	}
	g.seen.Add(fp, struct{}{})
	return true
}

// Broadcast originates a gossip message locally, sending it to every
// connected peer. Origination always floods the full degree; only relays are
// fanout-limited.
func (g *gossipManager) Broadcast(msgType byte, payload []byte) error {
	if !isGossipType(msgType) {
		return &ProtocolViolation{Kind: "gossip-type"}
	}
	fp := fingerprintMessage(msgType, payload)
	g.markSeen(fp)

	msg := NewGossipMessage(msgType, payload)
	for _, peer := range g.server.activePeers() {
		g.sendToPeer(peer, msg)
	}
	return nil
}

// handleInbound processes a gossip frame from a peer: suppress duplicates,
// hand the payload to the application exactly once, then relay with a
// decremented TTL to a random subset excluding the sender.
func (g *gossipManager) handleInbound(from *Peer, msg *Message) {
	fp := fingerprintMessage(msg.Type, msg.Payload)
	if !g.markSeen(fp) {
		return
	}

	g.server.deliverToApplication(from.ID(), msg)

	if msg.TTL <= 1 {
		return
	}
	relay := &Message{Type: msg.Type, TTL: msg.TTL - 1, Payload: msg.Payload}
	g.relay(from.ID(), relay)
}

func (g *gossipManager) relay(originID string, msg *Message) {
	peers := g.server.activePeers()
	targets := peers[:0]
	for _, peer := range peers {
		if peer.ID() != originID {
			targets = append(targets, peer)
		}
	}
	if len(targets) == 0 {
		return
	}

	fanout := relayFanout(len(targets))
	g.mu.Lock()
	g.rng.Shuffle(len(targets), func(a, b int) {
		targets[a], targets[b] = targets[b], targets[a]
	})
	g.mu.Unlock()

	for _, peer := range targets[:fanout] {
		g.sendToPeer(peer, msg)
	}
}

// sendToPeer enqueues gossip, dropping silently when the peer's queue has no
// headroom. Gossip is redundant by construction; a dropped relay is recovered
// through other links.
func (g *gossipManager) sendToPeer(peer *Peer, msg *Message) {
	if len(peer.outbound) >= outboundQueueSize-gossipPerPeerQueue {
		g.server.metrics.gossipDropped()
		return
	}
	if err := peer.Enqueue(msg); err != nil {
		g.server.metrics.gossipDropped()
	}
}

// relayFanout returns ceil(sqrt(n)) clamped to n.
func relayFanout(n int) int {
	if n <= 2 {
		return n
	}
	fanout := int(math.Ceil(math.Sqrt(float64(n))))
	if fanout > n {
		return n
	}
	return fanout
}
