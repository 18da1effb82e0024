package p2p

import (
	"encoding/json"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"
)

const (
	// upper bound on entries in a single PEX reply, both served and accepted
	maxPeersPerExchange = 32
	pexRequestTargets   = 2
)

// seedEndpoint is a parsed "nodeid@host:port" dial target.
type seedEndpoint struct {
	NodeID  string
	Address string
}

func parseSeedList(values []string) []seedEndpoint {
	seeds := make([]seedEndpoint, 0, len(values))
	seen := make(map[string]struct{})
	for _, raw := range values {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		nodePart, addrPart, found := strings.Cut(trimmed, "@")
		if !found {
			continue
		}
		node := normalizeHex(nodePart)
		if node == "" {
			continue
		}
		addr := strings.TrimSpace(addrPart)
		if _, _, err := net.SplitHostPort(addr); err != nil {
			continue
		}
		key := node + "@" + addr
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		seeds = append(seeds, seedEndpoint{NodeID: node, Address: addr})
	}
	return seeds
}

// pexManager runs the periodic peer-exchange protocol: ask a few random
// connected peers for addresses, answer requests with a bounded sample of our
// own registry, and penalize peers that overshoot the reply bound.
type pexManager struct {
	server   *Server
	interval time.Duration

	mu  sync.Mutex
	rng *rand.Rand

	quit chan struct{}
	wg   sync.WaitGroup
}

func newPexManager(server *Server, interval time.Duration) *pexManager {
	if interval <= 0 {
		interval = time.Minute
	}
	return &pexManager{
		server:   server,
		interval: interval,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		quit:     make(chan struct{}),
	}
}

func (m *pexManager) start() {
	m.wg.Add(1)
	go m.loop()
}

func (m *pexManager) stop() {
	close(m.quit)
	m.wg.Wait()
}

func (m *pexManager) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.quit:
			return
		case <-ticker.C:
			m.requestRound()
		}
	}
}

// requestRound asks a random sample of connected peers for addresses.
func (m *pexManager) requestRound() {
	peers := m.server.activePeers()
	if len(peers) == 0 {
		return
	}
	m.mu.Lock()
	m.rng.Shuffle(len(peers), func(a, b int) {
		peers[a], peers[b] = peers[b], peers[a]
	})
	m.mu.Unlock()
	if len(peers) > pexRequestTargets {
		peers = peers[:pexRequestTargets]
	}

	payload, err := json.Marshal(PexRequestPayload{Max: maxPeersPerExchange})
	if err != nil {
		return
	}
	for _, peer := range peers {
		peer.Enqueue(&Message{Type: MsgTypePexRequest, Payload: payload})
	}
}

// handleRequest answers a PEX request with a random bounded sample of known
// dialable peers, excluding the asker itself.
func (m *pexManager) handleRequest(from *Peer, msg *Message) error {
	var req PexRequestPayload
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return &ProtocolViolation{Kind: "malformed", Err: err}
	}
	limit := req.Max
	if limit <= 0 || limit > maxPeersPerExchange {
		limit = maxPeersPerExchange
	}

	now := m.server.currentTime()
	candidates, err := m.server.registry.SelectCandidates(limit, now, func(rec PeerRecord) bool {
		return rec.NodeID != from.ID()
	})
	if err != nil {
		candidates = nil
	}
	// Connected peers are also advertisable.
	entries := make([]PexEntry, 0, limit)
	for _, rec := range candidates {
		entries = append(entries, PexEntry{NodeID: rec.NodeID, Address: rec.Address})
	}
	if len(entries) < limit {
		for _, peer := range m.server.activePeers() {
			if len(entries) == limit {
				break
			}
			if peer.ID() == from.ID() || len(peer.listenAddrs) == 0 {
				continue
			}
			entries = append(entries, PexEntry{NodeID: peer.ID(), Address: peer.listenAddrs[0]})
		}
	}

	payload, err := json.Marshal(PexAddressesPayload{Entries: entries})
	if err != nil {
		return err
	}
	return from.Enqueue(&Message{
		Type:          MsgTypePexAddresses,
		CorrelationID: msg.CorrelationID,
		Payload:       payload,
	})
}

// handleAddresses merges an unsolicited or solicited address reply into the
// registry, tagging every entry with the advertising peer as introducer.
func (m *pexManager) handleAddresses(from *Peer, msg *Message) error {
	var reply PexAddressesPayload
	if err := json.Unmarshal(msg.Payload, &reply); err != nil {
		return &ProtocolViolation{Kind: "malformed", Err: err}
	}
	if len(reply.Entries) > maxPeersPerExchange {
		return &ProtocolViolation{Kind: "pex-overflow", Err: errPexOverflow}
	}

	now := m.server.currentTime()
	for _, entry := range reply.Entries {
		if _, _, err := net.SplitHostPort(entry.Address); err != nil {
			continue
		}
		m.server.registry.Upsert(entry.NodeID, entry.Address, SourcePEX, from.ID(), now)
	}
	return nil
}
