package p2p

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

const (
	defaultConnmgrCheckInterval = 3 * time.Second
	maxDialBackoff              = 5 * time.Minute
)

// connManager keeps the connection set healthy: it tops up outbound
// connections toward the target, evicts excess peers by score, and drives the
// bootstrap and reserved dial loops.
type connManager struct {
	server         *Server
	seeds          []seedEndpoint
	store          *Peerstore
	now            func() time.Time
	quit           chan struct{}
	outboundTarget int
	maxPeers       int
	checkInterval  time.Duration

	wg sync.WaitGroup
}

func newConnManager(server *Server) *connManager {
	if server == nil {
		return nil
	}
	mgr := &connManager{
		server:         server,
		seeds:          append([]seedEndpoint{}, server.seeds...),
		store:          server.peerstore,
		now:            server.now,
		quit:           make(chan struct{}),
		outboundTarget: server.cfg.TargetOutbound,
		maxPeers:       server.cfg.MaxPeers,
		checkInterval:  defaultConnmgrCheckInterval,
	}
	if mgr.now == nil {
		mgr.now = time.Now
	}
	if mgr.outboundTarget <= 0 {
		mgr.outboundTarget = 1
	}
	if mgr.maxPeers < mgr.outboundTarget {
		mgr.maxPeers = mgr.outboundTarget
	}
	return mgr
}

func (m *connManager) start() {
	if m == nil {
		return
	}
	m.seedRegistry()
	m.wg.Add(1)
	go m.run()
}

func (m *connManager) stop() {
	select {
	case <-m.quit:
	default:
		close(m.quit)
	}
	m.wg.Wait()
}

// seedRegistry loads persisted peers and configured seeds into the registry
// so the first fill round has material to work with.
func (m *connManager) seedRegistry() {
	now := m.now()
	if m.store != nil {
		for _, entry := range m.store.All() {
			m.server.registry.Upsert(entry.NodeID, entry.Addr, entry.Sources, "", now)
		}
	}
	for _, seed := range m.seeds {
		m.server.registry.Upsert(seed.NodeID, seed.Address, SourceBootstrap, "", now)
		if m.store != nil {
			m.store.Put(PeerstoreEntry{Addr: seed.Address, NodeID: seed.NodeID, Sources: SourceBootstrap})
		}
	}
	for _, reserved := range m.server.reserved {
		m.server.registry.Upsert(reserved.NodeID, reserved.Address, SourceReserved, "", now)
	}
}

func (m *connManager) run() {
	defer m.wg.Done()
	// Fill immediately on startup instead of waiting a tick.
	m.fillOutbound()
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.enforceLimits()
			m.fillOutbound()
		case <-m.quit:
			return
		}
	}
}

// enforceLimits prunes the lowest-value peers when the total exceeds the
// ceiling. Reserved peers are never victims.
func (m *connManager) enforceLimits() {
	now := m.now()
	peers := m.snapshotPeers(now)
	if len(peers) <= m.maxPeers || len(peers) == 0 {
		return
	}
	excess := len(peers) - m.maxPeers
	for excess > 0 {
		idx := victimPeerIndex(peers)
		if idx < 0 || idx >= len(peers) {
			return
		}
		victim := peers[idx]
		if victim.peer == nil {
			return
		}
		m.server.log.Info("pruning peer over connection limit",
			"component", "p2p.connmgr",
			"peer", victim.peer.id,
			"score", victim.score,
		)
		victim.peer.terminate(false, fmt.Errorf("pruned by connection manager"))
		peers = append(peers[:idx], peers[idx+1:]...)
		excess--
	}
}

// fillOutbound dials toward the outbound target. Reserved peers are always
// topped up first; in reserved-only mode nothing else is dialed.
func (m *connManager) fillOutbound() {
	s := m.server
	m.dialMissingReserved()
	if s.cfg.ReservedOnly {
		return
	}

	total, _, outbound := s.peerCounts()
	if total >= m.maxPeers {
		return
	}
	needed := m.outboundTarget - outbound
	if slots := m.maxPeers - total; needed > slots {
		needed = slots
	}
	if needed <= 0 {
		return
	}

	candidates := m.selectDialCandidates(needed * 2)
	count := 0
	for _, rec := range candidates {
		if count >= needed {
			break
		}
		if !s.reserveDial(rec.Address) {
			continue
		}
		count++
		go m.dialRecord(rec)
	}
}

// dialMissingReserved keeps every operator-pinned peer connected.
func (m *connManager) dialMissingReserved() {
	for _, reserved := range m.server.reserved {
		if m.server.hasPeer(reserved.NodeID) || m.server.isConnectedToAddress(reserved.Address) {
			continue
		}
		if !m.server.reserveDial(reserved.Address) {
			continue
		}
		go m.dialRecord(PeerRecord{NodeID: reserved.NodeID, Address: reserved.Address})
	}
}

func (m *connManager) dialRecord(rec PeerRecord) {
	addr := strings.TrimSpace(rec.Address)
	if addr == "" {
		m.server.releaseDial(addr)
		return
	}
	defer m.server.releaseDial(addr)
	if err := m.server.Connect(addr); err != nil {
		m.server.log.Debug("outbound dial failed",
			"component", "p2p.connmgr",
			"address", addr,
			"error", err,
		)
		now := m.now()
		m.server.registry.RecordDialFailure(rec.NodeID, now)
		if m.store != nil && rec.NodeID != "" {
			m.store.RecordFail(rec.NodeID, now)
		}
		m.server.scheduleReconnect(addr)
	}
}

// selectDialCandidates pulls dialable records from the registry, preferring
// IPs we do not already hold an outbound connection to. When the registry
// refuses the whole set over a single-introducer taint, the bootstrap and DNS
// seeds are used instead.
func (m *connManager) selectDialCandidates(limit int) []PeerRecord {
	if limit <= 0 {
		return nil
	}
	now := m.now()
	usedIPs := m.server.outboundIPs()

	accept := func(rec PeerRecord) bool {
		return m.acceptCandidate(rec, now, usedIPs)
	}
	candidates, err := m.server.registry.SelectCandidates(limit, now, accept)
	if err != nil {
		m.server.log.Warn("discovered peer set rejected, falling back to seeds",
			"component", "p2p.connmgr",
			"error", err,
		)
		return m.seedCandidates(limit)
	}
	if len(candidates) > 0 {
		return candidates
	}
	// Relax the distinct-IP preference before falling back to seeds.
	candidates, err = m.server.registry.SelectCandidates(limit, now, func(rec PeerRecord) bool {
		return m.acceptCandidate(rec, now, nil)
	})
	if err != nil || len(candidates) == 0 {
		return m.seedCandidates(limit)
	}
	return candidates
}

func (m *connManager) acceptCandidate(rec PeerRecord, now time.Time, usedIPs map[string]bool) bool {
	if rec.Address == "" || rec.NodeID == "" {
		return false
	}
	if m.server.hasPeer(rec.NodeID) || m.server.isConnectedToAddress(rec.Address) {
		return false
	}
	if m.server.isBanned(rec.NodeID) {
		return false
	}
	if m.store != nil {
		if m.store.IsBanned(rec.NodeID, now) {
			return false
		}
		if m.store.NextDialAt(rec.Address, now).After(now) {
			return false
		}
	}
	if usedIPs != nil {
		if host, _, err := net.SplitHostPort(rec.Address); err == nil && usedIPs[host] {
			return false
		}
	}
	return true
}

func (m *connManager) seedCandidates(limit int) []PeerRecord {
	results := make([]PeerRecord, 0, limit)
	for _, seed := range m.seeds {
		if len(results) >= limit {
			break
		}
		if m.server.isConnectedToAddress(seed.Address) {
			continue
		}
		if seed.NodeID != "" && (m.server.hasPeer(seed.NodeID) || m.server.isBanned(seed.NodeID)) {
			continue
		}
		results = append(results, PeerRecord{NodeID: seed.NodeID, Address: seed.Address})
	}
	return results
}

func (m *connManager) snapshotPeers(now time.Time) []connectedPeer {
	statuses := m.server.reputation.Snapshot(now)

	m.server.mu.RLock()
	peers := make([]*Peer, 0, len(m.server.peers))
	for _, peer := range m.server.peers {
		peers = append(peers, peer)
	}
	m.server.mu.RUnlock()

	result := make([]connectedPeer, 0, len(peers))
	for _, peer := range peers {
		if peer == nil {
			continue
		}
		status := statuses[peer.id]
		result = append(result, connectedPeer{
			peer:     peer,
			lastSeen: now.Add(-peer.Uptime(now)),
			score:    status.Score,
			inbound:  peer.inbound,
			persist:  peer.persistent,
		})
	}
	return result
}

type connectedPeer struct {
	peer     *Peer
	lastSeen time.Time
	score    int
	inbound  bool
	persist  bool
}

// victimPeerIndex picks the peer to evict: lowest score, ties broken by age
// then by preferring inbound over outbound. Reserved peers never qualify.
func victimPeerIndex(peers []connectedPeer) int {
	idx := -1
	for i := range peers {
		peer := peers[i]
		if peer.peer == nil || peer.persist {
			continue
		}
		if idx == -1 {
			idx = i
			continue
		}
		best := peers[idx]
		if peer.score < best.score {
			idx = i
			continue
		}
		if peer.score == best.score {
			if peer.lastSeen.Before(best.lastSeen) {
				idx = i
				continue
			}
			if peer.lastSeen.Equal(best.lastSeen) && peer.inbound && !best.inbound {
				idx = i
			}
		}
	}
	return idx
}

// scheduleReconnect retries a failed dial with doubling backoff.
func (s *Server) scheduleReconnect(addr string) {
	if addr == "" || s.isClosed() {
		return
	}
	if s.isConnectedToAddress(addr) {
		return
	}
	s.dialMu.Lock()
	if _, pending := s.pendingDial[addr]; pending {
		s.dialMu.Unlock()
		return
	}
	delay := s.backoff[addr]
	if delay == 0 {
		delay = time.Second
	} else {
		delay *= 2
		if delay > maxDialBackoff {
			delay = maxDialBackoff
		}
	}
	s.pendingDial[addr] = struct{}{}
	s.backoff[addr] = delay
	s.dialMu.Unlock()

	go func(wait time.Duration) {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-s.quit:
			return
		}
		s.dialMu.Lock()
		delete(s.pendingDial, addr)
		s.dialMu.Unlock()
		if err := s.Connect(addr); err != nil {
			s.scheduleReconnect(addr)
		} else {
			s.resetBackoff(addr)
		}
	}(delay)
}

func (s *Server) resetBackoff(addr string) {
	s.dialMu.Lock()
	delete(s.backoff, addr)
	s.dialMu.Unlock()
}

func (s *Server) reserveDial(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return false
	}
	s.dialMu.Lock()
	defer s.dialMu.Unlock()
	if _, pending := s.pendingDial[addr]; pending {
		return false
	}
	s.pendingDial[addr] = struct{}{}
	return true
}

func (s *Server) releaseDial(addr string) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return
	}
	s.dialMu.Lock()
	delete(s.pendingDial, addr)
	s.dialMu.Unlock()
}
