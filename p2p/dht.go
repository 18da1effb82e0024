package p2p

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"math/bits"
	"sort"
	"sync"
	"time"
)

// Routing table constants. Buckets cover the top of the XOR distance range;
// everything closer than the first bucket shares it, since most of the ID
// space sits at maximal distance from any node.
const (
	dhtAlpha        = 3
	dhtBucketSize   = 16
	dhtBucketCount  = 17
	dhtMinDistance  = 239
	dhtLookupRounds = 8

	dhtRefreshInterval = 30 * time.Minute
)

type dhtNode struct {
	id      [32]byte
	nodeID  string
	address string
	addedAt time.Time
	livedAt time.Time
}

// dhtTable is the Kademlia routing table keyed by XOR distance over the
// 32-byte keccak node IDs.
type dhtTable struct {
	self [32]byte

	mu      sync.Mutex
	buckets [dhtBucketCount][]*dhtNode
}

func newDHTTable(selfID string) *dhtTable {
	table := &dhtTable{}
	if raw, ok := nodeIDBytes(selfID); ok {
		copy(table.self[:], raw)
	}
	return table
}

// logDistance returns the length of the common prefix complement between two
// IDs, 0 when equal.
func logDistance(a, b [32]byte) int {
	for i := range a {
		x := a[i] ^ b[i]
		if x != 0 {
			return (len(a)-i)*8 - bits.LeadingZeros8(x)
		}
	}
	return 0
}

func (t *dhtTable) bucketIndex(id [32]byte) int {
	dist := logDistance(t.self, id)
	if dist <= dhtMinDistance {
		return 0
	}
	return dist - dhtMinDistance - 1
}

// add inserts or refreshes a node. A full bucket drops its stalest member
// when the newcomer is fresher than it.
func (t *dhtTable) add(nodeID, address string, now time.Time) bool {
	raw, ok := nodeIDBytes(nodeID)
	if !ok || address == "" {
		return false
	}
	var id [32]byte
	copy(id[:], raw)
	if id == t.self {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.bucketIndex(id)
	bucket := t.buckets[idx]
	for _, node := range bucket {
		if node.id == id {
			node.address = address
			node.livedAt = now
			return false
		}
	}
	node := &dhtNode{id: id, nodeID: normalizeHex(nodeID), address: address, addedAt: now, livedAt: now}
	if len(bucket) < dhtBucketSize {
		t.buckets[idx] = append(bucket, node)
		return true
	}

	stalest := 0
	for i, candidate := range bucket {
		if candidate.livedAt.Before(bucket[stalest].livedAt) {
			stalest = i
		}
	}
	if bucket[stalest].livedAt.Before(now.Add(-dhtRefreshInterval)) {
		bucket[stalest] = node
		return true
	}
	return false
}

// remove drops a node that failed to answer.
func (t *dhtTable) remove(nodeID string) {
	raw, ok := nodeIDBytes(nodeID)
	if !ok {
		return
	}
	var id [32]byte
	copy(id[:], raw)

	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.bucketIndex(id)
	bucket := t.buckets[idx]
	for i, node := range bucket {
		if node.id == id {
			t.buckets[idx] = append(bucket[:i], bucket[i+1:]...)
			return
		}
	}
}

// closest returns up to n table entries ordered by XOR distance to target.
func (t *dhtTable) closest(target [32]byte, n int) []*dhtNode {
	t.mu.Lock()
	all := make([]*dhtNode, 0, 64)
	for i := range t.buckets {
		all = append(all, t.buckets[i]...)
	}
	t.mu.Unlock()

	sort.Slice(all, func(a, b int) bool {
		return xorLess(all[a].id, all[b].id, target)
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}

func (t *dhtTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := 0
	for i := range t.buckets {
		total += len(t.buckets[i])
	}
	return total
}

// xorLess reports whether a is XOR-closer to target than b.
func xorLess(a, b, target [32]byte) bool {
	for i := range target {
		da := a[i] ^ target[i]
		db := b[i] ^ target[i]
		if da != db {
			return da < db
		}
	}
	return false
}

// dhtManager drives iterative lookups over the message protocol and feeds
// results into the peer registry.
type dhtManager struct {
	server *Server
	table  *dhtTable

	quit chan struct{}
	wg   sync.WaitGroup
}

func newDHTManager(server *Server) *dhtManager {
	return &dhtManager{
		server: server,
		table:  newDHTTable(server.nodeID),
		quit:   make(chan struct{}),
	}
}

func (d *dhtManager) start() {
	d.wg.Add(1)
	go d.refreshLoop()
}

func (d *dhtManager) stop() {
	close(d.quit)
	d.wg.Wait()
}

func (d *dhtManager) refreshLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(dhtRefreshInterval)
	defer ticker.Stop()

	// Initial self-lookup populates the table from whoever we are
	// connected to.
	d.lookup(d.server.nodeID)
	for {
		select {
		case <-d.quit:
			return
		case <-ticker.C:
			d.lookup(d.server.nodeID)
			for i := 0; i < 3; i++ {
				d.lookup(randomTargetID())
			}
		}
	}
}

func randomTargetID() string {
	var buf [32]byte
	rand.Read(buf[:])
	return encodeHex(buf[:])
}

// seen records a live peer in the routing table.
func (d *dhtManager) seen(nodeID, address string) {
	d.table.add(nodeID, address, d.server.currentTime())
}

// handleFindNode serves a lookup query with our closest known entries.
func (d *dhtManager) handleFindNode(from *Peer, msg *Message) error {
	var query FindNodePayload
	if err := json.Unmarshal(msg.Payload, &query); err != nil {
		return &ProtocolViolation{Kind: "malformed", Err: err}
	}
	raw, ok := nodeIDBytes(query.Target)
	if !ok {
		return &ProtocolViolation{Kind: "malformed", Err: errInvalidTarget}
	}
	var target [32]byte
	copy(target[:], raw)

	nodes := d.table.closest(target, dhtBucketSize)
	entries := make([]PexEntry, 0, len(nodes))
	for _, node := range nodes {
		entries = append(entries, PexEntry{NodeID: node.nodeID, Address: node.address})
	}
	payload, err := json.Marshal(NeighborsPayload{Entries: entries})
	if err != nil {
		return err
	}
	return from.Enqueue(&Message{
		Type:          MsgTypeNeighbors,
		CorrelationID: msg.CorrelationID,
		Payload:       payload,
	})
}

// lookup runs an iterative Kademlia search toward target, querying the alpha
// closest unvisited nodes each round until no closer node appears.
func (d *dhtManager) lookup(target string) {
	raw, ok := nodeIDBytes(target)
	if !ok {
		return
	}
	var targetID [32]byte
	copy(targetID[:], raw)

	asked := make(map[string]bool)
	candidates := d.table.closest(targetID, dhtBucketSize)
	// Bootstrap from connected peers when the table is still empty.
	if len(candidates) == 0 {
		for _, peer := range d.server.activePeers() {
			if pRaw, pOK := nodeIDBytes(peer.ID()); pOK {
				var id [32]byte
				copy(id[:], pRaw)
				candidates = append(candidates, &dhtNode{id: id, nodeID: peer.ID()})
			}
		}
	}

	for round := 0; round < dhtLookupRounds; round++ {
		batch := make([]*dhtNode, 0, dhtAlpha)
		for _, node := range candidates {
			if len(batch) == dhtAlpha {
				break
			}
			if asked[node.nodeID] {
				continue
			}
			asked[node.nodeID] = true
			batch = append(batch, node)
		}
		if len(batch) == 0 {
			return
		}

		progressed := false
		for _, node := range batch {
			entries, err := d.queryFindNode(node.nodeID, target)
			if err != nil {
				d.table.remove(node.nodeID)
				continue
			}
			for _, entry := range entries {
				if d.ingest(entry, node.nodeID) {
					progressed = true
				}
			}
		}
		if !progressed {
			return
		}
		candidates = d.table.closest(targetID, dhtBucketSize)
	}
}

// queryFindNode sends a FIND_NODE request to a connected peer and parses the
// bounded NEIGHBORS reply.
func (d *dhtManager) queryFindNode(peerID, target string) ([]PexEntry, error) {
	payload, err := json.Marshal(FindNodePayload{Target: target})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.server.cfg.MessageTimeout)
	defer cancel()
	resp, err := d.server.Request(ctx, peerID, MsgTypeFindNode, payload)
	if err != nil {
		return nil, err
	}
	var neighbors NeighborsPayload
	if err := json.Unmarshal(resp.Payload, &neighbors); err != nil {
		return nil, &ProtocolViolation{Kind: "malformed", Err: err}
	}
	if len(neighbors.Entries) > dhtBucketSize {
		neighbors.Entries = neighbors.Entries[:dhtBucketSize]
	}
	return neighbors.Entries, nil
}

// ingest merges a discovered entry into the routing table and the registry.
func (d *dhtManager) ingest(entry PexEntry, introducer string) bool {
	now := d.server.currentTime()
	fresh := d.table.add(entry.NodeID, entry.Address, now)
	d.server.registry.Upsert(entry.NodeID, entry.Address, SourceDHT, introducer, now)
	return fresh
}
