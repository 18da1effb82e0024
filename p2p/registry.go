package p2p

import (
	"errors"
	"hash/fnv"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"
)

// PeerSource records how an address entered the registry. A record can carry
// several sources; corroboration across sources raises dial confidence.
type PeerSource uint8

const (
	SourceBootstrap PeerSource = 1 << iota
	SourceDNS
	SourceDHT
	SourcePEX
	SourceInbound
	SourceReserved
)

func (s PeerSource) String() string {
	names := make([]string, 0, 6)
	if s&SourceBootstrap != 0 {
		names = append(names, "bootstrap")
	}
	if s&SourceDNS != 0 {
		names = append(names, "dns")
	}
	if s&SourceDHT != 0 {
		names = append(names, "dht")
	}
	if s&SourcePEX != 0 {
		names = append(names, "pex")
	}
	if s&SourceInbound != 0 {
		names = append(names, "inbound")
	}
	if s&SourceReserved != 0 {
		names = append(names, "reserved")
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

// PeerState is the lifecycle of a registry record.
type PeerState int

const (
	StateUnknown PeerState = iota
	StateDiscovered
	StateConnecting
	StateConnected
	StateBanned
)

func (s PeerState) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBanned:
		return "banned"
	}
	return "unknown"
}

// PeerRecord is the registry's view of a single remote node.
type PeerRecord struct {
	NodeID      string
	Address     string
	Sources     PeerSource
	State       PeerState
	Introducers map[string]struct{}
	FirstSeen   time.Time
	LastSeen    time.Time
	LastDialAt  time.Time
	Fails       int
}

// Failed dials are retried with doubling delays so dead addresses do not eat
// a slot in every fill round.
const (
	dialRetryBase = 30 * time.Second
	dialRetryMax  = 30 * time.Minute
)

// nextDialAt returns the earliest time a record with recorded failures should
// be offered for dialing again.
func (r *PeerRecord) nextDialAt() time.Time {
	if r.Fails <= 0 || r.LastDialAt.IsZero() {
		return time.Time{}
	}
	backoff := dialRetryBase
	for i := 1; i < r.Fails && backoff < dialRetryMax; i++ {
		backoff *= 2
	}
	if backoff > dialRetryMax {
		backoff = dialRetryMax
	}
	return r.LastDialAt.Add(backoff)
}

func (r *PeerRecord) clone() PeerRecord {
	out := *r
	if r.Introducers != nil {
		out.Introducers = make(map[string]struct{}, len(r.Introducers))
		for id := range r.Introducers {
			out.Introducers[id] = struct{}{}
		}
	}
	return out
}

// errSingleIntroducer is returned by SelectCandidates when the entire eligible
// set was learned through one PEX peer, which smells like an eclipse attempt.
var errSingleIntroducer = errors.New("candidate set traced to a single introducer")

const registryShardCount = 16

type registryShard struct {
	mu      sync.RWMutex
	records map[string]*PeerRecord
}

// PeerRegistry is the in-memory working set of known peers, lock-striped so
// discovery, dialing and inbound admission do not serialize on one mutex.
type PeerRegistry struct {
	shards [registryShardCount]registryShard
	selfID string
	rng    *rand.Rand
	rngMu  sync.Mutex
}

// NewPeerRegistry builds an empty registry. selfID is excluded from all
// candidate selection.
func NewPeerRegistry(selfID string) *PeerRegistry {
	reg := &PeerRegistry{selfID: normalizeHex(selfID)}
	for i := range reg.shards {
		reg.shards[i].records = make(map[string]*PeerRecord)
	}
	reg.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	return reg
}

func (reg *PeerRegistry) shardFor(nodeID string) *registryShard {
	h := fnv.New32a()
	h.Write([]byte(nodeID))
	return &reg.shards[h.Sum32()%registryShardCount]
}

// Upsert merges a discovered peer into the registry. introducer names the
// peer that advertised it (PEX or DHT); empty for direct sources. Returns the
// merged record.
func (reg *PeerRegistry) Upsert(nodeID, address string, source PeerSource, introducer string, now time.Time) (PeerRecord, bool) {
	nodeID = normalizeHex(nodeID)
	if nodeID == "" || nodeID == reg.selfID {
		return PeerRecord{}, false
	}
	shard := reg.shardFor(nodeID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	rec := shard.records[nodeID]
	if rec == nil {
		rec = &PeerRecord{
			NodeID:    nodeID,
			State:     StateDiscovered,
			FirstSeen: now,
		}
		shard.records[nodeID] = rec
	}
	if address != "" {
		rec.Address = address
	}
	rec.Sources |= source
	rec.LastSeen = now
	if rec.State == StateUnknown {
		rec.State = StateDiscovered
	}
	if introducer != "" {
		if rec.Introducers == nil {
			rec.Introducers = make(map[string]struct{}, 2)
		}
		rec.Introducers[normalizeHex(introducer)] = struct{}{}
	}
	return rec.clone(), true
}

// Get returns a copy of a record.
func (reg *PeerRegistry) Get(nodeID string) (PeerRecord, bool) {
	nodeID = normalizeHex(nodeID)
	if nodeID == "" {
		return PeerRecord{}, false
	}
	shard := reg.shardFor(nodeID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	rec := shard.records[nodeID]
	if rec == nil {
		return PeerRecord{}, false
	}
	return rec.clone(), true
}

// SetState moves a record through its lifecycle. Unknown records are created
// on demand so inbound connections from never-advertised peers still land in
// the registry.
func (reg *PeerRegistry) SetState(nodeID string, state PeerState, now time.Time) {
	nodeID = normalizeHex(nodeID)
	if nodeID == "" {
		return
	}
	shard := reg.shardFor(nodeID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	rec := shard.records[nodeID]
	if rec == nil {
		rec = &PeerRecord{NodeID: nodeID, FirstSeen: now}
		shard.records[nodeID] = rec
	}
	rec.State = state
	rec.LastSeen = now
	if state == StateConnecting {
		rec.LastDialAt = now
	}
	if state == StateConnected {
		rec.Fails = 0
	}
}

// RecordDialFailure bumps the failure counter used for backoff ordering.
func (reg *PeerRegistry) RecordDialFailure(nodeID string, now time.Time) {
	nodeID = normalizeHex(nodeID)
	if nodeID == "" {
		return
	}
	shard := reg.shardFor(nodeID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	rec := shard.records[nodeID]
	if rec == nil {
		return
	}
	rec.Fails++
	rec.LastSeen = now
	if rec.State == StateConnecting {
		rec.State = StateDiscovered
	}
}

// Remove drops a record entirely.
func (reg *PeerRegistry) Remove(nodeID string) {
	nodeID = normalizeHex(nodeID)
	if nodeID == "" {
		return
	}
	shard := reg.shardFor(nodeID)
	shard.mu.Lock()
	delete(shard.records, nodeID)
	shard.mu.Unlock()
}

// Len counts records across all shards.
func (reg *PeerRegistry) Len() int {
	total := 0
	for i := range reg.shards {
		reg.shards[i].mu.RLock()
		total += len(reg.shards[i].records)
		reg.shards[i].mu.RUnlock()
	}
	return total
}

// Snapshot copies every record, for operator inspection.
func (reg *PeerRegistry) Snapshot() []PeerRecord {
	out := make([]PeerRecord, 0, reg.Len())
	for i := range reg.shards {
		reg.shards[i].mu.RLock()
		for _, rec := range reg.shards[i].records {
			out = append(out, rec.clone())
		}
		reg.shards[i].mu.RUnlock()
	}
	sort.Slice(out, func(a, b int) bool { return out[a].NodeID < out[b].NodeID })
	return out
}

// SelectCandidates returns up to n dialable records in random order, filtered
// by accept. Records still inside their failure backoff window are skipped.
// It fails with errSingleIntroducer when every eligible candidate
// was introduced by exactly one PEX peer and no other source corroborates any
// of them; callers fall back to bootstrap or DNS seeds.
func (reg *PeerRegistry) SelectCandidates(n int, now time.Time, accept func(PeerRecord) bool) ([]PeerRecord, error) {
	if n <= 0 {
		return nil, nil
	}
	eligible := make([]PeerRecord, 0, n*2)
	for i := range reg.shards {
		reg.shards[i].mu.RLock()
		for _, rec := range reg.shards[i].records {
			if rec.State != StateDiscovered || rec.Address == "" {
				continue
			}
			if now.Before(rec.nextDialAt()) {
				continue
			}
			snapshot := rec.clone()
			if accept != nil && !accept(snapshot) {
				continue
			}
			eligible = append(eligible, snapshot)
		}
		reg.shards[i].mu.RUnlock()
	}
	if len(eligible) == 0 {
		return nil, nil
	}
	if suspect, ok := singleIntroducer(eligible); ok {
		return nil, &DiscoverySourceError{Source: "pex:" + suspect, Err: errSingleIntroducer}
	}

	reg.rngMu.Lock()
	reg.rng.Shuffle(len(eligible), func(a, b int) {
		eligible[a], eligible[b] = eligible[b], eligible[a]
	})
	reg.rngMu.Unlock()
	if len(eligible) > n {
		eligible = eligible[:n]
	}
	return eligible, nil
}

// singleIntroducer reports whether the whole set is PEX-only and traceable to
// one introducer. A set of one is never suspicious.
func singleIntroducer(records []PeerRecord) (string, bool) {
	if len(records) < 2 {
		return "", false
	}
	common := ""
	for _, rec := range records {
		if rec.Sources&^SourcePEX != 0 {
			return "", false
		}
		if len(rec.Introducers) != 1 {
			return "", false
		}
		for id := range rec.Introducers {
			if common == "" {
				common = id
			} else if common != id {
				return "", false
			}
		}
	}
	return common, common != ""
}
