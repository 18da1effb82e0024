package p2p

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"meshnet/config"
	"meshnet/observability/logging"
	"meshnet/p2p/seeds"
)

const (
	defaultHandshakeTimeout = 5 * time.Second
	defaultMessageTimeout   = 20 * time.Second
	defaultPingInterval     = 30 * time.Second
	defaultMaxMessageSize   = 1 << 20

	defaultMaxPeers      = 128
	defaultMaxInbound    = 96
	defaultOutbound      = 8
	defaultMaxPeersPerIP = 4
	defaultPeerBan       = 15 * time.Minute

	handshakeReplayWindow = 15 * time.Minute
)

type dialFunc func(context.Context, string) (net.Conn, error)

// ServerConfig encapsulates runtime settings for the network layer.
type ServerConfig struct {
	ListenAddress      string
	NetworkID          uint64
	ClientVersion      string
	NodeRole           string
	Capabilities       []string
	MinProtocolVersion uint32

	MaxPeers       int
	MaxInbound     int
	TargetOutbound int
	MaxPeersPerIP  int

	Bootnodes     []string
	ReservedPeers []string
	ReservedOnly  bool

	SeedRegistry *seeds.Registry
	SeedResolver seeds.Resolver
	SeedRefresh  time.Duration

	MaxMessageSize    int
	MessageTimeout    time.Duration
	HandshakeTimeout  time.Duration
	ConnectionTimeout time.Duration
	PingInterval      time.Duration
	PexInterval       time.Duration
	DisablePex        bool

	PeerBanDuration time.Duration
	BanScore        int
	GreyScore       int

	RateLimits RateLimitConfig
}

// FromConfig maps the node configuration onto a ServerConfig.
func FromConfig(cfg *config.Config) ServerConfig {
	return ServerConfig{
		ListenAddress:      firstNonEmpty(cfg.Network.ListenAddresses),
		NetworkID:          cfg.Network.NetworkID,
		ClientVersion:      cfg.Node.ClientVersion,
		NodeRole:           string(cfg.Node.Type),
		MinProtocolVersion: cfg.Network.Advanced.MinProtocolVersion,
		MaxPeers:           cfg.Network.Limits.MaxPeers,
		MaxInbound:         cfg.Network.Limits.MaxInbound,
		TargetOutbound:     cfg.Network.Limits.TargetOutbound,
		MaxPeersPerIP:      cfg.Network.Limits.MaxPeersPerIP,
		Bootnodes:          append([]string{}, cfg.Network.BootstrapNodes...),
		ReservedPeers:      append([]string{}, cfg.Network.Advanced.ReservedPeers...),
		ReservedOnly:       cfg.Network.Advanced.ReservedOnly,
		MaxMessageSize:     cfg.Network.Advanced.MaxMessageSize,
		MessageTimeout:     cfg.MessageTimeout(),
		HandshakeTimeout:   cfg.HandshakeTimeout(),
		ConnectionTimeout:  cfg.ConnectionTimeout(),
		PingInterval:       cfg.PingInterval(),
		PexInterval:        cfg.PeerExchangeInterval(),
		DisablePex:         cfg.Network.Advanced.DisablePeerExchange,
	}
}

func firstNonEmpty(values []string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// PeerEventType labels lifecycle notifications delivered to subscribers.
type PeerEventType string

const (
	PeerConnected    PeerEventType = "connected"
	PeerDisconnected PeerEventType = "disconnected"
)

// PeerEvent notifies subscribers about peer lifecycle changes.
type PeerEvent struct {
	Type    PeerEventType
	PeerID  string
	Address string
	Inbound bool
	Reason  string
}

// PeerInfo captures the public status of a connected peer.
type PeerInfo struct {
	NodeID     string    `json:"nodeId"`
	Direction  string    `json:"dir"`
	Persistent bool      `json:"persistent"`
	RemoteAddr string    `json:"remoteAddr"`
	DialAddr   string    `json:"dialAddr,omitempty"`
	Role       string    `json:"role"`
	Version    string    `json:"version"`
	Score      int       `json:"score"`
	Greylisted bool      `json:"greylisted"`
	Banned     bool      `json:"banned"`
	LatencyMS  float64   `json:"latencyMs"`
	Connected  time.Time `json:"connectedAt"`
}

// NetworkCounts represents current peer counts.
type NetworkCounts struct {
	Total    int `json:"total"`
	Inbound  int `json:"inbound"`
	Outbound int `json:"outbound"`
}

// NetworkView summarizes the current network layer status.
type NetworkView struct {
	NetworkID       uint64        `json:"networkId"`
	NodeID          string        `json:"nodeId"`
	ProtocolVersion uint32        `json:"protocolVersion"`
	ClientVersion   string        `json:"clientVersion"`
	Role            string        `json:"role"`
	Counts          NetworkCounts `json:"counts"`
	MaxPeers        int           `json:"maxPeers"`
	MaxInbound      int           `json:"maxInbound"`
	TargetOutbound  int           `json:"targetOutbound"`
	KnownPeers      int           `json:"knownPeers"`
	ListenAddrs     []string      `json:"listenAddrs"`
}

// Server coordinates transport, discovery, gossip and peer lifecycle.
type Server struct {
	cfg      ServerConfig
	handler  MessageHandler
	identity *Identity
	nodeID   string

	log *slog.Logger

	registry   *PeerRegistry
	reputation *ReputationManager
	limits     *rateLimiters
	nonceGuard *nonceGuard
	requests   *requestTable
	gossip     *gossipManager
	dht        *dhtManager
	pex        *pexManager
	connMgr    *connManager
	metrics    *networkMetrics
	peerstore  *Peerstore

	seeds    []seedEndpoint
	reserved []seedEndpoint

	mu            sync.RWMutex
	peers         map[string]*Peer
	byAddr        map[string]string
	perIP         map[string]int
	inboundCount  int
	outboundCount int
	persistentIDs map[string]struct{}
	reservedIDs   map[string]struct{}

	listenMu    sync.RWMutex
	listenAddrs []string

	dialMu      sync.Mutex
	pendingDial map[string]struct{}
	backoff     map[string]time.Duration

	eventMu     sync.Mutex
	subscribers []chan PeerEvent

	dialFn dialFunc
	now    func() time.Time

	listener net.Listener
	quit     chan struct{}
	closed   atomic.Bool
	seedQuit chan struct{}

	pingCounter atomic.Uint64
}

// NewServer creates a network server with authenticated handshakes. The
// identity must be non-nil; missing limits fall back to defaults.
func NewServer(handler MessageHandler, identity *Identity, cfg ServerConfig) (*Server, error) {
	if identity == nil || identity.PrivateKey == nil {
		return nil, fmt.Errorf("p2p: node identity required")
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":0"
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = "meshnet/node"
	}
	if cfg.NodeRole == "" {
		cfg.NodeRole = string(config.RoleFull)
	}
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = defaultMaxPeers
	}
	if cfg.MaxInbound <= 0 || cfg.MaxInbound > cfg.MaxPeers {
		cfg.MaxInbound = min(defaultMaxInbound, cfg.MaxPeers)
	}
	if cfg.TargetOutbound <= 0 || cfg.TargetOutbound > cfg.MaxPeers {
		cfg.TargetOutbound = min(defaultOutbound, cfg.MaxPeers)
	}
	if cfg.MaxPeersPerIP <= 0 {
		cfg.MaxPeersPerIP = defaultMaxPeersPerIP
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	if cfg.MessageTimeout <= 0 {
		cfg.MessageTimeout = defaultMessageTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PeerBanDuration <= 0 {
		cfg.PeerBanDuration = defaultPeerBan
	}
	if cfg.BanScore <= 0 {
		cfg.BanScore = 100
	}
	if cfg.GreyScore <= 0 || cfg.GreyScore >= cfg.BanScore {
		cfg.GreyScore = 50
	}

	server := &Server{
		cfg:      cfg,
		handler:  handler,
		identity: identity,
		nodeID:   identity.NodeID,
		log:      slog.Default().With(slog.String("component", "p2p_server")),
		reputation: NewReputationManager(ReputationConfig{
			GreyScore:   cfg.GreyScore,
			BanScore:    cfg.BanScore,
			BanDuration: cfg.PeerBanDuration,
		}),
		limits:        newRateLimiters(cfg.RateLimits),
		nonceGuard:    newNonceGuard(handshakeReplayWindow),
		metrics:       newNetworkMetrics(),
		peers:         make(map[string]*Peer),
		byAddr:        make(map[string]string),
		perIP:         make(map[string]int),
		persistentIDs: make(map[string]struct{}),
		reservedIDs:   make(map[string]struct{}),
		pendingDial:   make(map[string]struct{}),
		backoff:       make(map[string]time.Duration),
		dialFn:        defaultDialer,
		now:           time.Now,
		quit:          make(chan struct{}),
		seedQuit:      make(chan struct{}),
		listenAddrs:   []string{},
	}
	server.registry = NewPeerRegistry(server.nodeID)
	server.requests = newRequestTable(randomUint64)
	server.gossip = newGossipManager(server)
	server.dht = newDHTManager(server)
	if !cfg.DisablePex {
		server.pex = newPexManager(server, cfg.PexInterval)
	}

	server.seeds = parseSeedList(cfg.Bootnodes)
	server.reserved = parseSeedList(cfg.ReservedPeers)
	for _, reserved := range server.reserved {
		server.reservedIDs[reserved.NodeID] = struct{}{}
	}
	server.addListenAddress(cfg.ListenAddress)
	return server, nil
}

func randomUint64() uint64 {
	var buf [8]byte
	if _, err := crand.Read(buf[:]); err != nil {
		return uint64(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint64(buf[:])
}

func defaultDialer(ctx context.Context, addr string) (net.Conn, error) {
	d := &net.Dialer{}
	return d.DialContext(ctx, "tcp", addr)
}

func (s *Server) currentTime() time.Time {
	if s == nil || s.now == nil {
		return time.Now()
	}
	return s.now()
}

func (s *Server) nextNonce() uint64 {
	return s.pingCounter.Add(1)
}

// readTimeout is generous enough to cover two missed keepalive rounds.
func (s *Server) readTimeout() time.Duration {
	timeout := 3 * s.cfg.PingInterval
	if timeout < 90*time.Second {
		timeout = 90 * time.Second
	}
	return timeout
}

// SetPeerstore attaches a persistent peerstore for dial metadata.
func (s *Server) SetPeerstore(store *Peerstore) {
	s.peerstore = store
}

// NodeID returns the local node identifier.
func (s *Server) NodeID() string { return s.nodeID }

func (s *Server) isClosed() bool { return s.closed.Load() }

// Start binds the listener and launches the background managers. A bind
// failure is fatal and returned immediately; the accept loop runs until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.cfg.ListenAddress, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.addListenAddress(ln.Addr().String())

	s.log.Info("network layer listening",
		logging.MaskField("listen_address", ln.Addr().String()),
		slog.Uint64("network_id", s.cfg.NetworkID),
		logging.MaskField("node_id", s.nodeID),
		slog.String("client_version", s.cfg.ClientVersion),
		slog.String("role", s.cfg.NodeRole))

	s.connMgr = newConnManager(s)
	s.connMgr.start()
	s.dht.start()
	if s.pex != nil {
		s.pex.start()
	}
	if s.cfg.SeedRegistry != nil {
		go s.seedRotationLoop()
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		go s.handleInboundConn(conn)
	}
}

// Stop drains every peer, stops the managers and closes the listener.
func (s *Server) Stop() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	close(s.quit)
	close(s.seedQuit)

	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}

	if s.connMgr != nil {
		s.connMgr.stop()
	}
	s.dht.stop()
	if s.pex != nil {
		s.pex.stop()
	}

	for _, peer := range s.activePeers() {
		peer.drain()
	}
	// Short grace period for queued frames, then hard close.
	time.Sleep(200 * time.Millisecond)
	for _, peer := range s.activePeers() {
		peer.terminate(false, ErrServerClosed)
	}
	s.nonceGuard.Close()
}

func (s *Server) handleInboundConn(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	host := hostOf(remote)
	now := s.currentTime()

	if !s.limits.AllowConn(host, now) {
		conn.Close()
		return
	}
	if s.ipCount(host) >= s.cfg.MaxPeersPerIP {
		s.log.Debug("inbound rejected, per-IP limit",
			logging.MaskField("peer_address", remote))
		conn.Close()
		return
	}

	if err := s.initPeer(conn, true, ""); err != nil {
		s.log.Warn("inbound connection rejected",
			logging.MaskField("peer_address", remote),
			slog.Any("error", err))
		conn.Close()
	}
}

// Connect dials a remote peer and establishes a secure session. It is
// idempotent for already-connected addresses.
func (s *Server) Connect(addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ErrDialTargetEmpty
	}
	if s.isClosed() {
		return ErrServerClosed
	}
	target := addr
	if nodePart, addrPart, found := strings.Cut(addr, "@"); found {
		if normalizeHex(nodePart) == s.nodeID {
			return fmt.Errorf("p2p: refusing to dial self")
		}
		target = strings.TrimSpace(addrPart)
	}
	if _, _, err := net.SplitHostPort(target); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	if s.isConnectedToAddress(target) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectionTimeout)
	defer cancel()
	conn, err := s.dialFn(ctx, target)
	if err != nil {
		return err
	}
	if err := s.initPeer(conn, false, target); err != nil {
		conn.Close()
		return fmt.Errorf("handshake with %s failed: %w", target, err)
	}
	s.resetBackoff(target)
	return nil
}

// DialPeer is the operator-facing alias for Connect.
func (s *Server) DialPeer(addr string) error { return s.Connect(addr) }

func (s *Server) initPeer(conn net.Conn, inbound bool, dialAddr string) (err error) {
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		s.metrics.recordHandshake(outcome)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandshakeTimeout)
	defer cancel()

	sess, remote, err := s.performHandshake(ctx, conn, !inbound)
	if err != nil {
		s.reputation.PenalizeHandshakeFailure(hostOf(conn.RemoteAddr().String()), s.currentTime())
		return err
	}
	if remote.nodeID == s.nodeID {
		return fmt.Errorf("self connection not allowed")
	}
	if !config.NodeRole(remote.NodeRole).Valid() {
		return handshakeErrf("malformed", "unknown node role %q", remote.NodeRole)
	}
	if s.isBanned(remote.nodeID) {
		return fmt.Errorf("%w: %s", ErrPeerBanned, remote.nodeID)
	}

	persistent := s.isReservedID(remote.nodeID) || s.isSeedID(remote.nodeID)
	peer := newPeer(s, sess, remote, inbound, persistent, dialAddr)
	if err := s.registerPeer(peer); err != nil {
		sess.Close()
		return err
	}

	now := s.currentTime()
	source := SourceInbound
	if !inbound {
		source = remoteSource(s, remote.nodeID)
	}
	advertised := dialAddr
	if advertised == "" && len(remote.ListenAddrs) > 0 {
		advertised = remote.ListenAddrs[0]
	}
	s.registry.Upsert(remote.nodeID, advertised, source, "", now)
	s.registry.SetState(remote.nodeID, StateConnected, now)
	s.dht.seen(remote.nodeID, advertised)
	if s.peerstore != nil && advertised != "" {
		if putErr := s.peerstore.Put(PeerstoreEntry{Addr: advertised, NodeID: remote.nodeID, Sources: source}); putErr != nil {
			s.log.Warn("persist peer entry failed",
				logging.MaskField("peer_id", remote.nodeID),
				slog.Any("error", putErr))
		}
		s.peerstore.RecordSuccess(remote.nodeID, now)
	}

	s.log.Info("peer connected",
		logging.MaskField("peer_id", peer.id),
		logging.MaskField("peer_address", peer.remoteAddr),
		slog.String("client_version", remote.ClientVersion),
		slog.String("role", remote.NodeRole),
		slog.Bool("inbound", inbound))
	peer.start()
	s.publishEvent(PeerEvent{Type: PeerConnected, PeerID: peer.id, Address: peer.remoteAddr, Inbound: inbound})
	return nil
}

// remoteSource reports which discovery source first produced the node, for
// peers we dialed. Defaults to bootstrap when the registry has no record.
func remoteSource(s *Server, nodeID string) PeerSource {
	if rec, ok := s.registry.Get(nodeID); ok && rec.Sources != 0 {
		return rec.Sources
	}
	return SourceBootstrap
}

// registerPeer admits a peer into the connection set. Admission order:
// duplicate, ban, reserved-only, per-IP quota, inbound quota with
// score-dominance eviction, then the total ceiling.
func (s *Server) registerPeer(peer *Peer) error {
	now := s.currentTime()
	host := hostOf(peer.remoteAddr)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.peers[peer.id]; exists {
		return fmt.Errorf("peer %s already connected", peer.id)
	}
	if banned, until := s.reputation.BanInfo(peer.id, now); banned {
		return fmt.Errorf("%w until %s", ErrPeerBanned, until.Format(time.RFC3339))
	}
	if peer.inbound {
		if s.cfg.ReservedOnly {
			if _, ok := s.reservedIDs[peer.id]; !ok {
				return fmt.Errorf("reserved-only mode, peer %s not reserved", peer.id)
			}
		}
		if s.perIP[host] >= s.cfg.MaxPeersPerIP {
			return fmt.Errorf("per-IP connection limit reached for %s", host)
		}
		if s.inboundCount >= s.cfg.MaxInbound {
			if !s.evictForLocked(peer, now) {
				return fmt.Errorf("maximum inbound peers reached")
			}
		}
	}
	if len(s.peers) >= s.cfg.MaxPeers {
		return fmt.Errorf("maximum peers reached")
	}

	if peer.inbound {
		s.inboundCount++
	} else {
		s.outboundCount++
	}
	s.peers[peer.id] = peer
	s.perIP[host]++
	if peer.dialAddr != "" {
		s.byAddr[peer.dialAddr] = peer.id
	}
	if peer.persistent {
		s.persistentIDs[peer.id] = struct{}{}
	}
	s.metrics.observePeerCounts(s.inboundCount, s.outboundCount)
	return nil
}

// evictForLocked makes room for a newcomer whose score strictly dominates the
// worst current inbound peer. Reserved peers are never evicted.
func (s *Server) evictForLocked(newcomer *Peer, now time.Time) bool {
	newScore := s.reputation.Score(newcomer.id, now)
	var victim *Peer
	victimScore := 0
	for _, peer := range s.peers {
		if !peer.inbound || peer.persistent {
			continue
		}
		score := s.reputation.Score(peer.id, now)
		if victim == nil || score < victimScore {
			victim = peer
			victimScore = score
		}
	}
	if victim == nil || newScore <= victimScore {
		return false
	}
	go victim.terminate(false, fmt.Errorf("evicted for higher-scored inbound peer"))
	// The victim's slot frees asynchronously; account for it now.
	s.inboundCount--
	delete(s.peers, victim.id)
	s.perIP[hostOf(victim.remoteAddr)]--
	return true
}

func (s *Server) removePeer(peer *Peer, ban bool, reason error) {
	now := s.currentTime()
	host := hostOf(peer.remoteAddr)

	s.mu.Lock()
	if current, ok := s.peers[peer.id]; ok && current == peer {
		delete(s.peers, peer.id)
		if peer.inbound {
			if s.inboundCount > 0 {
				s.inboundCount--
			}
		} else if s.outboundCount > 0 {
			s.outboundCount--
		}
		if s.perIP[host] > 1 {
			s.perIP[host]--
		} else {
			delete(s.perIP, host)
		}
		if peer.dialAddr != "" {
			delete(s.byAddr, peer.dialAddr)
		}
		delete(s.persistentIDs, peer.id)
		s.metrics.observePeerCounts(s.inboundCount, s.outboundCount)
	}
	s.mu.Unlock()

	s.metrics.removePeer(peer.id)
	s.limits.Forget(peer.id)
	s.requests.dropPeer(peer.id)
	s.registry.SetState(peer.id, StateDiscovered, now)

	reasonText := ""
	if reason != nil {
		reasonText = reason.Error()
	}
	if ban {
		s.applyBan(peer.id, peer.persistent, s.cfg.PeerBanDuration)
		s.log.Warn("peer disconnected and banned",
			logging.MaskField("peer_id", peer.id),
			logging.MaskField("peer_address", peer.remoteAddr),
			slog.Any("error", reason))
	} else {
		s.log.Info("peer disconnected",
			logging.MaskField("peer_id", peer.id),
			logging.MaskField("peer_address", peer.remoteAddr),
			slog.String("reason", reasonText))
	}
	s.publishEvent(PeerEvent{Type: PeerDisconnected, PeerID: peer.id, Address: peer.remoteAddr, Inbound: peer.inbound, Reason: reasonText})

	if peer.persistent && !peer.inbound && !s.isClosed() {
		s.scheduleReconnect(peer.dialAddr)
	}
}

// dispatch routes one inbound frame. Control messages terminate here;
// application traffic goes through gossip dedup or straight to the handler.
func (s *Server) dispatch(p *Peer, msg *Message) {
	now := s.currentTime()
	var err error
	switch msg.Type {
	case MsgTypePing:
		err = s.handlePing(p, msg)
	case MsgTypePong:
		err = p.handlePong(msg.Payload, now)
	case MsgTypePexRequest:
		if s.pex != nil {
			err = s.pex.handleRequest(p, msg)
		}
	case MsgTypePexAddresses:
		if s.pex != nil {
			err = s.pex.handleAddresses(p, msg)
		}
	case MsgTypeFindNode:
		// Light nodes do not serve the routing table.
		if s.cfg.NodeRole != string(config.RoleLight) {
			err = s.dht.handleFindNode(p, msg)
		}
	case MsgTypeNeighbors, MsgTypeResponse:
		if !s.requests.deliver(p.id, msg) {
			err = &ProtocolViolation{Kind: "unsolicited-response"}
		}
	default:
		if isGossipType(msg.Type) {
			s.metrics.recordGossip("inbound", msg.Type)
			s.gossip.handleInbound(p, msg)
		} else if msg.Type == MsgTypeRequest {
			s.deliverToApplication(p.id, msg)
		} else {
			err = &ProtocolViolation{Kind: "unknown-type", Err: fmt.Errorf("type 0x%02x", msg.Type)}
		}
	}

	if err != nil {
		if IsProtocolViolation(err) {
			p.markInvalid(now)
			s.reputation.PenalizeMalformed(p.id, now, p.persistent)
			s.checkStanding(p, now)
			return
		}
		s.log.Debug("message handling failed",
			logging.MaskField("peer_id", p.id),
			slog.String("msg_type", fmt.Sprintf("0x%02x", msg.Type)),
			slog.Any("error", err))
	}
}

func (s *Server) handlePing(p *Peer, msg *Message) error {
	var ping PingPayload
	if err := json.Unmarshal(msg.Payload, &ping); err != nil {
		return &ProtocolViolation{Kind: "malformed", Err: fmt.Errorf("ping: %w", err)}
	}
	pong, err := NewPongMessage(ping.Nonce, s.currentTime())
	if err != nil {
		return err
	}
	pong.CorrelationID = msg.CorrelationID
	return p.Enqueue(pong)
}

// deliverToApplication hands a message to the registered handler. A handler
// error counts as an invalid payload against the sender.
func (s *Server) deliverToApplication(peerID string, msg *Message) {
	if s.handler == nil {
		return
	}
	if err := s.handler.HandleMessage(peerID, msg); err != nil {
		now := s.currentTime()
		if peer := s.getPeer(peerID); peer != nil {
			peer.markInvalid(now)
		}
		status := s.reputation.PenalizeInvalidPayload(peerID, now, s.isPersistentPeer(peerID))
		s.reputation.MarkMisbehavior(peerID, now)
		s.metrics.observePeerStatus(peerID, status)
		if peer := s.getPeer(peerID); peer != nil {
			s.checkStanding(peer, now)
		}
	} else {
		s.reputation.MarkUseful(peerID, s.currentTime())
	}
}

// handleRateLimited reacts to a budget overrun. Gossip overruns are shaped by
// silently dropping; control and request floods are penalized. Returns false
// when the peer was disconnected.
func (s *Server) handleRateLimited(p *Peer, class messageClass) bool {
	s.metrics.recordRateLimited(class)
	if class == classGossip {
		return true
	}
	now := s.currentTime()
	status := s.reputation.PenalizeSpam(p.id, now, p.persistent)
	s.metrics.observePeerStatus(p.id, status)
	if status.Banned {
		p.terminate(true, fmt.Errorf("rate limit exceeded repeatedly"))
		return false
	}
	return true
}

func (s *Server) handleProtocolViolation(p *Peer, violation *ProtocolViolation) {
	now := s.currentTime()
	p.markInvalid(now)
	var status ReputationStatus
	if violation.Kind == "oversize" {
		status = s.reputation.PenalizeOversize(p.id, now, p.persistent)
	} else {
		status = s.reputation.PenalizeMalformed(p.id, now, p.persistent)
	}
	s.reputation.MarkMisbehavior(p.id, now)
	s.metrics.observePeerStatus(p.id, status)
	p.terminate(status.Banned, violation)
}

// handleInvalidFlood drops a peer whose invalid-message share tripped the
// tripwire.
func (s *Server) handleInvalidFlood(p *Peer) {
	now := s.currentTime()
	status := s.reputation.PenalizeSpam(p.id, now, p.persistent)
	s.metrics.observePeerStatus(p.id, status)
	p.terminate(status.Banned, fmt.Errorf("invalid message rate threshold exceeded"))
}

// checkStanding disconnects a peer whose score crossed the ban threshold.
func (s *Server) checkStanding(p *Peer, now time.Time) {
	if banned, _ := s.reputation.BanInfo(p.id, now); banned {
		p.terminate(true, fmt.Errorf("reputation ban threshold crossed"))
	}
}

func (s *Server) applyBan(id string, persistent bool, duration time.Duration) {
	if persistent {
		return
	}
	now := s.currentTime()
	until := now.Add(duration)
	s.reputation.SetBan(id, until, now)
	s.registry.SetState(id, StateBanned, now)
	if s.peerstore != nil {
		s.peerstore.SetBan(id, until)
	}
	s.metrics.recordBan()
}

// BanPeer imposes an operator ban and disconnects the peer if connected.
func (s *Server) BanPeer(id string, duration time.Duration) error {
	id = normalizeHex(id)
	if id == "" {
		return ErrPeerUnknown
	}
	if s.isReservedID(id) {
		return fmt.Errorf("p2p: reserved peer %s cannot be banned", id)
	}
	if duration <= 0 {
		duration = s.cfg.PeerBanDuration
	}
	s.applyBan(id, false, duration)
	if peer := s.getPeer(id); peer != nil {
		peer.terminate(false, fmt.Errorf("banned by operator"))
	}
	return nil
}

// Broadcast floods an application message through the gossip layer.
func (s *Server) Broadcast(msg *Message) error {
	if msg == nil {
		return fmt.Errorf("p2p: nil message")
	}
	if s.isClosed() {
		return ErrServerClosed
	}
	s.metrics.recordGossip("outbound", msg.Type)
	return s.gossip.Broadcast(msg.Type, msg.Payload)
}

// Send delivers a message to one connected peer without gossip semantics.
func (s *Server) Send(peerID string, msg *Message) error {
	peer := s.getPeer(peerID)
	if peer == nil {
		return ErrPeerUnknown
	}
	return peer.Enqueue(msg)
}

// Subscribe returns a channel of peer lifecycle events. Slow subscribers miss
// events rather than blocking the network layer.
func (s *Server) Subscribe() <-chan PeerEvent {
	ch := make(chan PeerEvent, 64)
	s.eventMu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.eventMu.Unlock()
	return ch
}

func (s *Server) publishEvent(event PeerEvent) {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

func (s *Server) seedRotationLoop() {
	registry := s.cfg.SeedRegistry
	resolver := s.cfg.SeedResolver
	if resolver == nil {
		resolver = seeds.DefaultResolver()
	}
	interval := s.cfg.SeedRefresh
	if interval <= 0 {
		interval = registry.RefreshInterval()
	}
	if interval <= 0 {
		interval = 15 * time.Minute
	}

	refresh := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		resolved, err := registry.Resolve(ctx, s.currentTime(), resolver)
		if err != nil {
			s.log.Warn("seed registry refresh failed", slog.Any("error", err))
		}
		now := s.currentTime()
		for _, entry := range resolved {
			s.registry.Upsert(entry.NodeID, entry.Address, SourceDNS, "", now)
		}
	}

	refresh()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			refresh()
		case <-s.seedQuit:
			return
		}
	}
}

// --- accessors ---

func (s *Server) activePeers() []*Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	peers := make([]*Peer, 0, len(s.peers))
	for _, peer := range s.peers {
		peers = append(peers, peer)
	}
	return peers
}

func (s *Server) getPeer(id string) *Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peers[normalizeHex(id)]
}

func (s *Server) hasPeer(id string) bool {
	return s.getPeer(id) != nil
}

func (s *Server) isConnectedToAddress(addr string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byAddr[strings.TrimSpace(addr)]
	return ok
}

func (s *Server) peerCounts() (total, inbound, outbound int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers), s.inboundCount, s.outboundCount
}

func (s *Server) ipCount(host string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.perIP[host]
}

func (s *Server) outboundIPs() map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool)
	for _, peer := range s.peers {
		if !peer.inbound {
			out[hostOf(peer.remoteAddr)] = true
		}
	}
	return out
}

func (s *Server) isBanned(id string) bool {
	return s.reputation.IsBanned(normalizeHex(id), s.currentTime())
}

func (s *Server) isPersistentPeer(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.persistentIDs[normalizeHex(id)]
	return ok
}

func (s *Server) isReservedID(id string) bool {
	_, ok := s.reservedIDs[normalizeHex(id)]
	return ok
}

func (s *Server) isSeedID(id string) bool {
	id = normalizeHex(id)
	for _, seed := range s.seeds {
		if seed.NodeID == id {
			return true
		}
	}
	return false
}

func (s *Server) addListenAddress(addr string) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return
	}
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	for _, existing := range s.listenAddrs {
		if existing == addr {
			return
		}
	}
	s.listenAddrs = append(s.listenAddrs, addr)
}

// AddExternalAddress publishes a NAT-discovered address in the local hello.
func (s *Server) AddExternalAddress(addr string) {
	s.addListenAddress(addr)
}

// ListenAddresses returns the advertised addresses.
func (s *Server) ListenAddresses() []string {
	s.listenMu.RLock()
	defer s.listenMu.RUnlock()
	return append([]string{}, s.listenAddrs...)
}

// SnapshotPeers returns the connected peers with reputation data.
func (s *Server) SnapshotPeers() []PeerInfo {
	now := s.currentTime()
	statuses := s.reputation.Snapshot(now)

	peers := s.activePeers()
	out := make([]PeerInfo, 0, len(peers))
	for _, peer := range peers {
		status := statuses[peer.id]
		direction := "outbound"
		if peer.inbound {
			direction = "inbound"
		}
		out = append(out, PeerInfo{
			NodeID:     peer.id,
			Direction:  direction,
			Persistent: peer.persistent,
			RemoteAddr: peer.remoteAddr,
			DialAddr:   peer.dialAddr,
			Role:       peer.role,
			Version:    peer.clientVersion,
			Score:      status.Score,
			Greylisted: status.Greylisted,
			Banned:     status.Banned,
			LatencyMS:  status.LatencyMS,
			Connected:  now.Add(-peer.Uptime(now)),
		})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].NodeID < out[b].NodeID })
	return out
}

// SnapshotNetwork summarizes the network layer for operators.
func (s *Server) SnapshotNetwork() NetworkView {
	total, inbound, outbound := s.peerCounts()
	return NetworkView{
		NetworkID:       s.cfg.NetworkID,
		NodeID:          s.nodeID,
		ProtocolVersion: protocolVersion,
		ClientVersion:   s.cfg.ClientVersion,
		Role:            s.cfg.NodeRole,
		Counts:          NetworkCounts{Total: total, Inbound: inbound, Outbound: outbound},
		MaxPeers:        s.cfg.MaxPeers,
		MaxInbound:      s.cfg.MaxInbound,
		TargetOutbound:  s.cfg.TargetOutbound,
		KnownPeers:      s.registry.Len(),
		ListenAddrs:     s.ListenAddresses(),
	}
}

func hostOf(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
