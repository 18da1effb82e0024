// Package nat discovers the node's publicly reachable address and, where the
// local gateway cooperates, opens a port mapping for the listen port. Both
// paths are best effort: a node behind an uncooperative NAT still runs, it
// just advertises no external address.
package nat

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"
)

// Config controls which traversal mechanisms the manager attempts.
type Config struct {
	// EnableUPnP turns on gateway discovery and port mapping.
	EnableUPnP bool
	// EnableSTUN turns on external address discovery via STUN.
	EnableSTUN bool
	// STUNServers overrides the default server list ("host:port").
	STUNServers []string
	// ListenPort is the TCP port the node accepts connections on.
	ListenPort int
	// DiscoveryTimeout bounds UPnP gateway discovery. Zero uses the default.
	DiscoveryTimeout time.Duration
}

// Advertiser receives externally reachable addresses as they are discovered.
type Advertiser interface {
	AddExternalAddress(addr string)
}

// Manager runs UPnP and STUN discovery in the background and feeds any
// discovered address to the advertiser.
type Manager struct {
	cfg        Config
	advertiser Advertiser
	log        *slog.Logger

	mu     sync.Mutex
	mapper *UPnPMapper
	stun   *STUNClient

	quit chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewManager builds a manager. The advertiser must not be nil; logger nil
// falls back to the default slog handler.
func NewManager(cfg Config, advertiser Advertiser, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:        cfg,
		advertiser: advertiser,
		log:        logger,
		quit:       make(chan struct{}),
	}
}

// Start launches discovery in the background and returns immediately.
func (m *Manager) Start() {
	if m == nil || (!m.cfg.EnableUPnP && !m.cfg.EnableSTUN) {
		return
	}
	m.wg.Add(1)
	go m.run()
}

// Stop tears down port mappings and halts renewal.
func (m *Manager) Stop() {
	if m == nil {
		return
	}
	m.once.Do(func() { close(m.quit) })
	m.wg.Wait()

	m.mu.Lock()
	mapper := m.mapper
	m.mapper = nil
	m.mu.Unlock()
	if mapper != nil {
		if err := mapper.Close(); err != nil {
			m.log.Debug("releasing port mappings failed",
				"component", "p2p.nat",
				"error", err,
			)
		}
	}
}

func (m *Manager) run() {
	defer m.wg.Done()

	if m.cfg.EnableUPnP {
		m.setupUPnP()
	}
	if m.cfg.EnableSTUN {
		m.querySTUN()
	}

	if !m.hasMapper() {
		return
	}
	// Refresh the gateway lease well before it lapses.
	ticker := time.NewTicker(portMappingLease * time.Second / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.renewMappings()
		case <-m.quit:
			return
		}
	}
}

func (m *Manager) setupUPnP() {
	mapper, err := DiscoverGateway(m.cfg.DiscoveryTimeout)
	if err != nil {
		m.log.Debug("no UPnP gateway available",
			"component", "p2p.nat",
			"error", err,
		)
		return
	}
	m.mu.Lock()
	m.mapper = mapper
	m.mu.Unlock()

	if m.cfg.ListenPort > 0 {
		if _, err := mapper.MapPort("tcp", m.cfg.ListenPort); err != nil {
			m.log.Warn("UPnP port mapping failed",
				"component", "p2p.nat",
				"port", m.cfg.ListenPort,
				"error", err,
			)
		} else {
			m.log.Info("UPnP port mapping established",
				"component", "p2p.nat",
				"port", m.cfg.ListenPort,
			)
		}
	}

	ip, err := mapper.ExternalIP()
	if err != nil {
		m.log.Debug("UPnP external address query failed",
			"component", "p2p.nat",
			"error", err,
		)
		return
	}
	m.advertise(ip, m.cfg.ListenPort, "upnp")
}

func (m *Manager) querySTUN() {
	m.mu.Lock()
	if m.stun == nil {
		m.stun = NewSTUNClient(m.cfg.STUNServers)
	}
	client := m.stun
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	addr, err := client.ExternalAddr(ctx)
	if err != nil {
		m.log.Debug("STUN external address query failed",
			"component", "p2p.nat",
			"error", err,
		)
		return
	}
	// STUN observes the UDP mapping; the advertised port stays the TCP
	// listen port, only the IP is taken from the binding response.
	m.advertise(addr.IP, m.cfg.ListenPort, "stun")
}

func (m *Manager) advertise(ip net.IP, port int, source string) {
	if m.advertiser == nil || ip == nil || port <= 0 {
		return
	}
	addr := net.JoinHostPort(ip.String(), strconv.Itoa(port))
	m.advertiser.AddExternalAddress(addr)
	m.log.Info("external address discovered",
		"component", "p2p.nat",
		"address", addr,
		"source", source,
	)
}

func (m *Manager) hasMapper() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mapper != nil
}

func (m *Manager) renewMappings() {
	m.mu.Lock()
	mapper := m.mapper
	m.mu.Unlock()
	if mapper == nil {
		return
	}
	if err := mapper.RenewMappings(); err != nil {
		m.log.Debug("port mapping renewal failed",
			"component", "p2p.nat",
			"error", err,
		)
	}
}
