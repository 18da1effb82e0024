package nat

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/huin/goupnp/dcps/internetgateway1"
	"github.com/huin/goupnp/dcps/internetgateway2"
)

var (
	// ErrNoGateway indicates no UPnP internet gateway answered discovery.
	ErrNoGateway = errors.New("nat: no UPnP gateway found")
	// ErrDiscoveryTimeout indicates gateway discovery exceeded its deadline.
	ErrDiscoveryTimeout = errors.New("nat: UPnP discovery timeout")
)

// defaultDiscoveryTimeout bounds SSDP discovery so a missing gateway does not
// stall node startup. The goupnp search can otherwise take 8+ seconds.
const defaultDiscoveryTimeout = 3 * time.Second

// portMappingLease is the lease requested from the gateway, in seconds.
// Mappings are renewed at half the lease by the manager.
const portMappingLease = 3600

// igdClient is the subset of the goupnp WAN*Connection1 service clients the
// mapper needs. Both IGDv1 and IGDv2 generated clients satisfy it.
type igdClient interface {
	AddPortMapping(
		remoteHost string,
		externalPort uint16,
		protocol string,
		internalPort uint16,
		internalClient string,
		enabled bool,
		description string,
		leaseDuration uint32,
	) error
	DeletePortMapping(remoteHost string, externalPort uint16, protocol string) error
	GetExternalIPAddress() (string, error)
}

type portMapping struct {
	protocol     string
	internalPort int
	externalPort int
	createdAt    time.Time
}

// UPnPMapper holds port mappings on a discovered internet gateway.
type UPnPMapper struct {
	client   igdClient
	mu       sync.Mutex
	mappings map[int]portMapping
}

// DiscoverGateway probes for a UPnP internet gateway, preferring IGDv2 over
// IGDv1 and routed (WANIPConnection) over dialup (WANPPPConnection) services.
// Discovery is cut off after timeout; zero selects the default.
func DiscoverGateway(timeout time.Duration) (*UPnPMapper, error) {
	if timeout <= 0 {
		timeout = defaultDiscoveryTimeout
	}
	type result struct {
		client igdClient
		err    error
	}
	resultCh := make(chan result, 1)
	go func() {
		client, err := probeGateway()
		resultCh <- result{client: client, err: err}
	}()
	select {
	case res := <-resultCh:
		if res.err != nil {
			return nil, res.err
		}
		return &UPnPMapper{
			client:   res.client,
			mappings: make(map[int]portMapping),
		}, nil
	case <-time.After(timeout):
		return nil, ErrDiscoveryTimeout
	}
}

func probeGateway() (igdClient, error) {
	if clients, _, err := internetgateway2.NewWANIPConnection1Clients(); err == nil && len(clients) > 0 {
		return clients[0], nil
	}
	if clients, _, err := internetgateway2.NewWANPPPConnection1Clients(); err == nil && len(clients) > 0 {
		return clients[0], nil
	}
	if clients, _, err := internetgateway1.NewWANIPConnection1Clients(); err == nil && len(clients) > 0 {
		return clients[0], nil
	}
	if clients, _, err := internetgateway1.NewWANPPPConnection1Clients(); err == nil && len(clients) > 0 {
		return clients[0], nil
	}
	return nil, ErrNoGateway
}

// MapPort requests an external mapping for the given internal TCP or UDP
// port. The same port number is requested externally; the gateway may refuse
// but will not remap silently with WAN*Connection1.
func (m *UPnPMapper) MapPort(protocol string, internalPort int) (int, error) {
	if m == nil || m.client == nil {
		return 0, ErrNoGateway
	}
	protocol = normalizeProtocol(protocol)
	localIP, err := localInterfaceIP()
	if err != nil {
		return 0, fmt.Errorf("nat: resolve local address: %w", err)
	}
	err = m.client.AddPortMapping(
		"",
		uint16(internalPort),
		protocol,
		uint16(internalPort),
		localIP.String(),
		true,
		"meshnet",
		portMappingLease,
	)
	if err != nil {
		return 0, fmt.Errorf("nat: map %s port %d: %w", protocol, internalPort, err)
	}
	m.mu.Lock()
	m.mappings[internalPort] = portMapping{
		protocol:     protocol,
		internalPort: internalPort,
		externalPort: internalPort,
		createdAt:    time.Now(),
	}
	m.mu.Unlock()
	return internalPort, nil
}

// RenewMappings re-adds every held mapping, refreshing the gateway lease.
func (m *UPnPMapper) RenewMappings() error {
	if m == nil || m.client == nil {
		return ErrNoGateway
	}
	m.mu.Lock()
	held := make([]portMapping, 0, len(m.mappings))
	for _, mapping := range m.mappings {
		held = append(held, mapping)
	}
	m.mu.Unlock()

	var errs []error
	for _, mapping := range held {
		if _, err := m.MapPort(mapping.protocol, mapping.internalPort); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// UnmapPort releases a mapping previously created with MapPort.
func (m *UPnPMapper) UnmapPort(protocol string, internalPort int) error {
	if m == nil || m.client == nil {
		return ErrNoGateway
	}
	protocol = normalizeProtocol(protocol)
	m.mu.Lock()
	delete(m.mappings, internalPort)
	m.mu.Unlock()
	if err := m.client.DeletePortMapping("", uint16(internalPort), protocol); err != nil {
		return fmt.Errorf("nat: unmap %s port %d: %w", protocol, internalPort, err)
	}
	return nil
}

// Close releases every mapping held by the mapper.
func (m *UPnPMapper) Close() error {
	if m == nil || m.client == nil {
		return nil
	}
	m.mu.Lock()
	held := make([]portMapping, 0, len(m.mappings))
	for _, mapping := range m.mappings {
		held = append(held, mapping)
	}
	m.mappings = make(map[int]portMapping)
	m.mu.Unlock()

	var errs []error
	for _, mapping := range held {
		if err := m.client.DeletePortMapping("", uint16(mapping.externalPort), mapping.protocol); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ExternalIP asks the gateway for its WAN-side address.
func (m *UPnPMapper) ExternalIP() (net.IP, error) {
	if m == nil || m.client == nil {
		return nil, ErrNoGateway
	}
	raw, err := m.client.GetExternalIPAddress()
	if err != nil {
		return nil, fmt.Errorf("nat: query external address: %w", err)
	}
	ip := net.ParseIP(strings.TrimSpace(raw))
	if ip == nil {
		return nil, fmt.Errorf("nat: gateway returned unparsable address %q", raw)
	}
	return ip, nil
}

func normalizeProtocol(protocol string) string {
	if strings.EqualFold(protocol, "udp") {
		return "UDP"
	}
	return "TCP"
}

// localInterfaceIP finds the address the default route uses, which is what
// the gateway needs as the mapping's internal client.
func localInterfaceIP() (net.IP, error) {
	conn, err := net.Dial("udp4", "8.8.8.8:53")
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP == nil {
		return nil, errors.New("nat: local address unavailable")
	}
	return addr.IP, nil
}
