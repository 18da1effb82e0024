package nat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/stun"
)

var (
	// ErrNoSTUNServers indicates the client was built without any servers.
	ErrNoSTUNServers = errors.New("nat: no STUN servers configured")
)

const (
	stunQueryTimeout  = 5 * time.Second
	stunRetries       = 3
	stunCacheDuration = 5 * time.Minute
)

// DefaultSTUNServers are queried when the operator configures none.
var DefaultSTUNServers = []string{
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
}

// STUNClient resolves the node's NAT-external UDP address via STUN binding
// requests. Results are cached; public addresses rarely move within minutes.
type STUNClient struct {
	servers []string
	timeout time.Duration
	retries int

	mu            sync.RWMutex
	cachedAddr    *net.UDPAddr
	cachedAt      time.Time
	cacheDuration time.Duration

	// queryFn stands in for the network exchange in tests.
	queryFn func(ctx context.Context, server string) (*net.UDPAddr, error)
}

// NewSTUNClient builds a client over the given servers ("host:port").
// An empty list falls back to DefaultSTUNServers.
func NewSTUNClient(servers []string) *STUNClient {
	cleaned := make([]string, 0, len(servers))
	for _, server := range servers {
		if server == "" {
			continue
		}
		cleaned = append(cleaned, server)
	}
	if len(cleaned) == 0 {
		cleaned = append(cleaned, DefaultSTUNServers...)
	}
	client := &STUNClient{
		servers:       cleaned,
		timeout:       stunQueryTimeout,
		retries:       stunRetries,
		cacheDuration: stunCacheDuration,
	}
	client.queryFn = client.queryServer
	return client
}

// ExternalAddr returns the NAT-external address observed by a STUN server.
// Servers are tried in order with exponential backoff between attempts; a
// fresh cached result short-circuits the exchange.
func (c *STUNClient) ExternalAddr(ctx context.Context) (*net.UDPAddr, error) {
	if c == nil || len(c.servers) == 0 {
		return nil, ErrNoSTUNServers
	}
	if addr := c.cachedExternalAddr(); addr != nil {
		return addr, nil
	}

	var lastErr error
	backoff := 500 * time.Millisecond
	for attempt := 0; attempt < c.retries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			}
			backoff *= 2
		}
		for _, server := range c.servers {
			addr, err := c.queryFn(ctx, server)
			if err != nil {
				lastErr = err
				continue
			}
			c.storeExternalAddr(addr)
			return addr, nil
		}
	}
	if lastErr == nil {
		lastErr = errors.New("nat: no STUN server responded")
	}
	return nil, lastErr
}

func (c *STUNClient) queryServer(ctx context.Context, server string) (*net.UDPAddr, error) {
	serverAddr, err := net.ResolveUDPAddr("udp4", server)
	if err != nil {
		return nil, fmt.Errorf("nat: resolve STUN server %s: %w", server, err)
	}
	conn, err := net.DialUDP("udp4", nil, serverAddr)
	if err != nil {
		return nil, fmt.Errorf("nat: dial STUN server %s: %w", server, err)
	}
	defer conn.Close()

	// Tear down the socket when the context ends so the read unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, err
	}

	msg, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return nil, fmt.Errorf("nat: build binding request: %w", err)
	}
	if _, err := msg.WriteTo(conn); err != nil {
		return nil, fmt.Errorf("nat: send binding request to %s: %w", server, err)
	}

	buf := make([]byte, 1500)
	n, err := conn.Read(buf)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("nat: read binding response from %s: %w", server, err)
	}

	res := new(stun.Message)
	res.Raw = buf[:n]
	if err := res.Decode(); err != nil {
		return nil, fmt.Errorf("nat: decode binding response from %s: %w", server, err)
	}

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(res); err == nil {
		return &net.UDPAddr{IP: xorAddr.IP, Port: xorAddr.Port}, nil
	}
	// Pre-RFC5389 servers answer with MAPPED-ADDRESS only.
	var mapped stun.MappedAddress
	if err := mapped.GetFrom(res); err != nil {
		return nil, fmt.Errorf("nat: no mapped address from %s: %w", server, err)
	}
	return &net.UDPAddr{IP: mapped.IP, Port: mapped.Port}, nil
}

func (c *STUNClient) cachedExternalAddr() *net.UDPAddr {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cachedAddr != nil && time.Since(c.cachedAt) < c.cacheDuration {
		return c.cachedAddr
	}
	return nil
}

func (c *STUNClient) storeExternalAddr(addr *net.UDPAddr) {
	c.mu.Lock()
	c.cachedAddr = addr
	c.cachedAt = time.Now()
	c.mu.Unlock()
}
