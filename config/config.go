package config

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// NodeRole selects which optional services attach to the shared network core.
// It is a closed set; unknown values are rejected at load time.
type NodeRole string

const (
	RoleValidator  NodeRole = "validator"
	RoleFull       NodeRole = "full"
	RoleLight      NodeRole = "light"
	RoleArchive    NodeRole = "archive"
	RoleRPCGateway NodeRole = "rpc-gateway"
)

// Valid reports whether the role is one of the recognized node types.
func (r NodeRole) Valid() bool {
	switch r {
	case RoleValidator, RoleFull, RoleLight, RoleArchive, RoleRPCGateway:
		return true
	}
	return false
}

// Config is the top-level TOML document consumed by meshnetd.
type Config struct {
	Node    Node    `toml:"node"`
	Network Network `toml:"network"`
}

// Node carries the role and local storage settings.
type Node struct {
	Type          string `toml:"type"`
	DataDir       string `toml:"data_dir"`
	ClientVersion string `toml:"client_version"`
}

// Network groups every option the network core recognizes.
type Network struct {
	NetworkID                   uint64   `toml:"network_id"`
	ListenAddresses             []string `toml:"listen_addresses"`
	ExternalAddresses           []string `toml:"external_addresses"`
	BootstrapNodes              []string `toml:"bootstrap_nodes"`
	DNSSeeds                    []string `toml:"dns_seeds"`
	SeedRegistryFile            string   `toml:"seed_registry_file"`
	ConnectionTimeoutSeconds    int      `toml:"connection_timeout_seconds"`
	PingIntervalSeconds         int      `toml:"ping_interval_seconds"`
	PeerExchangeIntervalSeconds int      `toml:"peer_exchange_interval_seconds"`
	EnableUPnP                  bool     `toml:"enable_upnp"`
	EnableNATTraversal          bool     `toml:"enable_nat_traversal"`
	STUNServers                 []string `toml:"stun_servers"`
	Limits                      Limits   `toml:"limits"`
	Advanced                    Advanced `toml:"advanced"`
}

// Limits bounds the connection table. A zero value falls back to the default.
type Limits struct {
	MaxInbound     int `toml:"max_inbound"`
	TargetOutbound int `toml:"target_outbound"`
	MaxPeersPerIP  int `toml:"max_peers_per_ip"`
	MaxPeers       int `toml:"max_peers"`
}

// Advanced holds the options most deployments never touch.
type Advanced struct {
	MinProtocolVersion    uint32   `toml:"min_protocol_version"`
	MaxMessageSize        int      `toml:"max_message_size"`
	MessageTimeoutSeconds int      `toml:"message_timeout_seconds"`
	HandshakeTimeoutMS    int      `toml:"handshake_timeout_ms"`
	DisablePeerExchange   bool     `toml:"disable_peer_exchange"`
	ReservedPeers         []string `toml:"reserved_peers"`
	ReservedOnly          bool     `toml:"reserved_only"`
}

const (
	defaultNetworkID         = 1
	defaultListenAddress     = ":30311"
	defaultDataDir           = "./meshnet-data"
	defaultClientVersion     = "meshnet/node"
	defaultConnectionTimeout = 10
	defaultPingInterval      = 30
	defaultPeerExchange      = 60
	defaultMaxInbound        = 96
	defaultTargetOutbound    = 8
	defaultMaxPeersPerIP     = 4
	defaultMaxPeers          = 128
	defaultMaxMessageSize    = 1 << 20
	defaultMessageTimeout    = 20
	defaultHandshakeTimeout  = 5000
)

// Load reads and validates a configuration file. Unknown keys are rejected so
// typos do not silently disable a limit.
func Load(path string) (*Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config: unrecognized keys: %s", strings.Join(keys, ", "))
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every field at its documented default.
func Default() *Config {
	cfg := &Config{
		Node: Node{
			Type:          string(RoleFull),
			DataDir:       defaultDataDir,
			ClientVersion: defaultClientVersion,
		},
		Network: Network{
			ListenAddresses: []string{defaultListenAddress},
		},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Node.Type) == "" {
		c.Node.Type = string(RoleFull)
	}
	if strings.TrimSpace(c.Node.DataDir) == "" {
		c.Node.DataDir = defaultDataDir
	}
	if strings.TrimSpace(c.Node.ClientVersion) == "" {
		c.Node.ClientVersion = defaultClientVersion
	}
	if c.Network.NetworkID == 0 {
		c.Network.NetworkID = defaultNetworkID
	}
	if len(c.Network.ListenAddresses) == 0 {
		c.Network.ListenAddresses = []string{defaultListenAddress}
	}
	if c.Network.ConnectionTimeoutSeconds <= 0 {
		c.Network.ConnectionTimeoutSeconds = defaultConnectionTimeout
	}
	if c.Network.PingIntervalSeconds <= 0 {
		c.Network.PingIntervalSeconds = defaultPingInterval
	}
	if c.Network.PeerExchangeIntervalSeconds <= 0 {
		c.Network.PeerExchangeIntervalSeconds = defaultPeerExchange
	}
	if c.Network.Limits.MaxInbound <= 0 {
		c.Network.Limits.MaxInbound = defaultMaxInbound
	}
	if c.Network.Limits.TargetOutbound <= 0 {
		c.Network.Limits.TargetOutbound = defaultTargetOutbound
	}
	if c.Network.Limits.MaxPeersPerIP <= 0 {
		c.Network.Limits.MaxPeersPerIP = defaultMaxPeersPerIP
	}
	if c.Network.Limits.MaxPeers <= 0 {
		c.Network.Limits.MaxPeers = defaultMaxPeers
	}
	if c.Network.Limits.MaxPeers < c.Network.Limits.MaxInbound {
		c.Network.Limits.MaxPeers = c.Network.Limits.MaxInbound + c.Network.Limits.TargetOutbound
	}
	if c.Network.Advanced.MaxMessageSize <= 0 {
		c.Network.Advanced.MaxMessageSize = defaultMaxMessageSize
	}
	if c.Network.Advanced.MessageTimeoutSeconds <= 0 {
		c.Network.Advanced.MessageTimeoutSeconds = defaultMessageTimeout
	}
	if c.Network.Advanced.HandshakeTimeoutMS <= 0 {
		c.Network.Advanced.HandshakeTimeoutMS = defaultHandshakeTimeout
	}
}

// Validate checks cross-field invariants. It returns all violations joined so
// an operator fixes a config file in one pass.
func (c *Config) Validate() error {
	var errs []error
	if !NodeRole(c.Node.Type).Valid() {
		errs = append(errs, fmt.Errorf("node.type: unknown role %q", c.Node.Type))
	}
	for _, addr := range c.Network.ListenAddresses {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Errorf("network.listen_addresses: %q: %w", addr, err))
		}
	}
	for _, addr := range c.Network.BootstrapNodes {
		if err := validatePeerTarget(addr); err != nil {
			errs = append(errs, fmt.Errorf("network.bootstrap_nodes: %q: %w", addr, err))
		}
	}
	for _, seed := range c.Network.DNSSeeds {
		if err := validateDNSSeed(seed); err != nil {
			errs = append(errs, fmt.Errorf("network.dns_seeds: %q: %w", seed, err))
		}
	}
	for _, addr := range c.Network.Advanced.ReservedPeers {
		if err := validatePeerTarget(addr); err != nil {
			errs = append(errs, fmt.Errorf("network.advanced.reserved_peers: %q: %w", addr, err))
		}
	}
	if c.Network.Advanced.ReservedOnly && len(c.Network.Advanced.ReservedPeers) == 0 {
		errs = append(errs, errors.New("network.advanced.reserved_only set without reserved_peers"))
	}
	if c.Network.Limits.MaxPeers < c.Network.Limits.TargetOutbound {
		errs = append(errs, errors.New("network.limits.max_peers below target_outbound"))
	}
	return errors.Join(errs...)
}

// Durations below convert the integer TOML fields once, at the boundary.

func (c *Config) ConnectionTimeout() time.Duration {
	return time.Duration(c.Network.ConnectionTimeoutSeconds) * time.Second
}

func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.Network.PingIntervalSeconds) * time.Second
}

func (c *Config) PeerExchangeInterval() time.Duration {
	return time.Duration(c.Network.PeerExchangeIntervalSeconds) * time.Second
}

func (c *Config) MessageTimeout() time.Duration {
	return time.Duration(c.Network.Advanced.MessageTimeoutSeconds) * time.Second
}

func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.Network.Advanced.HandshakeTimeoutMS) * time.Millisecond
}

// ParsedDNSSeed is a "pubkey@domain" entry split into its parts.
type ParsedDNSSeed struct {
	Domain    string
	PublicKey string
}

// ParseDNSSeeds splits the configured dns_seeds entries. Entries are assumed
// to have passed Validate; malformed ones are skipped.
func (c *Config) ParseDNSSeeds() []ParsedDNSSeed {
	parsed := make([]ParsedDNSSeed, 0, len(c.Network.DNSSeeds))
	for _, seed := range c.Network.DNSSeeds {
		key, domain, found := strings.Cut(strings.TrimSpace(seed), "@")
		if !found || key == "" || domain == "" {
			continue
		}
		parsed = append(parsed, ParsedDNSSeed{Domain: domain, PublicKey: key})
	}
	return parsed
}

// validateDNSSeed accepts "pubkey@domain" where pubkey is a base64 ed25519
// public key used to verify the zone's signed TXT records.
func validateDNSSeed(value string) error {
	seed := strings.TrimSpace(value)
	if seed == "" {
		return errors.New("empty entry")
	}
	key, domain, found := strings.Cut(seed, "@")
	if !found {
		return errors.New("expected pubkey@domain")
	}
	if strings.TrimSpace(domain) == "" {
		return errors.New("missing domain")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(key))
	if err != nil {
		return fmt.Errorf("public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return fmt.Errorf("public key: got %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return nil
}

// validatePeerTarget accepts either "host:port" or "nodeid@host:port".
func validatePeerTarget(value string) error {
	target := strings.TrimSpace(value)
	if target == "" {
		return errors.New("empty address")
	}
	if _, addr, found := strings.Cut(target, "@"); found {
		target = addr
	}
	_, _, err := net.SplitHostPort(target)
	return err
}
