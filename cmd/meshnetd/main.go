package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"meshnet/config"
	"meshnet/observability/logging"
	"meshnet/p2p"
	"meshnet/p2p/nat"
	"meshnet/p2p/seeds"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("MESHNET_ENV"))
	logger := logging.Setup("meshnetd", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("Failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.Node.DataDir, 0o755); err != nil {
		panic(fmt.Sprintf("failed to prepare data directory: %v", err))
	}

	identity, err := p2p.LoadOrCreateIdentity(filepath.Join(cfg.Node.DataDir, "node_key.json"))
	if err != nil {
		panic(fmt.Sprintf("failed to load node identity: %v", err))
	}

	peerstoreDir := filepath.Join(cfg.Node.DataDir, "p2p")
	if err := os.MkdirAll(peerstoreDir, 0o755); err != nil {
		panic(fmt.Sprintf("failed to prepare p2p directory: %v", err))
	}
	peerstore, err := p2p.NewPeerstore(filepath.Join(peerstoreDir, "peerstore"), 0, 0)
	if err != nil {
		panic(fmt.Sprintf("failed to open peerstore: %v", err))
	}
	defer peerstore.Close()

	serverCfg := p2p.FromConfig(cfg)
	if registry := loadSeedRegistry(cfg, logger); registry != nil {
		serverCfg.SeedRegistry = registry
		serverCfg.SeedResolver = seeds.DefaultResolver()
		serverCfg.SeedRefresh = registry.RefreshInterval()
	}

	handler := p2p.MessageHandlerFunc(func(peerID string, msg *p2p.Message) error {
		logger.Debug("application message",
			slog.String("component", "meshnetd"),
			logging.MaskField("peer", peerID),
			slog.String("type", fmt.Sprintf("0x%02x", msg.Type)),
			slog.Int("bytes", len(msg.Payload)),
		)
		return nil
	})

	server, err := p2p.NewServer(handler, identity, serverCfg)
	if err != nil {
		logger.Error("Failed to build network server", slog.Any("error", err))
		os.Exit(1)
	}
	server.SetPeerstore(peerstore)

	for _, addr := range cfg.Network.ExternalAddresses {
		server.AddExternalAddress(addr)
	}

	events := server.Subscribe()
	go func() {
		for event := range events {
			logger.Info("peer "+string(event.Type),
				slog.String("component", "meshnetd"),
				logging.MaskField("peer", event.PeerID),
				slog.String("address", event.Address),
				slog.Bool("inbound", event.Inbound),
			)
		}
	}()

	natMgr := nat.NewManager(nat.Config{
		EnableUPnP:  cfg.Network.EnableUPnP,
		EnableSTUN:  cfg.Network.EnableNATTraversal,
		STUNServers: cfg.Network.STUNServers,
		ListenPort:  listenPort(cfg.Network.ListenAddresses),
	}, server, logger)

	// Start blocks in the accept loop; it returns nil after Stop.
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()
	natMgr.Start()

	logger.Info("meshnetd running",
		slog.String("component", "meshnetd"),
		slog.String("node_id", server.NodeID()),
		slog.Uint64("network_id", cfg.Network.NetworkID),
		slog.String("role", cfg.Node.Type),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "component", "meshnetd", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			logger.Error("network server failed", slog.Any("error", err))
			natMgr.Stop()
			os.Exit(1)
		}
	}

	natMgr.Stop()
	server.Stop()
}

// loadSeedRegistry prefers a full registry file; bare dns_seeds entries are
// folded into an in-memory registry with default settings.
func loadSeedRegistry(cfg *config.Config, logger *slog.Logger) *seeds.Registry {
	if path := strings.TrimSpace(cfg.Network.SeedRegistryFile); path != "" {
		registry, err := seeds.ParseFile(path)
		if err != nil {
			logger.Warn("seed registry file rejected",
				"component", "meshnetd",
				"path", path,
				"error", err,
			)
			return nil
		}
		return registry
	}
	parsed := cfg.ParseDNSSeeds()
	if len(parsed) == 0 {
		return nil
	}
	registry := &seeds.Registry{Version: 1}
	for _, seed := range parsed {
		registry.Authorities = append(registry.Authorities, seeds.Authority{
			Domain:    seed.Domain,
			Algorithm: "ed25519",
			PublicKey: seed.PublicKey,
		})
	}
	return registry
}

func listenPort(addrs []string) int {
	for _, addr := range addrs {
		_, portStr, err := net.SplitHostPort(strings.TrimSpace(addr))
		if err != nil {
			continue
		}
		if port, err := strconv.Atoi(portStr); err == nil && port > 0 {
			return port
		}
	}
	return 0
}
