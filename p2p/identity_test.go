package p2p

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

func TestGenerateIdentityDerivesNodeID(t *testing.T) {
	identity, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if !strings.HasPrefix(identity.NodeID, "0x") || len(identity.NodeID) != 66 {
		t.Fatalf("node ID should be 0x-prefixed 32-byte hex, got %q", identity.NodeID)
	}
	if identity.NodeID != deriveNodeIDFromPub(&identity.PrivateKey.PublicKey) {
		t.Fatalf("node ID must derive from the public key")
	}
}

func TestLoadOrCreateIdentityPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node_key.json")

	first, err := LoadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("key file missing: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("key file should be private, got %v", info.Mode().Perm())
	}

	second, err := LoadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if first.NodeID != second.NodeID {
		t.Fatalf("identity must survive restarts: %s != %s", first.NodeID, second.NodeID)
	}
}

func TestLoadIdentityAcceptsRawHex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node_key.json")
	generated, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	raw := hex.EncodeToString(ethcrypto.FromECDSA(generated.PrivateKey))
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	loaded, err := LoadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.NodeID != generated.NodeID {
		t.Fatalf("raw hex key should load to the same identity")
	}
}
