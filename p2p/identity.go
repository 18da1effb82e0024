package p2p

import (
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Identity is the persistent node identity: a secp256k1 key pair plus the
// derived node ID. The node ID is keccak256 of the uncompressed public key,
// 0x-prefixed hex, and is stable for the life of the key.
type Identity struct {
	PrivateKey *ecdsa.PrivateKey
	NodeID     string
}

type identityDisk struct {
	PrivateKey string `json:"privateKey"`
}

// LoadOrCreateIdentity reads a secp256k1 private key from disk, generating and
// persisting one if absent.
func LoadOrCreateIdentity(path string) (*Identity, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("identity path must be provided")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create identity directory: %w", err)
	}

	if data, err := os.ReadFile(path); err == nil {
		return decodeIdentity(data)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read identity file: %w", err)
	}

	privKey, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	encoded := identityDisk{PrivateKey: hex.EncodeToString(ethcrypto.FromECDSA(privKey))}
	payload, err := json.MarshalIndent(&encoded, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode identity: %w", err)
	}
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return nil, fmt.Errorf("persist identity: %w", err)
	}
	return &Identity{PrivateKey: privKey, NodeID: deriveNodeID(privKey)}, nil
}

func decodeIdentity(data []byte) (*Identity, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, fmt.Errorf("identity file empty")
	}
	// Accept both raw hex and the JSON envelope.
	keyHex := trimmed
	if trimmed[0] == '{' {
		var stored identityDisk
		if err := json.Unmarshal([]byte(trimmed), &stored); err != nil {
			return nil, fmt.Errorf("decode identity JSON: %w", err)
		}
		keyHex = strings.TrimSpace(stored.PrivateKey)
	}
	raw, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("decode identity key material: %w", err)
	}
	privKey, err := ethcrypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("parse identity key: %w", err)
	}
	return &Identity{PrivateKey: privKey, NodeID: deriveNodeID(privKey)}, nil
}

// GenerateIdentity creates an ephemeral identity. Tests and short-lived tools
// use this instead of a key file.
func GenerateIdentity() (*Identity, error) {
	privKey, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &Identity{PrivateKey: privKey, NodeID: deriveNodeID(privKey)}, nil
}

func deriveNodeID(priv *ecdsa.PrivateKey) string {
	if priv == nil {
		return ""
	}
	return deriveNodeIDFromPub(&priv.PublicKey)
}

func deriveNodeIDFromPub(pub *ecdsa.PublicKey) string {
	if pub == nil {
		return ""
	}
	pubBytes := ethcrypto.FromECDSAPub(pub)
	if len(pubBytes) == 0 {
		return ""
	}
	hash := ethcrypto.Keccak256(pubBytes[1:])
	return "0x" + hex.EncodeToString(hash)
}

// normalizeHex lowercases a hex identifier and guarantees the 0x prefix.
func normalizeHex(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		trimmed = trimmed[2:]
	}
	if trimmed == "" {
		return ""
	}
	for _, ch := range trimmed {
		switch {
		case ch >= '0' && ch <= '9':
		case ch >= 'a' && ch <= 'f':
		case ch >= 'A' && ch <= 'F':
		default:
			return ""
		}
	}
	return "0x" + strings.ToLower(trimmed)
}

// nodeIDBytes decodes a normalized node ID into its raw 32 bytes.
func nodeIDBytes(id string) ([]byte, bool) {
	normalized := normalizeHex(id)
	if normalized == "" {
		return nil, false
	}
	raw, err := hex.DecodeString(normalized[2:])
	if err != nil || len(raw) != 32 {
		return nil, false
	}
	return raw, true
}
