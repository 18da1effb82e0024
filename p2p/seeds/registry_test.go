package seeds

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type fakeResolver struct {
	records map[string][]string
	err     error
}

func (f *fakeResolver) LookupTXT(_ context.Context, name string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.records[name], nil
}

func testAuthorityKey(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return pub, priv
}

func signedTXT(t *testing.T, priv ed25519.PrivateKey, domain string, rec dnsRecord) string {
	t.Helper()
	nodeID := normalizeNodeID(rec.NodeID)
	message := buildSigningMessage(nodeID, rec.Address, rec.NotBefore, rec.NotAfter, domain)
	rec.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(priv, message))
	raw, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal record: %v", err)
	}
	return recordPrefix + base64.StdEncoding.EncodeToString(raw)
}

func testRegistry(pub ed25519.PublicKey, domain string) *Registry {
	return &Registry{
		Version: 1,
		Authorities: []Authority{{
			Domain:    domain,
			Algorithm: "ed25519",
			PublicKey: base64.StdEncoding.EncodeToString(pub),
		}},
	}
}

func TestResolveVerifiedRecords(t *testing.T) {
	pub, priv := testAuthorityKey(t)
	reg := testRegistry(pub, "seeds.example.org")
	resolver := &fakeResolver{records: map[string][]string{
		"_meshseed.seeds.example.org": {
			signedTXT(t, priv, "seeds.example.org", dnsRecord{NodeID: "0xaa11", Address: "10.0.0.1:30311"}),
			signedTXT(t, priv, "seeds.example.org", dnsRecord{NodeID: "0xbb22", Address: "10.0.0.2:30311"}),
		},
	}}

	resolved, err := reg.Resolve(context.Background(), time.Now(), resolver)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if len(resolved) != 2 {
		t.Fatalf("expected 2 seeds, got %d", len(resolved))
	}
	if resolved[0].NodeID != "0xaa11" || resolved[0].Address != "10.0.0.1:30311" {
		t.Fatalf("unexpected first seed: %+v", resolved[0])
	}
	if resolved[0].Source != "dns:seeds.example.org" {
		t.Fatalf("source should name the zone, got %q", resolved[0].Source)
	}
}

func TestResolveRejectsBadSignature(t *testing.T) {
	pub, _ := testAuthorityKey(t)
	_, otherPriv := testAuthorityKey(t)
	reg := testRegistry(pub, "seeds.example.org")
	resolver := &fakeResolver{records: map[string][]string{
		"_meshseed.seeds.example.org": {
			signedTXT(t, otherPriv, "seeds.example.org", dnsRecord{NodeID: "0xaa11", Address: "10.0.0.1:30311"}),
		},
	}}

	resolved, err := reg.Resolve(context.Background(), time.Now(), resolver)
	if err == nil {
		t.Fatalf("foreign signature must be reported")
	}
	if !strings.Contains(err.Error(), "signature verification failed") {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resolved) != 0 {
		t.Fatalf("forged records must not yield seeds, got %d", len(resolved))
	}
}

func TestResolveRejectsCrossZoneReplay(t *testing.T) {
	pub, priv := testAuthorityKey(t)
	reg := testRegistry(pub, "seeds.example.org")
	// Record signed for a different zone, replayed under ours.
	resolver := &fakeResolver{records: map[string][]string{
		"_meshseed.seeds.example.org": {
			signedTXT(t, priv, "other.example.org", dnsRecord{NodeID: "0xaa11", Address: "10.0.0.1:30311"}),
		},
	}}

	resolved, err := reg.Resolve(context.Background(), time.Now(), resolver)
	if err == nil || len(resolved) != 0 {
		t.Fatalf("domain-bound signature must not verify across zones: %v, %d seeds", err, len(resolved))
	}
}

func TestResolveSkipsExpiredRecords(t *testing.T) {
	pub, priv := testAuthorityKey(t)
	reg := testRegistry(pub, "seeds.example.org")
	now := time.Now()
	resolver := &fakeResolver{records: map[string][]string{
		"_meshseed.seeds.example.org": {
			signedTXT(t, priv, "seeds.example.org", dnsRecord{
				NodeID: "0xaa11", Address: "10.0.0.1:30311",
				NotAfter: now.Add(-time.Hour).Unix(),
			}),
			signedTXT(t, priv, "seeds.example.org", dnsRecord{
				NodeID: "0xbb22", Address: "10.0.0.2:30311",
				NotBefore: now.Add(time.Hour).Unix(),
			}),
			signedTXT(t, priv, "seeds.example.org", dnsRecord{NodeID: "0xcc33", Address: "10.0.0.3:30311"}),
		},
	}}

	resolved, err := reg.Resolve(context.Background(), now, resolver)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if len(resolved) != 1 || resolved[0].NodeID != "0xcc33" {
		t.Fatalf("only the live record should survive, got %+v", resolved)
	}
}

func TestResolveFallsBackToStatic(t *testing.T) {
	pub, _ := testAuthorityKey(t)
	reg := testRegistry(pub, "seeds.example.org")
	reg.StaticSeeds = []StaticRecord{
		{NodeID: "dd44", Address: "10.0.9.1:30311"},
	}
	resolver := &fakeResolver{err: fmt.Errorf("servfail")}

	resolved, err := reg.Resolve(context.Background(), time.Now(), resolver)
	if err == nil {
		t.Fatalf("lookup failure must be reported")
	}
	if len(resolved) != 1 {
		t.Fatalf("static fallback should survive a DNS outage, got %d", len(resolved))
	}
	if resolved[0].NodeID != "0xdd44" {
		t.Fatalf("static node IDs should be normalized, got %q", resolved[0].NodeID)
	}
	if resolved[0].Source != "registry.static" {
		t.Fatalf("unexpected static source %q", resolved[0].Source)
	}
}

func TestResolveDeduplicates(t *testing.T) {
	pub, priv := testAuthorityKey(t)
	reg := testRegistry(pub, "seeds.example.org")
	reg.StaticSeeds = []StaticRecord{
		{NodeID: "0xaa11", Address: "10.0.0.1:30311"},
	}
	resolver := &fakeResolver{records: map[string][]string{
		"_meshseed.seeds.example.org": {
			signedTXT(t, priv, "seeds.example.org", dnsRecord{NodeID: "0xaa11", Address: "10.0.0.1:30311"}),
		},
	}}

	resolved, err := reg.Resolve(context.Background(), time.Now(), resolver)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if len(resolved) != 1 {
		t.Fatalf("same node at same address should dedupe, got %d", len(resolved))
	}
}

func TestAuthorityCustomLookup(t *testing.T) {
	pub, priv := testAuthorityKey(t)
	reg := testRegistry(pub, "seeds.example.org")
	reg.Authorities[0].Lookup = "custom.seeds.example.org"
	resolver := &fakeResolver{records: map[string][]string{
		"custom.seeds.example.org": {
			signedTXT(t, priv, "seeds.example.org", dnsRecord{NodeID: "0xaa11", Address: "10.0.0.1:30311"}),
		},
	}}

	resolved, err := reg.Resolve(context.Background(), time.Now(), resolver)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if len(resolved) != 1 {
		t.Fatalf("custom lookup name should be honored, got %d seeds", len(resolved))
	}
}

func TestParseValidation(t *testing.T) {
	if _, err := Parse([]byte("  ")); err == nil {
		t.Fatalf("empty payload must be rejected")
	}
	if _, err := Parse([]byte(`{"version": 2}`)); err == nil {
		t.Fatalf("unsupported version must be rejected")
	}
	if _, err := Parse([]byte(`{"authorities":[{"domain":"a.example.org","publicKey":"bad!"}]}`)); err == nil {
		t.Fatalf("undecodable authority key must be rejected")
	}
	if _, err := Parse([]byte(`{"authorities":[{"domain":"a.example.org","algorithm":"rsa","publicKey":"AAAA"}]}`)); err == nil {
		t.Fatalf("unsupported algorithm must be rejected")
	}

	pub, _ := testAuthorityKey(t)
	payload := fmt.Sprintf(`{"authorities":[{"domain":"a.example.org","publicKey":%q}],"static":[{"nodeId":"0xaa11","address":"10.0.0.1:30311"}]}`,
		base64.StdEncoding.EncodeToString(pub))
	reg, err := Parse([]byte(payload))
	if err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}
	if reg.Version != 1 {
		t.Fatalf("omitted version should default to 1, got %d", reg.Version)
	}
}

func TestParseFile(t *testing.T) {
	pub, _ := testAuthorityKey(t)
	payload := fmt.Sprintf(`{"version":1,"refreshSeconds":120,"authorities":[{"domain":"a.example.org","publicKey":%q}]}`,
		base64.StdEncoding.EncodeToString(pub))
	path := filepath.Join(t.TempDir(), "seeds.json")
	if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
		t.Fatalf("write registry: %v", err)
	}

	reg, err := ParseFile(path)
	if err != nil {
		t.Fatalf("parse file: %v", err)
	}
	if reg.RefreshInterval() != 2*time.Minute {
		t.Fatalf("refresh interval mismatch: %v", reg.RefreshInterval())
	}

	if _, err := ParseFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("missing file must error")
	}
}

func TestRefreshIntervalDefault(t *testing.T) {
	var reg *Registry
	if reg.RefreshInterval() != defaultRefreshInterval {
		t.Fatalf("nil registry should report the default interval")
	}
	if (&Registry{}).RefreshInterval() != defaultRefreshInterval {
		t.Fatalf("zero refreshSeconds should report the default interval")
	}
}
