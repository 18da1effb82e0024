package p2p

import (
	"encoding/hex"
	"fmt"
	"testing"
	"time"
)

func testID(b byte, rest byte) string {
	raw := make([]byte, 32)
	raw[0] = b
	for i := 1; i < len(raw); i++ {
		raw[i] = rest
	}
	return "0x" + hex.EncodeToString(raw)
}

func TestLogDistance(t *testing.T) {
	var a, b [32]byte
	if logDistance(a, b) != 0 {
		t.Fatalf("identical IDs must be at distance 0")
	}
	b[0] = 0x80
	if got := logDistance(a, b); got != 256 {
		t.Fatalf("top bit flip should be distance 256, got %d", got)
	}
	b[0] = 0
	b[31] = 0x01
	if got := logDistance(a, b); got != 1 {
		t.Fatalf("bottom bit flip should be distance 1, got %d", got)
	}
}

func TestBucketIndexClampsNearDistances(t *testing.T) {
	table := newDHTTable(testID(0x00, 0x00))

	var near [32]byte
	near[31] = 0x01
	if idx := table.bucketIndex(near); idx != 0 {
		t.Fatalf("near IDs share bucket 0, got %d", idx)
	}

	var far [32]byte
	far[0] = 0x80
	if idx := table.bucketIndex(far); idx != dhtBucketCount-1 {
		t.Fatalf("maximal distance should land in the last bucket, got %d", idx)
	}
}

func TestTableAddAndRefresh(t *testing.T) {
	table := newDHTTable(testID(0x00, 0x00))
	now := time.Now()

	id := testID(0x80, 0x01)
	if !table.add(id, "10.0.0.1:30311", now) {
		t.Fatalf("expected insert")
	}
	if table.add(id, "10.0.0.2:30311", now.Add(time.Second)) {
		t.Fatalf("re-adding refreshes, it does not insert")
	}
	if table.len() != 1 {
		t.Fatalf("expected one entry, got %d", table.len())
	}
}

func TestTableRejectsSelf(t *testing.T) {
	self := testID(0x11, 0x22)
	table := newDHTTable(self)
	if table.add(self, "10.0.0.1:30311", time.Now()) {
		t.Fatalf("self must never enter the routing table")
	}
}

func TestTableFullBucketKeepsLiveNodes(t *testing.T) {
	table := newDHTTable(testID(0x00, 0x00))
	now := time.Now()

	// All IDs share the top bit, landing in the same far bucket.
	for i := 0; i < dhtBucketSize; i++ {
		id := testID(0x80, byte(i+1))
		if !table.add(id, fmt.Sprintf("10.0.0.%d:30311", i+1), now) {
			t.Fatalf("insert %d failed", i)
		}
	}

	// Every member is live, so the newcomer is refused.
	if table.add(testID(0x81, 0x00), "10.0.1.1:30311", now.Add(time.Minute)) {
		t.Fatalf("full bucket of live nodes should refuse the newcomer")
	}

	// Once a member goes stale past the refresh interval, it is replaced.
	later := now.Add(dhtRefreshInterval + time.Hour)
	if !table.add(testID(0x81, 0x00), "10.0.1.1:30311", later) {
		t.Fatalf("stale member should be evicted for the newcomer")
	}
	if table.len() != dhtBucketSize {
		t.Fatalf("bucket should stay at capacity, got %d", table.len())
	}
}

func TestClosestOrdering(t *testing.T) {
	table := newDHTTable(testID(0x00, 0x00))
	now := time.Now()

	ids := []string{testID(0x80, 0x01), testID(0xc0, 0x01), testID(0xf0, 0x01)}
	for i, id := range ids {
		table.add(id, fmt.Sprintf("10.0.0.%d:30311", i+1), now)
	}

	var target [32]byte
	target[0] = 0xf0
	for i := 1; i < len(target); i++ {
		target[i] = 0x01
	}
	closest := table.closest(target, 2)
	if len(closest) != 2 {
		t.Fatalf("expected 2 results, got %d", len(closest))
	}
	if closest[0].nodeID != ids[2] {
		t.Fatalf("expected exact match first, got %s", closest[0].nodeID)
	}
	if closest[1].nodeID != ids[1] {
		t.Fatalf("expected 0xc0 prefix second, got %s", closest[1].nodeID)
	}
}

func TestXorLess(t *testing.T) {
	var a, b, target [32]byte
	a[0] = 0x01
	b[0] = 0x02
	if !xorLess(a, b, target) {
		t.Fatalf("expected a closer to zero target")
	}
	target[0] = 0x02
	if xorLess(a, b, target) {
		t.Fatalf("expected b to match the target exactly")
	}
}
