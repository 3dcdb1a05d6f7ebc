package peer

import "testing"

func mkPeer(uuid, url string) *Peer {
	return &Peer{UUID: uuid, URL: url}
}

func TestLookupIsTotalAndStable(t *testing.T) {
	tbl := NewTable(mkPeer("self", "self:8080"))
	tbl.Insert(mkPeer("p1", "p1:8080"))
	tbl.Insert(mkPeer("p2", "p2:8080"))

	for _, key := range []string{"/a/foo", "/a/bar", "/a/baz"} {
		p1 := tbl.Lookup(key)
		p2 := tbl.Lookup(key)
		if p1 == nil {
			t.Fatalf("Lookup(%q) returned nil", key)
		}
		if p1.UUID != p2.UUID {
			t.Fatalf("Lookup(%q) unstable: %q != %q", key, p1.UUID, p2.UUID)
		}
	}
}

func TestInsertIdempotent(t *testing.T) {
	tbl := NewTable(mkPeer("self", "self:8080"))
	tbl.Insert(mkPeer("p1", "p1:8080"))
	before := tbl.Size()
	tbl.Insert(mkPeer("p1", "p1:8080"))
	if tbl.Size() != before {
		t.Fatalf("Insert not idempotent: size %d -> %d", before, tbl.Size())
	}
}

func TestRemoveIdempotent(t *testing.T) {
	tbl := NewTable(mkPeer("self", "self:8080"))
	tbl.Insert(mkPeer("p1", "p1:8080"))
	tbl.RemoveByURL("p1:8080")
	before := tbl.Size()
	tbl.RemoveByURL("p1:8080")
	if tbl.Size() != before {
		t.Fatalf("Remove not idempotent: size %d -> %d", before, tbl.Size())
	}
	if tbl.CheckURL("p1:8080") {
		t.Fatalf("p1 should be gone")
	}
}

func TestSelfNeverRemoved(t *testing.T) {
	tbl := NewTable(mkPeer("self", "self:8080"))
	tbl.RemoveByURL("self:8080")
	if !tbl.CheckURL("self:8080") {
		t.Fatalf("self must never be removed")
	}
	if tbl.Size() != 1 {
		t.Fatalf("size = %d, want 1", tbl.Size())
	}
}

func TestURLReassignmentReplacesPeer(t *testing.T) {
	tbl := NewTable(mkPeer("self", "self:8080"))
	tbl.Insert(mkPeer("p1", "shared:8080"))
	tbl.Insert(mkPeer("p2", "shared:8080")) // URL reassigned to a new UUID

	if tbl.CheckURL("shared:8080") == false {
		t.Fatalf("shared URL should still be mapped")
	}
	uuid := tbl.Lookup("any-key")
	_ = uuid
	found := false
	tbl.ForEach(func(p *Peer) {
		if p.URL == "shared:8080" && p.UUID == "p2" {
			found = true
		}
	})
	if !found {
		t.Fatalf("expected p2 to own shared:8080")
	}
	if tbl.Size() != 2 { // self + p2
		t.Fatalf("size = %d, want 2", tbl.Size())
	}
}

func TestRemoveReassignsOnlyLostShare(t *testing.T) {
	tbl := NewTable(mkPeer("self", "self:8080"))
	tbl.Insert(mkPeer("p1", "p1:8080"))
	tbl.Insert(mkPeer("p2", "p2:8080"))

	keys := []string{"/a", "/b", "/c", "/d", "/e", "/f", "/g", "/h"}
	before := map[string]string{}
	for _, k := range keys {
		before[k] = tbl.Lookup(k).UUID
	}

	tbl.RemoveByURL("p1:8080")

	for _, k := range keys {
		after := tbl.Lookup(k)
		if before[k] != "p1" && after.UUID != before[k] {
			t.Fatalf("key %q moved from %s to %s though its owner was untouched", k, before[k], after.UUID)
		}
	}
}

func TestDistributionRoughlyBalanced(t *testing.T) {
	tbl := NewTable(mkPeer("self", "self:8080"))
	tbl.Insert(mkPeer("p1", "p1:8080"))
	tbl.Insert(mkPeer("p2", "p2:8080"))

	const n = 9000
	counts := map[string]int{}
	for i := 0; i < n; i++ {
		counts[tbl.Lookup(itoaKey(i)).UUID]++
	}
	if len(counts) != 3 {
		t.Fatalf("expected 3 owners, got %d", len(counts))
	}
	ideal := float64(n) / 3
	for id, c := range counts {
		if c == 0 {
			t.Fatalf("peer %s got zero keys", id)
		}
		diff := (float64(c) - ideal) / ideal
		if diff < 0 {
			diff = -diff
		}
		if diff > 1.0 {
			t.Fatalf("distribution too skewed: %s has %d (ideal %.1f)", id, c, ideal)
		}
	}
}

func itoaKey(i int) string {
	const hex = "0123456789abcdef"
	b := make([]byte, 0, 10)
	b = append(b, '/', 'k')
	for shift := 28; shift >= 0; shift -= 4 {
		b = append(b, hex[(i>>uint(shift))&0xf])
	}
	return string(b)
}
