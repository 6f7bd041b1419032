package ndp

import (
	"net"
	"net/netip"
	"testing"
	"time"
)

func TestTableLookupElsewhere(t *testing.T) {
	tbl := newTable()
	addr := netip.MustParseAddr("fe80::1")
	mac := net.HardwareAddr{1, 2, 3, 4, 5, 6}

	now := time.Now()
	tbl.upsert(addr, 2, mac, now)

	// Not known on interface 2 itself (spec.md §4.5: "A is not known on
	// I but is known on another interface J").
	if _, ok := tbl.lookupElsewhere(addr, 2); ok {
		t.Fatal("should not find an entry on its own interface")
	}

	if _, ok := tbl.lookupElsewhere(addr, 3); !ok {
		t.Fatal("should find the entry known on interface 2 when queried from interface 3")
	}
}

func TestTableEvictIdle(t *testing.T) {
	tbl := newTable()
	addr := netip.MustParseAddr("fe80::2")
	mac := net.HardwareAddr{1, 2, 3, 4, 5, 6}

	base := time.Now()
	tbl.upsert(addr, 1, mac, base)

	tbl.evictIdle(base.Add(idleTimeout-time.Second), idleTimeout)
	if _, ok := tbl.lookupElsewhere(addr, 0); !ok {
		t.Fatal("entry evicted too early")
	}

	tbl.evictIdle(base.Add(idleTimeout+time.Second), idleTimeout)
	if _, ok := tbl.lookupElsewhere(addr, 0); ok {
		t.Fatal("entry should have been evicted after the idle timeout")
	}
}

func TestTableEvictIdleReturnsEvictedEntries(t *testing.T) {
	tbl := newTable()
	addr := netip.MustParseAddr("fe80::4")
	mac := net.HardwareAddr{1, 2, 3, 4, 5, 6}

	base := time.Now()
	tbl.upsert(addr, 5, mac, base)

	if evicted := tbl.evictIdle(base.Add(idleTimeout-time.Second), idleTimeout); len(evicted) != 0 {
		t.Fatalf("got %d evicted entries too early, want 0", len(evicted))
	}

	evicted := tbl.evictIdle(base.Add(idleTimeout+time.Second), idleTimeout)
	if len(evicted) != 1 {
		t.Fatalf("got %d evicted entries, want 1", len(evicted))
	}
	if evicted[0].addr != addr || evicted[0].ifIndex != 5 {
		t.Fatalf("got evicted entry %+v, want addr=%v ifIndex=5", evicted[0], addr)
	}
}

func TestTableUpsertRefreshesLastSeen(t *testing.T) {
	tbl := newTable()
	addr := netip.MustParseAddr("fe80::3")
	mac := net.HardwareAddr{1, 2, 3, 4, 5, 6}

	base := time.Now()
	tbl.upsert(addr, 1, mac, base)
	tbl.upsert(addr, 1, mac, base.Add(idleTimeout))

	tbl.evictIdle(base.Add(idleTimeout+time.Second), idleTimeout)
	if _, ok := tbl.lookupElsewhere(addr, 0); !ok {
		t.Fatal("refreshed entry evicted despite recent upsert")
	}
}
