package directory

import (
	"net"
	"testing"
	"time"
)

func TestDedupByPublicKeyUpdatesEndpoint(t *testing.T) {
	d := New(10)
	key := []byte{1, 2, 3}
	d.Upsert(Entry{PublicKey: key, IP: net.IPv4(10, 0, 0, 1), Port: 1})
	d.Upsert(Entry{PublicKey: key, IP: net.IPv4(10, 0, 0, 2), Port: 2})

	if d.Len() != 1 {
		t.Fatalf("expected one slot, got %d", d.Len())
	}
	e, ok := d.At(0)
	if !ok {
		t.Fatal("expected entry at index 0")
	}
	if e.Port != 2 {
		t.Fatalf("expected the later endpoint to win, got port %d", e.Port)
	}
}

func TestNoKeyDifferentEndpointsOccupyTwoSlots(t *testing.T) {
	d := New(10)
	d.Upsert(Entry{IP: net.IPv4(10, 0, 0, 1), Port: 1})
	d.Upsert(Entry{IP: net.IPv4(10, 0, 0, 2), Port: 2})
	if d.Len() != 2 {
		t.Fatalf("expected two slots, got %d", d.Len())
	}
}

func TestOldestEviction(t *testing.T) {
	d := New(2)
	base := time.Unix(1000, 0)
	nowFunc = func() time.Time { return base }
	d.Upsert(Entry{IP: net.IPv4(1, 1, 1, 1), Port: 1})
	nowFunc = func() time.Time { return base.Add(time.Second) }
	d.Upsert(Entry{IP: net.IPv4(2, 2, 2, 2), Port: 2})
	nowFunc = func() time.Time { return base.Add(2 * time.Second) }
	d.Upsert(Entry{IP: net.IPv4(3, 3, 3, 3), Port: 3})
	nowFunc = time.Now

	snap := d.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected capacity to stay at 2, got %d", len(snap))
	}
	for _, e := range snap {
		if e.Port == 1 {
			t.Fatal("the oldest entry should have been evicted")
		}
	}
}
