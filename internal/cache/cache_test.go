package cache

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/kestrelgrid/invbridge/internal/serialcodec"
)

func fp(n uint16) serialcodec.Fingerprint {
	return serialcodec.Fingerprint{Function: serialcodec.FuncReadHolding, StartRegister: n, RegisterCount: 10}
}

func TestPutGetRoundTrip(t *testing.T) {
	clk := clock.NewMock()
	c := New(clk, 10, 10*time.Minute)

	c.Put(fp(0), []byte{1, 2, 3})
	entry, ok := c.Get(fp(0))
	if !ok {
		t.Fatal("expected hit")
	}
	if string(entry.EncodedResponse) != "\x01\x02\x03" {
		t.Errorf("got %v", entry.EncodedResponse)
	}
	if entry.HitCount != 1 {
		t.Errorf("hit count = %d, want 1", entry.HitCount)
	}

	if _, ok := c.Get(fp(99)); ok {
		t.Fatal("expected miss for unknown key")
	}
}

func TestTTLExpiry(t *testing.T) {
	clk := clock.NewMock()
	c := New(clk, 10, time.Minute)

	c.Put(fp(0), []byte{1})
	clk.Add(59 * time.Second)
	if _, ok := c.Get(fp(0)); !ok {
		t.Fatal("expected hit just before TTL")
	}

	clk.Add(2 * time.Second) // total 61s, past 60s TTL
	c.Put(fp(1), []byte{2})  // triggers maintenance sweep
	if _, ok := c.Get(fp(0)); ok {
		t.Fatal("expected the expired entry to be gone after the sweep")
	}
	if _, ok := c.Get(fp(1)); !ok {
		t.Fatal("expected the fresh entry to survive")
	}
}

func TestCapacityEvictsSmallestCreatedAt(t *testing.T) {
	clk := clock.NewMock()
	c := New(clk, 10, time.Hour)

	for i := uint16(0); i < 11; i++ {
		c.Put(fp(i), []byte{byte(i)})
		clk.Add(time.Millisecond)
	}

	if got := c.Size(); got != 10 {
		t.Fatalf("size = %d, want 10", got)
	}
	if _, ok := c.Get(fp(0)); ok {
		t.Fatal("expected the oldest entry (fp(0)) to have been evicted")
	}
	for i := uint16(1); i < 11; i++ {
		if _, ok := c.Get(fp(i)); !ok {
			t.Errorf("expected fp(%d) to still be present", i)
		}
	}
}

func TestPutSameKeyReplaces(t *testing.T) {
	clk := clock.NewMock()
	c := New(clk, 10, time.Hour)

	c.Put(fp(0), []byte{1})
	c.Put(fp(0), []byte{2})

	if got := c.Size(); got != 1 {
		t.Fatalf("size = %d, want 1 (same-key put must replace, not append)", got)
	}
	entry, _ := c.Get(fp(0))
	if string(entry.EncodedResponse) != "\x02" {
		t.Errorf("got %v, want replaced value", entry.EncodedResponse)
	}
}

func TestClear(t *testing.T) {
	clk := clock.NewMock()
	c := New(clk, 10, time.Hour)
	c.Put(fp(0), []byte{1})
	c.Put(fp(1), []byte{2})
	c.Clear()
	if got := c.Size(); got != 0 {
		t.Fatalf("size = %d, want 0", got)
	}
}

func TestSnapshot(t *testing.T) {
	clk := clock.NewMock()
	c := New(clk, 10, time.Hour)
	c.Put(fp(0), []byte{1})
	c.Put(fp(1), []byte{2})

	snap := c.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("got %d entries, want 2", len(snap))
	}
}
