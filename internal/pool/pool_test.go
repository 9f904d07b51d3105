package pool

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestPool(t *testing.T, addrs []string, clock *fakeClock) *Pool {
	t.Helper()

	p, err := New(Config{
		Addresses:      addrs,
		StickyDuration: 60 * time.Second,
		BlockDuration:  300 * time.Second,
		Probe:          func(string) error { return nil },
		Now:            clock.Now,
		Logger:         zerolog.Nop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestNewNoBindableAddresses(t *testing.T) {
	t.Parallel()

	_, err := New(Config{
		Addresses: []string{"2001:db8::1", "2001:db8::2"},
		Probe:     func(string) error { return errors.New("bind failed") },
		Logger:    zerolog.Nop(),
	})
	if !errors.Is(err, ErrNoUsableAddresses) {
		t.Fatalf("err=%v, want ErrNoUsableAddresses", err)
	}
}

func TestNewDropsUnbindableCandidates(t *testing.T) {
	t.Parallel()

	p, err := New(Config{
		Addresses: []string{"2001:db8::1", "2001:db8::2"},
		Probe: func(addr string) error {
			if addr == "2001:db8::1" {
				return errors.New("bind failed")
			}
			return nil
		},
		Logger: zerolog.Nop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := p.Next(); got != "2001:db8::2" {
		t.Fatalf("Next()=%q, want the surviving candidate", got)
	}
}

func TestNextStickyWithinWindow(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	p := newTestPool(t, []string{"2001:db8::1", "2001:db8::2", "2001:db8::3"}, clock)

	first := p.Next()
	for i := 0; i < 5; i++ {
		clock.Advance(10 * time.Second)
		if got := p.Next(); got != first {
			t.Fatalf("Next()=%q inside sticky window, want %q", got, first)
		}
	}
}

func TestNextRotatesAfterStickyExpiry(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	p := newTestPool(t, []string{"2001:db8::1", "2001:db8::2", "2001:db8::3"}, clock)

	if got := p.Next(); got != "2001:db8::1" {
		t.Fatalf("Next()=%q, want first address", got)
	}
	clock.Advance(60 * time.Second)
	if got := p.Next(); got != "2001:db8::2" {
		t.Fatalf("Next()=%q after sticky expiry, want second address", got)
	}
	clock.Advance(60 * time.Second)
	if got := p.Next(); got != "2001:db8::3" {
		t.Fatalf("Next()=%q, want third address", got)
	}
	clock.Advance(60 * time.Second)
	if got := p.Next(); got != "2001:db8::1" {
		t.Fatalf("Next()=%q, want wrap back to first address", got)
	}
}

func TestMarkBlockedForcesRotation(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	p := newTestPool(t, []string{"2001:db8::1", "2001:db8::2", "2001:db8::3"}, clock)

	a1 := p.Next()
	p.MarkBlocked("")
	a2 := p.Next()
	if a2 == a1 {
		t.Fatalf("Next()=%q after MarkBlocked, want a different address", a2)
	}
	if a2 != "2001:db8::2" {
		t.Fatalf("Next()=%q, want next in rotation order", a2)
	}
}

func TestBlockedAddressSkippedUntilExpiry(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	p := newTestPool(t, []string{"2001:db8::1", "2001:db8::2", "2001:db8::3"}, clock)

	p.MarkBlocked("2001:db8::1")

	// Rotate through the pool; ::1 must not come up until its block lapses.
	for i := 0; i < 4; i++ {
		if got := p.Next(); got == "2001:db8::1" {
			t.Fatalf("blocked address returned %v before blockedUntil", clock.Now())
		}
		clock.Advance(60 * time.Second)
	}

	// 4 * 60s = 240s elapsed; one second short of eligibility.
	clock.Advance(59 * time.Second)
	if got := p.Next(); got == "2001:db8::1" {
		t.Fatal("blocked address returned one second early")
	}

	// Exactly at blockedUntil (300s after the block) the address is
	// eligible again on its next turn in rotation order.
	p.ResetSticky()
	clock.Advance(1 * time.Second)
	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		seen[p.Next()] = true
		p.ResetSticky()
	}
	if !seen["2001:db8::1"] {
		t.Fatal("address still skipped after its block expired")
	}
}

func TestAllBlockedDegradesToCursorOrder(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	p := newTestPool(t, []string{"2001:db8::1", "2001:db8::2"}, clock)

	p.MarkBlocked("2001:db8::1")
	p.MarkBlocked("2001:db8::2")

	got := p.Next()
	if got == "" {
		t.Fatal("Next() returned nothing with a fully blocked pool")
	}

	// The degraded pick opens a normal sticky window.
	if again := p.Next(); again != got {
		t.Fatalf("Next()=%q, want sticky %q", again, got)
	}
}

func TestStickyOutlivesBlockByValue(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	p := newTestPool(t, []string{"2001:db8::1", "2001:db8::2"}, clock)

	a1 := p.Next()

	// Blocking a *different* address keeps the current sticky window
	// intact, so a1 keeps being returned even while blocked elsewhere.
	p.MarkBlocked("2001:db8::2")
	clock.Advance(10 * time.Second)
	if got := p.Next(); got != a1 {
		t.Fatalf("Next()=%q, want sticky %q", got, a1)
	}
}

func TestClearBlocked(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	p := newTestPool(t, []string{"2001:db8::1", "2001:db8::2"}, clock)

	p.MarkBlocked("2001:db8::1")
	p.MarkBlocked("2001:db8::2")
	p.ClearBlocked()
	p.ResetSticky()

	if got := p.Next(); got == "" {
		t.Fatal("Next() returned nothing after ClearBlocked")
	}
}

func TestResetStickyRotates(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	p := newTestPool(t, []string{"2001:db8::1", "2001:db8::2"}, clock)

	a1 := p.Next()
	p.ResetSticky()
	if got := p.Next(); got == a1 {
		t.Fatalf("Next()=%q after ResetSticky, want rotation", got)
	}
}

func TestStatsCountsUsage(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	p := newTestPool(t, []string{"2001:db8::1", "2001:db8::2"}, clock)

	p.Next()
	p.Next()
	clock.Advance(60 * time.Second)
	p.Next()

	stats := p.Stats()
	if stats["2001:db8::1"] != 2 {
		t.Fatalf("stats[::1]=%d, want 2", stats["2001:db8::1"])
	}
	if stats["2001:db8::2"] != 1 {
		t.Fatalf("stats[::2]=%d, want 1", stats["2001:db8::2"])
	}
}
