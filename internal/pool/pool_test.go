package pool

import (
	"context"
	"net/netip"
	"testing"
	"time"
)

func addr(s string) netip.Addr {
	return netip.MustParseAddr(s)
}

func mustWithdraw(t *testing.T, p *Pool) netip.Addr {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	a, err := p.Withdraw(ctx)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	return a
}

func TestWithdrawOrder(t *testing.T) {
	p := New()
	p.Put(addr("10.0.0.4"))
	p.Put(addr("10.0.0.5"))

	if got := mustWithdraw(t, p); got != addr("10.0.0.5") {
		t.Fatalf("expected most recently added address, got %v", got)
	}
	if got := mustWithdraw(t, p); got != addr("10.0.0.4") {
		t.Fatalf("expected 10.0.0.4, got %v", got)
	}
}

func TestPutIgnoresDuplicates(t *testing.T) {
	p := New()
	p.Put(addr("10.0.0.4"))
	p.Put(addr("10.0.0.4"))
	if n := p.CountFree(); n != 1 {
		t.Fatalf("expected 1 free address, got %d", n)
	}

	// A leased address must not re-enter the free stack either.
	leased := mustWithdraw(t, p)
	p.Put(leased)
	if n := p.CountFree(); n != 0 {
		t.Fatalf("expected empty free stack, got %d", n)
	}
}

func TestFreeAndLeasedDisjoint(t *testing.T) {
	p := New()
	p.Put(addr("10.0.0.4"))
	p.Put(addr("10.0.0.5"))
	got := mustWithdraw(t, p)

	free, leased := p.Snapshot()
	if len(free) != 1 || len(leased) != 1 {
		t.Fatalf("expected 1 free + 1 leased, got %v / %v", free, leased)
	}
	if free[0] == got {
		t.Fatalf("address %v present in both sets", got)
	}
	if leased[0] != got {
		t.Fatalf("expected %v leased, got %v", got, leased[0])
	}
}

func TestWithdrawBlocksUntilPut(t *testing.T) {
	p := New()

	done := make(chan netip.Addr, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		a, err := p.Withdraw(ctx)
		if err != nil {
			return
		}
		done <- a
	}()

	select {
	case a := <-done:
		t.Fatalf("withdraw returned %v from an empty pool", a)
	case <-time.After(20 * time.Millisecond):
	}

	p.Put(addr("10.0.0.9"))
	select {
	case a := <-done:
		if a != addr("10.0.0.9") {
			t.Fatalf("expected 10.0.0.9, got %v", a)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for withdraw to wake")
	}
}

func TestWithdrawHonorsContext(t *testing.T) {
	p := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Withdraw(ctx); err == nil {
		t.Fatalf("expected error from cancelled withdraw")
	}
}

func TestEvictDuplicateFromFree(t *testing.T) {
	p := New()
	p.Put(addr("10.0.0.4"))

	removed, wasLeased := p.EvictDuplicate(addr("10.0.0.4"))
	if !removed || wasLeased {
		t.Fatalf("expected removed=true leased=false, got %v/%v", removed, wasLeased)
	}
	if n := p.CountFree(); n != 0 {
		t.Fatalf("expected empty free stack, got %d", n)
	}
}

func TestEvictDuplicateFromLeased(t *testing.T) {
	p := New()
	p.Put(addr("10.0.0.5"))
	a := mustWithdraw(t, p)

	removed, wasLeased := p.EvictDuplicate(a)
	if removed || !wasLeased {
		t.Fatalf("expected removed=false leased=true, got %v/%v", removed, wasLeased)
	}
	// Eviction leaves the leased entry for the caller's cleanup.
	if !p.Leased(a) {
		t.Fatalf("expected %v still leased before DropLeased", a)
	}
	p.DropLeased(a)
	if p.Leased(a) {
		t.Fatalf("expected %v gone after DropLeased", a)
	}
}

func TestEvictDuplicateUnknownAddress(t *testing.T) {
	p := New()
	removed, wasLeased := p.EvictDuplicate(addr("10.0.0.77"))
	if removed || wasLeased {
		t.Fatalf("expected no-op eviction, got %v/%v", removed, wasLeased)
	}
}
