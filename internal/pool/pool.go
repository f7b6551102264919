// Package pool tracks the IPv4 addresses this connector has confirmed
// free on the local segment and the addresses currently leased out to
// the guest side.
//
// The free list is a stack: Withdraw pops the most recently added
// address, so an address spends the minimum time between being probed
// and being handed out, which keeps the window for an undetected
// duplicate small.
package pool

import (
	"context"
	"net/netip"
	"sync"
)

// Pool is safe for concurrent use. All operations take a single
// exclusive lock for their critical section only; nothing slow (ARP
// probing in particular) happens under it.
type Pool struct {
	mu     sync.Mutex
	free   []netip.Addr
	leased map[netip.Addr]struct{}

	// avail is signaled whenever the free stack grows, waking a
	// blocked Withdraw. Capacity 1: a wakeup is a hint, waiters
	// re-check the predicate under the lock.
	avail chan struct{}
}

// New returns an empty pool.
func New() *Pool {
	return &Pool{
		leased: make(map[netip.Addr]struct{}),
		avail:  make(chan struct{}, 1),
	}
}

// CountFree returns a snapshot of the number of free addresses.
func (p *Pool) CountFree() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Put pushes addr onto the free stack. Addresses already present in
// either set are ignored, so the free stack never holds duplicates
// and never shadows a lease.
func (p *Pool) Put(addr netip.Addr) {
	p.mu.Lock()
	if _, ok := p.leased[addr]; ok {
		p.mu.Unlock()
		return
	}
	for _, a := range p.free {
		if a == addr {
			p.mu.Unlock()
			return
		}
	}
	p.free = append(p.free, addr)
	p.mu.Unlock()

	select {
	case p.avail <- struct{}{}:
	default:
	}
}

// Withdraw pops the most recently added free address and marks it
// leased. It blocks while the pool is empty; the replenisher's buffer
// target makes that transient unless the address range is exhausted.
func (p *Pool) Withdraw(ctx context.Context) (netip.Addr, error) {
	for {
		p.mu.Lock()
		if n := len(p.free); n > 0 {
			addr := p.free[n-1]
			p.free = p.free[:n-1]
			p.leased[addr] = struct{}{}
			p.mu.Unlock()
			return addr, nil
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return netip.Addr{}, ctx.Err()
		case <-p.avail:
		}
	}
}

// EvictDuplicate removes addr from the free stack if present and
// reports whether it did, along with whether addr is currently
// leased. The leased entry is deliberately left in place: callers run
// their cleanup side effects (notifying the bridge, dropping the ARP
// claim) first and then call DropLeased.
func (p *Pool) EvictDuplicate(addr netip.Addr) (removedFromFree, wasLeased bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, a := range p.free {
		if a == addr {
			p.free = append(p.free[:i], p.free[i+1:]...)
			removedFromFree = true
			break
		}
	}
	_, wasLeased = p.leased[addr]
	return removedFromFree, wasLeased
}

// DropLeased removes addr from the leased set.
func (p *Pool) DropLeased(addr netip.Addr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.leased, addr)
}

// Leased reports whether addr is currently leased.
func (p *Pool) Leased(addr netip.Addr) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.leased[addr]
	return ok
}

// Snapshot returns copies of the free and leased sets.
func (p *Pool) Snapshot() (free, leased []netip.Addr) {
	p.mu.Lock()
	defer p.mu.Unlock()

	free = append([]netip.Addr(nil), p.free...)
	leased = make([]netip.Addr, 0, len(p.leased))
	for addr := range p.leased {
		leased = append(leased, addr)
	}
	return free, leased
}
