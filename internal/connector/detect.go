package connector

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/vnet/internal/bridge"
)

// detect re-probes every address the pool holds, free or leased, on a
// fixed interval and evicts confirmed duplicates. It runs until the
// enclosing group cancels it.
func (c *Connector) detect(ctx context.Context, conn *bridge.Conn) error {
	ticker := time.NewTicker(c.cfg.DetectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := c.sweep(ctx, conn); err != nil {
			return err
		}
	}
}

// sweep probes one snapshot of the pool concurrently, then handles
// every address that answered. Probing happens outside the pool lock.
func (c *Connector) sweep(ctx context.Context, conn *bridge.Conn) error {
	free, leased := c.pool.Snapshot()
	addrs := append(free, leased...)
	if len(addrs) == 0 {
		return nil
	}

	var mu sync.Mutex
	var dups []netip.Addr

	g, probeCtx := errgroup.WithContext(ctx)
	for _, addr := range addrs {
		g.Go(func() error {
			answered, err := c.arp.Probe(probeCtx, addr)
			if err != nil {
				return err
			}
			if answered {
				mu.Lock()
				dups = append(dups, addr)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, addr := range dups {
		if err := c.evict(conn, addr); err != nil {
			return err
		}
	}
	return nil
}

// evict removes a duplicated address from the pool. The free-side
// removal and its wake signal complete before the leased-side cleanup
// starts, so a concurrent lease cannot hand out an address that is
// mid-eviction.
func (c *Connector) evict(conn *bridge.Conn, addr netip.Addr) error {
	c.log.Warn("duplicate address detected", "addr", addr)

	removedFromFree, wasLeased := c.pool.EvictDuplicate(addr)
	if removedFromFree {
		c.signalWake()
	}
	if wasLeased {
		// The bridge and the ARP responder learn about the conflict
		// before the lease record disappears.
		if err := conn.WriteControl(bridge.Control{Type: bridge.MsgIPDuplicate, Addr: addr}); err != nil {
			return fmt.Errorf("notify duplicate %s: %w", addr, err)
		}
		c.arp.RemoveClaimed(addr)
		c.pool.DropLeased(addr)
	}
	return nil
}
