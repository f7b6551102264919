package connector

import (
	"context"
	"encoding/binary"
	"net/netip"
)

// replenish keeps at least BufferTarget confirmed-free addresses in
// the pool, probing candidates from the top of the local block
// downward. A candidate that answers a probe belongs to someone else
// and is discarded; one that stays silent goes into the pool.
//
// Exhausting the block is degraded but not fatal: replenishment
// stalls and lease requests block, which mirrors physical address
// exhaustion on the segment.
func (c *Connector) replenish(ctx context.Context) error {
	prefix := c.ep.Prefix().Masked()
	network := prefix.Addr()
	cursor := topCandidate(prefix)
	exhausted := false

	for {
		if c.pool.CountFree() >= c.cfg.BufferTarget {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.wake:
			}
			continue
		}

		if cursor.Compare(network) <= 0 {
			if !exhausted {
				exhausted = true
				c.log.Warn("address range exhausted, replenishment stalled",
					"prefix", prefix.String())
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.wake:
			}
			continue
		}

		candidate := cursor
		cursor = cursor.Prev()
		if candidate == c.ep.Addr {
			continue
		}

		answered, err := c.arp.Probe(ctx, candidate)
		if err != nil {
			return err
		}
		if answered {
			c.log.Debug("candidate address in use", "addr", candidate)
			continue
		}
		c.pool.Put(candidate)
		c.log.Debug("pooled free address", "addr", candidate)
	}
}

// topCandidate returns the highest usable address of the block, one
// below its broadcast address.
func topCandidate(prefix netip.Prefix) netip.Addr {
	base := prefix.Masked().Addr().As4()
	host := uint32(0xffffffff) >> prefix.Bits()
	broadcast := binary.BigEndian.Uint32(base[:]) | host

	var out [4]byte
	binary.BigEndian.PutUint32(out[:], broadcast-1)
	return netip.AddrFrom4(out)
}
