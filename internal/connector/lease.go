package connector

import (
	"context"
	"fmt"

	"github.com/tinyrange/vnet/internal/bridge"
)

// serveLeases answers IP_REQUEST messages from the bridge by
// withdrawing an address from the pool and claiming it on the ARP
// responder. Requests are answered synchronously, in arrival order.
//
// Withdrawing from a momentarily empty pool blocks the request. That
// backpressure is deliberate: the replenisher's buffer target makes
// it transient unless the address range is exhausted, in which case
// the bridge waits exactly as it would on a full physical segment.
func (c *Connector) serveLeases(ctx context.Context, conn *bridge.Conn) error {
	for {
		m, err := conn.ReadControl(ctx)
		if err != nil {
			return fmt.Errorf("read control message: %w", err)
		}
		if m.Type != bridge.MsgIPRequest {
			// Protocol violation, but not worth the session.
			c.log.Error("unexpected control message",
				"type", fmt.Sprintf("0x%04x", m.Type))
			continue
		}

		addr, err := c.pool.Withdraw(ctx)
		if err != nil {
			return err
		}
		if err := conn.WriteControl(bridge.Control{
			Type: bridge.MsgIPAck,
			Addr: addr,
			Seq:  m.Seq,
		}); err != nil {
			return fmt.Errorf("acknowledge lease %s: %w", addr, err)
		}
		c.signalWake()
		c.arp.AddClaimed(addr)
		c.log.Info("leased address", "addr", addr, "seq", m.Seq)
	}
}
