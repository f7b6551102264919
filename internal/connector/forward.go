package connector

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net/netip"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/vnet/internal/bridge"
)

const (
	etherTypeIPv4 = 0x0800
	etherTypeARP  = 0x0806
	etherTypeIPv6 = 0x86dd

	ethernetHeaderLen = 14
	ipv4HeaderLen     = 20
)

// forward runs both datapath legs. Either leg finishing, for any
// reason, ends the whole datapath: a half-dead path is dead.
func (c *Connector) forward(ctx context.Context, conn *bridge.Conn) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.forwardOutbound(ctx, conn) })
	g.Go(func() error { return c.forwardInbound(ctx, conn) })
	return g.Wait()
}

// forwardOutbound moves traffic from the local interface to the
// bridge. ARP frames feed the responder, IPv6 and multicast IPv4 are
// dropped, and everything else goes to the bridge as a raw datagram
// with the Ethernet header stripped.
//
// A single undeliverable packet is logged and dropped; only a failure
// of the listen primitive itself ends the leg.
func (c *Connector) forwardOutbound(ctx context.Context, conn *bridge.Conn) error {
	err := c.nic.Listen(ctx, func(frame []byte) {
		c.captureFrame(frame)
		if len(frame) < ethernetHeaderLen {
			return
		}

		switch binary.BigEndian.Uint16(frame[12:14]) {
		case etherTypeARP:
			if err := c.arp.Input(frame); err != nil {
				c.log.Debug("arp input", "err", err)
			}
		case etherTypeIPv4:
			pkt := frame[ethernetHeaderLen:]
			if len(pkt) < ipv4HeaderLen {
				return
			}
			dst := netip.AddrFrom4([4]byte(pkt[16:20]))
			if dst.IsMulticast() {
				return
			}
			if err := conn.WritePayload(pkt); err != nil {
				c.log.Error("forward to bridge failed",
					"dst", dst,
					"err", err,
					"packet", "\n"+hex.Dump(pkt))
			}
		default:
			// IPv6 and anything else we do not speak.
		}
	})
	if err != nil {
		return fmt.Errorf("interface listen: %w", err)
	}
	return nil
}

// forwardInbound moves raw datagrams from the bridge onto the local
// interface, resolving the next hop for each destination via the ARP
// responder. Resolution and write failures are fatal to the leg:
// retrying traffic to an unresolvable destination would only loop on
// the same error.
func (c *Connector) forwardInbound(ctx context.Context, conn *bridge.Conn) error {
	for {
		pkt, err := conn.ReadPayload(ctx)
		if err != nil {
			return fmt.Errorf("read payload: %w", err)
		}
		if len(pkt) < ipv4HeaderLen {
			c.log.Error("short datagram from bridge", "len", len(pkt))
			continue
		}

		dst := netip.AddrFrom4([4]byte(pkt[16:20]))
		mac, err := c.arp.Query(ctx, dst)
		if err != nil {
			c.log.Error("next hop resolution failed", "dst", dst, "err", err)
			return fmt.Errorf("resolve %s: %w", dst, err)
		}

		frame := make([]byte, ethernetHeaderLen+len(pkt))
		copy(frame[0:6], mac)
		copy(frame[6:12], c.ep.HardwareAddr)
		binary.BigEndian.PutUint16(frame[12:14], etherTypeIPv4)
		copy(frame[ethernetHeaderLen:], pkt)

		c.captureFrame(frame)
		if err := c.nic.Write(frame); err != nil {
			c.log.Error("interface write failed", "dst", dst, "err", err)
			return fmt.Errorf("interface write: %w", err)
		}
	}
}
