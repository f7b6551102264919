// Package test hosts an integration harness that puts a gVisor stack
// on the other end of the connector's interface, so ARP probing,
// duplicate detection, and forwarding are exercised against a real
// foreign network stack instead of canned frames.
package test

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"testing"

	"github.com/tinyrange/vnet/internal/iface"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
)

const gvisorNICID tcpip.NICID = 1

var (
	connectorMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	guestMAC     = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}

	connectorIP = netip.MustParseAddr("10.42.0.1")
	guestIP     = netip.MustParseAddr("10.42.0.2")
)

// segment glues an iface.Pipe to a gVisor stack owning guestIP, as if
// both sat on one Ethernet segment.
type segment struct {
	tb testing.TB

	ctx    context.Context
	cancel context.CancelFunc

	pipe *iface.Pipe
	gs   *stack.Stack
	ch   *channel.Endpoint
}

func addrFrom(ip netip.Addr) tcpip.Address {
	return tcpip.AddrFrom4(ip.As4())
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newSegment(tb testing.TB) *segment {
	tb.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	s := &segment{
		tb:     tb,
		ctx:    ctx,
		cancel: cancel,
		pipe:   iface.NewPipe(connectorMAC),
	}

	// channel.Endpoint's MTU is the L2 MTU; ethernet.Endpoint takes
	// the header off to get the L3 MTU.
	s.ch = channel.New(4096, 1500+header.EthernetMinimumSize, tcpip.LinkAddress(string(guestMAC)))
	ep := ethernet.New(s.ch)
	s.gs = stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{udp.NewProtocol},
	})
	if err := s.gs.CreateNIC(gvisorNICID, ep); err != nil {
		tb.Fatalf("gvisor CreateNIC: %v", err)
	}
	if err := s.gs.AddProtocolAddress(
		gvisorNICID,
		tcpip.ProtocolAddress{
			Protocol: ipv4.ProtocolNumber,
			AddressWithPrefix: tcpip.AddressWithPrefix{
				Address:   addrFrom(guestIP),
				PrefixLen: 24,
			},
		},
		stack.AddressProperties{},
	); err != nil {
		tb.Fatalf("gvisor AddProtocolAddress: %v", err)
	}
	s.gs.SetRouteTable([]tcpip.Route{
		{
			Destination: header.IPv4EmptySubnet,
			Gateway:     addrFrom(connectorIP),
			NIC:         gvisorNICID,
		},
	})

	// connector -> gVisor
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case frame := <-s.pipe.Out:
				pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
					Payload: buffer.MakeWithData(frame),
				})
				s.ch.InjectInbound(0, pkt)
			}
		}
	}()

	// gVisor -> connector
	go func() {
		for {
			pkt := s.ch.ReadContext(ctx)
			if pkt == nil {
				return
			}
			frame := pkt.ToView().AsSlice()
			out := append([]byte(nil), frame...)
			pkt.DecRef()
			s.pipe.Inject(out)
		}
	}()

	tb.Cleanup(func() {
		cancel()
		s.ch.Close()
		s.pipe.Close()
	})
	return s
}

// listenUDP binds a UDP socket on the guest.
func (s *segment) listenUDP(port uint16) *gonet.UDPConn {
	s.tb.Helper()
	conn, err := gonet.DialUDP(s.gs, &tcpip.FullAddress{
		NIC:  gvisorNICID,
		Addr: addrFrom(guestIP),
		Port: port,
	}, nil, ipv4.ProtocolNumber)
	if err != nil {
		s.tb.Fatalf("gvisor udp bind: %v", err)
	}
	s.tb.Cleanup(func() { conn.Close() })
	return conn
}

// buildUDPv4 builds a checksummed IPv4+UDP datagram (no Ethernet
// header), as the bridge would deliver it.
func buildUDPv4(src, dst netip.Addr, srcPort, dstPort uint16, payload []byte) []byte {
	pkt := make([]byte, 20+8+len(payload))

	udpHdr := pkt[20:]
	binary.BigEndian.PutUint16(udpHdr[0:2], srcPort)
	binary.BigEndian.PutUint16(udpHdr[2:4], dstPort)
	binary.BigEndian.PutUint16(udpHdr[4:6], uint16(8+len(payload)))
	// Checksum 0: optional for UDP over IPv4.
	copy(udpHdr[8:], payload)

	pkt[0] = 0x45
	binary.BigEndian.PutUint16(pkt[2:4], uint16(len(pkt)))
	pkt[8] = 64
	pkt[9] = 17
	s := src.As4()
	copy(pkt[12:16], s[:])
	d := dst.As4()
	copy(pkt[16:20], d[:])
	binary.BigEndian.PutUint16(pkt[10:12], ipv4Checksum(pkt[:20]))
	return pkt
}

func ipv4Checksum(data []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if len(data)%2 == 1 {
		sum += uint32(data[len(data)-1]) << 8
	}
	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return ^uint16(sum)
}
