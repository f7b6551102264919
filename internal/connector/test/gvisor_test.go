package test

import (
	"context"
	"net"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/tinyrange/vnet/internal/arpd"
	"github.com/tinyrange/vnet/internal/bridge"
	"github.com/tinyrange/vnet/internal/connector"
	"github.com/tinyrange/vnet/internal/iface"
)

func testCtx(tb testing.TB) context.Context {
	tb.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	tb.Cleanup(cancel)
	return ctx
}

// newResponder wires an arpd.Responder to the segment's pipe, feeding
// it every ARP frame the guest emits.
func newResponder(tb testing.TB, s *segment) *arpd.Responder {
	tb.Helper()
	r := arpd.New(quietLogger(), s.pipe, connectorMAC, connectorIP, arpd.Config{
		ProbeTimeout:   100 * time.Millisecond,
		ResolveTimeout: time.Second,
	})
	go s.pipe.Listen(s.ctx, func(frame []byte) {
		if len(frame) >= 14 && frame[12] == 0x08 && frame[13] == 0x06 {
			r.Input(frame)
		}
	})
	return r
}

func TestProbeAgainstLiveStack(t *testing.T) {
	s := newSegment(t)
	r := newResponder(t, s)
	ctx := testCtx(t)

	taken, err := r.Probe(ctx, guestIP)
	if err != nil {
		t.Fatalf("probe %s: %v", guestIP, err)
	}
	if !taken {
		t.Fatalf("expected %s to be answered", guestIP)
	}

	free := netip.MustParseAddr("10.42.0.99")
	taken, err = r.Probe(ctx, free)
	if err != nil {
		t.Fatalf("probe %s: %v", free, err)
	}
	if taken {
		t.Fatalf("expected %s to be silent", free)
	}
}

func TestQueryResolvesGuestMAC(t *testing.T) {
	s := newSegment(t)
	r := newResponder(t, s)

	mac, err := r.Query(testCtx(t), guestIP)
	if err != nil {
		t.Fatalf("query %s: %v", guestIP, err)
	}
	if mac.String() != guestMAC.String() {
		t.Fatalf("resolved %s, want %s", mac, guestMAC)
	}
}

// TestConnectorSessionEndToEnd drives a full session over a real unix
// socket: handshake, lease round trip, then a datagram from the mock
// bridge delivered to a UDP socket on the guest stack.
func TestConnectorSessionEndToEnd(t *testing.T) {
	s := newSegment(t)
	ctx := testCtx(t)

	socketPath := filepath.Join(t.TempDir(), "bridge.sock")
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	type acceptResult struct {
		conn *bridge.Conn
		ep   iface.Endpoint
		err  error
	}
	accepted := make(chan acceptResult, 1)
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			accepted <- acceptResult{err: err}
			return
		}
		conn, ep, err := bridge.Accept(nc, quietLogger())
		accepted <- acceptResult{conn: conn, ep: ep, err: err}
	}()

	ep := iface.Endpoint{
		Device:       "vnet0",
		HardwareAddr: connectorMAC,
		Addr:         connectorIP,
		PrefixBits:   24,
	}
	arp := arpd.New(quietLogger(), s.pipe, connectorMAC, connectorIP, arpd.Config{
		ProbeTimeout:   50 * time.Millisecond,
		ResolveTimeout: time.Second,
	})
	c := connector.New(quietLogger(), connector.Config{
		SocketPath:     socketPath,
		BufferTarget:   1,
		DetectInterval: time.Hour,
	}, ep, s.pipe, arp)

	runCtx, cancelRun := context.WithCancel(ctx)
	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(runCtx) }()
	t.Cleanup(func() {
		cancelRun()
		<-runDone
	})

	var br *bridge.Conn
	select {
	case res := <-accepted:
		if res.err != nil {
			t.Fatalf("accept: %v", res.err)
		}
		if res.ep.Device != ep.Device || res.ep.Addr != ep.Addr {
			t.Fatalf("announced endpoint: %+v", res.ep)
		}
		br = res.conn
	case <-ctx.Done():
		t.Fatal("timed out waiting for bind")
	}
	t.Cleanup(func() { br.Close() })

	// Lease round trip. The replenisher probes downward from .254;
	// nothing but the guest answers, so the first free address is the
	// top of the range.
	if err := br.WriteControl(bridge.Control{Type: bridge.MsgIPRequest, Seq: 42}); err != nil {
		t.Fatalf("ip request: %v", err)
	}
	ack, err := br.ReadControl(ctx)
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.Type != bridge.MsgIPAck || ack.Seq != 42 {
		t.Fatalf("unexpected reply: %+v", ack)
	}
	if ack.Addr != netip.MustParseAddr("10.42.0.254") {
		t.Fatalf("leased %s", ack.Addr)
	}
	if !arp.Claimed(ack.Addr) {
		t.Fatalf("leased address not claimed")
	}

	// Datagram from the bridge to a UDP socket on the guest. The
	// inbound leg has to resolve the guest's MAC over the segment
	// before it can frame the packet.
	guestConn := s.listenUDP(9999)
	payload := []byte("hello from the bridge")
	pkt := buildUDPv4(ack.Addr, guestIP, 40000, 9999, payload)
	if err := br.WritePayload(pkt); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	guestConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 2048)
	n, err := guestConn.Read(buf)
	if err != nil {
		t.Fatalf("guest read: %v", err)
	}
	if string(buf[:n]) != string(payload) {
		t.Fatalf("guest received %q", buf[:n])
	}
}
