// Package arpd implements the connector's ARP machinery: answering
// queries for the local address and every address currently claimed
// on behalf of leased guests, resolving next-hop MACs for the
// datapath, and probing candidate addresses for liveness.
package arpd

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"
)

// ARP over Ethernet/IPv4 only.
const (
	etherTypeARP      = 0x0806
	hardwareEthernet  = 1
	protoIPv4         = 0x0800
	opRequest         = 1
	opReply           = 2
	ethernetHeaderLen = 14
	arpPayloadLen     = 28
)

// ErrNotFound is returned by Query when no reply arrives within the
// resolve timeout.
var ErrNotFound = errors.New("arpd: no entry")

var broadcastMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// FrameWriter transmits a raw Ethernet frame on the local interface.
type FrameWriter interface {
	Write(frame []byte) error
}

// Config carries the probe timing knobs. A probe that sees no reply
// within ProbeTimeout declares the address free; resolution for the
// datapath waits the longer ResolveTimeout.
type Config struct {
	ProbeTimeout   time.Duration
	ResolveTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = time.Second
	}
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = 3 * time.Second
	}
}

// Responder is safe for concurrent use from the lease server, the
// detector, the replenisher, and both forwarder legs.
type Responder struct {
	log *slog.Logger
	out FrameWriter
	cfg Config

	hw    net.HardwareAddr
	local netip.Addr

	mu      sync.Mutex
	claimed map[netip.Addr]struct{}
	cache   map[netip.Addr]net.HardwareAddr
	waiters map[netip.Addr][]chan net.HardwareAddr
}

// New builds a responder for the device described by hw/local that
// transmits through out.
func New(log *slog.Logger, out FrameWriter, hw net.HardwareAddr, local netip.Addr, cfg Config) *Responder {
	cfg.applyDefaults()
	return &Responder{
		log:     log,
		out:     out,
		cfg:     cfg,
		hw:      hw,
		local:   local,
		claimed: make(map[netip.Addr]struct{}),
		cache:   make(map[netip.Addr]net.HardwareAddr),
		waiters: make(map[netip.Addr][]chan net.HardwareAddr),
	}
}

// AddClaimed starts answering ARP requests for addr.
func (r *Responder) AddClaimed(addr netip.Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.claimed[addr] = struct{}{}
}

// RemoveClaimed stops answering ARP requests for addr.
func (r *Responder) RemoveClaimed(addr netip.Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.claimed, addr)
}

// Claimed reports whether addr is currently claimed.
func (r *Responder) Claimed(addr netip.Addr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.claimed[addr]
	return ok
}

// Input consumes a raw Ethernet ARP frame from the interface. It
// learns sender mappings from every valid packet and answers requests
// that target the local address or a claimed address.
func (r *Responder) Input(frame []byte) error {
	if len(frame) < ethernetHeaderLen+arpPayloadLen {
		return fmt.Errorf("arp frame too short: %d", len(frame))
	}
	payload := frame[ethernetHeaderLen:]

	hwType := binary.BigEndian.Uint16(payload[0:2])
	protoType := binary.BigEndian.Uint16(payload[2:4])
	op := binary.BigEndian.Uint16(payload[6:8])
	if hwType != hardwareEthernet || protoType != protoIPv4 ||
		payload[4] != 6 || payload[5] != 4 {
		return nil
	}

	senderMAC := net.HardwareAddr(payload[8:14])
	senderIP := netip.AddrFrom4([4]byte(payload[14:18]))
	targetIP := netip.AddrFrom4([4]byte(payload[24:28]))

	// Both requests and replies reveal the sender's mapping.
	r.learn(senderIP, senderMAC)

	if op != opRequest {
		return nil
	}
	if targetIP != r.local && !r.Claimed(targetIP) {
		return nil
	}
	return r.sendReply(senderMAC, senderIP, targetIP)
}

// Query resolves addr to a MAC, answering from the cache or sending
// an ARP request and waiting up to the resolve timeout. Returns
// ErrNotFound when nothing answers.
func (r *Responder) Query(ctx context.Context, addr netip.Addr) (net.HardwareAddr, error) {
	r.mu.Lock()
	if mac, ok := r.cache[addr]; ok {
		r.mu.Unlock()
		return mac, nil
	}
	r.mu.Unlock()

	return r.resolve(ctx, addr, r.cfg.ResolveTimeout)
}

// Probe reports whether anything on the segment answers for addr
// within the probe timeout. It always asks the wire, bypassing the
// cache: a stale entry must not make a free address look taken. A
// transmit failure counts as "no answer"; only context cancellation
// is an error.
func (r *Responder) Probe(ctx context.Context, addr netip.Addr) (bool, error) {
	_, err := r.resolve(ctx, addr, r.cfg.ProbeTimeout)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	case ctx.Err() != nil:
		return false, ctx.Err()
	default:
		r.log.Debug("arp probe transmit failed", "addr", addr, "err", err)
		return false, nil
	}
}

func (r *Responder) resolve(ctx context.Context, addr netip.Addr, timeout time.Duration) (net.HardwareAddr, error) {
	ch := make(chan net.HardwareAddr, 1)
	r.mu.Lock()
	r.waiters[addr] = append(r.waiters[addr], ch)
	r.mu.Unlock()
	defer r.dropWaiter(addr, ch)

	if err := r.sendRequest(addr); err != nil {
		return nil, fmt.Errorf("arp request for %s: %w", addr, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case mac := <-ch:
		return mac, nil
	case <-timer.C:
		return nil, ErrNotFound
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Responder) dropWaiter(addr netip.Addr, ch chan net.HardwareAddr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.waiters[addr]
	for i, w := range list {
		if w == ch {
			r.waiters[addr] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(r.waiters[addr]) == 0 {
		delete(r.waiters, addr)
	}
}

func (r *Responder) learn(addr netip.Addr, mac net.HardwareAddr) {
	if addr.As4() == [4]byte{} {
		return
	}
	own := append(net.HardwareAddr(nil), mac...)

	r.mu.Lock()
	r.cache[addr] = own
	waiting := r.waiters[addr]
	delete(r.waiters, addr)
	r.mu.Unlock()

	for _, ch := range waiting {
		ch <- own
	}
}

// sendRequest broadcasts a request for addr, sourced from the local
// endpoint.
func (r *Responder) sendRequest(addr netip.Addr) error {
	frame := make([]byte, ethernetHeaderLen+arpPayloadLen)
	copy(frame[0:6], broadcastMAC)
	copy(frame[6:12], r.hw)
	binary.BigEndian.PutUint16(frame[12:14], etherTypeARP)

	payload := frame[ethernetHeaderLen:]
	binary.BigEndian.PutUint16(payload[0:2], hardwareEthernet)
	binary.BigEndian.PutUint16(payload[2:4], protoIPv4)
	payload[4] = 6
	payload[5] = 4
	binary.BigEndian.PutUint16(payload[6:8], opRequest)
	copy(payload[8:14], r.hw)
	local := r.local.As4()
	copy(payload[14:18], local[:])
	target := addr.As4()
	copy(payload[24:28], target[:])

	return r.out.Write(frame)
}

// sendReply answers a request with a unicast reply claiming targetIP.
func (r *Responder) sendReply(dstMAC net.HardwareAddr, dstIP, targetIP netip.Addr) error {
	frame := make([]byte, ethernetHeaderLen+arpPayloadLen)
	copy(frame[0:6], dstMAC)
	copy(frame[6:12], r.hw)
	binary.BigEndian.PutUint16(frame[12:14], etherTypeARP)

	payload := frame[ethernetHeaderLen:]
	binary.BigEndian.PutUint16(payload[0:2], hardwareEthernet)
	binary.BigEndian.PutUint16(payload[2:4], protoIPv4)
	payload[4] = 6
	payload[5] = 4
	binary.BigEndian.PutUint16(payload[6:8], opReply)
	copy(payload[8:14], r.hw)
	target := targetIP.As4()
	copy(payload[14:18], target[:])
	copy(payload[18:24], dstMAC)
	dst := dstIP.As4()
	copy(payload[24:28], dst[:])

	return r.out.Write(frame)
}
