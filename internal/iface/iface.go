// Package iface abstracts the guest-facing L2 device the connector
// sits on: a raw AF_PACKET socket in production and an in-memory pipe
// in tests.
package iface

import (
	"context"
	"fmt"
	"net"
	"net/netip"
)

// Endpoint describes the local device. It is built once during
// bring-up and shared read-only by every component.
type Endpoint struct {
	Device       string
	HardwareAddr net.HardwareAddr
	Addr         netip.Addr
	PrefixBits   int
}

// Prefix returns the local network block.
func (e Endpoint) Prefix() netip.Prefix {
	return netip.PrefixFrom(e.Addr, e.PrefixBits)
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s (%s, %s/%d)", e.Device, e.HardwareAddr, e.Addr, e.PrefixBits)
}

// Interface is a raw Ethernet device.
type Interface interface {
	HardwareAddr() net.HardwareAddr

	// Listen blocks, invoking fn for every received frame, until the
	// underlying receive fails or ctx is cancelled. The frame slice
	// is only valid for the duration of the call; handlers that keep
	// it must copy.
	Listen(ctx context.Context, fn func(frame []byte)) error

	// Write transmits a single Ethernet frame.
	Write(frame []byte) error
}
