//go:build linux

package iface

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// maxFrameLen bounds a single receive. Standard Ethernet plus a
// little slack for VLAN tags.
const maxFrameLen = 1514 + 4

// packetSock is an AF_PACKET raw socket bound to one device.
type packetSock struct {
	fd      int
	ifindex int
	hw      net.HardwareAddr

	closeOnce sync.Once
	closed    atomic.Bool
}

// Open binds a raw packet socket to the named device. The process
// needs CAP_NET_RAW. The socket is single-session: Listen tears it
// down when its context is cancelled, so a new session starts with a
// new Open.
func Open(device string) (Interface, error) {
	ifi, err := net.InterfaceByName(device)
	if err != nil {
		return nil, fmt.Errorf("lookup interface %q: %w", device, err)
	}

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(unix.ETH_P_ALL)))
	if err != nil {
		return nil, fmt.Errorf("packet socket: %w", err)
	}

	sa := &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  ifi.Index,
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %q: %w", device, err)
	}

	return &packetSock{
		fd:      fd,
		ifindex: ifi.Index,
		hw:      ifi.HardwareAddr,
	}, nil
}

func (s *packetSock) HardwareAddr() net.HardwareAddr {
	return s.hw
}

func (s *packetSock) Listen(ctx context.Context, fn func(frame []byte)) error {
	// Closing the fd is the only reliable way to interrupt a blocked
	// recvfrom, so cancellation tears the socket down.
	stop := context.AfterFunc(ctx, func() { s.close() })
	defer stop()

	buf := make([]byte, maxFrameLen)
	for {
		n, from, err := unix.Recvfrom(s.fd, buf, 0)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("recvfrom: %w", err)
		}
		if !deliver(from) {
			continue
		}
		fn(buf[:n])
	}
}

// deliver reports whether a received frame should reach the handler.
// An ETH_P_ALL socket also sees the host's own transmitted frames;
// those must not re-enter the datapath, where they would be echoed to
// the bridge and answer ARP probes for our own claimed addresses.
func deliver(from unix.Sockaddr) bool {
	sa, ok := from.(*unix.SockaddrLinklayer)
	return !ok || sa.Pkttype != unix.PACKET_OUTGOING
}

func (s *packetSock) Write(frame []byte) error {
	if s.closed.Load() {
		return net.ErrClosed
	}
	sa := &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  s.ifindex,
	}
	if err := unix.Sendto(s.fd, frame, 0, sa); err != nil {
		return fmt.Errorf("sendto: %w", err)
	}
	return nil
}

func (s *packetSock) close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		unix.Close(s.fd)
	})
}

func htons(v uint16) uint16 {
	return v<<8 | v>>8
}
