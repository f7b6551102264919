package iface

import (
	"context"
	"net"
	"sync"
)

// Pipe is an in-memory Interface backed by channels. Frames written
// by the connector come out on Out; frames injected by the peer are
// delivered to the Listen handler. Used by tests and by the gvisor
// integration harness.
type Pipe struct {
	hw net.HardwareAddr

	in  chan []byte
	Out chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

// NewPipe returns a Pipe presenting the given MAC address.
func NewPipe(hw net.HardwareAddr) *Pipe {
	return &Pipe{
		hw:     hw,
		in:     make(chan []byte, 256),
		Out:    make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (p *Pipe) HardwareAddr() net.HardwareAddr {
	return p.hw
}

// Inject delivers a frame to the Listen handler, as if it arrived on
// the wire. The frame is copied.
func (p *Pipe) Inject(frame []byte) {
	buf := append([]byte(nil), frame...)
	select {
	case p.in <- buf:
	case <-p.closed:
	}
}

func (p *Pipe) Listen(ctx context.Context, fn func(frame []byte)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.closed:
			return net.ErrClosed
		case frame := <-p.in:
			fn(frame)
		}
	}
}

func (p *Pipe) Write(frame []byte) error {
	buf := append([]byte(nil), frame...)
	select {
	case p.Out <- buf:
		return nil
	case <-p.closed:
		return net.ErrClosed
	}
}

// Close unblocks any pending Listen, Inject, or Write.
func (p *Pipe) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}
