// Package bridge implements the client side of the control connection
// to the surrounding bridge process: a unix stream socket carrying
// framed lease-management messages and raw IPv4 datagrams.
package bridge

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/tinyrange/vnet/internal/iface"
)

// bindTimeout bounds the dial-time handshake.
const bindTimeout = 10 * time.Second

// Conn is a session with the bridge. A single reader goroutine demuxes
// incoming messages into a control path and a payload path so the
// lease server and the inbound forwarding leg can receive
// independently; writes from different goroutines are serialized by a
// mutex. The first read error poisons both read paths.
type Conn struct {
	log *slog.Logger
	nc  net.Conn

	wmu sync.Mutex

	ctrl    chan Control
	payload chan []byte

	failOnce sync.Once
	failed   chan struct{}
	failErr  error
}

// Dial connects to the bridge at socketPath, announces the local
// endpoint, and waits for the bridge to accept it.
func Dial(ctx context.Context, socketPath string, ep iface.Endpoint, log *slog.Logger) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", socketPath, err)
	}

	if err := bind(nc, ep); err != nil {
		nc.Close()
		return nil, err
	}

	log.Info("connected to bridge", "socket", socketPath, "endpoint", ep.String())
	return NewConn(nc, log), nil
}

// bind runs the session handshake on a fresh connection.
func bind(nc net.Conn, ep iface.Endpoint) error {
	payload, err := encodeBind(ep.Device, ep.HardwareAddr, ep.Addr, ep.PrefixBits)
	if err != nil {
		return err
	}

	if err := nc.SetDeadline(time.Now().Add(bindTimeout)); err != nil {
		return fmt.Errorf("set handshake deadline: %w", err)
	}
	// A failed reset shows up as a deadline error on the session's
	// first read.
	defer nc.SetDeadline(time.Time{})

	if err := writeHeader(nc, header{typ: MsgBind, length: uint32(len(payload))}); err != nil {
		return fmt.Errorf("send bind: %w", err)
	}
	if _, err := nc.Write(payload); err != nil {
		return fmt.Errorf("send bind: %w", err)
	}

	h, err := readHeader(nc)
	if err != nil {
		return fmt.Errorf("read bind reply: %w", err)
	}
	if h.typ != MsgBindOK {
		return fmt.Errorf("bridge rejected bind: message type 0x%04x", h.typ)
	}
	if h.length > 0 {
		if _, err := io.CopyN(io.Discard, nc, int64(h.length)); err != nil {
			return fmt.Errorf("read bind reply: %w", err)
		}
	}
	return nil
}

// Accept runs the server side of the session handshake and returns
// the session plus the endpoint the peer announced. The real bridge
// lives in a separate process; this is used by mock bridges in
// integration tests.
func Accept(nc net.Conn, log *slog.Logger) (*Conn, iface.Endpoint, error) {
	if err := nc.SetDeadline(time.Now().Add(bindTimeout)); err != nil {
		return nil, iface.Endpoint{}, fmt.Errorf("set handshake deadline: %w", err)
	}
	// A failed reset shows up as a deadline error on the session's
	// first read.
	defer nc.SetDeadline(time.Time{})

	h, err := readHeader(nc)
	if err != nil {
		return nil, iface.Endpoint{}, fmt.Errorf("read bind: %w", err)
	}
	if h.typ != MsgBind {
		return nil, iface.Endpoint{}, fmt.Errorf("expected bind, got message type 0x%04x", h.typ)
	}
	if h.length > maxMessageLen {
		return nil, iface.Endpoint{}, fmt.Errorf("bind message of %d bytes exceeds limit", h.length)
	}
	body := make([]byte, h.length)
	if _, err := io.ReadFull(nc, body); err != nil {
		return nil, iface.Endpoint{}, fmt.Errorf("read bind: %w", err)
	}
	ep, err := decodeBind(body)
	if err != nil {
		return nil, iface.Endpoint{}, err
	}
	if err := writeHeader(nc, header{typ: MsgBindOK}); err != nil {
		return nil, iface.Endpoint{}, fmt.Errorf("send bind reply: %w", err)
	}
	return NewConn(nc, log), ep, nil
}

// NewConn wraps an established, already-bound connection and starts
// the demux loop. Exposed for tests and alternative transports.
func NewConn(nc net.Conn, log *slog.Logger) *Conn {
	c := &Conn{
		log:     log,
		nc:      nc,
		ctrl:    make(chan Control, 16),
		payload: make(chan []byte, 64),
		failed:  make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	for {
		h, err := readHeader(c.nc)
		if err != nil {
			c.fail(err)
			return
		}
		if h.length > maxMessageLen {
			c.fail(fmt.Errorf("bridge: message of %d bytes exceeds limit", h.length))
			return
		}

		body := make([]byte, h.length)
		if _, err := io.ReadFull(c.nc, body); err != nil {
			c.fail(err)
			return
		}

		if h.typ == MsgPayload {
			select {
			case c.payload <- body:
			case <-c.failed:
				return
			}
			continue
		}

		m, err := decodeControl(h.typ, body)
		if err != nil {
			c.fail(err)
			return
		}
		select {
		case c.ctrl <- m:
		case <-c.failed:
			return
		}
	}
}

func (c *Conn) fail(err error) {
	c.failOnce.Do(func() {
		c.failErr = err
		close(c.failed)
		c.nc.Close()
	})
}

// ReadControl returns the next lease-management message.
func (c *Conn) ReadControl(ctx context.Context) (Control, error) {
	select {
	case m := <-c.ctrl:
		return m, nil
	case <-c.failed:
		return Control{}, c.failErr
	case <-ctx.Done():
		return Control{}, ctx.Err()
	}
}

// ReadPayload returns the next raw IPv4 datagram from the bridge.
func (c *Conn) ReadPayload(ctx context.Context) ([]byte, error) {
	select {
	case pkt := <-c.payload:
		return pkt, nil
	case <-c.failed:
		return nil, c.failErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WriteControl sends a lease-management message.
func (c *Conn) WriteControl(m Control) error {
	body, err := m.encode()
	if err != nil {
		return err
	}
	return c.write(m.Type, body)
}

// WritePayload sends a raw IPv4 datagram to the bridge.
func (c *Conn) WritePayload(pkt []byte) error {
	return c.write(MsgPayload, pkt)
}

func (c *Conn) write(typ uint16, body []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := writeHeader(c.nc, header{typ: typ, length: uint32(len(body))}); err != nil {
		return fmt.Errorf("write message 0x%04x: %w", typ, err)
	}
	if len(body) > 0 {
		if _, err := c.nc.Write(body); err != nil {
			return fmt.Errorf("write message 0x%04x: %w", typ, err)
		}
	}
	return nil
}

// Close tears the session down and unblocks all pending reads.
func (c *Conn) Close() error {
	c.fail(net.ErrClosed)
	return nil
}
