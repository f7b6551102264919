// Package connector implements the guest-side bridge connector: it
// keeps a buffer of probed-free IPv4 addresses, answers lease
// requests arriving on the control connection, evicts addresses that
// become duplicated on the segment, and forwards traffic between the
// local interface and the bridge.
//
// Five loops run concurrently and share only the address pool, a
// single wake signal, the control connection, and the ARP responder.
package connector

import (
	"fmt"
	"log/slog"
	"time"

	"context"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/vnet/internal/arpd"
	"github.com/tinyrange/vnet/internal/bridge"
	"github.com/tinyrange/vnet/internal/iface"
	"github.com/tinyrange/vnet/internal/pcap"
	"github.com/tinyrange/vnet/internal/pool"
)

// Config carries the connector's tuning knobs.
type Config struct {
	// SocketPath is the bridge's control socket.
	SocketPath string

	// BufferTarget is how many confirmed-free addresses the
	// replenisher keeps ready.
	BufferTarget int

	// DetectInterval is the pause between duplicate-detection sweeps.
	DetectInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.BufferTarget <= 0 {
		c.BufferTarget = 2
	}
	if c.DetectInterval <= 0 {
		c.DetectInterval = 5 * time.Second
	}
}

// Connector owns one control-connection session. Reconnecting means
// building a new Connector with a fresh pool; no state survives a
// session.
type Connector struct {
	log  *slog.Logger
	cfg  Config
	ep   iface.Endpoint
	nic  iface.Interface
	arp  *arpd.Responder
	pool *pool.Pool

	capture *pcap.Writer

	// wake is the shared low-buffer signal: the lease server and the
	// detector signal it after shrinking the free stack, and the
	// replenisher is the sole waiter. Capacity 1; waiters re-check
	// their predicate on every wakeup.
	wake chan struct{}
}

// New builds a connector for the given endpoint. The responder must
// transmit on the same interface.
func New(log *slog.Logger, cfg Config, ep iface.Endpoint, nic iface.Interface, arp *arpd.Responder) *Connector {
	cfg.applyDefaults()
	return &Connector{
		log:  log,
		cfg:  cfg,
		ep:   ep,
		nic:  nic,
		arp:  arp,
		pool: pool.New(),
		wake: make(chan struct{}, 1),
	}
}

// SetCapture enables pcap capture of every frame crossing the
// datapath. Must be called before Run.
func (c *Connector) SetCapture(w *pcap.Writer) {
	c.capture = w
}

// Run connects to the bridge and drives the session until the first
// failure. The caller decides whether to reconnect.
func (c *Connector) Run(ctx context.Context) error {
	conn, err := bridge.Dial(ctx, c.cfg.SocketPath, c.ep, c.log)
	if err != nil {
		return fmt.Errorf("connect bridge: %w", err)
	}
	defer conn.Close()

	return c.run(ctx, conn)
}

// run drives the Active state on an established connection: the
// pool-maintenance group and the datapath group race, and the first
// to finish tears the other down.
func (c *Connector) run(ctx context.Context, conn *bridge.Conn) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.maintain(ctx, conn) })
	g.Go(func() error { return c.forward(ctx, conn) })

	err := g.Wait()
	c.log.Info("connector stopped", "err", err)
	return err
}

// maintain runs the pool-maintenance group: replenisher, duplicate
// detector, and lease server.
func (c *Connector) maintain(ctx context.Context, conn *bridge.Conn) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.replenish(ctx) })
	g.Go(func() error { return c.detect(ctx, conn) })
	g.Go(func() error { return c.serveLeases(ctx, conn) })
	return g.Wait()
}

func (c *Connector) signalWake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Connector) captureFrame(frame []byte) {
	if c.capture == nil {
		return
	}
	if err := c.capture.WriteFrame(frame); err != nil {
		c.log.Warn("pcap capture failed", "err", err)
	}
}
