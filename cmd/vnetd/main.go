// Command vnetd attaches a local Ethernet device to a vnet bridge: it
// leases IPv4 addresses from the bridge on demand and forwards traffic
// between the device and the bridge's control socket.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tinyrange/vnet/internal/arpd"
	"github.com/tinyrange/vnet/internal/connector"
	"github.com/tinyrange/vnet/internal/iface"
	"github.com/tinyrange/vnet/internal/pcap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vnetd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "YAML config file")
	socket := flag.String("socket", "", "Bridge control socket path")
	device := flag.String("device", "", "Local interface to attach")
	addr := flag.String("addr", "", "Local IPv4 address and prefix (e.g. 10.42.0.1/24)")
	bufferTarget := flag.Int("buffer-target", 0, "Free addresses to keep ready")
	pcapPath := flag.String("pcap", "", "Dump datapath frames to this pcap file")
	reconnect := flag.Bool("reconnect", false, "Redial the bridge after a session ends")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Attach a local interface to a vnet bridge.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	var cfg fileConfig
	if *configPath != "" {
		var err error
		cfg, err = loadConfig(*configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}
	if *socket != "" {
		cfg.Socket = *socket
	}
	if *device != "" {
		cfg.Device = *device
	}
	if *addr != "" {
		cfg.Address = *addr
	}
	if *bufferTarget > 0 {
		cfg.BufferTarget = *bufferTarget
	}
	if *pcapPath != "" {
		cfg.Pcap = *pcapPath
	}
	if err := cfg.validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	prefix, err := cfg.prefix()
	if err != nil {
		return err
	}

	var capture *pcap.Writer
	if cfg.Pcap != "" {
		f, err := os.Create(cfg.Pcap)
		if err != nil {
			return fmt.Errorf("open pcap output: %w", err)
		}
		defer f.Close()
		capture, err = pcap.NewWriter(f, 65535)
		if err != nil {
			return fmt.Errorf("write pcap header: %w", err)
		}
		log.Info("capturing datapath frames", "path", cfg.Pcap)
	}

	for {
		// Each session opens its own packet socket: Listen closes the
		// socket when the session's context is cancelled.
		nic, err := iface.Open(cfg.Device)
		if err != nil {
			return fmt.Errorf("open %q: %w", cfg.Device, err)
		}
		ep := iface.Endpoint{
			Device:       cfg.Device,
			HardwareAddr: nic.HardwareAddr(),
			Addr:         prefix.Addr(),
			PrefixBits:   prefix.Bits(),
		}
		log.Info("attached to interface", "endpoint", ep.String())

		arp := arpd.New(log.With("component", "arpd"), nic, ep.HardwareAddr, ep.Addr, arpd.Config{
			ProbeTimeout:   cfg.ProbeTimeout,
			ResolveTimeout: cfg.ResolveTimeout,
		})
		c := connector.New(log.With("component", "connector"), connector.Config{
			SocketPath:     cfg.Socket,
			BufferTarget:   cfg.BufferTarget,
			DetectInterval: cfg.DetectInterval,
		}, ep, nic, arp)
		if capture != nil {
			c.SetCapture(capture)
		}

		err = c.Run(ctx)
		if ctx.Err() != nil {
			log.Info("shutting down")
			return nil
		}
		if !*reconnect {
			return err
		}
		log.Warn("session ended, redialing", "err", err)
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return nil
		}
	}
}
