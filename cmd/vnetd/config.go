package main

import (
	"fmt"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig is the YAML configuration file. Flags override whatever
// is set here.
type fileConfig struct {
	// Socket is the bridge's control socket path.
	Socket string `yaml:"socket"`

	// Device is the local interface to attach to.
	Device string `yaml:"device"`

	// Address is the local IPv4 address and prefix, e.g. "10.42.0.1/24".
	Address string `yaml:"address"`

	// BufferTarget is how many probed-free addresses to keep ready.
	BufferTarget int `yaml:"buffer_target"`

	// DetectInterval is the pause between duplicate-detection sweeps.
	DetectInterval time.Duration `yaml:"detect_interval"`

	// ProbeTimeout and ResolveTimeout tune the ARP machinery.
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ResolveTimeout time.Duration `yaml:"resolve_timeout"`

	// Pcap, when set, dumps every datapath frame to this file.
	Pcap string `yaml:"pcap"`
}

func loadConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fileConfig{}, fmt.Errorf("parse %q: %w", path, err)
	}
	return cfg, nil
}

func (c fileConfig) validate() error {
	if c.Socket == "" {
		return fmt.Errorf("no bridge socket configured (-socket or config file)")
	}
	if c.Device == "" {
		return fmt.Errorf("no device configured (-device or config file)")
	}
	if c.Address == "" {
		return fmt.Errorf("no local address configured (-addr or config file)")
	}
	if _, err := c.prefix(); err != nil {
		return err
	}
	return nil
}

func (c fileConfig) prefix() (netip.Prefix, error) {
	p, err := netip.ParsePrefix(c.Address)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("local address %q: %w", c.Address, err)
	}
	if !p.Addr().Is4() {
		return netip.Prefix{}, fmt.Errorf("local address %q is not ipv4", c.Address)
	}
	return p, nil
}
