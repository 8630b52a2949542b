// Package config holds the parsed CLI configuration for the proxy.
package config

import (
	"fmt"
	"net/netip"
	"time"
)

// Config is the fully validated set of inputs the proxy needs, built once
// from CLI flags in cmd/udpproxy and passed down by value.
type Config struct {
	SourceAddr           netip.Addr
	DestinationAddr      netip.Addr
	DestinationPort      uint16
	SessionTimeout       time.Duration
	LogLevel             string
	Dev                  bool
	MetricsListenAddress string
}

// Backend returns the configured destination as a single AddrPort.
func (c Config) Backend() netip.AddrPort {
	return netip.AddrPortFrom(c.DestinationAddr, c.DestinationPort)
}

// Validate checks the fields that urfave/cli's flag types cannot enforce
// on their own (a nonzero destination port, a positive session timeout).
func (c Config) Validate() error {
	if c.DestinationPort == 0 {
		return fmt.Errorf("destination-port must be between 1 and 65535")
	}
	if c.SessionTimeout <= 0 {
		return fmt.Errorf("session-timeout must be positive")
	}
	return nil
}
