// Package config holds the daemon configuration types.
package config

import "fmt"

// Config stores all parameters gathered from the CLI flags.
type Config struct {
	ClientPort  int    // TCP port the relay listens on for client connections
	DnodeAddr   string // data node host
	DnodePort   int    // data node command/control TCP port
	SamplePort  int    // local UDP port receiving batch-sample datagrams
	MonitorAddr string // HTTP listen address for /metrics, /healthz, /ws ("" disables)
	Debug       bool   // enable debug logging
}

// Default ports match the data node's conventional layout: command/control
// on 8880, sample data on 8881, client control one above.
const (
	DefaultClientPort = 8882
	DefaultDnodePort  = 8880
	DefaultSamplePort = 8881
)

// Validate checks port ranges and required fields.
func (c *Config) Validate() error {
	if c.ClientPort < 1 || c.ClientPort > 65535 {
		return fmt.Errorf("invalid client port %d (must be 1~65535)", c.ClientPort)
	}
	if c.DnodeAddr == "" {
		return fmt.Errorf("missing data node address")
	}
	if c.DnodePort < 1 || c.DnodePort > 65535 {
		return fmt.Errorf("invalid data node port %d (must be 1~65535)", c.DnodePort)
	}
	if c.SamplePort < 1 || c.SamplePort > 65535 {
		return fmt.Errorf("invalid sample port %d (must be 1~65535)", c.SamplePort)
	}
	return nil
}
