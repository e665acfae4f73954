// Package grpc runs the health probe endpoint orchestrators poll. It
// serves the standard grpc.health.v1 service and nothing else; liveness
// of the daemon and reachability of storage are the only signals.
package grpc

import (
	"fmt"
	"net"
	"time"
)

// ProbeConfig holds configuration for the probe server.
type ProbeConfig struct {
	// Address is the address to listen on (e.g., "127.0.0.1:50051").
	Address string

	// CheckInterval is how often the storage checker runs. The serving
	// status flips to NOT_SERVING when a check fails and back when one
	// succeeds.
	CheckInterval time.Duration

	// CheckTimeout bounds a single storage check.
	CheckTimeout time.Duration

	// MaxRecvMsgSize is the maximum message size in bytes the server can
	// receive. Default is 4MB if not set.
	MaxRecvMsgSize int

	// MaxSendMsgSize is the maximum message size in bytes the server can
	// send. Default is 4MB if not set.
	MaxSendMsgSize int
}

// DefaultProbeConfig returns a ProbeConfig with default values.
func DefaultProbeConfig() *ProbeConfig {
	return &ProbeConfig{
		Address:        "127.0.0.1:50051",
		CheckInterval:  15 * time.Second,
		CheckTimeout:   5 * time.Second,
		MaxRecvMsgSize: 4 * 1024 * 1024,
		MaxSendMsgSize: 4 * 1024 * 1024,
	}
}

// Validate validates the probe configuration.
func (c *ProbeConfig) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("address is required")
	}

	host, port, err := net.SplitHostPort(c.Address)
	if err != nil {
		return fmt.Errorf("invalid address format: %w", err)
	}
	if host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if port == "" {
		return fmt.Errorf("port cannot be empty")
	}

	if c.CheckInterval <= 0 {
		return fmt.Errorf("check_interval must be positive")
	}
	if c.CheckTimeout <= 0 {
		return fmt.Errorf("check_timeout must be positive")
	}
	if c.MaxRecvMsgSize <= 0 {
		return fmt.Errorf("max_recv_msg_size must be positive")
	}
	if c.MaxSendMsgSize <= 0 {
		return fmt.Errorf("max_send_msg_size must be positive")
	}

	return nil
}
