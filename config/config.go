// Package config holds the tunables a caller can override when constructing
// a Session: timeouts, heartbeat cadence, frame size limits, and the
// identifiers used on the wire. Nothing in this package touches the
// network; loading these values from a file or environment is the caller's
// concern (the core treats persisted configuration as an external
// collaborator), except for the small FromEnv convenience used by the CLI.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the full set of tunables for a Session. Zero value is not
// valid on its own; use New() to get the documented defaults.
type Config struct {
	// SenderNameBase prefixes the random UUID suffix of the sender id.
	SenderNameBase string
	// DefaultReceiverID is the destination for receiver-namespace requests
	// before an app-specific transport id is known.
	DefaultReceiverID string
	// RequestTimeout is the default deadline for calls that do not
	// override it explicitly.
	RequestTimeout time.Duration
	// PingInterval is the heartbeat cadence.
	PingInterval time.Duration
	// PongTimeout is the watchdog bound: it is armed when the heartbeat
	// starts and re-armed on each inbound PONG; if it expires first, the
	// channel is closed.
	PongTimeout time.Duration
	// MaxFrameSize bounds any single inbound or outbound frame.
	MaxFrameSize uint32
	// Port is the device's advertised Cast port.
	Port int
}

// Option mutates a Config during New().
type Option func(*Config)

// New returns a Config populated with the defaults from the wire protocol
// table (sender-0, receiver-0, 5s/5s/10s, 64KiB, port 8009), with any
// Options applied on top.
func New(opts ...Option) *Config {
	c := &Config{
		SenderNameBase:    "sender-0",
		DefaultReceiverID: "receiver-0",
		RequestTimeout:    5 * time.Second,
		PingInterval:      5 * time.Second,
		PongTimeout:       10 * time.Second,
		MaxFrameSize:      65536,
		Port:              8009,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func WithSenderNameBase(base string) Option {
	return func(c *Config) { c.SenderNameBase = base }
}

func WithDefaultReceiverID(id string) Option {
	return func(c *Config) { c.DefaultReceiverID = id }
}

func WithRequestTimeout(d time.Duration) Option {
	return func(c *Config) { c.RequestTimeout = d }
}

func WithPingInterval(d time.Duration) Option {
	return func(c *Config) { c.PingInterval = d }
}

func WithPongTimeout(d time.Duration) Option {
	return func(c *Config) { c.PongTimeout = d }
}

func WithMaxFrameSize(n uint32) Option {
	return func(c *Config) { c.MaxFrameSize = n }
}

func WithPort(port int) Option {
	return func(c *Config) { c.Port = port }
}

// FromEnv layers GOCAST_* environment overrides on top of New()'s defaults.
// This is a convenience for cmd/castctl; the core itself never reads the
// environment.
func FromEnv() *Config {
	c := New()
	if v := os.Getenv("GOCAST_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.RequestTimeout = d
		}
	}
	if v := os.Getenv("GOCAST_PING_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.PingInterval = d
		}
	}
	if v := os.Getenv("GOCAST_PONG_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.PongTimeout = d
		}
	}
	if v := os.Getenv("GOCAST_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	return c
}
