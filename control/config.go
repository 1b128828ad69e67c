// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Engine configuration loaded from YAML or defaults, with a reloadable subset.

package control

import (
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/momentics/hioload-aio/api"
	"github.com/momentics/hioload-aio/pool"
	"gopkg.in/yaml.v3"
)

// Config holds the engine parameters. Socket defaults, shutdown timeout and
// log level may be reloaded; everything else is fixed per run.
type Config struct {
	Pools      []pool.ClassConfig `yaml:"pools"`
	Dispatcher DispatcherConfig   `yaml:"dispatcher"`
	Port       PortConfig         `yaml:"port"`
	Socket     SocketConfig       `yaml:"socket"`
	Metrics    MetricsConfig      `yaml:"metrics"`

	// ShutdownTimeout bounds Engine.Shutdown when the caller passes no deadline.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// LogLevel is a zap level name: debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// DispatcherConfig sizes the completion loop.
type DispatcherConfig struct {
	Workers     int           `yaml:"workers"`
	WaitTimeout time.Duration `yaml:"wait_timeout"` // <= 0 waits forever
	// CPUs pins workers round-robin to these logical CPUs; empty leaves
	// scheduling to the runtime.
	CPUs []int `yaml:"cpus"`
}

// PortConfig sizes the completion port.
type PortConfig struct {
	QueueCapacity int `yaml:"queue_capacity"`
}

// SocketConfig holds defaults applied to every socket an engine creates.
type SocketConfig struct {
	// SubmitRate limits submissions per second per socket; 0 disables pacing.
	SubmitRate  float64 `yaml:"submit_rate"`
	SubmitBurst int     `yaml:"submit_burst"`
	// RetryMax bounds write retries; 0 disables retrying.
	RetryMax      uint64        `yaml:"retry_max"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	// AcquireTimeout bounds how long a submission waits for a free context;
	// 0 waits as long as the caller's context allows.
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

// MetricsConfig configures the Prometheus collectors.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// DefaultConfig returns default configuration values.
func DefaultConfig() *Config {
	return &Config{
		Pools:      pool.DefaultClasses(),
		Dispatcher: DispatcherConfig{Workers: 4, WaitTimeout: 100 * time.Millisecond},
		Port:       PortConfig{QueueCapacity: 4096},
		Socket: SocketConfig{
			SubmitBurst:   1,
			RetryInterval: 10 * time.Millisecond,
		},
		Metrics:         MetricsConfig{Enabled: true, Namespace: "hioload_aio"},
		ShutdownTimeout: 30 * time.Second,
		LogLevel:        "info",
	}
}

// ParseConfig decodes YAML over DefaultConfig, so omitted fields keep their
// defaults, and validates the result.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig reads and parses a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return ParseConfig(data)
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	bad := func(field string, v any) error {
		return fmt.Errorf("config %s=%v: %w", field, v, api.ErrInvalidArgument)
	}
	if len(c.Pools) == 0 {
		return bad("pools", "[]")
	}
	inflight := 0
	for _, p := range c.Pools {
		if p.Size < 0 || p.Capacity <= 0 || p.Capacity > pool.MaxCapacity {
			return bad("pools", fmt.Sprintf("%+v", p))
		}
		inflight += p.Capacity
	}
	if c.Dispatcher.Workers <= 0 {
		return bad("dispatcher.workers", c.Dispatcher.Workers)
	}
	for _, cpu := range c.Dispatcher.CPUs {
		if cpu < 0 {
			return bad("dispatcher.cpus", c.Dispatcher.CPUs)
		}
	}
	// Every in-flight context may owe the port one completion, plus one
	// wakeup per worker.
	if c.Port.QueueCapacity < inflight+c.Dispatcher.Workers {
		return bad("port.queue_capacity", c.Port.QueueCapacity)
	}
	if c.Socket.SubmitRate < 0 || (c.Socket.SubmitRate > 0 && c.Socket.SubmitBurst <= 0) {
		return bad("socket.submit_burst", c.Socket.SubmitBurst)
	}
	if c.Socket.AcquireTimeout < 0 {
		return bad("socket.acquire_timeout", c.Socket.AcquireTimeout)
	}
	if c.ShutdownTimeout < 0 {
		return bad("shutdown_timeout", c.ShutdownTimeout)
	}
	return nil
}

// CheckReload validates next and reports ErrInvalidArgument when it changes a
// section that is fixed for the life of an engine: pools, dispatcher, port or
// metrics.
func (c *Config) CheckReload(next *Config) error {
	if next == nil {
		return fmt.Errorf("nil config: %w", api.ErrInvalidArgument)
	}
	if err := next.Validate(); err != nil {
		return err
	}
	fixed := func(section string) error {
		return fmt.Errorf("%s cannot change while running: %w", section, api.ErrInvalidArgument)
	}
	switch {
	case !slices.Equal(c.Pools, next.Pools):
		return fixed("pools")
	case c.Dispatcher.Workers != next.Dispatcher.Workers,
		c.Dispatcher.WaitTimeout != next.Dispatcher.WaitTimeout,
		!slices.Equal(c.Dispatcher.CPUs, next.Dispatcher.CPUs):
		return fixed("dispatcher")
	case c.Port != next.Port:
		return fixed("port")
	case c.Metrics != next.Metrics:
		return fixed("metrics")
	}
	return nil
}

// Snapshot flattens the configuration for ConfigStore and debug output.
func (c *Config) Snapshot() map[string]any {
	classes := make([]string, 0, len(c.Pools))
	for _, p := range c.Pools {
		classes = append(classes, fmt.Sprintf("%dx%d", p.Capacity, p.Size))
	}
	return map[string]any{
		"pool.classes":            classes,
		"dispatcher.workers":      c.Dispatcher.Workers,
		"dispatcher.wait_timeout": c.Dispatcher.WaitTimeout.String(),
		"dispatcher.cpus":         c.Dispatcher.CPUs,
		"port.queue_capacity":     c.Port.QueueCapacity,
		"socket.submit_rate":      c.Socket.SubmitRate,
		"socket.retry_max":        c.Socket.RetryMax,
		"socket.acquire_timeout":  c.Socket.AcquireTimeout.String(),
		"metrics.enabled":         c.Metrics.Enabled,
		"shutdown_timeout":        c.ShutdownTimeout.String(),
		"log_level":               c.LogLevel,
	}
}
