// File: reactor/options.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package reactor

import "go.uber.org/zap"

// PortOption customizes NewPort.
type PortOption func(*portConfig)

type portConfig struct {
	queueCapacity int
	logger        *zap.Logger
	slots         []int
}

func newPortConfig(opts []PortOption) portConfig {
	cfg := portConfig{queueCapacity: DefaultQueueCapacity}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = Logger()
	}
	if len(cfg.slots) == 0 {
		cfg.slots = []int{cfg.queueCapacity}
	}
	return cfg
}

// WithQueueCapacity sizes the completion queue. It should be at least the
// number of contexts that can be in flight at once.
func WithQueueCapacity(n int) PortOption {
	return func(c *portConfig) {
		if n > 0 {
			c.queueCapacity = n
		}
	}
}

// WithLogger sets the port logger.
func WithLogger(l *zap.Logger) PortOption {
	return func(c *portConfig) {
		c.logger = l
	}
}

// WithSlots sizes the per-operation record table: capacities[i] is the slot
// count of pool i. Without it the table holds one pool as large as the
// completion queue. Only ports that keep OS state per operation use it.
func WithSlots(capacities []int) PortOption {
	return func(c *portConfig) {
		c.slots = append([]int(nil), capacities...)
	}
}
