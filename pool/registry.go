// File: pool/registry.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Registry owns the context pools of one engine, partitioned by buffer size
// class, and maps completion tokens back to their slots.

package pool

import (
	"context"
	"fmt"
	"sort"

	"github.com/momentics/hioload-aio/api"
	"github.com/puzpuzpuz/xsync/v2"
	"go.uber.org/multierr"
)

// ClassConfig describes one size class.
type ClassConfig struct {
	Size       int `yaml:"size"`
	Capacity   int `yaml:"capacity"`
	MaxWaiters int `yaml:"max_waiters"`
}

// DefaultClasses is a single shared pool with the original slot count.
func DefaultClasses() []ClassConfig {
	return []ClassConfig{{Size: 64 * 1024, Capacity: DefaultCapacity, MaxWaiters: DefaultMaxWaiters}}
}

// Registry routes acquisitions to the smallest fitting class.
type Registry struct {
	classes []*ContextPool // ascending by class size
	byID    *xsync.MapOf[uint16, *ContextPool]
}

// NewRegistry builds one pool per class. Pool ids follow class order.
func NewRegistry(classes []ClassConfig, opts ...PoolOption) (*Registry, error) {
	if len(classes) == 0 {
		return nil, fmt.Errorf("no pool classes: %w", api.ErrInvalidArgument)
	}
	if len(classes) > MaxCapacity {
		return nil, fmt.Errorf("%d pool classes: %w", len(classes), api.ErrInvalidArgument)
	}
	sorted := append([]ClassConfig(nil), classes...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Size < sorted[j].Size })

	r := &Registry{byID: xsync.NewIntegerMapOf[uint16, *ContextPool]()}
	for i, cc := range sorted {
		if i > 0 && cc.Size == sorted[i-1].Size {
			return nil, fmt.Errorf("duplicate pool class %d: %w", cc.Size, api.ErrInvalidArgument)
		}
		capacity := cc.Capacity
		if capacity == 0 {
			capacity = DefaultCapacity
		}
		popts := opts
		if cc.MaxWaiters > 0 {
			popts = append(append([]PoolOption(nil), opts...), WithMaxWaiters(cc.MaxWaiters))
		}
		p, err := NewContextPool(uint16(i), cc.Size, capacity, popts...)
		if err != nil {
			return nil, fmt.Errorf("pool class %d: %w", cc.Size, err)
		}
		r.classes = append(r.classes, p)
		r.byID.Store(p.ID(), p)
	}
	return r, nil
}

// Pool returns the pool of the smallest class that holds size bytes.
func (r *Registry) Pool(size int) (*ContextPool, error) {
	if size < 0 {
		return nil, fmt.Errorf("size %d: %w", size, api.ErrInvalidArgument)
	}
	i := sort.Search(len(r.classes), func(i int) bool { return r.classes[i].Class() >= size })
	if i == len(r.classes) {
		return nil, fmt.Errorf("no pool class holds %d bytes: %w", size, api.ErrInvalidArgument)
	}
	return r.classes[i], nil
}

// Default returns the smallest class.
func (r *Registry) Default() *ContextPool {
	return r.classes[0]
}

// Pools returns every pool in class order.
func (r *Registry) Pools() []*ContextPool {
	return append([]*ContextPool(nil), r.classes...)
}

// Resolve maps a completion token to its in-flight acquisition.
func (r *Registry) Resolve(t api.Token) (Handle, error) {
	if t.IsZero() {
		return Handle{}, fmt.Errorf("zero token: %w", api.ErrUnresolvableCompletion)
	}
	p, ok := r.byID.Load(t.Pool())
	if !ok {
		return Handle{}, fmt.Errorf("token %s: unknown pool: %w", t, api.ErrUnresolvableCompletion)
	}
	return p.resolve(t)
}

// Drain waits until every pool is idle.
func (r *Registry) Drain(ctx context.Context) error {
	for _, p := range r.classes {
		if err := p.Drain(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every pool and reports all that were still busy.
func (r *Registry) Close() error {
	var err error
	for _, p := range r.classes {
		err = multierr.Append(err, p.Close())
	}
	return err
}

// Stats snapshots every pool.
func (r *Registry) Stats() []api.PoolStats {
	out := make([]api.PoolStats, 0, len(r.classes))
	for _, p := range r.classes {
		out = append(out, p.Stats())
	}
	return out
}
