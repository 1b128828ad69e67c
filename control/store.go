// control/store.go
// Author: momentics <momentics@gmail.com>
//
// Thread-safe runtime view of the engine configuration with reload listeners.

package control

import (
	"sync"
)

// ConfigStore is a key/value snapshot of the running configuration. Engines
// publish into it; operators read it through debug probes.
type ConfigStore struct {
	mu        sync.RWMutex
	config    map[string]any
	listeners []func(map[string]any)
}

// NewConfigStore initializes a store seeded with initial.
func NewConfigStore(initial map[string]any) *ConfigStore {
	cs := &ConfigStore{config: make(map[string]any, len(initial))}
	for k, v := range initial {
		cs.config[k] = v
	}
	return cs
}

// GetSnapshot returns a copy of all values.
func (cs *ConfigStore) GetSnapshot() map[string]any {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.snapshotLocked()
}

func (cs *ConfigStore) snapshotLocked() map[string]any {
	out := make(map[string]any, len(cs.config))
	for k, v := range cs.config {
		out[k] = v
	}
	return out
}

// Get returns one value.
func (cs *ConfigStore) Get(key string) (any, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	v, ok := cs.config[key]
	return v, ok
}

// SetConfig merges values and notifies listeners with the merged snapshot.
// Listeners run synchronously, in registration order, outside the lock.
func (cs *ConfigStore) SetConfig(values map[string]any) {
	cs.mu.Lock()
	for k, v := range values {
		cs.config[k] = v
	}
	snap := cs.snapshotLocked()
	listeners := append(([]func(map[string]any))(nil), cs.listeners...)
	cs.mu.Unlock()
	for _, fn := range listeners {
		fn(snap)
	}
}

// OnReload registers a listener called after every SetConfig.
func (cs *ConfigStore) OnReload(fn func(map[string]any)) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.listeners = append(cs.listeners, fn)
}
