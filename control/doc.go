// Package control
// Author: momentics <momentics@gmail.com>
//
// Configuration, metrics and debug introspection for the I/O engine.
//
// Provides:
//   - Config: immutable per-run settings loaded from YAML
//   - ConfigStore: runtime snapshot of the configuration with reload listeners
//   - Metrics: Prometheus collectors that observe pools and the dispatcher
//   - DebugProbes: named state probes, served as JSON
//
// This package is cross-platform and build-tag-partitioned as needed.
package control
