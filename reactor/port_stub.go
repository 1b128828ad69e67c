//go:build !linux && !windows
// +build !linux,!windows

// File: reactor/port_stub.go
// Author: momentics <momentics@gmail.com>
//
// Stub implementation for unsupported platforms.

package reactor

import (
	"fmt"
	"runtime"

	"github.com/momentics/hioload-aio/api"
)

// NewPort returns an error for unsupported platforms.
func NewPort(opts ...PortOption) (api.CompletionPort, error) {
	return nil, fmt.Errorf("reactor: %s: %w", runtime.GOOS, api.ErrNotSupported)
}
