//go:build !linux && !windows
// +build !linux,!windows

// File: affinity/affinity_stub.go
// Author: momentics <momentics@gmail.com>
//
// Stub implementation for unsupported platforms.

package affinity

import "github.com/momentics/hioload-aio/api"

const maxCPU = 1024

func setAffinityPlatform(int) error { return api.ErrNotSupported }

// Allowed reports that affinity is unavailable.
func Allowed() ([]int, error) { return nil, api.ErrNotSupported }
