//go:build !linux && !windows
// +build !linux,!windows

// control/platform_other.go
// Author: momentics <momentics@gmail.com>

package control

import "runtime"

// RegisterPlatformProbes reports that no completion port exists here.
func RegisterPlatformProbes(dp *DebugProbes) {
	dp.RegisterProbe("platform.port", func() any { return "unsupported" })
	dp.RegisterProbe("platform.cpus", func() any { return runtime.NumCPU() })
}
