//go:build windows
// +build windows

// File: affinity/affinity_windows.go
// Author: momentics <momentics@gmail.com>
//
// Windows-specific implementation for setting thread CPU affinity.

package affinity

import (
	"runtime"

	"golang.org/x/sys/windows"
)

// A thread affinity mask covers one processor group.
const maxCPU = 64

var procSetThreadAffinityMask = windows.NewLazySystemDLL("kernel32.dll").NewProc("SetThreadAffinityMask")

// setAffinityPlatform sets thread affinity to a given CPU for Windows.
func setAffinityPlatform(cpuID int) error {
	th, err := windows.GetCurrentThread()
	if err != nil {
		return err
	}
	ret, _, err := procSetThreadAffinityMask.Call(uintptr(th), uintptr(1)<<cpuID)
	if ret == 0 {
		return err
	}
	return nil
}

// Allowed returns the CPUs of the first processor group.
func Allowed() ([]int, error) {
	n := runtime.NumCPU()
	if n > maxCPU {
		n = maxCPU
	}
	cpus := make([]int, n)
	for i := range cpus {
		cpus[i] = i
	}
	return cpus, nil
}
