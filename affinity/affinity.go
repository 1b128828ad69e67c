// File: affinity/affinity.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral API for CPU affinity. Platform-specific implementations are located
// in separate files (affinity_linux.go, affinity_windows.go, etc.) guarded by build tags.

package affinity

import (
	"fmt"
	"runtime"

	"github.com/momentics/hioload-aio/api"
)

// Pin locks the calling goroutine to its OS thread and binds that thread to
// the logical CPU cpuID. The thread stays locked: when the goroutine exits the
// runtime discards it instead of returning a narrowed thread to the pool.
func Pin(cpuID int) error {
	if cpuID < 0 || cpuID >= maxCPU {
		return fmt.Errorf("cpu %d: %w", cpuID, api.ErrInvalidArgument)
	}
	runtime.LockOSThread()
	if err := setAffinityPlatform(cpuID); err != nil {
		runtime.UnlockOSThread()
		return fmt.Errorf("affinity: pin to cpu %d: %w", cpuID, err)
	}
	return nil
}
