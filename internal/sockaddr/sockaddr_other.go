//go:build !linux && !windows
// +build !linux,!windows

// File: internal/sockaddr/sockaddr_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package sockaddr

const (
	afInet  = 2
	afInet6 = 10
)
