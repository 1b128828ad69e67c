// File: api/pool.go
// Author: momentics <momentics@gmail.com>
//
// Defines pool accounting shared by the context pools and their registry.

package api

// PoolStats is a consistent snapshot of one context pool.
// Free + Reserved + InFlight == Capacity for every snapshot.
type PoolStats struct {
	ID        uint16
	Class     int // per-slot storage size in bytes
	Capacity  int
	Free      int
	Reserved  int // acquired, not yet submitted
	InFlight  int // submitted, completion not yet released
	Waiters   int
	Acquires  uint64
	Releases  uint64
	Waits     uint64 // acquisitions that had to block
	Rejected  uint64 // double releases and stale handles
	Exhausted uint64
}

// Busy returns the number of slots not Free.
func (s PoolStats) Busy() int {
	return s.Reserved + s.InFlight
}

// Balanced reports the slot accounting invariant.
func (s PoolStats) Balanced() bool {
	return s.Free+s.Reserved+s.InFlight == s.Capacity && s.Free >= 0
}
