// File: reactor/slots.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package reactor

import (
	"fmt"

	"github.com/momentics/hioload-aio/api"
)

// slotTable holds one record per (pool id, slot) pair. Records are allocated
// once, when the port is built; a token addresses its record directly.
type slotTable[T any] struct {
	rows [][]T
}

func newSlotTable[T any](capacities []int) *slotTable[T] {
	total := 0
	for _, n := range capacities {
		total += n
	}
	backing := make([]T, total)
	t := &slotTable[T]{rows: make([][]T, len(capacities))}
	for i, n := range capacities {
		t.rows[i] = backing[:n:n]
		backing = backing[n:]
	}
	return t
}

// at returns the record of tok's pool and slot.
func (t *slotTable[T]) at(tok api.Token) (*T, error) {
	pid, slot := int(tok.Pool()), int(tok.Slot())
	if pid >= len(t.rows) || slot >= len(t.rows[pid]) {
		return nil, fmt.Errorf("token %s outside the slot table: %w", tok, api.ErrInvalidArgument)
	}
	return &t.rows[pid][slot], nil
}

// count returns how many records match fn.
func (t *slotTable[T]) count(fn func(*T) bool) int {
	n := 0
	for _, row := range t.rows {
		for i := range row {
			if fn(&row[i]) {
				n++
			}
		}
	}
	return n
}
