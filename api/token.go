// File: api/token.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Opaque completion token. The platform layer hands it to the OS with each
// operation and gets it back with the completion; the pool registry turns it
// back into the owning slot.

package api

import "fmt"

// Token packs pool id (16 bits), slot index (16 bits) and slot generation (32 bits).
// The zero Token is never issued.
type Token uint64

// NewToken builds a token for the given slot acquisition.
func NewToken(pool, slot uint16, gen uint32) Token {
	return Token(uint64(pool)<<48 | uint64(slot)<<32 | uint64(gen))
}

// Pool returns the id of the pool that issued the token.
func (t Token) Pool() uint16 { return uint16(t >> 48) }

// Slot returns the slot index inside the pool.
func (t Token) Slot() uint16 { return uint16(t >> 32) }

// Generation returns the acquisition generation of the slot.
func (t Token) Generation() uint32 { return uint32(t) }

// IsZero reports the invalid token.
func (t Token) IsZero() bool { return t == 0 }

func (t Token) String() string {
	return fmt.Sprintf("%d/%d#%d", t.Pool(), t.Slot(), t.Generation())
}

// Ticket identifies a submitted operation to its caller.
type Ticket struct {
	Token Token
	Op    OpKind
}
