// File: api/opkind.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

// OpKind identifies the asynchronous operation carried by an I/O context.
type OpKind uint8

const (
	OpNone OpKind = iota
	OpRead
	OpWrite
	OpAccept
	OpConnect
)

// NumOpKinds bounds per-kind tables.
const NumOpKinds = int(OpConnect) + 1

func (k OpKind) String() string {
	switch k {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpAccept:
		return "accept"
	case OpConnect:
		return "connect"
	default:
		return "none"
	}
}

// Valid reports whether k names a submittable operation.
func (k OpKind) Valid() bool {
	return k >= OpRead && k <= OpConnect
}
