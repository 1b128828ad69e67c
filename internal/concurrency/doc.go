// File: internal/concurrency/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Lock-free primitives shared by the completion port implementations.
// LockFreeQueue backs the portable completion queue in package reactor.
package concurrency
