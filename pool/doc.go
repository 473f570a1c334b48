// Package pool
// Author: momentics <momentics@gmail.com>
//
// Memory-bounded containers: the per-subscription history ring and
// recycled byte buffers for outbound frames.
// See ring.go and objpool.go for implementation details.
package pool
