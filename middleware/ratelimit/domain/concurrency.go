package domain

import "context"

// SlotPool is a resource with finite capacity (e.g. concurrent upstream calls).
//
// Acquire blocks until a slot is free or ctx ends. On success it returns a
// release func that must be called exactly once.
type SlotPool interface {
	Acquire(ctx context.Context) (release func(), ok bool)
	InUse() int
	Cap() int
}
