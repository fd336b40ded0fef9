// Package excl implements the "exclusive-access" cell the single-CPU
// cooperative kernel uses to guard every global singleton (frame allocator,
// PID allocator, ready queue, processor, kernel memory set, block-cache
// manager) and each task's mutable inner state (spec.md §5, §9). Unlike a
// plain mutex, re-entrant access is treated as a bug and panics instead of
// deadlocking silently — grounded on biscuit's Vm_t.Lock_pmap/
// Lockassert_pmap (biscuit/src/vm/as.go lines 32-55), which tracks a
// "pgfltaken" bool for the same purpose.
package excl

import "sync"

// Cell guards a value of type T, panicking if Access is called while
// already held by the current holder (re-entrant borrow).
type Cell[T any] struct {
	mu     sync.Mutex
	held   bool
	value  T
}

// New wraps v in a Cell.
func New[T any](v T) *Cell[T] {
	return &Cell[T]{value: v}
}

// Access runs f with exclusive access to the guarded value and returns
// f's result.
func Access[T any, R any](c *Cell[T], f func(*T) R) R {
	c.mu.Lock()
	if c.held {
		c.mu.Unlock()
		panic("excl: re-entrant exclusive access")
	}
	c.held = true
	defer func() {
		c.held = false
		c.mu.Unlock()
	}()
	return f(&c.value)
}

// AccessVoid is Access for side-effecting callbacks that return nothing.
func AccessVoid[T any](c *Cell[T], f func(*T)) {
	Access(c, func(v *T) struct{} {
		f(v)
		return struct{}{}
	})
}
