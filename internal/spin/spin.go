// Package spin implements a busy-wait mutex stored as a single 64-bit cell
// in shared memory. The cell belongs to the mapping, not to the Lock value:
// a Lock is only a view, and several processes hold independent views of the
// same cell.
package spin

import "sync/atomic"

// Lock is a view of an 8-byte lock word inside a shared mapping. Value 0
// means unlocked, 1 means locked. Not recursive: a holder that calls Lock
// again deadlocks. A holder that dies without unlocking leaves the word
// set forever.
//
// The zero Lock is unusable until Init points it at a cell.
type Lock struct {
	p *uint64
}

// Init rebinds the view to a lock word. Call it again after any local remap
// so the view follows the cell to the mapping's new base address.
func (l *Lock) Init(p *uint64) {
	l.p = p
}

// Zero initializes the lock word to the unlocked state. Exactly one process,
// the one that created the segment, may do this, and only before the word is
// ever contended.
func (l *Lock) Zero() {
	atomic.StoreUint64(l.p, 0)
}

// Lock acquires the lock by test-and-test-and-set: spin on plain loads until
// the word reads zero, then attempt an atomic exchange of 1. The exchange
// carries the acquire barrier. No OS yielding; waiters burn the CPU.
func (l *Lock) Lock() {
	for {
		for atomic.LoadUint64(l.p) != 0 {
		}
		if atomic.SwapUint64(l.p, 1) == 0 {
			return
		}
	}
}

// Unlock releases the lock with a plain atomic store of zero. The store is
// the release; no further fence is needed.
func (l *Lock) Unlock() {
	atomic.StoreUint64(l.p, 0)
}
