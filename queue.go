package shmq

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"gosuda.org/shmq/internal/spin"
)

// Segment layout of a queue, all offsets in bytes. Each control word sits
// in its own 64-byte cache block to avoid false sharing between the
// producer and consumer sides.
//
//	cache block 0:
//	    (offset 0,   size 8): global spinlock (take to change capacity)
//	    (offset 8,   size 8): capacity of the element array
//	cache block 1:
//	    (offset 64,  size 8): head pointer spinlock
//	cache block 2:
//	    (offset 128, size 8): tail pointer spinlock
//	cache block 3:
//	    (offset 192, size 8): head pointer (index of next write slot)
//	cache block 4:
//	    (offset 256, size 8): tail pointer (index of next read slot)
//	cache block 5...:
//	    (offset 320, size S*N): circular buffer of elements
const (
	offGlobalLock = 0
	offCount      = 8
	offHeadLock   = 64
	offTailLock   = 128
	offHead       = 192
	offTail       = 256
	offData       = 320
)

// DefaultCapacity is the initial element count used when Attach is given a
// capacity of zero.
const DefaultCapacity = 64

// Queue is a typed circular buffer of T laid out inside a shared memory
// segment, protected by three in-segment spinlocks. The capacity is always
// a power of two; head == tail means empty, so at most capacity-1 elements
// are live at once. When a producer finds the buffer full it doubles the
// capacity by extending the segment in place; consumers adopt such grows
// the next time they pop.
//
// T must be a flat value type: the element bytes are copied into a mapping
// shared across address spaces, so T must not contain pointers, slices,
// maps, strings, channels, or funcs. T's alignment must not exceed 64.
//
// The lock hierarchy is head, then tail, then global for pushes, and tail,
// then global for pops. The design targets one producer and one consumer;
// several producers or consumers stay safe only as long as every caller
// observes that order.
type Queue[T any] struct {
	seg *Segment

	// Views into the mapping. All of them are rebound after any local
	// remap; never cache a derived pointer past a push that may expand or
	// a pop that may adopt a peer's grow.
	slGlobal spin.Lock
	slHead   spin.Lock
	slTail   spin.Lock
	nelem    *uint64
	head     *uint64
	tail     *uint64
	data     unsafe.Pointer

	// lastN is the capacity this process last observed. lastN differing
	// from the capacity recorded in the segment header means the local
	// mapping is stale.
	lastN uint64

	growErr error
}

// SizeQueue returns the segment byte length a queue of the given capacity
// requires, before page rounding.
func SizeQueue[T any](capacity uint64) uint64 {
	return offData + uint64(unsafe.Sizeof(*new(T)))*capacity
}

// Attach lays a Queue over the segment. A capacity of zero selects
// DefaultCapacity; otherwise the capacity must be a power of two.
//
// The first attacher finds the segment empty, sizes it, zeroes the whole
// mapping, and records the capacity in the header. Later attachers only
// derive their local views from the header. Attaching two processes to a
// still-empty segment at the same instant races on that initialization;
// create the segment before starting peers.
func Attach[T any](seg *Segment, capacity uint64) (*Queue[T], error) {
	if unsafe.Sizeof(*new(T)) == 0 {
		return nil, ErrInvalidElement
	}
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	if capacity&(capacity-1) != 0 {
		return nil, ErrInvalidCapacity
	}

	q := &Queue[T]{seg: seg}

	if seg.Size() == 0 {
		if err := seg.Resize(SizeQueue[T](capacity)); err != nil {
			return nil, err
		}
		clear(seg.bytes())
		atomic.StoreUint64(seg.word(offCount), capacity)
	}

	if seg.Size() < offData {
		return nil, ErrBadSegment
	}
	n := atomic.LoadUint64(seg.word(offCount))
	if n < 2 || n&(n-1) != 0 {
		return nil, ErrBadSegment
	}
	if err := q.rebind(n); err != nil {
		return nil, err
	}
	return q, nil
}

// rebind remaps the segment for a capacity of n elements and re-derives
// every view from the new mapping base. Callers hold whatever locks the
// protocol requires; rebind itself takes none.
func (q *Queue[T]) rebind(n uint64) error {
	if err := q.seg.Resize(SizeQueue[T](n)); err != nil {
		return err
	}
	q.slGlobal.Init(q.seg.word(offGlobalLock))
	q.slHead.Init(q.seg.word(offHeadLock))
	q.slTail.Init(q.seg.word(offTailLock))
	q.nelem = q.seg.word(offCount)
	q.head = q.seg.word(offHead)
	q.tail = q.seg.word(offTail)
	q.data = q.seg.Ptr(offData)
	q.lastN = n
	return nil
}

// slot returns the element cell at index i of the array.
func (q *Queue[T]) slot(i uint64) *T {
	return (*T)(unsafe.Add(q.data, uintptr(i)*unsafe.Sizeof(*new(T))))
}

// Push appends v, growing the queue as needed. It returns false only when a
// mid-grow segment resize fails; the failure is retained and available
// through GrowErr, and the queue state is unchanged.
func (q *Queue[T]) Push(v T) bool {
	return q.push(v, true)
}

// TryPush appends v without growing. It returns false when the queue is
// full, leaving the state unchanged.
func (q *Queue[T]) TryPush(v T) bool {
	return q.push(v, false)
}

func (q *Queue[T]) push(v T, expand bool) bool {
	q.slHead.Lock()

	// Full when the head pointer has wrapped around to one slot behind the
	// tail. The spare slot keeps head==tail meaning empty: filling every
	// slot would make 0 and N alias each other.
	if (atomic.LoadUint64(q.head)+1)%atomic.LoadUint64(q.nelem) == atomic.LoadUint64(q.tail) {
		if !expand {
			q.slHead.Unlock()
			return false
		}

		q.slTail.Lock()
		// Re-test under the tail lock: a consumer may have popped in the
		// meantime.
		if (atomic.LoadUint64(q.head)+1)%atomic.LoadUint64(q.nelem) == atomic.LoadUint64(q.tail) {
			q.slGlobal.Lock()
			err := q.grow()
			q.slGlobal.Unlock()
			if err != nil {
				q.slTail.Unlock()
				q.slHead.Unlock()
				q.growErr = err
				return false
			}
		}
		q.slTail.Unlock()
	}

	h := atomic.LoadUint64(q.head)
	*q.slot(h) = v
	// The store-release on head publishes the element bytes to the
	// consumer side.
	atomic.StoreUint64(q.head, (h+1)&(atomic.LoadUint64(q.nelem)-1))
	q.slHead.Unlock()
	return true
}

// grow doubles the capacity recorded in the header, remaps locally, and
// unwraps any wrapped live range so the elements stay contiguous and in
// order. Caller holds head, tail, and global.
func (q *Queue[T]) grow() error {
	oldN := atomic.LoadUint64(q.nelem)
	h := atomic.LoadUint64(q.head)
	t := atomic.LoadUint64(q.tail)

	// Publish the doubled capacity first; peers adopt it through their own
	// remap once they observe the header change.
	atomic.StoreUint64(q.nelem, oldN<<1)
	if err := q.rebind(oldN << 1); err != nil {
		// The old mapping is still intact, so withdraw the published
		// capacity and leave the queue at its previous size.
		atomic.StoreUint64(q.nelem, oldN)
		return fmt.Errorf("shmq: grow to %d elements: %w", oldN<<1, err)
	}

	// If the live range had wrapped (head < tail), the elements in
	// [0, head) logically follow the ones in [tail, oldN). Relocate them
	// past the old endpoint so head > tail again and the live range is
	// contiguous in the enlarged array.
	if h < t {
		arr := unsafe.Slice((*T)(q.data), oldN<<1)
		copy(arr[oldN:oldN+h], arr[:h])
		atomic.StoreUint64(q.head, h+oldN)
	}
	return nil
}

// Pop removes the oldest element into *out, returning false when the queue
// is empty. A pop first adopts any capacity change a peer has published,
// remapping the local segment before touching the element array.
func (q *Queue[T]) Pop(out *T) bool {
	q.slTail.Lock()

	// Recognize and perform resizes done by other processes. Holding the
	// tail lock keeps any producer out of its grow path, so the observed
	// capacity cannot move under us.
	if n := atomic.LoadUint64(q.nelem); n != q.lastN {
		q.slGlobal.Lock()
		err := q.rebind(n)
		q.slGlobal.Unlock()
		if err != nil {
			q.slTail.Unlock()
			q.growErr = err
			return false
		}
	}

	// Grows happen one slot early, so head==tail only ever means empty.
	t := atomic.LoadUint64(q.tail)
	if t == atomic.LoadUint64(q.head) {
		q.slTail.Unlock()
		return false
	}

	*out = *q.slot(t)
	atomic.StoreUint64(q.tail, (t+1)&(atomic.LoadUint64(q.nelem)-1))
	q.slTail.Unlock()
	return true
}

// Empty reports whether the queue is empty. Lock-free: the only legitimate
// use is spin-waiting in a loop, and the two 64-bit loads each serialize
// either before or after any concurrent single-word update, so both
// answers are acceptable at the instant they are produced.
func (q *Queue[T]) Empty() bool {
	return atomic.LoadUint64(q.head) == atomic.LoadUint64(q.tail)
}

// Len returns the live element count at the instant of the call, computed
// from this process's current view.
func (q *Queue[T]) Len() uint64 {
	n := atomic.LoadUint64(q.nelem)
	h := atomic.LoadUint64(q.head)
	t := atomic.LoadUint64(q.tail)
	return (h + n - t) & (n - 1)
}

// Cap returns the number of usable slots, one less than the capacity: the
// spare slot disambiguates full from empty.
func (q *Queue[T]) Cap() uint64 {
	return atomic.LoadUint64(q.nelem) - 1
}

// GrowErr returns the most recent segment resize failure observed by Push
// or Pop on this handle, or nil. A false Push with a non-nil GrowErr means
// the grow failed; a false TryPush simply means the queue was full.
func (q *Queue[T]) GrowErr() error {
	return q.growErr
}
