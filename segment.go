// Package shmq provides an inter-process message-passing queue realized
// entirely in a POSIX shared memory segment. Producers and consumers
// synchronize through spinlocks placed inside the shared mapping and
// exchange fixed-size messages through a circular buffer in the same
// mapping; no kernel mediation happens on the fast path.
package shmq

import (
	"fmt"
	"strings"
	"unsafe"

	"gosuda.org/shmq/internal/shm"
)

// Segment is one process's handle on a named shared memory object. The
// underlying object is shared and persists until explicitly unlinked; the
// handle owns only this process's descriptor and mapping.
//
// The mapping length is always a multiple of the page size. A length of
// zero means there is no mapping; otherwise the mapping is shared and
// read-write.
type Segment struct {
	name string // identifier in the shared memory namespace
	path string // backing file
	fd   int    // descriptor to the named object, -1 once closed
	mem  []byte // current local mapping, nil when unmapped
}

// Open attaches to or creates the named shared memory object with
// read-write access, mode 0644 on creation. If the object already has a
// non-zero length, its size is rounded up to a page multiple and the whole
// object is mapped; a freshly created object is left unmapped until the
// first Resize.
//
// Names are bounded to 255 bytes and may carry one optional leading slash,
// the POSIX shared memory namespace convention.
func Open(name string) (*Segment, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}

	path := shm.Path(name)
	fd, size, err := shm.Open(path)
	if err != nil {
		return nil, fmt.Errorf("shmq: %w", err)
	}

	s := &Segment{name: name, path: path, fd: fd}
	if size == 0 {
		return s, nil
	}

	// A peer created this object through Resize, so its length should
	// already be a page multiple. Round up if it is not, before mapping,
	// so a partial last page cannot fault.
	if aligned := shm.PageAlign(size); aligned != size {
		if err := shm.Truncate(fd, aligned); err != nil {
			shm.Close(fd)
			return nil, fmt.Errorf("shmq: %w", err)
		}
		size = aligned
	}

	mem, err := shm.Map(fd, size)
	if err != nil {
		shm.Close(fd)
		return nil, fmt.Errorf("shmq: %w", err)
	}
	s.mem = mem
	return s, nil
}

// checkName validates a shared memory object name: non-empty, at most
// NameMax bytes, no NUL, and no slash other than an optional leading one.
func checkName(name string) error {
	if len(name) > shm.NameMax {
		return ErrNameTooLong
	}
	trimmed := strings.TrimPrefix(name, "/")
	if trimmed == "" || strings.ContainsAny(trimmed, "/\x00") {
		return ErrNameInvalid
	}
	return nil
}

// Name returns the identifier the segment was opened with.
func (s *Segment) Name() string {
	return s.name
}

// Size returns the current locally mapped length in bytes. This is not
// necessarily the on-disk length: a peer may have resized the object since
// this process last remapped.
func (s *Segment) Size() uint64 {
	return uint64(len(s.mem))
}

// Ptr returns a pointer to the given byte offset in the mapping, or nil
// when the segment is unmapped or the offset is out of range. Any
// subsequent Resize in this process invalidates the pointer.
func (s *Segment) Ptr(off uint64) unsafe.Pointer {
	if s.mem == nil || off >= uint64(len(s.mem)) {
		return nil
	}
	return unsafe.Pointer(&s.mem[off])
}

// word returns the 64-bit cell at the given byte offset. The offset must be
// naturally aligned and in range.
func (s *Segment) word(off uint64) *uint64 {
	return (*uint64)(s.Ptr(off))
}

// bytes exposes the raw mapping to the queue for initialization.
func (s *Segment) bytes() []byte {
	return s.mem
}

// Resize rounds size up to the next page multiple, truncates the backing
// object to that length, and remaps the whole object locally. The mapping
// base typically moves; every pointer previously obtained from Ptr is
// invalidated.
//
// Resizing to the current size is a success no-op. When one process
// resizes, peer mappings do not change; peers observe the new length the
// next time they call Resize themselves.
func (s *Segment) Resize(size uint64) error {
	if s.fd < 0 {
		return ErrClosed
	}
	if size == s.Size() {
		return nil
	}

	if size == 0 {
		err := shm.Unmap(s.mem)
		s.mem = nil
		if err != nil {
			return fmt.Errorf("shmq: %w", err)
		}
		if err := shm.Truncate(s.fd, 0); err != nil {
			return fmt.Errorf("shmq: %w", err)
		}
		return nil
	}

	aligned := shm.PageAlign(size)
	if err := shm.Truncate(s.fd, aligned); err != nil {
		return fmt.Errorf("shmq: %w", err)
	}

	// Map the new length before dropping the old mapping so a mapping
	// failure leaves the segment usable at its previous size.
	mem, err := shm.Map(s.fd, aligned)
	if err != nil {
		return fmt.Errorf("shmq: %w", err)
	}
	if s.mem != nil {
		_ = shm.Unmap(s.mem)
	}
	s.mem = mem
	return nil
}

// Unlink unmaps, closes the descriptor, and removes the name from the
// shared memory namespace. Peers that still have the object mapped keep
// operating on it; no new opener can find it by name.
func (s *Segment) Unlink() error {
	closeErr := s.Close()
	if err := shm.Unlink(s.path); err != nil {
		return fmt.Errorf("shmq: %w", err)
	}
	return closeErr
}

// Close unmaps and closes the descriptor without unlinking the name.
// Idempotent.
func (s *Segment) Close() error {
	var firstErr error

	if s.mem != nil {
		if err := shm.Unmap(s.mem); err != nil {
			firstErr = fmt.Errorf("shmq: %w", err)
		}
		s.mem = nil
	}

	if s.fd >= 0 {
		if err := shm.Close(s.fd); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("shmq: %w", err)
		}
		s.fd = -1
	}

	return firstErr
}
