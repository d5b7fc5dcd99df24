//go:build unix

package shm

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// PageSize is the host page granularity; every mapping length is a multiple
// of it.
var PageSize = uint64(unix.Getpagesize())

// PageAlign rounds n up to the next page multiple.
func PageAlign(n uint64) uint64 {
	return (n + PageSize - 1) &^ (PageSize - 1)
}

// Open opens or creates the shared memory object backed by path with
// read-write access, mode 0644 on creation, and reports its current byte
// length.
func Open(path string) (fd int, size uint64, err error) {
	fd, err = unix.Open(path, unix.O_CREAT|unix.O_RDWR, 0o644)
	if err != nil {
		return -1, 0, fmt.Errorf("shm: open %s: %w", path, err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("shm: stat %s: %w", path, err)
	}

	return fd, uint64(st.Size), nil
}

// Truncate sets the byte length of the backing object.
func Truncate(fd int, size uint64) error {
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		return fmt.Errorf("shm: truncate to %d: %w", size, err)
	}
	return nil
}

// Map establishes a shared read-write mapping of the object's first size
// bytes. Writes are visible to every process mapping the same object.
func Map(fd int, size uint64) ([]byte, error) {
	mem, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shm: mmap %d bytes: %w", size, err)
	}
	return mem, nil
}

// Unmap drops a mapping established by Map.
func Unmap(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("shm: munmap: %w", err)
	}
	return nil
}

// Close closes the object descriptor. The mapping, if any, stays valid.
func Close(fd int) error {
	if err := unix.Close(fd); err != nil {
		return fmt.Errorf("shm: close: %w", err)
	}
	return nil
}

// Unlink removes the name from the shared memory namespace. Existing
// mappings keep working; no new opener can find the object by name.
func Unlink(path string) error {
	if err := unix.Unlink(path); err != nil {
		return fmt.Errorf("shm: unlink %s: %w", path, err)
	}
	return nil
}
