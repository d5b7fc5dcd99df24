// Package shm is the platform layer for named POSIX shared memory objects.
// It maps object names to their backing files in the host's shared memory
// namespace and wraps the raw open/truncate/map/unlink syscalls used by the
// public Segment type.
//
// Shared memory is the foundation of shmq's IPC: processes exchange data
// through a common mapping without kernel-mediated copying on the fast path.
package shm

import (
	"os"
	"path/filepath"
	"strings"
)

// NameMax bounds the length of a shared memory object name in bytes.
// POSIX reserves one byte for the terminator of a 256-byte name buffer.
const NameMax = 255

// Path maps a POSIX shm object name to the file that backs it. A leading
// slash is part of the namespace convention, not of the file name. On hosts
// without a tmpfs shared memory mount the object falls back to the
// temporary directory; mappings are still shared between processes that
// agree on the name.
func Path(name string) string {
	name = strings.TrimPrefix(name, "/")
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return filepath.Join("/dev/shm", name)
	}
	return filepath.Join(os.TempDir(), name)
}
