//go:build !windows

package segment

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// fileMutex is the process-shared half of the segment mutex. flock locks belong to the
// open file description and are dropped by the kernel when the owning process dies, so a
// holder that crashes inside a critical section never wedges the segment.
type fileMutex struct {
	f *os.File
}

func (m fileMutex) lock() error {
	for {
		err := unix.Flock(int(m.f.Fd()), unix.LOCK_EX)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("flock %s: %w", m.f.Name(), err)
		}
		return nil
	}
}

func (m fileMutex) unlock() error {
	return unix.Flock(int(m.f.Fd()), unix.LOCK_UN)
}

func mapFile(f *os.File, size int) ([]byte, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", f.Name(), err)
	}
	return data, nil
}

func unmapFile(data []byte) error {
	if data == nil {
		return nil
	}
	return unix.Munmap(data)
}

func syncMapping(data []byte) error {
	return unix.Msync(data, unix.MS_ASYNC)
}

// processExists reports whether pid names a running process. EPERM still means the
// process exists.
func processExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
