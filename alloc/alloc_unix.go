//go:build unix

package alloc

import (
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Buffers below the cutoff come from the Go heap; larger ones are mapped
// anonymously so that Free returns them to the kernel at once.
const cutoff = 128 * 1024

var allocated atomic.Int64

func Alloc(size int) ([]byte, error) {
	if size < cutoff {
		allocated.Add(int64(size))
		return make([]byte, size), nil
	}
	p, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}
	allocated.Add(int64(cap(p)))
	return p[:size], nil
}

func Free(p []byte) error {
	if len(p) < cutoff {
		allocated.Add(-int64(cap(p)))
		return nil
	}
	err := unix.Munmap(p)
	allocated.Add(-int64(cap(p)))
	return err
}

// Bytes returns the number of bytes currently allocated.
func Bytes() int64 {
	return allocated.Load()
}
