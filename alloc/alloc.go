//go:build !unix

// Package alloc allocates the large buffers that hold torrent data and
// keeps count of how much memory they use.
package alloc

import (
	"sync/atomic"
)

var allocated atomic.Int64

func Alloc(size int) ([]byte, error) {
	allocated.Add(int64(size))
	return make([]byte, size), nil
}

func Free(p []byte) error {
	allocated.Add(-int64(len(p)))
	return nil
}

// Bytes returns the number of bytes currently allocated.
func Bytes() int64 {
	return allocated.Load()
}
