// Package storage persists acquired sample data. The relay core only pushes
// flat u16 sample slabs through the Store interface; what sits behind it is
// a thin I/O wrapper.
package storage

import (
	"errors"
	"fmt"
)

// ErrShortWrite is returned when a backend accepts fewer samples than asked.
var ErrShortWrite = errors.New("short sample write")

// Store is a sample persistence backend.
type Store interface {
	// Open prepares the backend for writing. It must be called once,
	// before any Write.
	Open() error

	// Write appends samples and returns the number written. Writing
	// fewer than len(samples) is an error.
	Write(samples []uint16) (int, error)

	// Datasync flushes the backend's cache to durable storage.
	Datasync() error

	// Close releases the backend. The Store is unusable afterwards.
	Close() error
}

func checkFull(n, want int) error {
	if n < want {
		return fmt.Errorf("%w: %d of %d samples", ErrShortWrite, n, want)
	}
	return nil
}
