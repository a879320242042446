package storage

import (
	"encoding/binary"
	"fmt"
	"os"
)

// RawFile is a Store that appends little-endian u16 samples to a flat file.
// It exists for benchmarking and debugging; there is no framing and no
// metadata, just the sample words in arrival order.
type RawFile struct {
	path string
	f    *os.File
}

// NewRawFile returns an unopened raw-file store for path. The file is
// created (or truncated) on Open.
func NewRawFile(path string) *RawFile {
	return &RawFile{path: path}
}

// Open creates or truncates the backing file.
func (r *RawFile) Open() error {
	if r.f != nil {
		return fmt.Errorf("raw store %s already open", r.path)
	}
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("opening raw store: %w", err)
	}
	r.f = f
	return nil
}

// Write appends samples to the file.
func (r *RawFile) Write(samples []uint16) (int, error) {
	if r.f == nil {
		return 0, fmt.Errorf("raw store %s not open", r.path)
	}
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], s)
	}
	n, err := r.f.Write(buf)
	written := n / 2
	if err != nil {
		return written, fmt.Errorf("writing raw store: %w", err)
	}
	return written, checkFull(written, len(samples))
}

// Datasync flushes file contents to disk.
func (r *RawFile) Datasync() error {
	if r.f == nil {
		return fmt.Errorf("raw store %s not open", r.path)
	}
	return r.f.Sync()
}

// Close closes the backing file.
func (r *RawFile) Close() error {
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}
