// Package shm provides the fixed-size shared memory arena that holds the
// audio graph, and the helpers that hand it to other processes.
package shm

import (
	"os"
	"unsafe"

	"github.com/ossrs/go-oryx-lib/errors"
)

// DefaultSize is the arena size used by the host unless configured.
const DefaultSize = 262144

// Memory is a byte-addressable region that the graph lives in. It is backed
// either by an mmapped memfd (Arena) or by the Go heap (Heap).
type Memory interface {
	Size() int
	Bytes() []byte
	Close() error
}

var (
	ErrOutOfBounds = errors.New("offset out of bounds")
	ErrClosed      = errors.New("memory closed")
)

// PageSize returns the OS page size; arena zones start on page boundaries.
func PageSize() int {
	return os.Getpagesize()
}

// RoundUp rounds n up to a multiple of the page size.
func RoundUp(n int) int {
	p := PageSize()
	return (n + p - 1) / p * p
}

// Heap is Memory backed by an 8-byte aligned Go allocation. It is private
// to the process and is used by tests and by single-process setups.
type Heap struct {
	backing []uint64
	data    []byte
}

// NewHeap allocates a zeroed region of at least size bytes.
func NewHeap(size int) *Heap {
	backing := make([]uint64, (size+7)/8)
	var data []byte
	if len(backing) > 0 {
		data = unsafe.Slice((*byte)(unsafe.Pointer(&backing[0])), size)
	}
	return &Heap{backing: backing, data: data}
}

func (h *Heap) Size() int     { return len(h.data) }
func (h *Heap) Bytes() []byte { return h.data }

func (h *Heap) Close() error {
	h.data, h.backing = nil, nil
	return nil
}
