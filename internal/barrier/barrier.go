// Package barrier implements a one-shot wait/wake flag over a single 32-bit
// word that may live in memory shared between processes.
//
// The word is 0 when unset and 1 when set. Any other value means the memory
// was overwritten by someone who should not have touched it, and every
// operation reports that instead of blocking on it.
package barrier

import (
	"fmt"
	"math"
	"sync/atomic"
	"unsafe"
)

// Status is the outcome of a wait.
type Status int32

const (
	Success  Status = 0
	Timeout  Status = -1
	Tampered Status = -2
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case Timeout:
		return "timeout"
	case Tampered:
		return "tampered"
	}
	return fmt.Sprintf("status(%d)", int32(s))
}

const (
	unset uint32 = 0
	set   uint32 = 1
)

// Barrier is a wait/wake flag. The zero value is an unset barrier. A
// Barrier must not be copied after first use.
type Barrier struct {
	word atomic.Uint32
}

// Size is the number of bytes a Barrier occupies.
const Size = 4

// At returns the barrier stored at the given 32-bit word offset of mem.
func At(mem []byte, word int) (*Barrier, error) {
	off := word * Size
	if word < 0 || off+Size > len(mem) {
		return nil, fmt.Errorf("barrier word %d out of bounds (%d bytes)", word, len(mem))
	}
	p := unsafe.Pointer(&mem[off])
	if uintptr(p)%Size != 0 {
		return nil, fmt.Errorf("barrier word %d misaligned", word)
	}
	return (*Barrier)(p), nil
}

// Wait blocks until the barrier is set or the deadline passes. It does not
// change the barrier.
func (b *Barrier) Wait(deadline Deadline) Status {
	for {
		switch b.word.Load() {
		case set:
			return Success
		case unset:
		default:
			return Tampered
		}
		if deadline != Forever && Now() >= deadline {
			return Timeout
		}
		// Spurious returns (EINTR, EAGAIN, ETIMEDOUT) all re-check the word.
		futexWait(&b.word, unset, deadline)
	}
}

// WaitAndClear waits like Wait and then resets a set barrier to unset.
// Only one goroutine may wait-and-clear a given barrier.
func (b *Barrier) WaitAndClear(deadline Deadline) Status {
	b.Wait(deadline)
	if b.word.CompareAndSwap(set, unset) {
		return Success
	}
	if b.word.Load() == unset {
		return Timeout
	}
	return Tampered
}

// Wake sets the barrier and wakes every waiter. Waking a barrier that is
// already set does nothing.
func (b *Barrier) Wake() {
	if b.word.CompareAndSwap(unset, set) {
		futexWake(&b.word, math.MaxInt32)
	}
}

// Clobber forces the barrier to unset whatever its current value.
func (b *Barrier) Clobber() {
	for {
		old := b.word.Load()
		if b.word.CompareAndSwap(old, unset) {
			return
		}
	}
}

// IsSet reports whether the barrier currently holds the set value.
func (b *Barrier) IsSet() bool {
	return b.word.Load() == set
}

// Value returns the raw word, for diagnostics.
func (b *Barrier) Value() uint32 {
	return b.word.Load()
}

// Corrupt stores an arbitrary raw value. It exists so tests and fault
// injection can simulate foreign writes.
func (b *Barrier) Corrupt(v uint32) {
	b.word.Store(v)
}
