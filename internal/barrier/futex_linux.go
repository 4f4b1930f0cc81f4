//go:build linux

package barrier

import (
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Shared (non-private) futex operations; waiters in other processes that map
// the same page must be reachable.
const (
	futexWaitOp         = 0
	futexWakeOp         = 1
	futexWaitBitset     = 9
	futexBitsetMatchAny = 0xffffffff
)

// futexWait sleeps while *addr == val. FUTEX_WAIT_BITSET takes an absolute
// CLOCK_MONOTONIC timeout, so retries after EINTR need no recomputation.
func futexWait(addr *atomic.Uint32, val uint32, deadline Deadline) {
	if deadline == Forever {
		_, _, _ = unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(addr)),
			futexWaitOp, uintptr(val), 0, 0, 0)
		return
	}
	ts := deadline.timespec()
	_, _, _ = unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(addr)),
		futexWaitBitset, uintptr(val), uintptr(unsafe.Pointer(&ts)), 0, futexBitsetMatchAny)
}

func futexWake(addr *atomic.Uint32, n int) {
	_, _, _ = unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(addr)),
		futexWakeOp, uintptr(n), 0, 0, 0)
}
