//go:build !linux

package barrier

import (
	"sync/atomic"
	"time"
)

const pollInterval = 20 * time.Microsecond

// futexWait polls where no futex exists. Callers loop on the word anyway.
func futexWait(addr *atomic.Uint32, val uint32, deadline Deadline) {
	if addr.Load() != val {
		return
	}
	sleep := pollInterval
	if left := deadline.Remaining(); left < sleep {
		sleep = left
	}
	time.Sleep(sleep)
}

func futexWake(*atomic.Uint32, int) {}
