package barrier

import (
	"math"
	"time"

	"golang.org/x/sys/unix"
)

// Deadline is an absolute CLOCK_MONOTONIC instant in nanoseconds. The clock
// is system wide, so deadlines written by one process are meaningful to
// another.
type Deadline int64

// Forever means no deadline.
const Forever Deadline = math.MaxInt64

// Now reads CLOCK_MONOTONIC.
func Now() Deadline {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		panic("barrier: clock_gettime: " + err.Error())
	}
	return Deadline(ts.Nano())
}

// After returns the deadline d from now.
func After(d time.Duration) Deadline {
	return Now().Add(d)
}

// Add offsets a deadline. Forever stays Forever.
func (d Deadline) Add(delta time.Duration) Deadline {
	if d == Forever {
		return Forever
	}
	return d + Deadline(delta)
}

// Remaining returns the time left until the deadline, never negative.
func (d Deadline) Remaining() time.Duration {
	if d == Forever {
		return time.Duration(math.MaxInt64)
	}
	left := time.Duration(d - Now())
	if left < 0 {
		return 0
	}
	return left
}

// Passed reports whether the deadline is in the past.
func (d Deadline) Passed() bool {
	return d != Forever && Now() >= d
}

func (d Deadline) timespec() unix.Timespec {
	return unix.NsecToTimespec(int64(d))
}
