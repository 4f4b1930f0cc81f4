// Package msgqueue is the control-message ring that carries messages from
// the host to every module, one audio period at a time.
//
// Records are a 4-byte length followed by the payload padded to 4 bytes.
// A zero length always follows the last record; a reader that meets a zero
// length wraps to the start of the data area. The host advances private
// read/write positions and, at the start of each period, publishes them to
// the shared header. Modules only see the published window, so a message
// is visible for exactly one period.
package msgqueue

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/nmxmxh/patchfield/internal/codes"
)

const (
	// MaxMessageLength bounds a single payload.
	MaxMessageLength = 1024

	headerSize = 16
	lenSize    = 4
)

type header struct {
	read  atomic.Int64
	write atomic.Int64
}

// Stats counts queue activity.
type Stats struct {
	Posted  uint64
	Dropped uint64
	Periods uint64
}

// Queue is the host side of the ring.
type Queue struct {
	mu     sync.Mutex
	region []byte
	hdr    *header

	readPos  atomic.Int64
	writePos atomic.Int64

	snapRead  int64
	snapWrite int64

	posted  atomic.Uint64
	dropped atomic.Uint64
	periods atomic.Uint64
}

func headerOf(region []byte) *header {
	return (*header)(unsafe.Pointer(&region[0]))
}

func pad(n int) int { return (n + 3) &^ 3 }

// New takes ownership of region, which must be 8-byte aligned and is
// cleared.
func New(region []byte) (*Queue, error) {
	if len(region) < headerSize+lenSize+pad(MaxMessageLength)+lenSize {
		return nil, codes.ErrInvalidParameters
	}
	if uintptr(unsafe.Pointer(&region[0]))%8 != 0 {
		return nil, codes.ErrInvalidParameters
	}
	clear(region)
	q := &Queue{region: region, hdr: headerOf(region)}
	q.readPos.Store(headerSize)
	q.writePos.Store(headerSize)
	q.snapRead, q.snapWrite = headerSize, headerSize
	q.hdr.read.Store(headerSize)
	q.hdr.write.Store(headerSize)
	return q, nil
}

func (q *Queue) lengthAt(pos int) *atomic.Int32 {
	return (*atomic.Int32)(unsafe.Pointer(&q.region[pos]))
}

// Post appends a message. It becomes visible to modules at the start of
// the next period.
func (q *Queue) Post(data []byte) error {
	n := len(data)
	if n == 0 {
		return codes.ErrEmptyMessage
	}
	if n > MaxMessageLength {
		return codes.ErrMessageTooLong
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	need := lenSize + pad(n) + lenSize
	rp := int(q.readPos.Load())
	wp := int(q.writePos.Load())
	top := len(q.region)

	at := -1
	switch {
	case rp > wp:
		if wp+need < rp {
			at = wp
		}
	case wp+need <= top:
		at = wp
	case headerSize+need < rp:
		// The zero length already at wp tells readers to wrap.
		at = headerSize
	}
	if at < 0 {
		q.dropped.Add(1)
		return codes.ErrInsufficientMessageSpace
	}

	end := at + lenSize + pad(n)
	q.lengthAt(end).Store(0)
	copy(q.region[at+lenSize:], data)
	clear(q.region[at+lenSize+n : end])
	q.lengthAt(at).Store(int32(n))
	q.writePos.CompareAndSwap(int64(wp), int64(end))
	q.posted.Add(1)
	return nil
}

// BeginPeriod publishes the messages posted so far. Called by the audio
// thread at the top of a period.
func (q *Queue) BeginPeriod() {
	q.snapRead = q.readPos.Load()
	q.snapWrite = q.writePos.Load()
	q.hdr.read.Store(q.snapRead)
	q.hdr.write.Store(q.snapWrite)
}

// EndPeriod retires the messages published by BeginPeriod.
func (q *Queue) EndPeriod() {
	q.readPos.CompareAndSwap(q.snapRead, q.snapWrite)
	q.periods.Add(1)
}

// Pending reports whether messages are waiting to be published or retired.
func (q *Queue) Pending() bool {
	return q.readPos.Load() != q.writePos.Load()
}

// Stats returns a snapshot of the counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Posted:  q.posted.Load(),
		Dropped: q.dropped.Load(),
		Periods: q.periods.Load(),
	}
}

// Reader is a module's read-only view of the ring.
type Reader struct {
	region []byte
	hdr    *header
}

// NewReader wraps the message region of a mapped arena.
func NewReader(region []byte) (*Reader, error) {
	if len(region) < headerSize+lenSize || uintptr(unsafe.Pointer(&region[0]))%8 != 0 {
		return nil, codes.ErrInvalidParameters
	}
	return &Reader{region: region, hdr: headerOf(region)}, nil
}

// Cursor iterates the messages of one period. The zero value starts at the
// first published message.
type Cursor struct {
	pos, end int
	started  bool
}

// Next returns the next message of the current period. The returned slice
// aliases shared memory and is only valid until the period ends.
func (r *Reader) Next(c *Cursor) ([]byte, bool) {
	if !c.started {
		c.pos = int(r.hdr.read.Load())
		c.end = int(r.hdr.write.Load())
		c.started = true
	}
	for c.pos != c.end {
		if c.pos < headerSize || c.pos+lenSize > len(r.region) || c.pos%lenSize != 0 {
			c.pos = c.end
			return nil, false
		}
		n := int((*atomic.Int32)(unsafe.Pointer(&r.region[c.pos])).Load())
		if n == 0 {
			if c.pos == headerSize {
				// Wrapped onto a zero: nothing is left.
				c.pos = c.end
				return nil, false
			}
			c.pos = headerSize
			continue
		}
		if n < 0 || n > MaxMessageLength || c.pos+lenSize+n > len(r.region) {
			c.pos = c.end
			return nil, false
		}
		data := r.region[c.pos+lenSize : c.pos+lenSize+n : c.pos+lenSize+n]
		c.pos += lenSize + pad(n)
		return data, true
	}
	return nil, false
}
