// Package modules holds small sample modules that show how process
// callbacks are written. Each exposes a Process method with the
// runner.ProcessFunc shape.
package modules

import (
	"math"
	"sync/atomic"

	"github.com/nmxmxh/patchfield/internal/msgqueue"
)

// MessageSource yields the control messages of the current period.
// *runner.Runner and *control.Module both satisfy it.
type MessageSource interface {
	NextMessage(c *msgqueue.Cursor) ([]byte, bool)
}

// atomicFloat is a float32 that the control side may change while the
// audio side reads it.
type atomicFloat struct {
	bits atomic.Uint32
}

func (f *atomicFloat) Load() float32   { return math.Float32frombits(f.bits.Load()) }
func (f *atomicFloat) Store(v float32) { f.bits.Store(math.Float32bits(v)) }

// channel returns channel c of a channel-major buffer.
func channel(buf []float32, frames, c int) []float32 {
	return buf[c*frames : (c+1)*frames]
}
