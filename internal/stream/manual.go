package stream

import (
	"sync"
	"sync/atomic"
)

// Manual is a Stream whose periods are run by calling Step. It lets tests
// drive the engine deterministically.
type Manual struct {
	mu      sync.Mutex
	params  Params
	cb      Callback
	running atomic.Bool
	closed  atomic.Bool

	Input  []int16
	Output []int16
}

// ManualOpener returns an Opener that stores the opened stream in *dst.
func ManualOpener(dst **Manual) Opener {
	return func(p Params, cb Callback) (Stream, error) {
		m := NewManual(p, cb)
		*dst = m
		return m, nil
	}
}

// NewManual creates a stopped manual stream.
func NewManual(p Params, cb Callback) *Manual {
	return &Manual{
		params: p,
		cb:     cb,
		Input:  make([]int16, p.BufferFrames*p.InputChannels),
		Output: make([]int16, p.BufferFrames*p.OutputChannels),
	}
}

func (m *Manual) Start() error {
	m.running.Store(true)
	return nil
}

func (m *Manual) Pause() error {
	m.running.Store(false)
	return nil
}

func (m *Manual) IsRunning() bool { return m.running.Load() }

func (m *Manual) Close() error {
	m.closed.Store(true)
	m.running.Store(false)
	return nil
}

// Step runs one period with the current Input and returns Output. Steps
// are allowed while paused, as a debugger would single-step a device.
func (m *Manual) Step() []int16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed.Load() {
		m.cb(m.Input, m.Output)
	}
	return m.Output
}

// Params returns the parameters the stream was opened with.
func (m *Manual) Params() Params { return m.params }
