// Package runner drives one module's process callback from the module's
// own process. Each runner owns a goroutine locked to an OS thread that
// reports liveness, waits for the engine's wake, gathers input, runs the
// callback under a watchdog and signals ready.
package runner

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nmxmxh/patchfield/internal/barrier"
	"github.com/nmxmxh/patchfield/internal/codes"
	"github.com/nmxmxh/patchfield/internal/graph"
	"github.com/nmxmxh/patchfield/internal/msgqueue"
	"github.com/nmxmxh/patchfield/internal/shm"
	"github.com/nmxmxh/patchfield/internal/utils"
	"golang.org/x/sys/unix"
)

// DefaultWatchdog bounds a single process callback.
const DefaultWatchdog = time.Second

// ProcessFunc is the per-period callback. input and output alias the
// shared arena and are channel-major: channel c occupies
// [c*bufferFrames, (c+1)*bufferFrames). They are only valid during the
// call.
type ProcessFunc func(sampleRate, bufferFrames, inputChannels int, input []float32, outputChannels int, output []float32)

// Options tune a runner.
type Options struct {
	Watchdog time.Duration
	Logger   *utils.Logger
}

// Runner executes a module's callback in lock step with the engine.
type Runner struct {
	index    int
	mem      shm.Memory
	view     *graph.View
	messages *msgqueue.Reader
	logger   *utils.Logger
	watchdog time.Duration
	timer    *time.Timer

	process  atomic.Pointer[ProcessFunc]
	done     atomic.Bool
	timedOut atomic.Bool
	released atomic.Bool
	periods  atomic.Uint64
	refs     atomic.Int32

	launched    barrier.Barrier
	exited      chan struct{}
	abandoned   chan struct{}
	abandonOnce sync.Once
}

// New maps the arena received as fd and starts a runner for module index.
// The module table is made read-only in this process's mapping. The runner
// owns fd from here on, also on failure.
func New(version, fd, index int, opts Options) (*Runner, error) {
	if version != codes.ProtocolVersion {
		_ = unix.Close(fd)
		return nil, codes.ErrProtocolVersionMismatch
	}
	arena, err := shm.Map(fd)
	if err != nil {
		return nil, err
	}
	if err := arena.Protect(graph.ModuleTableSize); err != nil {
		_ = arena.Close()
		return nil, err
	}
	r, err := Attach(arena, index, opts)
	if err != nil {
		_ = arena.Close()
		return nil, err
	}
	return r, nil
}

// Attach starts a runner over memory that is already mapped. The runner
// closes mem when it is released.
func Attach(mem shm.Memory, index int, opts Options) (*Runner, error) {
	if index <= graph.HardwareOutput || index >= graph.MaxModules {
		return nil, codes.ErrInvalidParameters
	}
	view, err := graph.NewView(mem.Bytes(), shm.PageSize())
	if err != nil {
		return nil, err
	}
	if view.Module(index).Status() != graph.Active {
		return nil, codes.ErrNoSuchModule
	}
	report, wake, ready := view.Report(index), view.Wake(index), view.Ready(index)
	if report == nil || wake == nil || ready == nil {
		return nil, fmt.Errorf("module %d has corrupt barrier offsets", index)
	}
	messages, err := msgqueue.NewReader(view.MessageRegion())
	if err != nil {
		return nil, err
	}

	if opts.Watchdog <= 0 {
		opts.Watchdog = DefaultWatchdog
	}
	if opts.Logger == nil {
		opts.Logger = utils.DefaultLogger("runner")
	}

	r := &Runner{
		index:     index,
		mem:       mem,
		view:      view,
		messages:  messages,
		logger:    opts.Logger.With(utils.Int("module", index)),
		watchdog:  opts.Watchdog,
		exited:    make(chan struct{}),
		abandoned: make(chan struct{}),
	}
	r.timer = time.AfterFunc(time.Hour, r.expire)
	r.timer.Stop()
	r.refs.Store(2)

	report.Clobber()
	wake.Clobber()
	ready.Clobber()

	go r.run()
	r.launched.Wait(barrier.Forever)
	return r, nil
}

// Index is the module slot this runner serves.
func (r *Runner) Index() int { return r.index }

// Configure installs the process callback. A nil callback leaves the
// output buffer untouched each period.
func (r *Runner) Configure(fn ProcessFunc) {
	if fn == nil {
		r.process.Store(nil)
		return
	}
	r.process.Store(&fn)
}

// HasTimedOut reports whether the watchdog killed this runner. A timed out
// runner never processes again.
func (r *Runner) HasTimedOut() bool {
	return r.timedOut.Load()
}

// Periods is the number of periods processed so far.
func (r *Runner) Periods() uint64 {
	return r.periods.Load()
}

// NextMessage returns the next control message of the current period.
// Call it from the process callback with a Cursor that starts at its zero
// value every period.
func (r *Runner) NextMessage(c *msgqueue.Cursor) ([]byte, bool) {
	return r.messages.Next(c)
}

// Release stops the runner and unmaps the arena. If the callback is stuck
// past its watchdog the runner's thread is abandoned; the mapping then
// stays alive until that callback returns.
func (r *Runner) Release() error {
	if !r.released.CompareAndSwap(false, true) {
		return nil
	}
	r.done.Store(true)
	r.view.Wake(r.index).Wake()

	select {
	case <-r.exited:
	case <-r.abandoned:
		r.logger.Warn("Releasing runner with abandoned callback")
	}
	return r.unref()
}

func (r *Runner) unref() error {
	if r.refs.Add(-1) != 0 {
		return nil
	}
	r.timer.Stop()
	return r.mem.Close()
}

func (r *Runner) expire() {
	if r.timedOut.CompareAndSwap(false, true) {
		r.abandonOnce.Do(func() { close(r.abandoned) })
	}
}

func (r *Runner) run() {
	runtime.LockOSThread()
	// The thread is never unlocked, so it exits with the goroutine.

	defer func() {
		close(r.exited)
		_ = r.unref()
	}()

	r.launched.Wake()

	report := r.view.Report(r.index)
	wake := r.view.Wake(r.index)
	ready := r.view.Ready(r.index)

	for {
		report.Wake()
		if s := wake.WaitAndClear(barrier.Forever); s == barrier.Tampered {
			r.logger.Error("Wake barrier tampered; stopping runner")
			return
		}
		if r.done.Load() {
			return
		}

		r.view.CollectInput(r.index)
		if !r.invoke() {
			if r.timedOut.Load() {
				r.logger.Warn("Process callback interrupted after timeout; terminating runner",
					utils.Duration("watchdog", r.watchdog))
			}
			return
		}
		r.periods.Add(1)
		ready.Wake()
	}
}

// invoke runs one callback under the watchdog and reports whether the
// runner may continue.
func (r *Runner) invoke() bool {
	fnp := r.process.Load()
	if fnp == nil {
		return true
	}
	m := r.view.Module(r.index)
	input := r.view.InputBuffer(r.index)
	output := r.view.OutputBuffer(r.index)

	r.timer.Reset(r.watchdog)
	panicked := call(*fnp, m.SampleRate(), m.BufferFrames(), m.InputChannels(), input, m.OutputChannels(), output)
	stopped := r.timer.Stop()

	if panicked != nil {
		r.logger.Error("Process callback panicked", utils.Any("panic", panicked))
		r.expire()
		return false
	}
	return stopped && !r.timedOut.Load()
}

func call(fn ProcessFunc, sampleRate, frames, inCh int, in []float32, outCh int, out []float32) (panicked any) {
	defer func() {
		panicked = recover()
	}()
	fn(sampleRate, frames, inCh, in, outCh, out)
	return nil
}
