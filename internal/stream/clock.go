package stream

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ossrs/go-oryx-lib/errors"

	"github.com/nmxmxh/patchfield/internal/utils"
)

// Source fills one period of interleaved input. It returns io.EOF when it
// has nothing more to give.
type Source interface {
	Read(buf []int16) error
}

// Sink consumes one period of interleaved output.
type Sink interface {
	Write(buf []int16) error
	Close() error
}

// Silence is a Source of zeros.
type Silence struct{}

func (Silence) Read(buf []int16) error {
	clear(buf)
	return nil
}

// Discard is a Sink that drops everything.
type Discard struct{}

func (Discard) Write([]int16) error { return nil }
func (Discard) Close() error        { return nil }

// ClockOptions configure a Clock.
type ClockOptions struct {
	Source Source
	Sink   Sink
	// Realtime paces periods at BufferFrames/SampleRate; otherwise periods
	// run back to back.
	Realtime bool
	// MaxPeriods stops the clock after that many periods when positive.
	MaxPeriods int
	Logger     *utils.Logger
}

// Clock drives the callback from its own goroutine.
type Clock struct {
	params  Params
	cb      Callback
	opts    ClockOptions
	period  time.Duration
	in, out []int16

	mu      sync.Mutex
	quit    chan struct{}
	stopped chan struct{}
	done    chan struct{}
	once    sync.Once
	running atomic.Bool
	periods atomic.Uint64
	err     atomic.Value
}

// ClockOpener returns an Opener for clocks with the given options.
func ClockOpener(opts ClockOptions) Opener {
	return func(p Params, cb Callback) (Stream, error) {
		return NewClock(p, cb, opts)
	}
}

// NewClock creates a stopped clock.
func NewClock(p Params, cb Callback, opts ClockOptions) (*Clock, error) {
	if p.SampleRate <= 0 || p.BufferFrames <= 0 || p.InputChannels < 0 || p.OutputChannels < 0 {
		return nil, errors.Errorf("invalid stream params %+v", p)
	}
	if cb == nil {
		return nil, errors.New("nil callback")
	}
	if opts.Source == nil {
		opts.Source = Silence{}
	}
	if opts.Sink == nil {
		opts.Sink = Discard{}
	}
	if opts.Logger == nil {
		opts.Logger = utils.DefaultLogger("stream")
	}
	return &Clock{
		params: p,
		cb:     cb,
		opts:   opts,
		period: time.Duration(p.BufferFrames) * time.Second / time.Duration(p.SampleRate),
		in:     make([]int16, p.BufferFrames*p.InputChannels),
		out:    make([]int16, p.BufferFrames*p.OutputChannels),
		done:   make(chan struct{}),
	}, nil
}

// Start begins (or resumes) periods.
func (c *Clock) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running.Load() {
		return nil
	}
	select {
	case <-c.done:
		return errors.New("stream finished")
	default:
	}
	c.quit = make(chan struct{})
	c.stopped = make(chan struct{})
	c.running.Store(true)
	go c.run(c.quit, c.stopped)
	return nil
}

// Pause stops periods and waits for the current one to finish.
func (c *Clock) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.quit == nil {
		return nil
	}
	close(c.quit)
	<-c.stopped
	c.quit, c.stopped = nil, nil
	c.running.Store(false)
	return nil
}

func (c *Clock) IsRunning() bool { return c.running.Load() }

// Periods is the number of callbacks run so far.
func (c *Clock) Periods() uint64 { return c.periods.Load() }

// Done is closed when the source is exhausted or MaxPeriods is reached.
func (c *Clock) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the clock, if any.
func (c *Clock) Err() error {
	if err, ok := c.err.Load().(error); ok {
		return err
	}
	return nil
}

// Close pauses the clock and closes the sink.
func (c *Clock) Close() error {
	if err := c.Pause(); err != nil {
		return err
	}
	c.finish(nil)
	return c.opts.Sink.Close()
}

func (c *Clock) finish(err error) {
	c.once.Do(func() {
		if err != nil {
			c.err.Store(err)
		}
		close(c.done)
	})
}

func (c *Clock) run(quit, stopped chan struct{}) {
	defer close(stopped)

	var tick <-chan time.Time
	if c.opts.Realtime {
		ticker := time.NewTicker(c.period)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		if tick != nil {
			select {
			case <-quit:
				return
			case <-tick:
			}
		} else {
			select {
			case <-quit:
				return
			default:
			}
		}

		if err := c.opts.Source.Read(c.in); err != nil {
			c.running.Store(false)
			if errors.Cause(err) == io.EOF {
				c.finish(nil)
			} else {
				c.opts.Logger.Error("Stream source failed", utils.Err(err))
				c.finish(err)
			}
			return
		}
		c.cb(c.in, c.out)
		if err := c.opts.Sink.Write(c.out); err != nil {
			c.opts.Logger.Error("Stream sink failed", utils.Err(err))
			c.running.Store(false)
			c.finish(err)
			return
		}

		n := c.periods.Add(1)
		if c.opts.MaxPeriods > 0 && n >= uint64(c.opts.MaxPeriods) {
			c.running.Store(false)
			c.finish(nil)
			return
		}
	}
}
