// Package engine owns the shared arena and drives the graph one audio
// period at a time from the stream callback.
package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ossrs/go-oryx-lib/errors"
	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"

	"github.com/nmxmxh/patchfield/internal/barrier"
	"github.com/nmxmxh/patchfield/internal/codes"
	"github.com/nmxmxh/patchfield/internal/graph"
	"github.com/nmxmxh/patchfield/internal/msgqueue"
	"github.com/nmxmxh/patchfield/internal/runner"
	"github.com/nmxmxh/patchfield/internal/shm"
	"github.com/nmxmxh/patchfield/internal/stream"
	"github.com/nmxmxh/patchfield/internal/utils"
)

// ReportTimeout is how long a period waits, in total, for modules to
// report that they are alive.
const ReportTimeout = 100 * time.Microsecond

// Config describes the engine's stream and arena.
type Config struct {
	SampleRate     int
	BufferFrames   int
	InputChannels  int
	OutputChannels int

	// ArenaSize defaults to shm.DefaultSize.
	ArenaSize int
	// Opener defaults to a realtime clock with silent input.
	Opener stream.Opener
	Logger *utils.Logger

	// MonitorInterval is how often deadline misses are checked and logged.
	MonitorInterval time.Duration
	// MissReportsPerMinute throttles miss warnings per module.
	MissReportsPerMinute int
	// CleanupHoldoff delays end-of-period cleanup after a deadline miss.
	// Compaction moves sample buffers, and a callback abandoned by its
	// watchdog may still write at its old offsets until it returns.
	// Defaults to twice the runner's default watchdog; negative disables.
	CleanupHoldoff time.Duration
}

func (c *Config) setDefaults() {
	if c.ArenaSize == 0 {
		c.ArenaSize = shm.DefaultSize
	}
	if c.Logger == nil {
		c.Logger = utils.DefaultLogger("engine")
	}
	if c.Opener == nil {
		c.Opener = stream.ClockOpener(stream.ClockOptions{Realtime: true, Logger: c.Logger})
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = time.Second
	}
	if c.MissReportsPerMinute <= 0 {
		c.MissReportsPerMinute = 6
	}
	if c.CleanupHoldoff == 0 {
		c.CleanupHoldoff = 2 * runner.DefaultWatchdog
	}
}

// Stats is a snapshot of period accounting.
type Stats struct {
	Periods         uint64
	CleanupsSkipped uint64
	// CleanupsDeferred counts periods whose cleanup waited out a miss.
	CleanupsDeferred uint64
	Misses           [graph.MaxModules]uint64
	Tampered         [graph.MaxModules]uint64
}

// Engine is the graph scheduler. Structural calls are serialized by an
// internal mutex; Process never blocks on it.
type Engine struct {
	cfg    Config
	logger *utils.Logger
	period time.Duration

	arena    *shm.Arena
	graph    *graph.Graph
	messages *msgqueue.Queue
	stream   stream.Stream

	mu sync.Mutex

	periods          atomic.Uint64
	cleanupsSkipped  atomic.Uint64
	cleanupsDeferred atomic.Uint64
	lastMiss         atomic.Int64
	misses           [graph.MaxModules]atomic.Uint64
	tampered         [graph.MaxModules]atomic.Uint64

	limiter *limiter.TokenBucket
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	released atomic.Bool
}

// Period is the nominal length of one period, rounded up per sample.
func Period(sampleRate, bufferFrames int) time.Duration {
	return time.Duration((int64(time.Second)/int64(sampleRate) + 1) * int64(bufferFrames))
}

// New creates the arena, the hardware pseudo-modules and the stream. The
// stream is not started. On failure everything acquired so far is
// released.
func New(cfg Config) (_ *Engine, err error) {
	cfg.setDefaults()
	if cfg.SampleRate <= 0 || cfg.BufferFrames <= 0 ||
		cfg.InputChannels < 0 || cfg.OutputChannels < 0 {
		return nil, codes.ErrInvalidParameters
	}

	e := &Engine{
		cfg:    cfg,
		logger: cfg.Logger,
		period: Period(cfg.SampleRate, cfg.BufferFrames),
	}

	e.arena, err = shm.Create("patchfield", cfg.ArenaSize)
	if err != nil {
		return nil, errors.Wrapf(err, "create arena")
	}
	defer func() {
		if err != nil {
			_ = e.arena.Close()
		}
	}()
	if lerr := e.arena.Lock(); lerr != nil {
		e.logger.Warn("Arena not locked in memory", utils.Err(lerr))
	}

	e.graph, err = graph.New(e.arena.Bytes(), graph.Config{
		SampleRate:   cfg.SampleRate,
		BufferFrames: cfg.BufferFrames,
		PageSize:     shm.PageSize(),
		Running:      e.IsRunning,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "init graph")
	}
	if e.messages, err = msgqueue.New(e.graph.MessageRegion()); err != nil {
		return nil, errors.Wrapf(err, "init message queue")
	}

	in, err := e.graph.CreateModule(0, cfg.InputChannels)
	if err != nil {
		return nil, errors.Wrapf(err, "create hardware input")
	}
	out, err := e.graph.CreateModule(cfg.OutputChannels, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "create hardware output")
	}
	if in != graph.HardwareInput || out != graph.HardwareOutput {
		return nil, fmt.Errorf("hardware modules landed in slots %d and %d", in, out)
	}
	_ = e.graph.ActivateModule(in)
	_ = e.graph.ActivateModule(out)

	e.limiter, err = limiter.NewTokenBucket(limiter.Config{
		Rate:     int64(cfg.MissReportsPerMinute),
		Duration: time.Minute,
		Burst:    int64(cfg.MissReportsPerMinute),
	}, store.NewMemoryStore(time.Minute))
	if err != nil {
		return nil, errors.Wrapf(err, "init miss limiter")
	}

	e.stream, err = cfg.Opener(stream.Params{
		SampleRate:     cfg.SampleRate,
		BufferFrames:   cfg.BufferFrames,
		InputChannels:  cfg.InputChannels,
		OutputChannels: cfg.OutputChannels,
	}, e.Process)
	if err != nil {
		return nil, errors.Wrapf(err, "open stream")
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.wg.Add(1)
	go e.monitor()

	e.logger.Info("Engine created",
		utils.Int("sample_rate", cfg.SampleRate),
		utils.Int("buffer_frames", cfg.BufferFrames),
		utils.Int("inputs", cfg.InputChannels),
		utils.Int("outputs", cfg.OutputChannels),
		utils.String("layout", e.graph.Layout().String()),
		utils.Duration("period", e.period))
	return e, nil
}

// Fd is the arena descriptor handed to module processes.
func (e *Engine) Fd() int { return e.arena.Fd() }

// Graph exposes the graph for inspection. Mutate it only through the
// engine's methods.
func (e *Engine) Graph() *graph.Graph { return e.graph }

func (e *Engine) Config() Config { return e.cfg }

// Period is the nominal period length.
func (e *Engine) Period() time.Duration { return e.period }

// Start starts the stream.
func (e *Engine) Start() error {
	if e.released.Load() {
		return codes.ErrFailure
	}
	return e.stream.Start()
}

// Stop pauses the stream.
func (e *Engine) Stop() error {
	if e.released.Load() {
		return nil
	}
	return e.stream.Pause()
}

func (e *Engine) IsRunning() bool {
	return e.stream != nil && !e.released.Load() && e.stream.IsRunning()
}

// Done is closed when a finite stream, such as a WAV file without
// looping, runs out. It is nil for streams that never finish.
func (e *Engine) Done() <-chan struct{} {
	if d, ok := e.stream.(interface{ Done() <-chan struct{} }); ok {
		return d.Done()
	}
	return nil
}

// Release stops the stream, closes it and unmaps the arena. Modules
// still attached keep their own mapping.
func (e *Engine) Release() error {
	if !e.released.CompareAndSwap(false, true) {
		return nil
	}
	e.cancel()
	e.wg.Wait()

	err := utils.FirstError(
		e.stream.Pause(),
		e.stream.Close(),
	)
	e.mu.Lock()
	err = utils.FirstError(err, e.arena.Close())
	e.mu.Unlock()
	e.logger.Info("Engine released", utils.Uint64("periods", e.periods.Load()))
	return err
}

// Stats returns period counters.
func (e *Engine) Stats() Stats {
	s := Stats{
		Periods:          e.periods.Load(),
		CleanupsSkipped:  e.cleanupsSkipped.Load(),
		CleanupsDeferred: e.cleanupsDeferred.Load(),
	}
	for i := range s.Misses {
		s.Misses[i] = e.misses[i].Load()
		s.Tampered[i] = e.tampered[i].Load()
	}
	return s
}

// Process runs one period. input and output are interleaved; output is
// always fully written.
func (e *Engine) Process(input, output []int16) {
	g := e.graph
	e.messages.BeginPeriod()

	reportDeadline := barrier.After(ReportTimeout)
	for i := 0; i < graph.MaxModules; i++ {
		m := g.Module(i)
		inUse := m.Status() == graph.Active && m.IsActive() &&
			(i <= graph.HardwareOutput || g.Report(i).WaitAndClear(reportDeadline) == barrier.Success)
		m.SetInUse(inUse)
		if inUse {
			g.Ready(i).Clobber()
			g.RefreshConnections(i)
		}
	}

	frames := e.cfg.BufferFrames
	if g.Module(graph.HardwareInput).InUse() {
		deinterleave(input, g.OutputBuffer(graph.HardwareInput), e.cfg.InputChannels, frames)
		g.Ready(graph.HardwareInput).Wake()
	}

	deadline := barrier.After(2 * e.period)
	for i := 0; i < graph.MaxModules; i++ {
		if m := g.Module(i); m.InUse() {
			m.SetDeadline(int64(deadline))
		}
	}
	for i := graph.HardwareOutput + 1; i < graph.MaxModules; i++ {
		if g.Module(i).InUse() {
			g.Wake(i).Wake()
		}
	}

	if g.Module(graph.HardwareOutput).InUse() {
		g.CollectInput(graph.HardwareOutput)
		interleave(g.InputBuffer(graph.HardwareOutput), output, e.cfg.OutputChannels, frames)
	} else {
		clear(output)
	}

	for i := graph.HardwareOutput + 1; i < graph.MaxModules; i++ {
		if !g.Module(i).InUse() {
			continue
		}
		switch g.Ready(i).Wait(deadline) {
		case barrier.Timeout:
			e.misses[i].Add(1)
			e.lastMiss.Store(int64(barrier.Now()))
		case barrier.Tampered:
			e.tampered[i].Add(1)
		}
	}

	switch {
	case e.holdingOff():
		e.cleanupsDeferred.Add(1)
	case e.mu.TryLock():
		g.PerformCleanup()
		e.mu.Unlock()
	default:
		e.cleanupsSkipped.Add(1)
	}
	e.messages.EndPeriod()
	e.periods.Add(1)
}

// holdingOff reports whether a recent miss still blocks cleanup.
func (e *Engine) holdingOff() bool {
	last := e.lastMiss.Load()
	if last == 0 || e.cfg.CleanupHoldoff < 0 {
		return false
	}
	return !barrier.Deadline(last).Add(e.cfg.CleanupHoldoff).Passed()
}

func deinterleave(src []int16, dst []float32, channels, frames int) {
	if len(dst) < channels*frames || len(src) < channels*frames {
		return
	}
	for c := 0; c < channels; c++ {
		ch := dst[c*frames : (c+1)*frames]
		for k := range ch {
			ch[k] = float32(src[k*channels+c]) / 32768
		}
	}
}

func interleave(src []float32, dst []int16, channels, frames int) {
	if len(src) < channels*frames || len(dst) < channels*frames {
		clear(dst)
		return
	}
	for c := 0; c < channels; c++ {
		ch := src[c*frames : (c+1)*frames]
		for k, x := range ch {
			dst[k*channels+c] = int16(clamp(x) * 32767)
		}
	}
}

func clamp(x float32) float32 {
	switch {
	case math.IsNaN(float64(x)):
		return 0
	case x > 1:
		return 1
	case x < -1:
		return -1
	}
	return x
}

func (e *Engine) monitor() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.MonitorInterval)
	defer ticker.Stop()

	var seen [graph.MaxModules]uint64
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
		}
		for i := range seen {
			n := e.misses[i].Load() + e.tampered[i].Load()
			if n == seen[i] {
				continue
			}
			delta := n - seen[i]
			seen[i] = n
			if !e.limiter.Allow(fmt.Sprintf("module-%d", i)) {
				continue
			}
			e.logger.Warn("Module missed deadlines",
				utils.Int("module", i),
				utils.Uint64("missed", delta),
				utils.Uint64("tampered", e.tampered[i].Load()))
		}
	}
}
