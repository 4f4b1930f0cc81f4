package engine

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/nmxmxh/patchfield/internal/codes"
	"github.com/nmxmxh/patchfield/internal/graph"
	"github.com/nmxmxh/patchfield/internal/msgqueue"
	"github.com/nmxmxh/patchfield/internal/runner"
	"github.com/nmxmxh/patchfield/internal/stream"
	"github.com/nmxmxh/patchfield/internal/utils"
)

// 256 frames at 8 kHz leaves a 64ms processing budget per period.
const (
	testRate   = 8000
	testFrames = 256
)

type harness struct {
	t      *testing.T
	engine *Engine
	stream *stream.Manual
}

func newHarness(t *testing.T, in, out int, tweaks ...func(*Config)) *harness {
	t.Helper()
	h := &harness{t: t}
	cfg := Config{
		SampleRate:     testRate,
		BufferFrames:   testFrames,
		InputChannels:  in,
		OutputChannels: out,
		Opener:         stream.ManualOpener(&h.stream),
		Logger:         utils.Nop(),
	}
	for _, tweak := range tweaks {
		tweak(&cfg)
	}
	e, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Release() })
	h.engine = e
	require.NoError(t, e.Start())
	return h
}

func (h *harness) attach(index int, fn runner.ProcessFunc) *runner.Runner {
	h.t.Helper()
	fd, err := unix.Dup(h.engine.Fd())
	require.NoError(h.t, err)
	r, err := runner.New(codes.ProtocolVersion, fd, index, runner.Options{
		Watchdog: 50 * time.Millisecond,
		Logger:   utils.Nop(),
	})
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = r.Release() })
	r.Configure(fn)
	return r
}

// step runs one period once every attached runner has reported in.
func (h *harness) step(modules ...int) []int16 {
	h.t.Helper()
	g := h.engine.Graph()
	for _, i := range modules {
		require.Eventually(h.t, func() bool { return g.Report(i).IsSet() }, time.Second, time.Millisecond)
	}
	return h.stream.Step()
}

func fill(buf []int16, v int16) {
	for k := range buf {
		buf[k] = v
	}
}

func gain(g float32) runner.ProcessFunc {
	return func(_, frames, inCh int, in []float32, outCh int, out []float32) {
		for c := 0; c < outCh && c < inCh; c++ {
			for k := 0; k < frames; k++ {
				out[c*frames+k] = g * in[c*frames+k]
			}
		}
	}
}

func TestNew_HardwareModules(t *testing.T) {
	h := newHarness(t, 2, 2)
	g := h.engine.Graph()

	assert.True(t, g.IsActive(graph.HardwareInput))
	assert.True(t, g.IsActive(graph.HardwareOutput))
	in, out, err := h.engine.Channels(graph.HardwareInput)
	require.NoError(t, err)
	assert.Equal(t, 0, in)
	assert.Equal(t, 2, out)
	in, out, err = h.engine.Channels(graph.HardwareOutput)
	require.NoError(t, err)
	assert.Equal(t, 2, in)
	assert.Equal(t, 0, out)

	assert.ErrorIs(t, h.engine.DeleteModule(graph.HardwareInput), codes.ErrInvalidParameters)
	assert.Len(t, h.engine.Modules(), 2)
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(Config{SampleRate: 0, BufferFrames: 64, Logger: utils.Nop()})
	assert.ErrorIs(t, err, codes.ErrInvalidParameters)
	_, err = New(Config{SampleRate: 48000, BufferFrames: 64, InputChannels: -1, Logger: utils.Nop()})
	assert.ErrorIs(t, err, codes.ErrInvalidParameters)
}

func TestNew_OpenerFailureReleasesArena(t *testing.T) {
	_, err := New(Config{
		SampleRate:   48000,
		BufferFrames: 64,
		Logger:       utils.Nop(),
		Opener: func(stream.Params, stream.Callback) (stream.Stream, error) {
			return nil, codes.ErrFailure
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open stream")
	assert.Equal(t, codes.Failure, codes.Of(err))
}

func TestProcess_SilenceWithoutModules(t *testing.T) {
	h := newHarness(t, 1, 1)
	fill(h.stream.Input, 12000)
	out := h.step()
	assert.Equal(t, make([]int16, testFrames), out)
	assert.Equal(t, uint64(1), h.engine.Stats().Periods)
}

func TestProcess_Passthrough(t *testing.T) {
	h := newHarness(t, 2, 2)
	require.NoError(t, h.engine.Connect(graph.HardwareInput, 0, graph.HardwareOutput, 1))
	require.NoError(t, h.engine.Connect(graph.HardwareInput, 1, graph.HardwareOutput, 0))

	for k := 0; k < testFrames; k++ {
		h.stream.Input[2*k] = 16384
		h.stream.Input[2*k+1] = -8192
	}
	out := h.step()
	for k := 0; k < testFrames; k++ {
		assert.InDelta(t, -8192, out[2*k], 1)
		assert.InDelta(t, 16384, out[2*k+1], 1)
	}
}

func TestProcess_GainModule(t *testing.T) {
	h := newHarness(t, 1, 1)
	e := h.engine

	idx, err := e.CreateModule(1, 1)
	require.NoError(t, err)
	require.NoError(t, e.Connect(graph.HardwareInput, 0, idx, 0))
	require.NoError(t, e.Connect(idx, 0, graph.HardwareOutput, 0))
	require.NoError(t, e.ActivateModule(idx))
	r := h.attach(idx, gain(2))

	fill(h.stream.Input, 8192)
	for period := 0; period < 20; period++ {
		out := h.step(idx)
		require.InDelta(t, 16383, out[0], 1, "period %d", period)
		require.InDelta(t, 16383, out[testFrames-1], 1, "period %d", period)
	}
	assert.Equal(t, uint64(20), r.Periods())
	assert.Zero(t, e.Stats().Misses[idx])
}

func TestProcess_ClampsOutput(t *testing.T) {
	h := newHarness(t, 0, 2)
	idx, err := h.engine.CreateModule(0, 2)
	require.NoError(t, err)
	require.NoError(t, h.engine.Connect(idx, 0, graph.HardwareOutput, 0))
	require.NoError(t, h.engine.Connect(idx, 1, graph.HardwareOutput, 1))
	require.NoError(t, h.engine.ActivateModule(idx))
	h.attach(idx, func(_, frames, _ int, _ []float32, _ int, out []float32) {
		for k := 0; k < frames; k++ {
			out[k] = 3
			out[frames+k] = float32(math.NaN())
		}
	})

	out := h.step(idx)
	assert.Equal(t, int16(32767), out[0])
	assert.Equal(t, int16(0), out[1])
}

func TestProcess_InactiveModuleIsSkipped(t *testing.T) {
	h := newHarness(t, 1, 1)
	idx, err := h.engine.CreateModule(1, 1)
	require.NoError(t, err)
	require.NoError(t, h.engine.Connect(graph.HardwareInput, 0, idx, 0))
	require.NoError(t, h.engine.Connect(idx, 0, graph.HardwareOutput, 0))
	r := h.attach(idx, gain(1))

	fill(h.stream.Input, 1000)
	out := h.step(idx)
	assert.Equal(t, int16(0), out[0])
	assert.False(t, h.engine.Graph().Module(idx).InUse())

	require.NoError(t, h.engine.ActivateModule(idx))
	out = h.step(idx)
	assert.InDelta(t, 1000, out[0], 1)
	assert.Equal(t, uint64(1), r.Periods())
}

func TestProcess_HungModuleKeepsPeriodBounded(t *testing.T) {
	h := newHarness(t, 1, 1)
	e := h.engine
	idx, err := e.CreateModule(1, 1)
	require.NoError(t, err)
	require.NoError(t, e.Connect(graph.HardwareInput, 0, idx, 0))
	require.NoError(t, e.Connect(idx, 0, graph.HardwareOutput, 0))
	require.NoError(t, e.ActivateModule(idx))

	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	r := h.attach(idx, func(int, int, int, []float32, int, []float32) { <-block })

	fill(h.stream.Input, 4000)
	start := time.Now()
	out := h.step(idx)
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 2*e.Period()+200*time.Millisecond)
	assert.Equal(t, int16(0), out[0])
	assert.Equal(t, uint64(1), e.Stats().Misses[idx])
	require.Eventually(t, r.HasTimedOut, time.Second, 5*time.Millisecond)

	// A dead runner never reports again, so later periods skip it quickly.
	start = time.Now()
	h.step()
	assert.Less(t, time.Since(start), e.Period())
	assert.False(t, e.Graph().Module(idx).InUse())
}

func TestProcess_DeleteDuringRunReclaimsSlot(t *testing.T) {
	h := newHarness(t, 1, 1)
	e := h.engine
	idx, err := e.CreateModule(1, 1)
	require.NoError(t, err)
	require.NoError(t, e.Connect(graph.HardwareInput, 0, idx, 0))
	require.NoError(t, e.Connect(idx, 0, graph.HardwareOutput, 0))
	used := e.Graph().BuffersUsed()

	require.NoError(t, e.DeleteModule(idx))
	assert.Equal(t, int32(graph.PendingDelete), e.Graph().Module(idx).Status())

	h.step()
	assert.Equal(t, int32(graph.Free), e.Graph().Module(idx).Status())
	assert.Equal(t, used-2*testFrames, e.Graph().BuffersUsed())
	assert.False(t, e.IsConnected(idx, 0, graph.HardwareOutput, 0))
}

func TestProcess_MissHoldsOffCompaction(t *testing.T) {
	const holdoff = 300 * time.Millisecond
	h := newHarness(t, 1, 1, func(c *Config) { c.CleanupHoldoff = holdoff })
	e := h.engine

	hung, err := e.CreateModule(1, 1)
	require.NoError(t, err)
	require.NoError(t, e.ActivateModule(hung))
	victim, err := e.CreateModule(1, 1)
	require.NoError(t, err)
	used := e.Graph().BuffersUsed()
	hungOutput := e.Graph().Module(hung).OutputBuffer()

	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	h.attach(hung, func(int, int, int, []float32, int, []float32) { <-block })
	h.step(hung)
	require.Equal(t, uint64(1), e.Stats().Misses[hung])

	// The hung callback may still write at its offsets, so nothing moves.
	require.NoError(t, e.DeleteModule(hung))
	h.step()
	assert.Equal(t, int32(graph.PendingDelete), e.Graph().Module(hung).Status())
	assert.Equal(t, used, e.Graph().BuffersUsed())
	assert.Equal(t, hungOutput, e.Graph().Module(hung).OutputBuffer())
	assert.Positive(t, e.Stats().CleanupsDeferred)

	time.Sleep(holdoff)
	h.step()
	assert.Equal(t, int32(graph.Free), e.Graph().Module(hung).Status())
	assert.Equal(t, used-2*testFrames, e.Graph().BuffersUsed())
	assert.Equal(t, int32(graph.Active), e.Graph().Module(victim).Status())
}

func TestProcess_HoldoffDisabled(t *testing.T) {
	h := newHarness(t, 1, 1, func(c *Config) { c.CleanupHoldoff = -1 })
	e := h.engine
	idx, err := e.CreateModule(1, 1)
	require.NoError(t, err)
	require.NoError(t, e.ActivateModule(idx))

	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	h.attach(idx, func(int, int, int, []float32, int, []float32) { <-block })
	h.step(idx)

	require.NoError(t, e.DeleteModule(idx))
	h.step()
	assert.Equal(t, int32(graph.Free), e.Graph().Module(idx).Status())
	assert.Zero(t, e.Stats().CleanupsDeferred)
}

func TestProcess_MessagesVisibleForOnePeriod(t *testing.T) {
	h := newHarness(t, 0, 1)
	e := h.engine
	idx, err := e.CreateModule(0, 1)
	require.NoError(t, err)
	require.NoError(t, e.ActivateModule(idx))

	seen := make(chan string, 8)
	r := h.attach(idx, nil)
	// Installed only once r is set; the runner loads the callback atomically.
	r.Configure(func(int, int, int, []float32, int, []float32) {
		var c msgqueue.Cursor
		for {
			msg, ok := r.NextMessage(&c)
			if !ok {
				return
			}
			seen <- string(msg)
		}
	})

	require.NoError(t, e.Post([]byte("/gain")))
	require.NoError(t, e.Post([]byte("/cutoff")))
	h.step(idx)
	h.step(idx)

	require.Len(t, seen, 2)
	assert.Equal(t, "/gain", <-seen)
	assert.Equal(t, "/cutoff", <-seen)

	assert.ErrorIs(t, e.Post(nil), codes.ErrEmptyMessage)
	assert.ErrorIs(t, e.Post(make([]byte, msgqueue.MaxMessageLength+1)), codes.ErrMessageTooLong)
}

func TestRelease_Idempotent(t *testing.T) {
	h := newHarness(t, 1, 1)
	require.NoError(t, h.engine.Release())
	require.NoError(t, h.engine.Release())
	assert.False(t, h.engine.IsRunning())
	assert.Error(t, h.engine.Start())
	_, err := h.engine.CreateModule(1, 1)
	assert.ErrorIs(t, err, codes.ErrFailure)
}

func TestDone_FiniteStream(t *testing.T) {
	h := newHarness(t, 1, 1)
	assert.Nil(t, h.engine.Done())

	e, err := New(Config{
		SampleRate:     testRate,
		BufferFrames:   testFrames,
		InputChannels:  1,
		OutputChannels: 1,
		Opener:         stream.ClockOpener(stream.ClockOptions{MaxPeriods: 3, Logger: utils.Nop()}),
		Logger:         utils.Nop(),
	})
	require.NoError(t, err)
	defer e.Release()
	require.NoError(t, e.Start())

	select {
	case <-e.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not finish")
	}
	assert.Equal(t, uint64(3), e.Stats().Periods)
}

func TestPeriod(t *testing.T) {
	assert.Equal(t, time.Duration((20833+1)*64), Period(48000, 64))
	assert.Equal(t, time.Duration((125000+1)*256), Period(8000, 256))
}

func BenchmarkProcess_Idle(b *testing.B) {
	var m *stream.Manual
	e, err := New(Config{
		SampleRate:     48000,
		BufferFrames:   64,
		InputChannels:  2,
		OutputChannels: 2,
		Opener:         stream.ManualOpener(&m),
		Logger:         utils.Nop(),
	})
	require.NoError(b, err)
	defer e.Release()
	require.NoError(b, e.Connect(graph.HardwareInput, 0, graph.HardwareOutput, 0))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.Step()
	}
}
