package stream

import (
	"io"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/patchfield/internal/utils"
)

var stereo = Params{SampleRate: 48000, BufferFrames: 32, InputChannels: 2, OutputChannels: 2}

func passthrough(in, out []int16) { copy(out, in) }

func TestManual_Step(t *testing.T) {
	var m *Manual
	s, err := ManualOpener(&m)(stereo, passthrough)
	require.NoError(t, err)
	require.NotNil(t, m)

	assert.False(t, s.IsRunning())
	require.NoError(t, s.Start())
	assert.True(t, s.IsRunning())

	m.Input[0], m.Input[63] = 5, -5
	out := m.Step()
	assert.Equal(t, int16(5), out[0])
	assert.Equal(t, int16(-5), out[63])

	require.NoError(t, s.Close())
	assert.False(t, s.IsRunning())
	assert.Equal(t, stereo, m.Params())
}

func TestClock_MaxPeriods(t *testing.T) {
	var calls atomic.Int32
	c, err := NewClock(stereo, func(in, out []int16) {
		calls.Add(1)
		assert.Len(t, in, 64)
		assert.Len(t, out, 64)
	}, ClockOptions{MaxPeriods: 25, Logger: utils.Nop()})
	require.NoError(t, err)

	require.NoError(t, c.Start())
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("clock never finished")
	}
	assert.Equal(t, int32(25), calls.Load())
	assert.False(t, c.IsRunning())
	assert.NoError(t, c.Err())
	assert.Error(t, c.Start())
	require.NoError(t, c.Close())
}

func TestClock_RealtimePauseResume(t *testing.T) {
	// 480 frames at 48 kHz is a 10ms period
	p := Params{SampleRate: 48000, BufferFrames: 480, OutputChannels: 1}
	c, err := NewClock(p, func(in, out []int16) {}, ClockOptions{Realtime: true, Logger: utils.Nop()})
	require.NoError(t, err)

	require.NoError(t, c.Start())
	require.NoError(t, c.Start())
	require.Eventually(t, func() bool { return c.Periods() >= 3 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Pause())
	assert.False(t, c.IsRunning())
	paused := c.Periods()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, paused, c.Periods())

	require.NoError(t, c.Start())
	require.Eventually(t, func() bool { return c.Periods() > paused }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Close())
}

type failingSource struct{}

func (failingSource) Read([]int16) error { return io.ErrUnexpectedEOF }

func TestClock_SourceError(t *testing.T) {
	c, err := NewClock(stereo, passthrough, ClockOptions{Source: failingSource{}, Logger: utils.Nop()})
	require.NoError(t, err)
	require.NoError(t, c.Start())
	<-c.Done()
	assert.ErrorIs(t, c.Err(), io.ErrUnexpectedEOF)
}

func TestClock_InvalidParams(t *testing.T) {
	_, err := NewClock(Params{SampleRate: 0, BufferFrames: 64}, passthrough, ClockOptions{})
	assert.Error(t, err)
	_, err = NewClock(stereo, nil, ClockOptions{})
	assert.Error(t, err)
}

func writeRamp(t *testing.T, path string, frames, channels int) {
	t.Helper()
	sink, err := CreateWAVSink(path, 48000, channels)
	require.NoError(t, err)
	buf := make([]int16, frames*channels)
	for k := 0; k < frames; k++ {
		for c := 0; c < channels; c++ {
			buf[k*channels+c] = int16(k*10 + c)
		}
	}
	require.NoError(t, sink.Write(buf))
	assert.Equal(t, frames, sink.Frames())
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())
}

func TestWAV_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ramp.wav")
	writeRamp(t, path, 100, 2)

	src, err := OpenWAVSource(path, 2, false)
	require.NoError(t, err)
	assert.Equal(t, 48000, src.SampleRate())
	assert.Equal(t, 100, src.Frames())

	buf := make([]int16, 2*64)
	require.NoError(t, src.Read(buf))
	assert.Equal(t, int16(0), buf[0])
	assert.Equal(t, int16(1), buf[1])
	assert.Equal(t, int16(630), buf[126])

	// The second read runs off the end and is zero padded
	require.NoError(t, src.Read(buf))
	assert.Equal(t, int16(990), buf[2*35])
	assert.Equal(t, int16(0), buf[2*36])

	assert.ErrorIs(t, src.Read(buf), io.EOF)
}

func TestWAV_LoopAndChannelMapping(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mono.wav")
	writeRamp(t, path, 3, 1)

	src, err := OpenWAVSource(path, 2, true)
	require.NoError(t, err)

	buf := make([]int16, 2*5)
	require.NoError(t, src.Read(buf))
	assert.Equal(t, []int16{0, 0, 10, 10, 20, 20, 0, 0, 10, 10}, buf)
}

func TestWAVOpener_ProcessFile(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.wav")
	out := filepath.Join(dir, "out.wav")
	writeRamp(t, in, 96, 2)

	s, err := WAVOpener(WAVOptions{Input: in, Output: out}, ClockOptions{Logger: utils.Nop()})(stereo, func(i, o []int16) {
		for k := range o {
			o[k] = -i[k]
		}
	})
	require.NoError(t, err)
	c := s.(*Clock)
	require.NoError(t, c.Start())
	<-c.Done()
	require.NoError(t, c.Close())

	result, err := OpenWAVSource(out, 2, false)
	require.NoError(t, err)
	assert.Equal(t, 96, result.Frames())

	buf := make([]int16, 2*96)
	require.NoError(t, result.Read(buf))
	assert.Equal(t, int16(-10), buf[2])
	assert.Equal(t, int16(-951), buf[191])
}

func TestOpenWAVSource_Invalid(t *testing.T) {
	_, err := OpenWAVSource(filepath.Join(t.TempDir(), "missing.wav"), 2, false)
	assert.Error(t, err)
}
