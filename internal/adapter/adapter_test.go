package adapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func identity(calls *int, frames *[]int) ProcessFunc {
	return func(sampleRate, bufferFrames, inputChannels int, input []float32, outputChannels int, output []float32) {
		*calls++
		*frames = append(*frames, bufferFrames)
		copy(output, input)
	}
}

// runRamp feeds a ramp through the adapter and checks the output is the
// same ramp delayed by the adapter's latency.
func runRamp(t *testing.T, host, user, channels, periods int) *Adapter {
	t.Helper()
	var calls int
	var sizes []int
	a, err := New(host, user, channels, channels, identity(&calls, &sizes))
	require.NoError(t, err)
	latency := a.Latency()

	in := make([]float32, channels*host)
	out := make([]float32, channels*host)
	for p := 0; p < periods; p++ {
		for c := 0; c < channels; c++ {
			for k := 0; k < host; k++ {
				in[c*host+k] = float32(p*host+k+1) + float32(c)*1e6
			}
		}
		a.Process(48000, host, channels, in, channels, out)

		for c := 0; c < channels; c++ {
			for k := 0; k < host; k++ {
				t0 := p*host + k - latency
				want := float32(0)
				if t0 >= 0 {
					want = float32(t0+1) + float32(c)*1e6
				}
				require.Equal(t, want, out[c*host+k], "host=%d user=%d period=%d ch=%d frame=%d", host, user, p, c, k)
			}
		}
	}
	for _, s := range sizes {
		assert.Equal(t, user, s)
	}
	assert.Equal(t, periods*host/user, calls)
	return a
}

func TestAdapter_SmallUserBlocks(t *testing.T) {
	a := runRamp(t, 256, 64, 2, 20)
	assert.Equal(t, 0, a.Latency())
}

func TestAdapter_LargeUserBlocks(t *testing.T) {
	runRamp(t, 64, 256, 1, 40)
}

func TestAdapter_CoprimeBlocks(t *testing.T) {
	runRamp(t, 96, 64, 2, 48)
	runRamp(t, 64, 96, 1, 48)
	runRamp(t, 100, 30, 1, 30)
}

func TestAdapter_InitialLatency(t *testing.T) {
	a, err := New(64, 256, 1, 1, func(int, int, int, []float32, int, []float32) {})
	require.NoError(t, err)
	assert.Equal(t, 192, a.Latency())

	a, err = New(96, 64, 1, 1, func(int, int, int, []float32, int, []float32) {})
	require.NoError(t, err)
	assert.Equal(t, 32, a.Latency())
}

func TestAdapter_WrongShapeWritesSilence(t *testing.T) {
	a, err := New(64, 32, 1, 1, func(_, _, _ int, in []float32, _ int, out []float32) { copy(out, in) })
	require.NoError(t, err)

	out := []float32{1, 2, 3}
	a.Process(48000, 3, 1, []float32{1, 1, 1}, 1, out)
	assert.Equal(t, []float32{0, 0, 0}, out)
}

func TestAdapter_InvalidParameters(t *testing.T) {
	_, err := New(0, 64, 1, 1, func(int, int, int, []float32, int, []float32) {})
	assert.Error(t, err)
	_, err = New(64, 64, 1, 1, nil)
	assert.Error(t, err)
	_, err = New(64, 64, -1, 1, func(int, int, int, []float32, int, []float32) {})
	assert.Error(t, err)
}

func TestLcm(t *testing.T) {
	assert.Equal(t, 192, lcm(96, 64))
	assert.Equal(t, 256, lcm(256, 64))
	assert.Equal(t, 300, lcm(100, 30))
}
