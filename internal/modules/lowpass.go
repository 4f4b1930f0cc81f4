package modules

import "math"

// Lowpass is a one-pole low-pass filter, y += a*(x-y), with
// a = 1 - exp(-2*pi*cutoff/rate). Channels are filtered independently and
// output channel c reads input channel c modulo the input count.
type Lowpass struct {
	cutoff atomicFloat
	state  []float32

	rate  int
	alpha float32
	last  float32
}

// NewLowpass returns a filter with the given cutoff in Hz.
func NewLowpass(cutoff float32) *Lowpass {
	l := &Lowpass{}
	l.cutoff.Store(cutoff)
	return l
}

// SetCutoff changes the cutoff from any goroutine.
func (l *Lowpass) SetCutoff(hz float32) { l.cutoff.Store(hz) }

// Cutoff is the current cutoff in Hz.
func (l *Lowpass) Cutoff() float32 { return l.cutoff.Load() }

// Alpha is the smoothing coefficient for cutoff at sampleRate, clamped to
// [0, 1].
func Alpha(cutoff float32, sampleRate int) float32 {
	if sampleRate <= 0 || cutoff <= 0 {
		return 0
	}
	a := 1 - math.Exp(-2*math.Pi*float64(cutoff)/float64(sampleRate))
	return float32(math.Min(1, a))
}

func (l *Lowpass) Process(sampleRate, frames, inputChannels int, input []float32, outputChannels int, output []float32) {
	if inputChannels == 0 {
		clear(output)
		return
	}
	if fc := l.cutoff.Load(); fc != l.last || sampleRate != l.rate {
		l.alpha = Alpha(fc, sampleRate)
		l.last, l.rate = fc, sampleRate
	}
	if len(l.state) != outputChannels {
		l.state = make([]float32, outputChannels)
	}

	a := l.alpha
	for c := 0; c < outputChannels; c++ {
		in := channel(input, frames, c%inputChannels)
		out := channel(output, frames, c)
		y := l.state[c]
		for i, x := range in {
			y += a * (x - y)
			out[i] = y
		}
		l.state[c] = y
	}
}
