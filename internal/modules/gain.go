package modules

import (
	"github.com/nmxmxh/patchfield/internal/msgqueue"
	"github.com/nmxmxh/patchfield/internal/osc"
)

// GainAddress is the OSC address that sets the gain, with one 'f' argument.
const GainAddress = "/gain"

// Gain scales its inputs. Output channel c reads input channel c modulo
// the input count.
type Gain struct {
	gain     atomicFloat
	messages MessageSource
}

// NewGain returns a gain module. If messages is non-nil, "/gain f"
// messages change the gain at the start of a period.
func NewGain(gain float32, messages MessageSource) *Gain {
	g := &Gain{messages: messages}
	g.gain.Store(gain)
	return g
}

// Set changes the gain from any goroutine.
func (g *Gain) Set(v float32) { g.gain.Store(v) }

// Value is the current gain.
func (g *Gain) Value() float32 { return g.gain.Load() }

func (g *Gain) Process(sampleRate, frames, inputChannels int, input []float32, outputChannels int, output []float32) {
	if g.messages != nil {
		var cur msgqueue.Cursor
		for msg, ok := g.messages.NextMessage(&cur); ok; msg, ok = g.messages.NextMessage(&cur) {
			var v float32
			if osc.UnpackMessage(msg, GainAddress, "f", &v) == nil {
				g.gain.Store(v)
			}
		}
	}

	if inputChannels == 0 {
		clear(output)
		return
	}
	k := g.gain.Load()
	for c := 0; c < outputChannels; c++ {
		in := channel(input, frames, c%inputChannels)
		out := channel(output, frames, c)
		for i, x := range in {
			out[i] = x * k
		}
	}
}
