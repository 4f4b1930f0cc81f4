// Package adapter lets a module process audio in blocks of a size other
// than the host's period by buffering through per-channel rings.
package adapter

import (
	"fmt"
)

// ProcessFunc has the shape of a module process callback. Buffers are
// channel-major: channel c occupies [c*frames, (c+1)*frames).
type ProcessFunc = func(sampleRate, bufferFrames, inputChannels int, input []float32, outputChannels int, output []float32)

type ring struct {
	frames int
	read   int
	write  int
	ch     [][]float32
}

func newRing(frames, channels int) *ring {
	r := &ring{frames: frames, ch: make([][]float32, channels)}
	for c := range r.ch {
		r.ch[c] = make([]float32, frames)
	}
	return r
}

func (r *ring) available() int {
	return (r.frames + r.write - r.read) % r.frames
}

// put copies n frames per channel from a channel-major block at the write
// position.
func (r *ring) put(src []float32, n int) {
	for c, dst := range r.ch {
		block := src[c*n : (c+1)*n]
		k := copy(dst[r.write:], block)
		copy(dst, block[k:])
	}
	r.write = (r.write + n) % r.frames
}

// take copies n frames per channel from the read position into a
// channel-major block.
func (r *ring) take(dst []float32, n int) {
	for c, src := range r.ch {
		block := dst[c*n : (c+1)*n]
		k := copy(block, src[r.read:])
		copy(block[k:], src)
	}
	r.read = (r.read + n) % r.frames
}

func lcm(a, b int) int {
	m := a
	for m%b != 0 {
		m += a
	}
	return m
}

// Adapter wraps a callback written for userFrames so it can run inside a
// host period of hostFrames.
type Adapter struct {
	hostFrames int
	userFrames int
	inputs     int
	outputs    int
	process    ProcessFunc

	in, out    *ring
	scratchIn  []float32
	scratchOut []float32
}

// New builds an adapter. The rings hold lcm(host, user) frames, doubled when
// that equals either block size. The output ring starts with the largest
// read/write gap found by walking one lcm cycle, which is the smallest
// prefill that never underruns.
func New(hostFrames, userFrames, inputChannels, outputChannels int, fn ProcessFunc) (*Adapter, error) {
	if hostFrames <= 0 || userFrames <= 0 || inputChannels < 0 || outputChannels < 0 || fn == nil {
		return nil, fmt.Errorf("invalid adapter parameters host=%d user=%d in=%d out=%d",
			hostFrames, userFrames, inputChannels, outputChannels)
	}

	m := lcm(hostFrames, userFrames)
	size := m
	if size == hostFrames || size == userFrames {
		size *= 2
	}

	a := &Adapter{
		hostFrames: hostFrames,
		userFrames: userFrames,
		inputs:     inputChannels,
		outputs:    outputChannels,
		process:    fn,
		in:         newRing(size, inputChannels),
		out:        newRing(size, outputChannels),
		scratchIn:  make([]float32, inputChannels*userFrames),
		scratchOut: make([]float32, outputChannels*userFrames),
	}

	w, gap := 0, 0
	for r := 0; r < m; r += hostFrames {
		for w < r {
			w += userFrames
		}
		if d := w - r; d > gap {
			gap = d
			a.out.read = r
			a.out.write = w % size
		}
	}
	return a, nil
}

// Latency is the number of frames of delay the adapter adds.
func (a *Adapter) Latency() int {
	return a.out.available()
}

// Process is the host-sized callback. It has the ProcessFunc shape so it
// can be installed on a runner directly.
func (a *Adapter) Process(sampleRate, bufferFrames, inputChannels int, input []float32, outputChannels int, output []float32) {
	if bufferFrames != a.hostFrames || inputChannels != a.inputs || outputChannels != a.outputs ||
		len(input) < a.inputs*a.hostFrames || len(output) < a.outputs*a.hostFrames {
		clear(output)
		return
	}

	a.in.put(input, a.hostFrames)

	for a.in.available() >= a.userFrames {
		a.in.take(a.scratchIn, a.userFrames)
		a.process(sampleRate, a.userFrames, a.inputs, a.scratchIn, a.outputs, a.scratchOut)
		a.out.put(a.scratchOut, a.userFrames)
	}

	a.out.take(output, a.hostFrames)
}
