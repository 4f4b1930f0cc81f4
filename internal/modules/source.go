package modules

import (
	"sync/atomic"

	"github.com/nmxmxh/patchfield/internal/stream"
	"github.com/nmxmxh/patchfield/internal/utils"
)

// Source plays interleaved 16-bit PCM from a stream.Source, typically a
// looping stream.WAVSource. It has no inputs.
type Source struct {
	src      stream.Source
	channels int
	logger   *utils.Logger

	scratch []int16
	failed  atomic.Bool
}

// NewSource reads channels interleaved channels from src each period.
func NewSource(src stream.Source, channels int, logger *utils.Logger) *Source {
	if logger == nil {
		logger = utils.DefaultLogger("source")
	}
	return &Source{src: src, channels: channels, logger: logger}
}

// OpenWAV returns a looping source over a PCM WAV file.
func OpenWAV(path string, channels int, logger *utils.Logger) (*Source, error) {
	src, err := stream.OpenWAVSource(path, channels, true)
	if err != nil {
		return nil, err
	}
	return NewSource(src, channels, logger), nil
}

// Failed reports whether the underlying source returned an error. A failed
// source outputs silence from then on.
func (s *Source) Failed() bool { return s.failed.Load() }

func (s *Source) Process(sampleRate, frames, inputChannels int, input []float32, outputChannels int, output []float32) {
	if s.failed.Load() || s.channels == 0 {
		clear(output)
		return
	}
	n := frames * s.channels
	if cap(s.scratch) < n {
		s.scratch = make([]int16, n)
	}
	buf := s.scratch[:n]
	if err := s.src.Read(buf); err != nil {
		s.failed.Store(true)
		s.logger.Warn("PCM source stopped", utils.Err(err))
		clear(output)
		return
	}

	for c := 0; c < outputChannels; c++ {
		out := channel(output, frames, c)
		from := c % s.channels
		for i := range out {
			out[i] = float32(buf[i*s.channels+from]) / 32768
		}
	}
}
