package stream

import (
	"io"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/ossrs/go-oryx-lib/errors"
)

// WAVSource plays a PCM WAV file as the hardware input. The file is decoded
// up front; channels are mapped modulo the file's channel count.
type WAVSource struct {
	samples    []int
	fileChans  int
	sampleRate int
	channels   int
	loop       bool
	pos        int
}

// OpenWAVSource decodes path for a stream with the given input channel
// count.
func OpenWAVSource(path string, channels int, loop bool) (*WAVSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return nil, errors.Errorf("%s is not a valid wav file", path)
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	if d.NumChans == 0 {
		return nil, errors.Errorf("%s has no channels", path)
	}

	samples := buf.Data
	if shift := int(d.BitDepth) - 16; shift != 0 {
		for k, v := range samples {
			if shift > 0 {
				samples[k] = v >> shift
			} else {
				samples[k] = v << -shift
			}
		}
	}

	return &WAVSource{
		samples:    samples,
		fileChans:  int(d.NumChans),
		sampleRate: int(d.SampleRate),
		channels:   channels,
		loop:       loop,
	}, nil
}

// SampleRate is the file's sample rate. No resampling is done.
func (s *WAVSource) SampleRate() int { return s.sampleRate }

// Frames is the file length in frames.
func (s *WAVSource) Frames() int { return len(s.samples) / s.fileChans }

func (s *WAVSource) Read(buf []int16) error {
	if s.channels == 0 {
		return nil
	}
	frames := len(buf) / s.channels
	total := s.Frames()
	if total == 0 || (!s.loop && s.pos >= total) {
		return io.EOF
	}
	for k := 0; k < frames; k++ {
		if s.pos >= total {
			if !s.loop {
				clear(buf[k*s.channels:])
				break
			}
			s.pos = 0
		}
		base := s.pos * s.fileChans
		for c := 0; c < s.channels; c++ {
			buf[k*s.channels+c] = int16(s.samples[base+c%s.fileChans])
		}
		s.pos++
	}
	return nil
}

// WAVSink records the hardware output to a 16-bit PCM WAV file.
type WAVSink struct {
	f        *os.File
	enc      *wav.Encoder
	buf      *audio.IntBuffer
	channels int
	frames   int
}

// CreateWAVSink creates path and writes a WAV header for the stream.
func CreateWAVSink(path string, sampleRate, channels int) (*WAVSink, error) {
	if channels <= 0 {
		return nil, errors.Errorf("invalid channel count %d", channels)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s", path)
	}
	return &WAVSink{
		f:        f,
		enc:      wav.NewEncoder(f, sampleRate, 16, channels, 1),
		channels: channels,
		buf: &audio.IntBuffer{
			Format:         &audio.Format{SampleRate: sampleRate, NumChannels: channels},
			SourceBitDepth: 16,
		},
	}, nil
}

func (s *WAVSink) Write(out []int16) error {
	if cap(s.buf.Data) < len(out) {
		s.buf.Data = make([]int, len(out))
	}
	s.buf.Data = s.buf.Data[:len(out)]
	for k, v := range out {
		s.buf.Data[k] = int(v)
	}
	if err := s.enc.Write(s.buf); err != nil {
		return errors.Wrapf(err, "write wav frames")
	}
	s.frames += len(out) / s.channels
	return nil
}

// Frames is the number of frames written so far.
func (s *WAVSink) Frames() int { return s.frames }

// Close finalizes the header and closes the file.
func (s *WAVSink) Close() error {
	if s.f == nil {
		return nil
	}
	err := s.enc.Close()
	if cerr := s.f.Close(); err == nil && cerr != nil {
		err = cerr
	}
	s.f = nil
	if err != nil {
		return errors.Wrapf(err, "close wav")
	}
	return nil
}

// WAVOptions choose the files a WAV-backed clock reads and writes. Either
// may be empty.
type WAVOptions struct {
	Input    string
	Output   string
	Loop     bool
	Realtime bool
	// MaxPeriods bounds the run when the input loops or is absent.
	MaxPeriods int
}

// WAVOpener returns an Opener for a Clock fed from and recorded to WAV
// files.
func WAVOpener(opts WAVOptions, clock ClockOptions) Opener {
	return func(p Params, cb Callback) (Stream, error) {
		co := clock
		co.Realtime = opts.Realtime
		if opts.MaxPeriods > 0 {
			co.MaxPeriods = opts.MaxPeriods
		}
		if opts.Input != "" {
			src, err := OpenWAVSource(opts.Input, p.InputChannels, opts.Loop)
			if err != nil {
				return nil, err
			}
			co.Source = src
		}
		if opts.Output != "" {
			sink, err := CreateWAVSink(opts.Output, p.SampleRate, p.OutputChannels)
			if err != nil {
				return nil, err
			}
			co.Sink = sink
		}
		c, err := NewClock(p, cb, co)
		if err != nil {
			if co.Sink != nil {
				_ = co.Sink.Close()
			}
			return nil, err
		}
		return c, nil
	}
}
