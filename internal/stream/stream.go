// Package stream provides the audio streams that clock the engine: a
// paced or free-running clock with pluggable sources and sinks, WAV file
// endpoints, and a manually stepped stream for tests.
package stream

// Params describe the stream the engine asks for.
type Params struct {
	SampleRate     int
	BufferFrames   int
	InputChannels  int
	OutputChannels int
}

// Callback is invoked once per period with interleaved 16-bit samples:
// input holds BufferFrames*InputChannels samples, output
// BufferFrames*OutputChannels.
type Callback func(input, output []int16)

// Stream is an open audio stream.
type Stream interface {
	Start() error
	Pause() error
	IsRunning() bool
	Close() error
}

// Opener opens a stream that calls cb every period.
type Opener func(p Params, cb Callback) (Stream, error)
