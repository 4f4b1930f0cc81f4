// Package config loads host and module settings from YAML, a .env file
// and PATCHFIELD_* environment variables, in that order of precedence.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/ossrs/go-oryx-lib/errors"
	"gopkg.in/yaml.v3"

	"github.com/nmxmxh/patchfield/internal/shm"
	"github.com/nmxmxh/patchfield/internal/utils"
)

// MaxChannels bounds the hardware channel counts.
const MaxChannels = 32

// Stream kinds.
const (
	StreamClock = "clock"
	StreamWAV   = "wav"
)

// Config is the complete configuration.
type Config struct {
	Stream          StreamConfig  `yaml:"stream"`
	WAV             WAVConfig     `yaml:"wav"`
	Monitor         MonitorConfig `yaml:"monitor"`
	ArenaSize       int           `yaml:"arena_size"`
	Socket          string        `yaml:"socket"`
	LogLevel        string        `yaml:"log_level"`
	Watchdog        time.Duration `yaml:"watchdog"`         // per-callback budget in modules
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // graceful shutdown bound
}

// StreamConfig describes the audio stream the engine opens.
type StreamConfig struct {
	Kind           string `yaml:"kind"` // clock, wav
	SampleRate     int    `yaml:"sample_rate"`
	BufferFrames   int    `yaml:"buffer_frames"`
	InputChannels  int    `yaml:"input_channels"`
	OutputChannels int    `yaml:"output_channels"`
	Realtime       bool   `yaml:"realtime"`
}

// WAVConfig names the files a wav stream plays and records.
type WAVConfig struct {
	Input      string `yaml:"input"`
	Output     string `yaml:"output"`
	Loop       bool   `yaml:"loop"`
	MaxPeriods int    `yaml:"max_periods"`
}

// MonitorConfig tunes deadline-miss reporting.
type MonitorConfig struct {
	Interval             time.Duration `yaml:"interval"`
	MissReportsPerMinute int           `yaml:"miss_reports_per_minute"`
	// CleanupHoldoff keeps buffers in place for this long after a missed
	// deadline; negative disables it.
	CleanupHoldoff time.Duration `yaml:"cleanup_holdoff"`
}

// Default returns a stereo 48 kHz setup with 256-frame periods paced in
// real time.
func Default() *Config {
	return &Config{
		Stream: StreamConfig{
			Kind:           StreamClock,
			SampleRate:     48000,
			BufferFrames:   256,
			InputChannels:  2,
			OutputChannels: 2,
			Realtime:       true,
		},
		Monitor: MonitorConfig{
			Interval:             time.Second,
			MissReportsPerMinute: 6,
			CleanupHoldoff:       2 * time.Second,
		},
		ArenaSize:       shm.DefaultSize,
		Socket:          "/tmp/patchfield.sock",
		LogLevel:        "info",
		Watchdog:        time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// Load builds a configuration from defaults, the YAML file at path (if
// any) and the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid configuration")
	}
	return cfg, nil
}

// LoadEnvFile loads KEY=value pairs from a .env file into the process
// environment without overriding variables that are already set.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		return errors.Wrapf(err, "load %s", path)
	}
	return nil
}

type envInt struct {
	key string
	dst *int
}

// ApplyEnv overrides fields from PATCHFIELD_* variables.
func (c *Config) ApplyEnv() error {
	for _, v := range []envInt{
		{"PATCHFIELD_SAMPLE_RATE", &c.Stream.SampleRate},
		{"PATCHFIELD_BUFFER_FRAMES", &c.Stream.BufferFrames},
		{"PATCHFIELD_INPUT_CHANNELS", &c.Stream.InputChannels},
		{"PATCHFIELD_OUTPUT_CHANNELS", &c.Stream.OutputChannels},
		{"PATCHFIELD_ARENA_SIZE", &c.ArenaSize},
		{"PATCHFIELD_WAV_MAX_PERIODS", &c.WAV.MaxPeriods},
	} {
		s, ok := os.LookupEnv(v.key)
		if !ok || s == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return errors.Wrapf(err, "parse %s", v.key)
		}
		*v.dst = n
	}

	if s := os.Getenv("PATCHFIELD_WATCHDOG"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return errors.Wrapf(err, "parse PATCHFIELD_WATCHDOG")
		}
		c.Watchdog = d
	}
	if s := os.Getenv("PATCHFIELD_REALTIME"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return errors.Wrapf(err, "parse PATCHFIELD_REALTIME")
		}
		c.Stream.Realtime = b
	}
	if s := os.Getenv("PATCHFIELD_SOCKET"); s != "" {
		c.Socket = s
	}
	if s := os.Getenv("PATCHFIELD_LOG_LEVEL"); s != "" {
		c.LogLevel = s
	}
	if s := os.Getenv("PATCHFIELD_STREAM"); s != "" {
		c.Stream.Kind = strings.ToLower(s)
	}
	if s := os.Getenv("PATCHFIELD_WAV_IN"); s != "" {
		c.WAV.Input = s
	}
	if s := os.Getenv("PATCHFIELD_WAV_OUT"); s != "" {
		c.WAV.Output = s
	}
	return nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	s := c.Stream
	if s.SampleRate <= 0 {
		return errors.Errorf("stream.sample_rate must be > 0, got %d", s.SampleRate)
	}
	if s.BufferFrames <= 0 {
		return errors.Errorf("stream.buffer_frames must be > 0, got %d", s.BufferFrames)
	}
	if s.InputChannels < 0 || s.InputChannels > MaxChannels {
		return errors.Errorf("stream.input_channels must be in [0, %d], got %d", MaxChannels, s.InputChannels)
	}
	if s.OutputChannels < 0 || s.OutputChannels > MaxChannels {
		return errors.Errorf("stream.output_channels must be in [0, %d], got %d", MaxChannels, s.OutputChannels)
	}
	switch s.Kind {
	case StreamClock:
	case StreamWAV:
		if c.WAV.Input == "" && c.WAV.Output == "" {
			return errors.New("wav stream needs wav.input or wav.output")
		}
	default:
		return errors.Errorf("unknown stream kind %q", s.Kind)
	}
	if c.ArenaSize < 0 {
		return errors.Errorf("arena_size must be >= 0, got %d", c.ArenaSize)
	}
	if c.Socket == "" {
		return errors.New("socket is required")
	}
	if _, err := utils.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrapf(err, "log_level")
	}
	if c.Watchdog <= 0 {
		return errors.Errorf("watchdog must be > 0, got %v", c.Watchdog)
	}
	return nil
}
