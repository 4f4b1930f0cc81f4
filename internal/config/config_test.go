package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 48000, cfg.Stream.SampleRate)
	assert.Equal(t, StreamClock, cfg.Stream.Kind)
}

func TestLoad_YAMLOverlaysDefaults(t *testing.T) {
	path := writeFile(t, "patchfield.yaml", `
stream:
  sample_rate: 44100
  buffer_frames: 128
  input_channels: 1
socket: /run/pf.sock
watchdog: 250ms
monitor:
  miss_reports_per_minute: 2
  cleanup_holdoff: -1s
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 44100, cfg.Stream.SampleRate)
	assert.Equal(t, 128, cfg.Stream.BufferFrames)
	assert.Equal(t, 1, cfg.Stream.InputChannels)
	assert.Equal(t, 2, cfg.Stream.OutputChannels)
	assert.Equal(t, "/run/pf.sock", cfg.Socket)
	assert.Equal(t, 250*time.Millisecond, cfg.Watchdog)
	assert.Equal(t, 2, cfg.Monitor.MissReportsPerMinute)
	assert.Equal(t, -time.Second, cfg.Monitor.CleanupHoldoff)
	assert.Equal(t, time.Second, cfg.Monitor.Interval)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := writeFile(t, "patchfield.yaml", "stream:\n  sample_rate: 44100\n")
	t.Setenv("PATCHFIELD_SAMPLE_RATE", "96000")
	t.Setenv("PATCHFIELD_BUFFER_FRAMES", " 64 ")
	t.Setenv("PATCHFIELD_STREAM", "WAV")
	t.Setenv("PATCHFIELD_WAV_OUT", "/tmp/out.wav")
	t.Setenv("PATCHFIELD_LOG_LEVEL", "debug")
	t.Setenv("PATCHFIELD_WATCHDOG", "2s")
	t.Setenv("PATCHFIELD_REALTIME", "false")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 96000, cfg.Stream.SampleRate)
	assert.Equal(t, 64, cfg.Stream.BufferFrames)
	assert.Equal(t, StreamWAV, cfg.Stream.Kind)
	assert.Equal(t, "/tmp/out.wav", cfg.WAV.Output)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 2*time.Second, cfg.Watchdog)
	assert.False(t, cfg.Stream.Realtime)
}

func TestLoad_EnvFile(t *testing.T) {
	env := writeFile(t, ".env", "PATCHFIELD_SOCKET=/tmp/from-env.sock\nPATCHFIELD_OUTPUT_CHANNELS=1\n")
	t.Setenv("PATCHFIELD_SOCKET", "")
	t.Setenv("PATCHFIELD_OUTPUT_CHANNELS", "")
	require.NoError(t, os.Unsetenv("PATCHFIELD_SOCKET"))
	require.NoError(t, os.Unsetenv("PATCHFIELD_OUTPUT_CHANNELS"))

	require.NoError(t, LoadEnvFile(env))
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/from-env.sock", cfg.Socket)
	assert.Equal(t, 1, cfg.Stream.OutputChannels)

	assert.Error(t, LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")))
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad.yaml", "stream: [1, 2"))
	assert.Error(t, err)

	t.Setenv("PATCHFIELD_SAMPLE_RATE", "fast")
	_, err = Load("")
	assert.ErrorContains(t, err, "PATCHFIELD_SAMPLE_RATE")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		ok     bool
	}{
		{"default", func(*Config) {}, true},
		{"zero rate", func(c *Config) { c.Stream.SampleRate = 0 }, false},
		{"zero frames", func(c *Config) { c.Stream.BufferFrames = 0 }, false},
		{"too many inputs", func(c *Config) { c.Stream.InputChannels = MaxChannels + 1 }, false},
		{"negative outputs", func(c *Config) { c.Stream.OutputChannels = -1 }, false},
		{"mono in, no out", func(c *Config) { c.Stream.InputChannels, c.Stream.OutputChannels = 1, 0 }, true},
		{"unknown stream", func(c *Config) { c.Stream.Kind = "alsa" }, false},
		{"wav without files", func(c *Config) { c.Stream.Kind = StreamWAV }, false},
		{"wav with input", func(c *Config) { c.Stream.Kind, c.WAV.Input = StreamWAV, "in.wav" }, true},
		{"no socket", func(c *Config) { c.Socket = "" }, false},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, false},
		{"no watchdog", func(c *Config) { c.Watchdog = 0 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if tt.ok {
				assert.NoError(t, cfg.Validate())
			} else {
				assert.Error(t, cfg.Validate())
			}
		})
	}
}

func TestLoad_ExampleFile(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "patchfield.example.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}
