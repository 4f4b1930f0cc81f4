package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nmxmxh/patchfield/internal/config"
	"github.com/nmxmxh/patchfield/internal/control"
	"github.com/nmxmxh/patchfield/internal/host"
	"github.com/nmxmxh/patchfield/internal/modules"
	"github.com/nmxmxh/patchfield/internal/runner"
	"github.com/nmxmxh/patchfield/internal/utils"
)

type options struct {
	socket   string
	name     string
	kind     string
	gain     float64
	cutoff   float64
	wav      string
	channels int
	block    int
	watchdog time.Duration
}

func main() {
	defaults, err := config.Load("")
	if err != nil {
		utils.Error("Invalid environment", utils.Err(err))
		os.Exit(1)
	}

	var o options
	flag.StringVar(&o.socket, "socket", defaults.Socket, "host control socket")
	flag.StringVar(&o.name, "name", "", "module name (defaults to the kind)")
	flag.StringVar(&o.kind, "kind", "gain", "gain, lowpass, logger or source")
	flag.Float64Var(&o.gain, "gain", 0.5, "gain for -kind gain")
	flag.Float64Var(&o.cutoff, "cutoff", 1000, "cutoff in Hz for -kind lowpass")
	flag.StringVar(&o.wav, "wav", "", "WAV file for -kind source")
	flag.IntVar(&o.channels, "channels", 2, "channel count")
	flag.IntVar(&o.block, "block", 0, "process in blocks of this many frames (0 uses the host period)")
	flag.DurationVar(&o.watchdog, "watchdog", defaults.Watchdog, "process callback watchdog")
	flag.Parse()
	if o.name == "" {
		o.name = o.kind
	}

	if err := run(o); err != nil {
		utils.Error("Module failed", utils.String("name", o.name), utils.Err(err))
		os.Exit(1)
	}
}

func run(o options) error {
	logger := utils.DefaultLogger("module").With(utils.String("name", o.name))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := control.Dial(ctx, o.socket, control.DialOptions{Logger: utils.DefaultLogger("control")})
	if err != nil {
		return err
	}
	defer c.Close()

	rate, frames, err := c.Params()
	if err != nil {
		return err
	}
	logger.Info("Connected to host", utils.Int("sample_rate", rate), utils.Int("buffer_frames", frames))

	inputs := o.channels
	if o.kind == "source" {
		inputs = 0
	}
	m, err := control.Attach(c, o.name, inputs, o.channels, nil, runner.Options{
		Watchdog: o.watchdog,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Release(); err != nil {
			logger.Warn("Release failed", utils.Err(err))
		}
	}()

	process, err := build(o, m, logger)
	if err != nil {
		return err
	}
	latency, err := m.ConfigureBlock(o.block, process)
	if err != nil {
		return err
	}
	if latency > 0 {
		logger.Info("Processing in adapted blocks", utils.Int("block", o.block), utils.Int("latency_frames", latency))
	}

	if err := patch(c, o.name, inputs, o.channels); err != nil {
		return err
	}
	if err := m.Activate(); err != nil {
		return err
	}
	logger.Info("Module running", utils.String("kind", o.kind), utils.Int("index", m.Index()))

	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("Signal received")
			return nil
		case <-tick.C:
			if m.HasTimedOut() {
				return fmt.Errorf("process callback exceeded the %s watchdog", o.watchdog)
			}
		}
	}
}

func build(o options, m *control.Module, logger *utils.Logger) (runner.ProcessFunc, error) {
	switch o.kind {
	case "gain":
		return modules.NewGain(float32(o.gain), m).Process, nil
	case "lowpass":
		return modules.NewLowpass(float32(o.cutoff)).Process, nil
	case "logger":
		return modules.NewMessageLogger(m, logger).Process, nil
	case "source":
		if o.wav == "" {
			return nil, fmt.Errorf("-kind source needs -wav")
		}
		src, err := modules.OpenWAV(o.wav, o.channels, logger)
		if err != nil {
			return nil, err
		}
		return src.Process, nil
	}
	return nil, fmt.Errorf("unknown module kind %q", o.kind)
}

// patch wires system_in into the module and the module into system_out,
// port by port, as far as both sides have channels.
func patch(c *control.Client, name string, inputs, outputs int) error {
	_, hwIn, err := c.Channels(host.SystemIn)
	if err != nil {
		return err
	}
	hwOut, _, err := c.Channels(host.SystemOut)
	if err != nil {
		return err
	}
	for p := 0; p < min(hwIn, inputs); p++ {
		if err := c.Connect(host.SystemIn, p, name, p); err != nil {
			return err
		}
	}
	for p := 0; p < min(outputs, hwOut); p++ {
		if err := c.Connect(name, p, host.SystemOut, p); err != nil {
			return err
		}
	}
	return nil
}
