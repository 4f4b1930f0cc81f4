package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/nmxmxh/patchfield/internal/config"
	"github.com/nmxmxh/patchfield/internal/control"
	"github.com/nmxmxh/patchfield/internal/engine"
	"github.com/nmxmxh/patchfield/internal/host"
	"github.com/nmxmxh/patchfield/internal/stream"
	"github.com/nmxmxh/patchfield/internal/utils"
)

func main() {
	configPath := flag.String("config", "", "YAML config file")
	envPath := flag.String("env", "", "dotenv file loaded before the config")
	flag.Parse()

	if err := run(*configPath, *envPath); err != nil {
		utils.Error("Host failed", utils.Err(err))
		os.Exit(1)
	}
}

func run(configPath, envPath string) error {
	if envPath != "" {
		if err := config.LoadEnvFile(envPath); err != nil {
			return err
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level, _ := utils.ParseLevel(cfg.LogLevel)
	utils.SetGlobalLogger(utils.NewLogger(utils.LoggerConfig{
		Level:     level,
		Component: "patchfield",
		Output:    os.Stdout,
		Colorize:  true,
	}))
	logger := utils.DefaultLogger("host")

	e, err := engine.New(engine.Config{
		SampleRate:           cfg.Stream.SampleRate,
		BufferFrames:         cfg.Stream.BufferFrames,
		InputChannels:        cfg.Stream.InputChannels,
		OutputChannels:       cfg.Stream.OutputChannels,
		ArenaSize:            cfg.ArenaSize,
		Opener:               opener(cfg),
		Logger:               utils.DefaultLogger("engine"),
		MonitorInterval:      cfg.Monitor.Interval,
		MissReportsPerMinute: cfg.Monitor.MissReportsPerMinute,
		CleanupHoldoff:       cfg.Monitor.CleanupHoldoff,
	})
	if err != nil {
		return err
	}
	h := host.New(e, logger)

	shutdown := utils.NewGracefulShutdown(cfg.ShutdownTimeout, logger)
	shutdown.Register("host", h.Release)

	srv, err := control.Listen(cfg.Socket, h, utils.DefaultLogger("control"))
	if err != nil {
		_ = h.Release()
		return err
	}
	shutdown.Register("control", srv.Close)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx) }()

	if err := h.Start(); err != nil {
		_ = shutdown.Shutdown(context.Background())
		return err
	}
	logger.Info("Host ready",
		utils.String("id", h.ID()),
		utils.String("socket", srv.Path()),
		utils.String("stream", cfg.Stream.Kind))

	select {
	case <-ctx.Done():
		logger.Info("Signal received")
	case <-e.Done():
		logger.Info("Stream finished")
	case err = <-serveErr:
		if err != nil {
			logger.Error("Control server stopped", utils.Err(err))
		}
	}

	stats := h.Stats()
	logger.Info("Shutting down", utils.Uint64("periods", stats.Periods),
		utils.Uint64("cleanups_skipped", stats.CleanupsSkipped))
	return utils.FirstError(err, shutdown.Shutdown(context.Background()))
}

func opener(cfg *config.Config) stream.Opener {
	clock := stream.ClockOptions{
		Realtime:   cfg.Stream.Realtime,
		MaxPeriods: cfg.WAV.MaxPeriods,
		Logger:     utils.DefaultLogger("stream"),
	}
	if cfg.Stream.Kind == config.StreamWAV {
		return stream.WAVOpener(stream.WAVOptions{
			Input:      cfg.WAV.Input,
			Output:     cfg.WAV.Output,
			Loop:       cfg.WAV.Loop,
			Realtime:   cfg.Stream.Realtime,
			MaxPeriods: cfg.WAV.MaxPeriods,
		}, clock)
	}
	return stream.ClockOpener(clock)
}
