package utils

import (
	"context"
	"sync"
	"time"
)

// GracefulShutdown runs registered teardown functions in reverse order of
// registration, bounded by a timeout.
type GracefulShutdown struct {
	mu      sync.Mutex
	entries []shutdownEntry
	timeout time.Duration
	logger  *Logger
}

type shutdownEntry struct {
	name string
	fn   func() error
}

// NewGracefulShutdown creates a new graceful shutdown manager
func NewGracefulShutdown(timeout time.Duration, logger *Logger) *GracefulShutdown {
	if logger == nil {
		logger = DefaultLogger("shutdown")
	}

	return &GracefulShutdown{
		timeout: timeout,
		logger:  logger,
	}
}

// Register adds a named teardown step.
func (g *GracefulShutdown) Register(name string, fn func() error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.entries = append(g.entries, shutdownEntry{name: name, fn: fn})
}

// Shutdown executes the registered steps one at a time, last registered
// first. Later steps usually depend on earlier ones (the engine on the
// arena, runners on the engine), so they are not run concurrently.
func (g *GracefulShutdown) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	entries := g.entries
	g.entries = nil
	g.mu.Unlock()

	g.logger.Info("Starting graceful shutdown", Int("components", len(entries)))

	shutdownCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var firstErr error
		for i := len(entries) - 1; i >= 0; i-- {
			e := entries[i]
			if err := e.fn(); err != nil {
				g.logger.Error("Shutdown step failed", String("step", e.name), Err(err))
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			g.logger.Debug("Shutdown step complete", String("step", e.name))
		}
		done <- firstErr
	}()

	select {
	case err := <-done:
		if err == nil {
			g.logger.Info("Graceful shutdown complete")
		}
		return err
	case <-shutdownCtx.Done():
		g.logger.Warn("Graceful shutdown timed out")
		return TimeoutError("shutdown")
	}
}
