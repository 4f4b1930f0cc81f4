package engine

import (
	"github.com/nmxmxh/patchfield/internal/codes"
	"github.com/nmxmxh/patchfield/internal/graph"
)

func (e *Engine) locked(fn func(g *graph.Graph) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released.Load() {
		return codes.ErrFailure
	}
	return fn(e.graph)
}

// CreateModule adds an inactive module and returns its slot.
func (e *Engine) CreateModule(inputChannels, outputChannels int) (int, error) {
	index := -1
	err := e.locked(func(g *graph.Graph) error {
		var err error
		index, err = g.CreateModule(inputChannels, outputChannels)
		return err
	})
	return index, err
}

// DeleteModule marks a module for deletion. Hardware slots cannot be
// deleted.
func (e *Engine) DeleteModule(index int) error {
	if index <= graph.HardwareOutput {
		return codes.ErrInvalidParameters
	}
	return e.locked(func(g *graph.Graph) error { return g.DeleteModule(index) })
}

func (e *Engine) ActivateModule(index int) error {
	return e.locked(func(g *graph.Graph) error { return g.ActivateModule(index) })
}

func (e *Engine) DeactivateModule(index int) error {
	return e.locked(func(g *graph.Graph) error { return g.DeactivateModule(index) })
}

func (e *Engine) IsActive(index int) bool {
	var active bool
	_ = e.locked(func(g *graph.Graph) error {
		active = g.IsActive(index)
		return nil
	})
	return active
}

func (e *Engine) Connect(source, sourcePort, sink, sinkPort int) error {
	return e.locked(func(g *graph.Graph) error { return g.Connect(source, sourcePort, sink, sinkPort) })
}

func (e *Engine) Disconnect(source, sourcePort, sink, sinkPort int) error {
	return e.locked(func(g *graph.Graph) error { return g.Disconnect(source, sourcePort, sink, sinkPort) })
}

func (e *Engine) IsConnected(source, sourcePort, sink, sinkPort int) bool {
	var ok bool
	_ = e.locked(func(g *graph.Graph) error {
		ok = g.IsConnected(source, sourcePort, sink, sinkPort)
		return nil
	})
	return ok
}

// Channels returns a live module's input and output channel counts.
func (e *Engine) Channels(index int) (in, out int, err error) {
	err = e.locked(func(g *graph.Graph) error {
		if in, err = g.InputChannels(index); err != nil {
			return err
		}
		out, err = g.OutputChannels(index)
		return err
	})
	return in, out, err
}

// Modules lists every allocated slot.
func (e *Engine) Modules() []graph.ModuleInfo {
	var infos []graph.ModuleInfo
	_ = e.locked(func(g *graph.Graph) error {
		infos = g.Snapshot()
		return nil
	})
	return infos
}

// PerformCleanup reclaims deleted modules and edges now. The engine does
// this every period while running.
func (e *Engine) PerformCleanup() {
	_ = e.locked(func(g *graph.Graph) error {
		g.PerformCleanup()
		return nil
	})
}

// Post queues a control message for every module. It becomes visible at
// the start of the next period.
func (e *Engine) Post(msg []byte) error {
	return e.locked(func(*graph.Graph) error { return e.messages.Post(msg) })
}
