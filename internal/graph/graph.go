// Package graph holds the audio graph inside the shared arena: a fixed
// table of module records with their inbound connections, a barrier table
// and a pool of sample buffers addressed by offsets.
package graph

import (
	"github.com/nmxmxh/patchfield/internal/codes"
)

// Graph is the host's writable side of the arena. Its methods are not safe
// for concurrent use; the engine serializes them. The audio thread only
// reads records, flips in-use flags and runs PerformCleanup.
type Graph struct {
	*View

	sampleRate   int
	bufferFrames int
	nextBuffer   int
	running      func() bool
}

// Config fixes the stream parameters copied into every new module.
type Config struct {
	SampleRate   int
	BufferFrames int
	PageSize     int
	// Running reports whether the audio stream is running. While it is not,
	// structural calls perform cleanup themselves.
	Running func() bool
}

// New initializes an empty graph in mem. Every slot is Free and every
// barrier unset.
func New(mem []byte, cfg Config) (*Graph, error) {
	if cfg.SampleRate <= 0 || cfg.BufferFrames <= 0 {
		return nil, codes.ErrInvalidParameters
	}
	v, err := NewView(mem, cfg.PageSize)
	if err != nil {
		return nil, err
	}
	running := cfg.Running
	if running == nil {
		running = func() bool { return false }
	}

	g := &Graph{
		View:         v,
		sampleRate:   cfg.SampleRate,
		bufferFrames: cfg.BufferFrames,
		nextBuffer:   v.layout.BufferStart(),
		running:      running,
	}
	for i := 0; i < MaxModules; i++ {
		m := g.Module(i)
		m.active.Store(0)
		m.inUse.Store(0)
		m.status.Store(Free)
	}
	base := v.layout.BarrierBase()
	for w := base; w < base+MaxModules*BarriersPerModule; w++ {
		v.barriers[w].Clobber()
	}
	return g, nil
}

func (g *Graph) SampleRate() int   { return g.sampleRate }
func (g *Graph) BufferFrames() int { return g.bufferFrames }

// BuffersUsed is the number of pool floats currently allocated.
func (g *Graph) BuffersUsed() int { return g.nextBuffer - g.layout.BufferStart() }

// BuffersFree is the number of pool floats still available.
func (g *Graph) BuffersFree() int { return g.layout.BufferEnd() - g.nextBuffer }

func (g *Graph) cleanupIfIdle() {
	if !g.running() {
		g.PerformCleanup()
	}
}

func (g *Graph) live(i int) (*Module, error) {
	if i < 0 || i >= MaxModules {
		return nil, codes.ErrNoSuchModule
	}
	m := g.Module(i)
	if m.Status() != Active {
		return nil, codes.ErrNoSuchModule
	}
	return m, nil
}

// CreateModule claims a Free slot and allocates its buffers. The module
// starts inactive.
func (g *Graph) CreateModule(inputChannels, outputChannels int) (int, error) {
	if inputChannels < 0 || outputChannels < 0 {
		return -1, codes.ErrInvalidParameters
	}
	g.cleanupIfIdle()

	need := (inputChannels + outputChannels) * g.bufferFrames
	if g.nextBuffer+need > g.layout.BufferEnd() {
		return -1, codes.ErrOutOfBufferSpace
	}

	for i := 0; i < MaxModules; i++ {
		m := g.Module(i)
		if !m.status.CompareAndSwap(Free, Active) {
			continue
		}
		// The slot is visible as Active from here on, but inactive modules
		// are never scheduled, so the fields may be filled in place.
		m.active.Store(0)
		m.inUse.Store(0)
		m.sampleRate.Store(int32(g.sampleRate))
		m.bufferFrames.Store(int32(g.bufferFrames))
		m.inputChannels.Store(int32(inputChannels))
		m.outputChannels.Store(int32(outputChannels))
		m.inputBuffer.Store(int32(g.nextBuffer))
		m.outputBuffer.Store(int32(g.nextBuffer + inputChannels*g.bufferFrames))
		clear(g.samples[g.nextBuffer : g.nextBuffer+need])
		g.nextBuffer += need

		base := g.layout.BarrierBase() + BarriersPerModule*i
		m.report.Store(int32(base))
		m.wake.Store(int32(base + 1))
		m.ready.Store(int32(base + 2))
		for k := 0; k < BarriersPerModule; k++ {
			g.barriers[base+k].Clobber()
		}
		for j := range m.connections {
			m.connections[j].inUse.Store(0)
			m.connections[j].status.Store(Free)
		}
		m.deadline.Store(0)
		return i, nil
	}
	return -1, codes.ErrTooManyModules
}

// DeleteModule marks a module for removal. Its slot and buffers are
// reclaimed by the next cleanup.
func (g *Graph) DeleteModule(i int) error {
	if i < 0 || i >= MaxModules {
		return codes.ErrNoSuchModule
	}
	if !g.Module(i).status.CompareAndSwap(Active, PendingDelete) {
		return codes.ErrNoSuchModule
	}
	return nil
}

// ActivateModule lets the engine schedule module i.
func (g *Graph) ActivateModule(i int) error {
	m, err := g.live(i)
	if err != nil {
		return err
	}
	m.active.CompareAndSwap(0, 1)
	return nil
}

// DeactivateModule stops scheduling module i.
func (g *Graph) DeactivateModule(i int) error {
	m, err := g.live(i)
	if err != nil {
		return err
	}
	m.active.CompareAndSwap(1, 0)
	return nil
}

// IsActive reports whether module i exists and is active.
func (g *Graph) IsActive(i int) bool {
	m, err := g.live(i)
	return err == nil && m.IsActive()
}

// InputChannels returns the input channel count of a live module.
func (g *Graph) InputChannels(i int) (int, error) {
	m, err := g.live(i)
	if err != nil {
		return 0, err
	}
	return m.InputChannels(), nil
}

// OutputChannels returns the output channel count of a live module.
func (g *Graph) OutputChannels(i int) (int, error) {
	m, err := g.live(i)
	if err != nil {
		return 0, err
	}
	return m.OutputChannels(), nil
}

func (g *Graph) checkEdge(source, sourcePort, sink, sinkPort int) (*Module, error) {
	src, err := g.live(source)
	if err != nil {
		return nil, err
	}
	snk, err := g.live(sink)
	if err != nil {
		return nil, err
	}
	if sourcePort < 0 || sourcePort >= src.OutputChannels() || sinkPort < 0 || sinkPort >= snk.InputChannels() {
		return nil, codes.ErrPortOutOfRange
	}
	return snk, nil
}

// Connect adds an edge from a source output port to a sink input port.
// Duplicate edges are allowed; each one adds the source again.
func (g *Graph) Connect(source, sourcePort, sink, sinkPort int) error {
	g.cleanupIfIdle()
	snk, err := g.checkEdge(source, sourcePort, sink, sinkPort)
	if err != nil {
		return err
	}
	for j := range snk.connections {
		c := &snk.connections[j]
		if c.Status() != Free {
			continue
		}
		c.inUse.Store(0)
		c.sourceIndex.Store(int32(source))
		c.sourcePort.Store(int32(sourcePort))
		c.sinkPort.Store(int32(sinkPort))
		if c.status.CompareAndSwap(Free, Active) {
			return nil
		}
	}
	return codes.ErrTooManyConnections
}

// Disconnect marks the first matching edge for removal. Removing an edge
// that does not exist is not an error.
func (g *Graph) Disconnect(source, sourcePort, sink, sinkPort int) error {
	snk, err := g.checkEdge(source, sourcePort, sink, sinkPort)
	if err != nil {
		return err
	}
	for j := range snk.connections {
		c := &snk.connections[j]
		if c.Status() == Active && c.matches(source, sourcePort, sinkPort) {
			c.status.CompareAndSwap(Active, PendingDelete)
			return nil
		}
	}
	return nil
}

// IsConnected reports whether an Active edge with these endpoints exists.
func (g *Graph) IsConnected(source, sourcePort, sink, sinkPort int) bool {
	if sink < 0 || sink >= MaxModules {
		return false
	}
	snk := g.Module(sink)
	if snk.Status() != Active {
		return false
	}
	for j := range snk.connections {
		c := &snk.connections[j]
		if c.Status() == Active && c.matches(source, sourcePort, sinkPort) {
			return true
		}
	}
	return false
}

// PerformCleanup reclaims everything marked PendingDelete: buffers of
// deleted modules are compacted out of the pool, edges from deleted
// modules are dropped, and deleted edges become Free. Running it again
// without new deletions changes nothing.
func (g *Graph) PerformCleanup() {
	for i := 0; i < MaxModules; i++ {
		m := g.Module(i)
		switch m.Status() {
		case PendingDelete:
			g.release(i, m)
		case Active:
			for j := range m.connections {
				c := &m.connections[j]
				if c.status.CompareAndSwap(PendingDelete, Free) {
					c.inUse.Store(0)
				}
			}
		}
	}
}

func (g *Graph) release(i int, m *Module) {
	start := m.InputBuffer()
	size := m.footprint()

	if size > 0 {
		copy(g.samples[start:], g.samples[start+size:g.nextBuffer])
		g.nextBuffer -= size
		for k := 0; k < MaxModules; k++ {
			other := g.Module(k)
			if k == i || other.Status() == Free || other.InputBuffer() <= start {
				continue
			}
			other.inputBuffer.Add(int32(-size))
			other.outputBuffer.Add(int32(-size))
		}
	}

	for k := 0; k < MaxModules; k++ {
		other := g.Module(k)
		for j := range other.connections {
			c := &other.connections[j]
			if c.SourceIndex() != i {
				continue
			}
			for {
				old := c.Status()
				if old == Free || c.status.CompareAndSwap(old, Free) {
					break
				}
			}
			c.inUse.Store(0)
		}
	}

	m.active.Store(0)
	m.inUse.Store(0)
	m.status.CompareAndSwap(PendingDelete, Free)
}

// ModuleInfo is a snapshot of a slot for diagnostics.
type ModuleInfo struct {
	Index          int
	Status         int32
	Active         bool
	InputChannels  int
	OutputChannels int
	InputBuffer    int
	OutputBuffer   int
	Connections    int
}

// Snapshot lists every non-Free slot.
func (g *Graph) Snapshot() []ModuleInfo {
	var out []ModuleInfo
	for i := 0; i < MaxModules; i++ {
		m := g.Module(i)
		st := m.Status()
		if st == Free {
			continue
		}
		n := 0
		for j := range m.connections {
			if m.connections[j].Status() == Active {
				n++
			}
		}
		out = append(out, ModuleInfo{
			Index:          i,
			Status:         st,
			Active:         m.IsActive(),
			InputChannels:  m.InputChannels(),
			OutputChannels: m.OutputChannels(),
			InputBuffer:    m.InputBuffer(),
			OutputBuffer:   m.OutputBuffer(),
			Connections:    n,
		})
	}
	return out
}
