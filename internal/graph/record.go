package graph

import (
	"sync/atomic"
	"unsafe"
)

// Lifecycle of module and connection records. Only the transitions
// Free→Active, Active→PendingDelete and PendingDelete→Free happen, each by
// compare-and-swap.
const (
	Free          int32 = 0
	Active        int32 = 1
	PendingDelete int32 = 2
)

// Connection is an inbound edge stored inside the sink's record.
type Connection struct {
	status      atomic.Int32
	inUse       atomic.Int32
	sourceIndex atomic.Int32
	sourcePort  atomic.Int32
	sinkPort    atomic.Int32
}

// Module is the shared record for one slot of the module table. Every field
// is accessed atomically because other processes read the table while the
// host writes it.
type Module struct {
	status         atomic.Int32
	active         atomic.Int32
	inUse          atomic.Int32
	sampleRate     atomic.Int32
	bufferFrames   atomic.Int32
	inputChannels  atomic.Int32
	outputChannels atomic.Int32
	inputBuffer    atomic.Int32 // float offset into the arena
	outputBuffer   atomic.Int32 // float offset into the arena
	_              int32
	connections    [MaxConnections]Connection
	deadline       atomic.Int64 // absolute CLOCK_MONOTONIC ns
	report         atomic.Int32 // barrier word offsets
	wake           atomic.Int32
	ready          atomic.Int32
	_              int32
}

// ModuleSize is the byte size of one module record.
const ModuleSize = int(unsafe.Sizeof(Module{}))

func (m *Module) Status() int32       { return m.status.Load() }
func (m *Module) IsActive() bool      { return m.active.Load() != 0 }
func (m *Module) InUse() bool         { return m.inUse.Load() != 0 }
func (m *Module) SampleRate() int     { return int(m.sampleRate.Load()) }
func (m *Module) BufferFrames() int   { return int(m.bufferFrames.Load()) }
func (m *Module) InputChannels() int  { return int(m.inputChannels.Load()) }
func (m *Module) OutputChannels() int { return int(m.outputChannels.Load()) }
func (m *Module) InputBuffer() int    { return int(m.inputBuffer.Load()) }
func (m *Module) OutputBuffer() int   { return int(m.outputBuffer.Load()) }
func (m *Module) Deadline() int64     { return m.deadline.Load() }

// SetInUse records whether the module takes part in the current period.
func (m *Module) SetInUse(v bool) { m.inUse.Store(bool32(v)) }

// SetDeadline stores the processing deadline of the current period.
func (m *Module) SetDeadline(ns int64) { m.deadline.Store(ns) }

// footprint is the number of floats the module's buffers occupy.
func (m *Module) footprint() int {
	return (m.InputChannels() + m.OutputChannels()) * m.BufferFrames()
}

// Connection returns inbound edge j.
func (m *Module) Connection(j int) *Connection { return &m.connections[j] }

func (c *Connection) Status() int32    { return c.status.Load() }
func (c *Connection) InUse() bool      { return c.inUse.Load() != 0 }
func (c *Connection) SourceIndex() int { return int(c.sourceIndex.Load()) }
func (c *Connection) SourcePort() int  { return int(c.sourcePort.Load()) }
func (c *Connection) SinkPort() int    { return int(c.sinkPort.Load()) }

func (c *Connection) matches(source, sourcePort, sinkPort int) bool {
	return c.SourceIndex() == source && c.SourcePort() == sourcePort && c.SinkPort() == sinkPort
}

func bool32(v bool) int32 {
	if v {
		return 1
	}
	return 0
}
