package graph

import (
	"fmt"
	"unsafe"

	"github.com/nmxmxh/patchfield/internal/barrier"
)

// View interprets an arena as a module table, barrier table and sample
// pool. Both the host and attached modules read the graph through a View;
// only the host mutates structure (see Graph).
type View struct {
	layout   Layout
	mem      []byte
	modules  *[MaxModules]Module
	barriers []barrier.Barrier
	samples  []float32
}

// NewView wraps mem. mem must be at least 8-byte aligned, which every
// mapping and shm.Heap is.
func NewView(mem []byte, pageSize int) (*View, error) {
	layout, err := NewLayout(len(mem), pageSize)
	if err != nil {
		return nil, err
	}
	base := unsafe.Pointer(unsafe.SliceData(mem))
	if uintptr(base)%8 != 0 {
		return nil, fmt.Errorf("arena base %p is not 8-byte aligned", base)
	}

	return &View{
		layout:   layout,
		mem:      mem,
		modules:  (*[MaxModules]Module)(unsafe.Pointer(&mem[layout.ModuleTable])),
		barriers: unsafe.Slice((*barrier.Barrier)(base), len(mem)/barrier.Size),
		samples:  unsafe.Slice((*float32)(base), len(mem)/4),
	}, nil
}

// Layout returns the zone layout.
func (v *View) Layout() Layout { return v.layout }

// Memory returns the raw arena bytes.
func (v *View) Memory() []byte { return v.mem }

// MessageRegion returns the bytes of the control-message zone.
func (v *View) MessageRegion() []byte {
	return v.mem[v.layout.Messages : v.layout.Messages+MessageRegionSize]
}

// Module returns the record for slot i.
func (v *View) Module(i int) *Module {
	return &v.modules[i]
}

// Barrier returns the barrier at an absolute word offset, or nil if the
// offset falls outside the barrier table.
func (v *View) Barrier(word int) *barrier.Barrier {
	base := v.layout.BarrierBase()
	if word < base || word >= base+MaxModules*BarriersPerModule {
		return nil
	}
	return &v.barriers[word]
}

func (v *View) Report(i int) *barrier.Barrier { return v.Barrier(int(v.modules[i].report.Load())) }
func (v *View) Wake(i int) *barrier.Barrier   { return v.Barrier(int(v.modules[i].wake.Load())) }
func (v *View) Ready(i int) *barrier.Barrier  { return v.Barrier(int(v.modules[i].ready.Load())) }

// Samples returns n floats starting at a float offset inside the buffer
// pool, or nil if the range is out of bounds.
func (v *View) Samples(offset, n int) []float32 {
	if n < 0 || offset < v.layout.BufferStart() || offset+n > v.layout.BufferEnd() {
		return nil
	}
	return v.samples[offset : offset+n : offset+n]
}

// InputBuffer returns module i's channel-major input block.
func (v *View) InputBuffer(i int) []float32 {
	m := &v.modules[i]
	return v.Samples(m.InputBuffer(), m.InputChannels()*m.BufferFrames())
}

// OutputBuffer returns module i's channel-major output block.
func (v *View) OutputBuffer(i int) []float32 {
	m := &v.modules[i]
	return v.Samples(m.OutputBuffer(), m.OutputChannels()*m.BufferFrames())
}

func (v *View) port(buf []float32, port, frames int) []float32 {
	lo := port * frames
	if port < 0 || lo+frames > len(buf) {
		return nil
	}
	return buf[lo : lo+frames]
}

// RefreshConnections marks exactly the Active inbound edges of module i as
// in use for the coming period.
func (v *View) RefreshConnections(i int) {
	m := &v.modules[i]
	for j := range m.connections {
		c := &m.connections[j]
		c.inUse.Store(bool32(c.status.Load() == Active))
	}
}

// CollectInput fills module i's input buffer with the sum of its sources'
// outputs for this period. Each source is waited for until its own
// deadline; a source that misses it contributes nothing.
func (v *View) CollectInput(i int) {
	m := &v.modules[i]
	frames := m.BufferFrames()
	input := v.InputBuffer(i)
	clear(input)
	if input == nil {
		return
	}

	for j := range m.connections {
		c := &m.connections[j]
		if !c.InUse() {
			continue
		}
		src := c.SourceIndex()
		if src < 0 || src >= MaxModules {
			continue
		}
		s := &v.modules[src]
		if !s.InUse() || s.BufferFrames() != frames {
			continue
		}
		ready := v.Ready(src)
		if ready == nil || ready.Wait(barrier.Deadline(s.Deadline())) != barrier.Success {
			continue
		}
		from := v.port(v.OutputBuffer(src), c.SourcePort(), frames)
		to := v.port(input, c.SinkPort(), frames)
		if from == nil || to == nil {
			continue
		}
		for k, x := range from {
			to[k] += x
		}
	}
}
