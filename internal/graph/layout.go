package graph

import (
	"fmt"
	"strings"

	"github.com/nmxmxh/patchfield/internal/barrier"
)

const (
	// MaxModules is the number of module slots in the table.
	MaxModules = 32
	// MaxConnections is the number of inbound edges a module may hold.
	MaxConnections = 16
	// BarriersPerModule: report, wake, ready.
	BarriersPerModule = 3
	// MessageRegionSize is the byte size of the control-message zone.
	MessageRegionSize = 8192

	// HardwareInput and HardwareOutput are the pseudo-modules standing for
	// the audio device. They are never asked to report.
	HardwareInput  = 0
	HardwareOutput = 1
)

// Region describes one zone of the arena.
type Region struct {
	Name    string
	Offset  int
	Size    int
	Purpose string
}

// End is the first byte after the region.
func (r Region) End() int { return r.Offset + r.Size }

// Layout locates the zones of an arena. Each zone starts on a page
// boundary; the page after a zone is found as prev + bytes(prev)/page + 1.
type Layout struct {
	PageSize int
	Size     int

	ModuleTable int
	Barriers    int
	Messages    int
	Buffers     int
}

// NewLayout computes the zones for an arena of the given size.
func NewLayout(size, pageSize int) (Layout, error) {
	if pageSize <= 0 || pageSize%8 != 0 {
		return Layout{}, fmt.Errorf("invalid page size %d", pageSize)
	}

	tablePage := 0
	barrierPage := tablePage + ModuleTableSize/pageSize + 1
	messagePage := barrierPage + BarrierTableSize/pageSize + 1
	bufferPage := messagePage + MessageRegionSize/pageSize + 1

	l := Layout{
		PageSize:    pageSize,
		Size:        size,
		ModuleTable: tablePage * pageSize,
		Barriers:    barrierPage * pageSize,
		Messages:    messagePage * pageSize,
		Buffers:     bufferPage * pageSize,
	}
	if err := l.Validate(); err != nil {
		return Layout{}, err
	}
	return l, nil
}

const (
	// ModuleTableSize is the byte size of the module table.
	ModuleTableSize = MaxModules * ModuleSize
	// BarrierTableSize is the byte size of the barrier table.
	BarrierTableSize = MaxModules * BarriersPerModule * barrier.Size
)

// Regions lists the zones in address order.
func (l Layout) Regions() []Region {
	return []Region{
		{Name: "modules", Offset: l.ModuleTable, Size: ModuleTableSize, Purpose: "module records and inbound connections"},
		{Name: "barriers", Offset: l.Barriers, Size: BarrierTableSize, Purpose: "report/wake/ready flags"},
		{Name: "messages", Offset: l.Messages, Size: MessageRegionSize, Purpose: "control message ring"},
		{Name: "buffers", Offset: l.Buffers, Size: l.Size - l.Buffers, Purpose: "sample buffer pool"},
	}
}

// Validate checks that the zones fit the arena and do not overlap.
func (l Layout) Validate() error {
	regions := l.Regions()
	for i, r := range regions {
		if r.Size <= 0 || r.Offset < 0 || r.End() > l.Size {
			return fmt.Errorf("region %s [%d,%d) exceeds arena of %d bytes", r.Name, r.Offset, r.End(), l.Size)
		}
		if r.Offset%l.PageSize != 0 {
			return fmt.Errorf("region %s at %d is not page aligned", r.Name, r.Offset)
		}
		for _, o := range regions[:i] {
			if r.Offset < o.End() && o.Offset < r.End() {
				return fmt.Errorf("region %s overlaps with %s", r.Name, o.Name)
			}
		}
	}
	return nil
}

// BarrierBase is the word offset of the first barrier.
func (l Layout) BarrierBase() int { return l.Barriers / barrier.Size }

// BufferStart is the float offset of the first sample in the pool.
func (l Layout) BufferStart() int { return l.Buffers / 4 }

// BufferEnd is one past the last float offset of the pool.
func (l Layout) BufferEnd() int { return l.Size / 4 }

// String renders a memory map, for logs.
func (l Layout) String() string {
	var b strings.Builder
	for _, r := range l.Regions() {
		fmt.Fprintf(&b, "%-9s 0x%06x-0x%06x %7d  %s\n", r.Name, r.Offset, r.End(), r.Size, r.Purpose)
	}
	return b.String()
}
