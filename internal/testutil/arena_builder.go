// Package testutil builds shared arenas with a ready-made graph for tests
// and drives periods without a full engine.
package testutil

import (
	"testing"
	"time"

	"github.com/nmxmxh/patchfield/internal/barrier"
	"github.com/nmxmxh/patchfield/internal/graph"
	"github.com/nmxmxh/patchfield/internal/msgqueue"
	"github.com/nmxmxh/patchfield/internal/shm"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type moduleSpec struct {
	in, out int
	active  bool
}

type edgeSpec struct {
	source, sourcePort, sink, sinkPort int
}

// ArenaBuilder lays out an arena fluently:
//
//	f := testutil.NewArenaBuilder(t).Stream(48000, 64).AddModule(1, 1).Build()
type ArenaBuilder struct {
	t          testing.TB
	size       int
	sampleRate int
	frames     int
	hwIn       int
	hwOut      int
	modules    []moduleSpec
	edges      []edgeSpec
}

// NewArenaBuilder starts with the default arena size, 48 kHz, 64-frame
// periods and stereo hardware pseudo-modules.
func NewArenaBuilder(t testing.TB) *ArenaBuilder {
	return &ArenaBuilder{
		t:          t,
		size:       shm.DefaultSize,
		sampleRate: 48000,
		frames:     64,
		hwIn:       2,
		hwOut:      2,
	}
}

func (b *ArenaBuilder) Size(n int) *ArenaBuilder {
	b.size = n
	return b
}

func (b *ArenaBuilder) Stream(sampleRate, frames int) *ArenaBuilder {
	b.sampleRate, b.frames = sampleRate, frames
	return b
}

func (b *ArenaBuilder) Hardware(in, out int) *ArenaBuilder {
	b.hwIn, b.hwOut = in, out
	return b
}

// AddModule adds an active module. Slots are assigned in order after the
// two hardware slots.
func (b *ArenaBuilder) AddModule(in, out int) *ArenaBuilder {
	b.modules = append(b.modules, moduleSpec{in: in, out: out, active: true})
	return b
}

// AddInactiveModule adds a module that is created but not activated.
func (b *ArenaBuilder) AddInactiveModule(in, out int) *ArenaBuilder {
	b.modules = append(b.modules, moduleSpec{in: in, out: out})
	return b
}

func (b *ArenaBuilder) Connect(source, sourcePort, sink, sinkPort int) *ArenaBuilder {
	b.edges = append(b.edges, edgeSpec{source, sourcePort, sink, sinkPort})
	return b
}

// Fixture is a built arena.
type Fixture struct {
	t        testing.TB
	Arena    *shm.Arena
	Graph    *graph.Graph
	Messages *msgqueue.Queue
	Modules  []int
}

// Build creates a memfd arena and the graph described so far. The arena is
// closed when the test ends.
func (b *ArenaBuilder) Build() *Fixture {
	b.t.Helper()
	arena, err := shm.Create("testutil", b.size)
	require.NoError(b.t, err)
	b.t.Cleanup(func() { _ = arena.Close() })

	g, err := graph.New(arena.Bytes(), graph.Config{
		SampleRate:   b.sampleRate,
		BufferFrames: b.frames,
		PageSize:     shm.PageSize(),
	})
	require.NoError(b.t, err)

	q, err := msgqueue.New(g.MessageRegion())
	require.NoError(b.t, err)

	hwIn, err := g.CreateModule(0, b.hwIn)
	require.NoError(b.t, err)
	hwOut, err := g.CreateModule(b.hwOut, 0)
	require.NoError(b.t, err)
	require.NoError(b.t, g.ActivateModule(hwIn))
	require.NoError(b.t, g.ActivateModule(hwOut))

	f := &Fixture{t: b.t, Arena: arena, Graph: g, Messages: q}
	for _, m := range b.modules {
		idx, err := g.CreateModule(m.in, m.out)
		require.NoError(b.t, err)
		if m.active {
			require.NoError(b.t, g.ActivateModule(idx))
		}
		f.Modules = append(f.Modules, idx)
	}
	for _, e := range b.edges {
		require.NoError(b.t, g.Connect(e.source, e.sourcePort, e.sink, e.sinkPort))
	}
	return f
}

// DupFd returns a fresh descriptor for the arena, as a module process
// would receive it.
func (f *Fixture) DupFd() int {
	f.t.Helper()
	fd, err := unix.Dup(f.Arena.Fd())
	require.NoError(f.t, err)
	return fd
}

// Period runs one scheduling round over the non-hardware modules the way
// the engine does, without hardware I/O, and returns each module's ready
// status. Modules that did not report within reportWithin are skipped.
func (f *Fixture) Period(reportWithin, budget time.Duration) map[int]barrier.Status {
	g := f.Graph
	f.Messages.BeginPeriod()
	defer f.Messages.EndPeriod()

	reportDeadline := barrier.After(reportWithin)
	var live []int
	for i := 0; i < graph.MaxModules; i++ {
		m := g.Module(i)
		inUse := m.Status() == graph.Active && m.IsActive() &&
			(i <= graph.HardwareOutput || g.Report(i).WaitAndClear(reportDeadline) == barrier.Success)
		m.SetInUse(inUse)
		if !inUse {
			continue
		}
		g.Ready(i).Clobber()
		g.RefreshConnections(i)
		if i > graph.HardwareOutput {
			live = append(live, i)
		}
	}
	g.Ready(graph.HardwareInput).Wake()

	deadline := barrier.After(budget)
	for i := 0; i < graph.MaxModules; i++ {
		if g.Module(i).InUse() {
			g.Module(i).SetDeadline(int64(deadline))
		}
	}
	for _, i := range live {
		g.Wake(i).Wake()
	}

	out := make(map[int]barrier.Status, len(live))
	for _, i := range live {
		out[i] = g.Ready(i).Wait(deadline)
	}
	return out
}
