package host

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/patchfield/internal/codes"
	"github.com/nmxmxh/patchfield/internal/engine"
	"github.com/nmxmxh/patchfield/internal/graph"
	"github.com/nmxmxh/patchfield/internal/stream"
	"github.com/nmxmxh/patchfield/internal/utils"
)

type recorder struct {
	NopListener
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recorder) OnStart() { r.add("start") }
func (r *recorder) OnStop()  { r.add("stop") }
func (r *recorder) OnModuleCreated(name string, in, out int) {
	r.add("created %s %d %d", name, in, out)
}
func (r *recorder) OnModuleDeleted(name string)     { r.add("deleted %s", name) }
func (r *recorder) OnModuleActivated(name string)   { r.add("activated %s", name) }
func (r *recorder) OnModuleDeactivated(name string) { r.add("deactivated %s", name) }
func (r *recorder) OnPortsConnected(src string, sp int, snk string, kp int) {
	r.add("connected %s:%d %s:%d", src, sp, snk, kp)
}
func (r *recorder) OnPortsDisconnected(src string, sp int, snk string, kp int) {
	r.add("disconnected %s:%d %s:%d", src, sp, snk, kp)
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func newHost(t *testing.T) *Host {
	t.Helper()
	var m *stream.Manual
	e, err := engine.New(engine.Config{
		SampleRate:     48000,
		BufferFrames:   64,
		InputChannels:  2,
		OutputChannels: 2,
		Opener:         stream.ManualOpener(&m),
		Logger:         utils.Nop(),
	})
	require.NoError(t, err)
	h := New(e, utils.Nop())
	t.Cleanup(func() { _ = h.Release() })
	return h
}

func TestHost_SystemModules(t *testing.T) {
	h := newHost(t)
	assert.Equal(t, []string{SystemIn, SystemOut}, h.Modules())

	i, err := h.Index(SystemIn)
	require.NoError(t, err)
	assert.Equal(t, graph.HardwareInput, i)

	in, err := h.InputChannels(SystemOut)
	require.NoError(t, err)
	assert.Equal(t, 2, in)
	out, err := h.OutputChannels(SystemIn)
	require.NoError(t, err)
	assert.Equal(t, 2, out)

	assert.True(t, h.IsActive(SystemIn))
	assert.ErrorIs(t, h.DeleteModule(SystemOut), codes.ErrInvalidParameters)
	assert.Equal(t, 48000, h.SampleRate())
	assert.Equal(t, 64, h.BufferFrames())
	assert.Equal(t, codes.ProtocolVersion, h.ProtocolVersion())
	assert.NotEmpty(t, h.ID())
}

func TestHost_CreateModuleValidation(t *testing.T) {
	h := newHost(t)

	tests := []struct {
		name    string
		module  string
		in, out int
		want    error
	}{
		{"empty name", "", 1, 1, codes.ErrInvalidParameters},
		{"negative inputs", "a", -1, 1, codes.ErrInvalidParameters},
		{"no ports", "a", 0, 0, codes.ErrInvalidParameters},
		{"taken", SystemIn, 1, 1, codes.ErrModuleNameTaken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.CreateModule(tt.module, tt.in, tt.out)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	idx, err := h.CreateModule("gain", 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, idx)
	assert.False(t, h.IsActive("gain"))
	_, err = h.CreateModule("gain", 1, 1)
	assert.ErrorIs(t, err, codes.ErrModuleNameTaken)
}

func TestHost_ConnectValidation(t *testing.T) {
	h := newHost(t)
	_, err := h.CreateModule("fx", 1, 1)
	require.NoError(t, err)

	assert.ErrorIs(t, h.Connect("nope", 0, "fx", 0), codes.ErrNoSuchModule)
	assert.ErrorIs(t, h.Connect(SystemIn, 0, "nope", 0), codes.ErrNoSuchModule)
	assert.ErrorIs(t, h.Connect(SystemIn, 2, "fx", 0), codes.ErrPortOutOfRange)
	assert.ErrorIs(t, h.Connect(SystemIn, 0, "fx", 1), codes.ErrPortOutOfRange)
	assert.ErrorIs(t, h.Disconnect(SystemIn, 0, "fx", -1), codes.ErrPortOutOfRange)
}

func TestHost_ListenerEvents(t *testing.T) {
	h := newHost(t)
	rec := &recorder{}
	key := h.AddListener(rec)

	_, err := h.CreateModule("fx", 1, 1)
	require.NoError(t, err)
	require.NoError(t, h.Connect(SystemIn, 0, "fx", 0))
	require.NoError(t, h.Connect(SystemIn, 0, "fx", 0))
	require.NoError(t, h.Activate("fx"))
	require.NoError(t, h.Activate("fx"))
	require.NoError(t, h.Deactivate("fx"))
	require.NoError(t, h.Disconnect(SystemIn, 0, "fx", 0))
	require.NoError(t, h.Disconnect(SystemIn, 0, "fx", 0))
	require.NoError(t, h.Start())
	require.NoError(t, h.Stop())
	require.NoError(t, h.DeleteModule("fx"))

	assert.Equal(t, []string{
		"created fx 1 1",
		"connected system_in:0 fx:0",
		"activated fx",
		"deactivated fx",
		"disconnected system_in:0 fx:0",
		"start",
		"stop",
		"deleted fx",
	}, rec.Events())

	h.RemoveListener(key)
	_, err = h.CreateModule("other", 1, 0)
	require.NoError(t, err)
	assert.Len(t, rec.Events(), 8)
	assert.Equal(t, []string{SystemIn, SystemOut, "other"}, h.Modules())
}

func TestHost_RejectsCycles(t *testing.T) {
	h := newHost(t)
	for _, name := range []string{"a", "b", "c"} {
		_, err := h.CreateModule(name, 1, 1)
		require.NoError(t, err)
	}
	require.NoError(t, h.Connect("a", 0, "b", 0))
	require.NoError(t, h.Connect("b", 0, "c", 0))

	assert.True(t, h.IsDependent("c", "a"))
	assert.True(t, h.IsDependent("a", "a"))
	assert.False(t, h.IsDependent("a", "c"))

	assert.ErrorIs(t, h.Connect("c", 0, "a", 0), codes.ErrCyclicDependency)
	assert.ErrorIs(t, h.Connect("b", 0, "b", 0), codes.ErrCyclicDependency)
	assert.False(t, h.IsConnected("c", 0, "a", 0))

	// Breaking the chain makes the back edge legal.
	require.NoError(t, h.Disconnect("b", 0, "c", 0))
	require.NoError(t, h.Connect("c", 0, "a", 0))
}

func TestHost_TooManyConnectionsRecovers(t *testing.T) {
	h := newHost(t)
	_, err := h.CreateModule("src", 0, graph.MaxConnections+1)
	require.NoError(t, err)
	_, err = h.CreateModule("sink", 1, 0)
	require.NoError(t, err)

	for p := 0; p < graph.MaxConnections; p++ {
		require.NoError(t, h.Connect("src", p, "sink", 0))
	}
	assert.ErrorIs(t, h.Connect("src", graph.MaxConnections, "sink", 0), codes.ErrTooManyConnections)

	require.NoError(t, h.Disconnect("src", 3, "sink", 0))
	// The stream is stopped, so the next structural call reclaims the edge.
	require.NoError(t, h.Connect("src", graph.MaxConnections, "sink", 0))
	assert.True(t, h.IsConnected("src", graph.MaxConnections, "sink", 0))
}

func TestHost_DeleteSeversEdges(t *testing.T) {
	h := newHost(t)
	_, err := h.CreateModule("src", 0, 1)
	require.NoError(t, err)
	require.NoError(t, h.Connect("src", 0, SystemOut, 0))

	require.NoError(t, h.DeleteModule("src"))
	assert.ErrorIs(t, h.DeleteModule("src"), codes.ErrNoSuchModule)
	assert.False(t, h.IsConnected("src", 0, SystemOut, 0))

	idx, err := h.CreateModule("src", 0, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, idx)
	assert.False(t, h.IsConnected("src", 0, SystemOut, 0))
}

func TestHost_PostMessage(t *testing.T) {
	h := newHost(t)
	require.NoError(t, h.PostMessage([]byte("/tempo")))
	assert.ErrorIs(t, h.PostMessage(nil), codes.ErrEmptyMessage)
}

func TestHost_Release(t *testing.T) {
	h := newHost(t)
	require.NoError(t, h.Release())
	require.NoError(t, h.Release())

	_, err := h.CreateModule("late", 1, 1)
	assert.ErrorIs(t, err, codes.ErrFailure)
	_, err = h.Fd()
	assert.ErrorIs(t, err, codes.ErrFailure)
	assert.ErrorIs(t, h.Start(), codes.ErrFailure)
	assert.False(t, h.IsRunning())
}
