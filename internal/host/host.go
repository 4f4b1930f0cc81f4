// Package host is the named, validated front end to the engine. It keeps
// the module name table, refuses edges that would close a cycle and
// notifies listeners of every change.
package host

import (
	"slices"
	"sync"

	"github.com/nmxmxh/patchfield/internal/codes"
	"github.com/nmxmxh/patchfield/internal/engine"
	"github.com/nmxmxh/patchfield/internal/graph"
	"github.com/nmxmxh/patchfield/internal/utils"
)

// Names of the hardware pseudo-modules.
const (
	SystemIn  = "system_in"
	SystemOut = "system_out"
)

// Host serializes graph operations by module name.
type Host struct {
	mu        sync.Mutex
	id        string
	engine    *engine.Engine
	logger    *utils.Logger
	names     []string
	modules   map[string]int
	listeners map[string]Listener
	released  bool
}

// New wraps an engine. The host takes over releasing it.
func New(e *engine.Engine, logger *utils.Logger) *Host {
	if logger == nil {
		logger = utils.DefaultLogger("host")
	}
	id := utils.GenerateID()
	return &Host{
		id:        id,
		engine:    e,
		logger:    logger.With(utils.String("host", id[:8])),
		names:     []string{SystemIn, SystemOut},
		modules:   map[string]int{SystemIn: graph.HardwareInput, SystemOut: graph.HardwareOutput},
		listeners: make(map[string]Listener),
	}
}

// ID identifies this host instance.
func (h *Host) ID() string { return h.id }

func (h *Host) SampleRate() int   { return h.engine.Config().SampleRate }
func (h *Host) BufferFrames() int { return h.engine.Config().BufferFrames }

// ProtocolVersion is the version modules must present when attaching.
func (h *Host) ProtocolVersion() int { return codes.ProtocolVersion }

// Fd is the arena descriptor to hand to attaching modules.
func (h *Host) Fd() (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return -1, codes.ErrFailure
	}
	return h.engine.Fd(), nil
}

// AddListener registers l and returns a key for RemoveListener.
func (h *Host) AddListener(l Listener) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := utils.GenerateID()
	h.listeners[key] = l
	return key
}

func (h *Host) RemoveListener(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.listeners, key)
}

func (h *Host) snapshot() []Listener {
	out := make([]Listener, 0, len(h.listeners))
	for _, l := range h.listeners {
		out = append(out, l)
	}
	return out
}

func notify(ls []Listener, fn func(Listener)) {
	for _, l := range ls {
		fn(l)
	}
}

// Start starts the audio stream.
func (h *Host) Start() error {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return codes.ErrFailure
	}
	err := h.engine.Start()
	ls := h.snapshot()
	h.mu.Unlock()
	if err != nil {
		return err
	}
	h.logger.Info("Stream started")
	notify(ls, func(l Listener) { l.OnStart() })
	return nil
}

// Stop pauses the audio stream.
func (h *Host) Stop() error {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return codes.ErrFailure
	}
	err := h.engine.Stop()
	ls := h.snapshot()
	h.mu.Unlock()
	if err != nil {
		return err
	}
	h.logger.Info("Stream stopped")
	notify(ls, func(l Listener) { l.OnStop() })
	return nil
}

func (h *Host) IsRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.released && h.engine.IsRunning()
}

// Release stops the stream and frees the engine.
func (h *Host) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}
	h.released = true
	clear(h.listeners)
	return h.engine.Release()
}

// Modules lists module names in creation order, hardware first.
func (h *Host) Modules() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.names)
}

// Index returns the slot of a named module.
func (h *Host) Index(name string) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.index(name)
}

func (h *Host) index(name string) (int, error) {
	if h.released {
		return -1, codes.ErrFailure
	}
	i, ok := h.modules[name]
	if !ok {
		return -1, codes.ErrNoSuchModule
	}
	return i, nil
}

// CreateModule adds an inactive module under a new name.
func (h *Host) CreateModule(name string, inputChannels, outputChannels int) (int, error) {
	if name == "" || inputChannels < 0 || outputChannels < 0 || inputChannels+outputChannels == 0 {
		return -1, codes.ErrInvalidParameters
	}
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return -1, codes.ErrFailure
	}
	if _, taken := h.modules[name]; taken {
		h.mu.Unlock()
		return -1, codes.ErrModuleNameTaken
	}
	index, err := h.engine.CreateModule(inputChannels, outputChannels)
	if err != nil {
		h.mu.Unlock()
		return -1, err
	}
	h.modules[name] = index
	h.names = append(h.names, name)
	ls := h.snapshot()
	h.mu.Unlock()

	h.logger.Info("Module created",
		utils.String("name", name),
		utils.Int("index", index),
		utils.Int("inputs", inputChannels),
		utils.Int("outputs", outputChannels))
	notify(ls, func(l Listener) { l.OnModuleCreated(name, inputChannels, outputChannels) })
	return index, nil
}

// DeleteModule removes a module. Its edges go with it.
func (h *Host) DeleteModule(name string) error {
	h.mu.Lock()
	index, err := h.index(name)
	if err == nil {
		err = h.engine.DeleteModule(index)
	}
	if err != nil {
		h.mu.Unlock()
		return err
	}
	delete(h.modules, name)
	h.names = slices.DeleteFunc(h.names, func(n string) bool { return n == name })
	ls := h.snapshot()
	h.mu.Unlock()

	h.logger.Info("Module deleted", utils.String("name", name), utils.Int("index", index))
	notify(ls, func(l Listener) { l.OnModuleDeleted(name) })
	return nil
}

func (h *Host) checkPorts(source string, sourcePort int, sink string, sinkPort int) (int, int, error) {
	src, err := h.index(source)
	if err != nil {
		return -1, -1, err
	}
	snk, err := h.index(sink)
	if err != nil {
		return -1, -1, err
	}
	_, outs, err := h.engine.Channels(src)
	if err != nil {
		return -1, -1, err
	}
	ins, _, err := h.engine.Channels(snk)
	if err != nil {
		return -1, -1, err
	}
	if sourcePort < 0 || sourcePort >= outs || sinkPort < 0 || sinkPort >= ins {
		return -1, -1, codes.ErrPortOutOfRange
	}
	return src, snk, nil
}

// Connect patches an output port into an input port. Connecting an
// existing edge succeeds without change; an edge that would close a cycle
// fails with CyclicDependency.
func (h *Host) Connect(source string, sourcePort int, sink string, sinkPort int) error {
	h.mu.Lock()
	src, snk, err := h.checkPorts(source, sourcePort, sink, sinkPort)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	if h.engine.IsConnected(src, sourcePort, snk, sinkPort) {
		h.mu.Unlock()
		return nil
	}
	if h.dependents(snk)[src] {
		h.mu.Unlock()
		return codes.ErrCyclicDependency
	}
	if err := h.engine.Connect(src, sourcePort, snk, sinkPort); err != nil {
		h.mu.Unlock()
		return err
	}
	ls := h.snapshot()
	h.mu.Unlock()

	h.logger.Debug("Ports connected",
		utils.String("source", source), utils.Int("source_port", sourcePort),
		utils.String("sink", sink), utils.Int("sink_port", sinkPort))
	notify(ls, func(l Listener) { l.OnPortsConnected(source, sourcePort, sink, sinkPort) })
	return nil
}

// Disconnect removes an edge. Removing a missing edge succeeds.
func (h *Host) Disconnect(source string, sourcePort int, sink string, sinkPort int) error {
	h.mu.Lock()
	src, snk, err := h.checkPorts(source, sourcePort, sink, sinkPort)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	if !h.engine.IsConnected(src, sourcePort, snk, sinkPort) {
		h.mu.Unlock()
		return nil
	}
	if err := h.engine.Disconnect(src, sourcePort, snk, sinkPort); err != nil {
		h.mu.Unlock()
		return err
	}
	ls := h.snapshot()
	h.mu.Unlock()

	h.logger.Debug("Ports disconnected",
		utils.String("source", source), utils.Int("source_port", sourcePort),
		utils.String("sink", sink), utils.Int("sink_port", sinkPort))
	notify(ls, func(l Listener) { l.OnPortsDisconnected(source, sourcePort, sink, sinkPort) })
	return nil
}

func (h *Host) IsConnected(source string, sourcePort int, sink string, sinkPort int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	src, err := h.index(source)
	if err != nil {
		return false
	}
	snk, err := h.index(sink)
	if err != nil {
		return false
	}
	return h.engine.IsConnected(src, sourcePort, snk, sinkPort)
}

// IsDependent reports whether sink is reachable from source along edges,
// counting source itself.
func (h *Host) IsDependent(sink, source string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	src, err := h.index(source)
	if err != nil {
		return false
	}
	snk, err := h.index(sink)
	if err != nil {
		return false
	}
	return h.dependents(src)[snk]
}

// dependents is the set of slots reachable from source, source included.
func (h *Host) dependents(source int) map[int]bool {
	seen := map[int]bool{source: true}
	stack := []int{source}
	for len(stack) > 0 {
		src := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, snk := range h.modules {
			if !seen[snk] && h.directlyFeeds(src, snk) {
				seen[snk] = true
				stack = append(stack, snk)
			}
		}
	}
	return seen
}

func (h *Host) directlyFeeds(source, sink int) bool {
	_, outs, err := h.engine.Channels(source)
	if err != nil {
		return false
	}
	ins, _, err := h.engine.Channels(sink)
	if err != nil {
		return false
	}
	for i := 0; i < outs; i++ {
		for j := 0; j < ins; j++ {
			if h.engine.IsConnected(source, i, sink, j) {
				return true
			}
		}
	}
	return false
}

func (h *Host) InputChannels(name string) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	i, err := h.index(name)
	if err != nil {
		return 0, err
	}
	in, _, err := h.engine.Channels(i)
	return in, err
}

func (h *Host) OutputChannels(name string) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	i, err := h.index(name)
	if err != nil {
		return 0, err
	}
	_, out, err := h.engine.Channels(i)
	return out, err
}

func (h *Host) IsActive(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	i, err := h.index(name)
	return err == nil && h.engine.IsActive(i)
}

// Activate lets the engine schedule a module. Activating an active module
// succeeds without notifying.
func (h *Host) Activate(name string) error {
	return h.setActive(name, true)
}

// Deactivate stops scheduling a module.
func (h *Host) Deactivate(name string) error {
	return h.setActive(name, false)
}

func (h *Host) setActive(name string, active bool) error {
	h.mu.Lock()
	i, err := h.index(name)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	if h.engine.IsActive(i) == active {
		h.mu.Unlock()
		return nil
	}
	if active {
		err = h.engine.ActivateModule(i)
	} else {
		err = h.engine.DeactivateModule(i)
	}
	if err != nil {
		h.mu.Unlock()
		return err
	}
	ls := h.snapshot()
	h.mu.Unlock()

	if active {
		notify(ls, func(l Listener) { l.OnModuleActivated(name) })
	} else {
		notify(ls, func(l Listener) { l.OnModuleDeactivated(name) })
	}
	return nil
}

// PostMessage broadcasts a control message to every module for one
// period.
func (h *Host) PostMessage(msg []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return codes.ErrFailure
	}
	return h.engine.Post(msg)
}

// Stats exposes the engine's period counters.
func (h *Host) Stats() engine.Stats { return h.engine.Stats() }
