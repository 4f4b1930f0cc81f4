package control

import (
	"github.com/ossrs/go-oryx-lib/errors"

	"github.com/nmxmxh/patchfield/internal/adapter"
	"github.com/nmxmxh/patchfield/internal/codes"
	"github.com/nmxmxh/patchfield/internal/msgqueue"
	"github.com/nmxmxh/patchfield/internal/runner"
	"github.com/nmxmxh/patchfield/internal/utils"
)

// Module is a module living in this process, attached to a remote host.
type Module struct {
	client *Client
	runner *runner.Runner
	name   string
	index  int

	inputs, outputs int
}

// Attach creates a module on the host, maps the host's arena and starts a
// runner for it. Any step that fails undoes the ones before it.
func Attach(c *Client, name string, inputChannels, outputChannels int, fn runner.ProcessFunc, opts runner.Options) (*Module, error) {
	if c.Version() != codes.ProtocolVersion {
		return nil, codes.ErrProtocolVersionMismatch
	}
	if opts.Logger == nil {
		opts.Logger = utils.DefaultLogger("module")
	}

	index, err := c.CreateModule(name, inputChannels, outputChannels)
	if err != nil {
		return nil, errors.Wrapf(err, "create module %s", name)
	}
	fd, err := c.SharedMemory()
	if err != nil {
		_ = c.DeleteModule(name)
		return nil, errors.Wrapf(err, "receive arena")
	}
	r, err := runner.New(c.Version(), fd, index, opts)
	if err != nil {
		_ = c.DeleteModule(name)
		return nil, errors.Wrapf(err, "start runner for %s", name)
	}
	r.Configure(fn)

	opts.Logger.Info("Module attached",
		utils.String("name", name),
		utils.Int("index", index),
		utils.String("session", c.Session()))
	return &Module{
		client:  c,
		runner:  r,
		name:    name,
		index:   index,
		inputs:  inputChannels,
		outputs: outputChannels,
	}, nil
}

func (m *Module) Name() string { return m.name }
func (m *Module) Index() int   { return m.index }

// Configure swaps the process callback.
func (m *Module) Configure(fn runner.ProcessFunc) { m.runner.Configure(fn) }

// ConfigureBlock installs fn to be called with frames-sized blocks instead
// of the host's period. When the sizes differ the callback runs behind a
// buffer-size adapter and the returned latency, in frames, is the delay it
// adds. frames <= 0 means the host's period.
func (m *Module) ConfigureBlock(frames int, fn runner.ProcessFunc) (int, error) {
	_, hostFrames, err := m.client.Params()
	if err != nil {
		return 0, err
	}
	if frames <= 0 || frames == hostFrames {
		m.runner.Configure(fn)
		return 0, nil
	}
	a, err := adapter.New(hostFrames, frames, m.inputs, m.outputs, fn)
	if err != nil {
		return 0, errors.Wrapf(err, "adapt %s to %d frames", m.name, frames)
	}
	m.runner.Configure(a.Process)
	return a.Latency(), nil
}

func (m *Module) Activate() error   { return m.client.Activate(m.name) }
func (m *Module) Deactivate() error { return m.client.Deactivate(m.name) }

// HasTimedOut reports whether the watchdog killed the runner.
func (m *Module) HasTimedOut() bool { return m.runner.HasTimedOut() }

// NextMessage iterates this period's control messages from inside the
// process callback.
func (m *Module) NextMessage(cur *msgqueue.Cursor) ([]byte, bool) {
	return m.runner.NextMessage(cur)
}

// Release stops the runner and deletes the module on the host.
func (m *Module) Release() error {
	return utils.FirstError(
		m.runner.Release(),
		m.client.DeleteModule(m.name),
	)
}
