package control

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/ossrs/go-oryx-lib/errors"
	"github.com/sony/gobreaker"

	"github.com/nmxmxh/patchfield/internal/codes"
	"github.com/nmxmxh/patchfield/internal/shm"
	"github.com/nmxmxh/patchfield/internal/utils"
)

// DialOptions tune how a client reaches the host.
type DialOptions struct {
	// RetryInterval spaces connection attempts while the host is not up.
	RetryInterval time.Duration
	// MaxFailures consecutive failures open the breaker for BreakerTimeout.
	MaxFailures    uint32
	BreakerTimeout time.Duration
	Logger         *utils.Logger
}

func (o *DialOptions) setDefaults() {
	if o.RetryInterval <= 0 {
		o.RetryInterval = 100 * time.Millisecond
	}
	if o.MaxFailures == 0 {
		o.MaxFailures = 5
	}
	if o.BreakerTimeout <= 0 {
		o.BreakerTimeout = 2 * time.Second
	}
	if o.Logger == nil {
		o.Logger = utils.DefaultLogger("control")
	}
}

// Client is a connection to a host. Calls are serialized.
type Client struct {
	mu      sync.Mutex
	path    string
	conn    *net.UnixConn
	buf     []byte
	version int
	session string
	logger  *utils.Logger
}

// Dial connects to the host at path, retrying until ctx is done. Retries
// go through a circuit breaker so a dead host is polled at the breaker's
// pace. A protocol version mismatch is not retried.
func Dial(ctx context.Context, path string, opts DialOptions) (*Client, error) {
	opts.setDefaults()
	logger := opts.Logger
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "control-dial",
		Timeout: opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || codes.Of(err) == codes.ProtocolVersionMismatch
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Debug("Dial breaker changed state",
				utils.String("from", from.String()), utils.String("to", to.String()))
		},
	})

	for {
		res, err := cb.Execute(func() (interface{}, error) {
			return hello(path, logger)
		})
		if err == nil {
			return res.(*Client), nil
		}
		if codes.Of(err) == codes.ProtocolVersionMismatch {
			return nil, err
		}

		wait := opts.RetryInterval
		if err == gobreaker.ErrOpenState {
			wait = opts.BreakerTimeout
		}
		select {
		case <-ctx.Done():
			return nil, errors.Wrapf(err, "dial %s", path)
		case <-time.After(wait):
		}
	}
}

func hello(path string, logger *utils.Logger) (*Client, error) {
	conn, err := net.DialUnix("unixpacket", nil, &net.UnixAddr{Name: path, Net: "unixpacket"})
	if err != nil {
		return nil, err
	}
	c := &Client{path: path, conn: conn, buf: make([]byte, MaxFrameSize), logger: logger}
	resp, err := c.roundTrip(&Request{Op: OpHello, Version: codes.ProtocolVersion})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := resp.Err(); err != nil {
		_ = conn.Close()
		return nil, errors.Wrapf(err, "host speaks protocol %d", resp.Version)
	}
	c.version, c.session = resp.Version, resp.Session
	return c, nil
}

// Version is the host's protocol version.
func (c *Client) Version() int { return c.version }

// Session identifies this connection in host logs.
func (c *Client) Session() string { return c.session }

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) roundTrip(req *Request) (*Response, error) {
	if err := writeFrame(c.conn, req.Marshal()); err != nil {
		return nil, errors.Wrapf(err, "send %v", req.Op)
	}
	n, err := c.conn.Read(c.buf)
	if err != nil {
		return nil, errors.Wrapf(err, "receive %v", req.Op)
	}
	var resp Response
	if err := resp.Unmarshal(c.buf[:n]); err != nil {
		return nil, errors.Wrapf(err, "decode %v", req.Op)
	}
	return &resp, nil
}

func (c *Client) call(req *Request) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	resp, err := c.roundTrip(req)
	if err != nil {
		return nil, err
	}
	return resp, resp.Err()
}

// Params returns the host's sample rate and buffer size.
func (c *Client) Params() (sampleRate, bufferFrames int, err error) {
	resp, err := c.call(&Request{Op: OpParams})
	if err != nil {
		return 0, 0, err
	}
	return resp.Value, resp.Inputs, nil
}

// SharedMemory receives a descriptor for the host's arena. The caller owns
// it.
func (c *Client) SharedMemory() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req := Request{Op: OpSharedMemory}
	if err := writeFrame(c.conn, req.Marshal()); err != nil {
		return -1, errors.Wrapf(err, "send %v", req.Op)
	}
	fd, n, err := shm.ReceiveFd(c.conn, c.buf)
	var resp Response
	if uerr := resp.Unmarshal(c.buf[:n]); uerr == nil && resp.Code != codes.Success {
		return -1, resp.Err()
	}
	if err != nil {
		return -1, err
	}
	return fd, nil
}

func (c *Client) CreateModule(name string, inputChannels, outputChannels int) (int, error) {
	resp, err := c.call(&Request{Op: OpCreateModule, Source: name, Inputs: inputChannels, Outputs: outputChannels})
	if err != nil {
		return -1, err
	}
	return resp.Value, nil
}

func (c *Client) DeleteModule(name string) error {
	_, err := c.call(&Request{Op: OpDeleteModule, Source: name})
	return err
}

func (c *Client) Connect(source string, sourcePort int, sink string, sinkPort int) error {
	_, err := c.call(&Request{Op: OpConnect, Source: source, SourcePort: sourcePort, Sink: sink, SinkPort: sinkPort})
	return err
}

func (c *Client) Disconnect(source string, sourcePort int, sink string, sinkPort int) error {
	_, err := c.call(&Request{Op: OpDisconnect, Source: source, SourcePort: sourcePort, Sink: sink, SinkPort: sinkPort})
	return err
}

func (c *Client) IsConnected(source string, sourcePort int, sink string, sinkPort int) (bool, error) {
	resp, err := c.call(&Request{Op: OpIsConnected, Source: source, SourcePort: sourcePort, Sink: sink, SinkPort: sinkPort})
	if err != nil {
		return false, err
	}
	return resp.Flag, nil
}

func (c *Client) IsDependent(sink, source string) (bool, error) {
	resp, err := c.call(&Request{Op: OpIsDependent, Source: source, Sink: sink})
	if err != nil {
		return false, err
	}
	return resp.Flag, nil
}

func (c *Client) Activate(name string) error {
	_, err := c.call(&Request{Op: OpActivate, Source: name})
	return err
}

func (c *Client) Deactivate(name string) error {
	_, err := c.call(&Request{Op: OpDeactivate, Source: name})
	return err
}

func (c *Client) IsActive(name string) (bool, error) {
	resp, err := c.call(&Request{Op: OpIsActive, Source: name})
	if err != nil {
		return false, err
	}
	return resp.Flag, nil
}

func (c *Client) Modules() ([]string, error) {
	resp, err := c.call(&Request{Op: OpModules})
	if err != nil {
		return nil, err
	}
	return resp.Names, nil
}

// Channels returns a module's input and output channel counts.
func (c *Client) Channels(name string) (in, out int, err error) {
	resp, err := c.call(&Request{Op: OpChannels, Source: name})
	if err != nil {
		return 0, 0, err
	}
	return resp.Inputs, resp.Outputs, nil
}

// PostMessage broadcasts a control message to every module.
func (c *Client) PostMessage(msg []byte) error {
	_, err := c.call(&Request{Op: OpPostMessage, Payload: msg})
	return err
}

func (c *Client) Start() error {
	_, err := c.call(&Request{Op: OpStart})
	return err
}

func (c *Client) Stop() error {
	_, err := c.call(&Request{Op: OpStop})
	return err
}

func (c *Client) IsRunning() (bool, error) {
	resp, err := c.call(&Request{Op: OpIsRunning})
	if err != nil {
		return false, err
	}
	return resp.Flag, nil
}

// Subscribe opens a second connection and calls fn for every graph event
// until ctx is done or the host goes away.
func (c *Client) Subscribe(ctx context.Context, fn func(Event)) error {
	sub, err := hello(c.path, c.logger)
	if err != nil {
		return err
	}
	defer sub.Close()
	if _, err := sub.roundTrip(&Request{Op: OpSubscribe}); err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() { _ = sub.conn.Close() })
	defer stop()

	for {
		n, err := sub.conn.Read(sub.buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrapf(err, "read event")
		}
		var ev Event
		if err := ev.Unmarshal(sub.buf[:n]); err != nil {
			c.logger.Warn("Undecodable event", utils.Err(err))
			continue
		}
		fn(ev)
	}
}
