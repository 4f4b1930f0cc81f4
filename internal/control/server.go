package control

import (
	"context"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ossrs/go-oryx-lib/errors"

	"github.com/nmxmxh/patchfield/internal/codes"
	"github.com/nmxmxh/patchfield/internal/host"
	"github.com/nmxmxh/patchfield/internal/shm"
	"github.com/nmxmxh/patchfield/internal/utils"
)

// eventWriteTimeout keeps a stalled subscriber from blocking graph calls.
const eventWriteTimeout = 100 * time.Millisecond

// Server accepts module connections for one host.
type Server struct {
	host     *host.Host
	logger   *utils.Logger
	listener *net.UnixListener
	path     string

	mu     sync.Mutex
	conns  map[*net.UnixConn]struct{}
	wg     sync.WaitGroup
	done   chan struct{}
	closed atomic.Bool
}

// Listen binds a SOCK_SEQPACKET socket at path, replacing a stale one.
func Listen(path string, h *host.Host, logger *utils.Logger) (*Server, error) {
	if logger == nil {
		logger = utils.DefaultLogger("control")
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "remove stale socket %s", path)
	}
	l, err := net.ListenUnix("unixpacket", &net.UnixAddr{Name: path, Net: "unixpacket"})
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", path)
	}
	return &Server{
		host:     h,
		logger:   logger,
		listener: l,
		path:     path,
		conns:    make(map[*net.UnixConn]struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Path is the socket path.
func (s *Server) Path() string { return s.path }

// Serve accepts connections until ctx is done or the server is closed.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()

	s.logger.Info("Control server listening", utils.String("path", s.path))
	for {
		conn, err := s.listener.AcceptUnix()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			return errors.Wrapf(err, "accept")
		}
		s.mu.Lock()
		if s.closed.Load() {
			s.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.wg.Done()
			defer s.drop(conn)
			s.handle(conn)
		}()
	}
}

func (s *Server) drop(conn *net.UnixConn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	_ = conn.Close()
}

// Close stops accepting, closes every connection and waits for handlers.
func (s *Server) Close() error {
	s.mu.Lock()
	if !s.closed.CompareAndSwap(false, true) {
		s.mu.Unlock()
		return nil
	}
	close(s.done)
	err := s.listener.Close()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

func (s *Server) handle(conn *net.UnixConn) {
	session := utils.GenerateID()
	logger := s.logger.With(utils.String("session", session[:8]))
	buf := make([]byte, MaxFrameSize)

	var req Request
	if err := readRequest(conn, buf, &req); err != nil {
		logger.Debug("Connection closed before hello", utils.Err(err))
		return
	}
	resp := Response{Version: s.host.ProtocolVersion(), Session: session}
	if req.Op != OpHello {
		resp.Code = codes.InvalidParameters
	} else if req.Version != s.host.ProtocolVersion() {
		resp.Code = codes.ProtocolVersionMismatch
	}
	if err := writeFrame(conn, resp.Marshal()); err != nil || resp.Code != codes.Success {
		logger.Warn("Rejected client", utils.Int("version", req.Version), utils.Any("op", req.Op))
		return
	}
	logger.Debug("Client connected")

	for {
		if err := readRequest(conn, buf, &req); err != nil {
			if errors.Cause(err) != io.EOF && !s.closed.Load() {
				logger.Debug("Client read failed", utils.Err(err))
			}
			return
		}
		switch req.Op {
		case OpSharedMemory:
			if err := s.sendArena(conn); err != nil {
				logger.Warn("Failed to send arena", utils.Err(err))
				return
			}
		case OpSubscribe:
			s.subscribe(conn, buf, logger)
			return
		default:
			resp := s.dispatch(&req)
			if err := writeFrame(conn, resp.Marshal()); err != nil {
				logger.Debug("Client write failed", utils.Err(err))
				return
			}
		}
	}
}

func (s *Server) sendArena(conn *net.UnixConn) error {
	fd, err := s.host.Fd()
	if err != nil {
		resp := Response{Code: codes.Of(err)}
		return writeFrame(conn, resp.Marshal())
	}
	resp := Response{Value: s.host.ProtocolVersion()}
	return shm.SendFd(conn, fd, resp.Marshal())
}

func (s *Server) dispatch(req *Request) Response {
	h := s.host
	var resp Response
	var err error
	switch req.Op {
	case OpParams:
		resp.Value = h.SampleRate()
		resp.Inputs = h.BufferFrames()
		resp.Version = h.ProtocolVersion()
	case OpCreateModule:
		resp.Value, err = h.CreateModule(req.Source, req.Inputs, req.Outputs)
	case OpDeleteModule:
		err = h.DeleteModule(req.Source)
	case OpConnect:
		err = h.Connect(req.Source, req.SourcePort, req.Sink, req.SinkPort)
	case OpDisconnect:
		err = h.Disconnect(req.Source, req.SourcePort, req.Sink, req.SinkPort)
	case OpIsConnected:
		resp.Flag = h.IsConnected(req.Source, req.SourcePort, req.Sink, req.SinkPort)
	case OpIsDependent:
		resp.Flag = h.IsDependent(req.Sink, req.Source)
	case OpActivate:
		err = h.Activate(req.Source)
	case OpDeactivate:
		err = h.Deactivate(req.Source)
	case OpIsActive:
		resp.Flag = h.IsActive(req.Source)
	case OpModules:
		resp.Names = h.Modules()
	case OpChannels:
		if resp.Inputs, err = h.InputChannels(req.Source); err == nil {
			resp.Outputs, err = h.OutputChannels(req.Source)
		}
	case OpPostMessage:
		err = h.PostMessage(req.Payload)
	case OpStart:
		err = h.Start()
	case OpStop:
		err = h.Stop()
	case OpIsRunning:
		resp.Flag = h.IsRunning()
	default:
		err = codes.ErrInvalidParameters
	}
	resp.Code = codes.Of(err)
	return resp
}

// subscribe turns conn into an event stream until the client hangs up.
func (s *Server) subscribe(conn *net.UnixConn, buf []byte, logger *utils.Logger) {
	sink := &eventSink{conn: conn, logger: logger}
	key := s.host.AddListener(sink)
	defer s.host.RemoveListener(key)

	ok := Response{}
	if err := writeFrame(conn, ok.Marshal()); err != nil {
		return
	}
	logger.Debug("Client subscribed")
	for {
		if _, err := conn.Read(buf); err != nil {
			return
		}
	}
}

func readRequest(conn *net.UnixConn, buf []byte, req *Request) error {
	n, err := conn.Read(buf)
	if err != nil {
		return err
	}
	if n == 0 {
		return io.EOF
	}
	return req.Unmarshal(buf[:n])
}

func writeFrame(conn *net.UnixConn, frame []byte) error {
	if len(frame) > MaxFrameSize {
		return errors.Errorf("frame of %d bytes exceeds %d", len(frame), MaxFrameSize)
	}
	_, err := conn.Write(frame)
	return err
}

type eventSink struct {
	mu     sync.Mutex
	conn   *net.UnixConn
	logger *utils.Logger
}

func (e *eventSink) send(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_ = e.conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
	if err := writeFrame(e.conn, ev.Marshal()); err != nil {
		e.logger.Debug("Dropped event", utils.Err(err))
	}
}

func (e *eventSink) OnStart() { e.send(Event{Kind: EventStart}) }
func (e *eventSink) OnStop()  { e.send(Event{Kind: EventStop}) }

func (e *eventSink) OnModuleCreated(name string, in, out int) {
	e.send(Event{Kind: EventModuleCreated, Source: name, Inputs: in, Outputs: out})
}

func (e *eventSink) OnModuleDeleted(name string) {
	e.send(Event{Kind: EventModuleDeleted, Source: name})
}

func (e *eventSink) OnModuleActivated(name string) {
	e.send(Event{Kind: EventModuleActivated, Source: name})
}

func (e *eventSink) OnModuleDeactivated(name string) {
	e.send(Event{Kind: EventModuleDeactivated, Source: name})
}

func (e *eventSink) OnPortsConnected(source string, sourcePort int, sink string, sinkPort int) {
	e.send(Event{Kind: EventPortsConnected, Source: source, SourcePort: sourcePort, Sink: sink, SinkPort: sinkPort})
}

func (e *eventSink) OnPortsDisconnected(source string, sourcePort int, sink string, sinkPort int) {
	e.send(Event{Kind: EventPortsDisconnected, Source: source, SourcePort: sourcePort, Sink: sink, SinkPort: sinkPort})
}
