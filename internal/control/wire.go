// Package control is the local control protocol between a host and module
// processes: a SOCK_SEQPACKET Unix socket carrying one protobuf-encoded
// frame per packet, with the arena descriptor passed as SCM_RIGHTS.
package control

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/nmxmxh/patchfield/internal/codes"
)

// MaxFrameSize bounds a single packet.
const MaxFrameSize = 64 << 10

// Op selects a request.
type Op uint64

const (
	OpHello Op = iota + 1
	OpParams
	OpSharedMemory
	OpCreateModule
	OpDeleteModule
	OpConnect
	OpDisconnect
	OpIsConnected
	OpIsDependent
	OpActivate
	OpDeactivate
	OpIsActive
	OpModules
	OpChannels
	OpPostMessage
	OpStart
	OpStop
	OpIsRunning
	OpSubscribe
)

var opNames = map[Op]string{
	OpHello:        "hello",
	OpParams:       "params",
	OpSharedMemory: "shared_memory",
	OpCreateModule: "create_module",
	OpDeleteModule: "delete_module",
	OpConnect:      "connect",
	OpDisconnect:   "disconnect",
	OpIsConnected:  "is_connected",
	OpIsDependent:  "is_dependent",
	OpActivate:     "activate",
	OpDeactivate:   "deactivate",
	OpIsActive:     "is_active",
	OpModules:      "modules",
	OpChannels:     "channels",
	OpPostMessage:  "post_message",
	OpStart:        "start",
	OpStop:         "stop",
	OpIsRunning:    "is_running",
	OpSubscribe:    "subscribe",
}

func (o Op) String() string {
	if s, ok := opNames[o]; ok {
		return s
	}
	return fmt.Sprintf("op(%d)", uint64(o))
}

// Request is a client call. Single-module operations name the module in
// Source.
type Request struct {
	Op         Op
	Version    int
	Source     string
	SourcePort int
	Sink       string
	SinkPort   int
	Inputs     int
	Outputs    int
	Payload    []byte
}

// Response answers one Request.
type Response struct {
	Code    codes.Code
	Version int
	Session string
	Value   int
	Inputs  int
	Outputs int
	Flag    bool
	Names   []string
}

// Err converts the response code to an error.
func (r *Response) Err() error { return codes.FromCode(r.Code) }

// EventKind tags a graph change pushed to subscribers.
type EventKind uint64

const (
	EventStart EventKind = iota + 1
	EventStop
	EventModuleCreated
	EventModuleDeleted
	EventModuleActivated
	EventModuleDeactivated
	EventPortsConnected
	EventPortsDisconnected
)

// Event is a graph change.
type Event struct {
	Kind       EventKind
	Source     string
	SourcePort int
	Sink       string
	SinkPort   int
	Inputs     int
	Outputs    int
}

func appendInt(b []byte, num protowire.Number, v int) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(int64(v)))
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, p []byte) []byte {
	if len(p) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, p)
}

// fields walks a message, calling fn for every varint and bytes field.
// Other wire types are skipped.
func fields(b []byte, fn func(num protowire.Number, v uint64, p []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := fn(num, v, nil); err != nil {
				return err
			}
			b = b[n:]
		case protowire.BytesType:
			p, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := fn(num, 0, p); err != nil {
				return err
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}

func zz(v uint64) int { return int(protowire.DecodeZigZag(v)) }

// Request field numbers.
const (
	reqOp protowire.Number = iota + 1
	reqVersion
	reqSource
	reqSourcePort
	reqSink
	reqSinkPort
	reqInputs
	reqOutputs
	reqPayload
)

func (r *Request) Marshal() []byte {
	b := appendUint(nil, reqOp, uint64(r.Op))
	b = appendInt(b, reqVersion, r.Version)
	b = appendString(b, reqSource, r.Source)
	b = appendInt(b, reqSourcePort, r.SourcePort)
	b = appendString(b, reqSink, r.Sink)
	b = appendInt(b, reqSinkPort, r.SinkPort)
	b = appendInt(b, reqInputs, r.Inputs)
	b = appendInt(b, reqOutputs, r.Outputs)
	return appendBytes(b, reqPayload, r.Payload)
}

func (r *Request) Unmarshal(b []byte) error {
	*r = Request{}
	return fields(b, func(num protowire.Number, v uint64, p []byte) error {
		switch num {
		case reqOp:
			r.Op = Op(v)
		case reqVersion:
			r.Version = zz(v)
		case reqSource:
			r.Source = string(p)
		case reqSourcePort:
			r.SourcePort = zz(v)
		case reqSink:
			r.Sink = string(p)
		case reqSinkPort:
			r.SinkPort = zz(v)
		case reqInputs:
			r.Inputs = zz(v)
		case reqOutputs:
			r.Outputs = zz(v)
		case reqPayload:
			r.Payload = append([]byte(nil), p...)
		}
		return nil
	})
}

// Response field numbers.
const (
	respCode protowire.Number = iota + 1
	respVersion
	respSession
	respValue
	respInputs
	respOutputs
	respFlag
	respNames
)

func (r *Response) Marshal() []byte {
	b := appendInt(nil, respCode, int(r.Code))
	b = appendInt(b, respVersion, r.Version)
	b = appendString(b, respSession, r.Session)
	b = appendInt(b, respValue, r.Value)
	b = appendInt(b, respInputs, r.Inputs)
	b = appendInt(b, respOutputs, r.Outputs)
	if r.Flag {
		b = appendUint(b, respFlag, 1)
	}
	for _, n := range r.Names {
		b = protowire.AppendTag(b, respNames, protowire.BytesType)
		b = protowire.AppendString(b, n)
	}
	// Always non-empty so it can carry SCM_RIGHTS.
	if len(b) == 0 {
		b = protowire.AppendTag(b, respCode, protowire.VarintType)
		b = protowire.AppendVarint(b, 0)
	}
	return b
}

func (r *Response) Unmarshal(b []byte) error {
	*r = Response{}
	return fields(b, func(num protowire.Number, v uint64, p []byte) error {
		switch num {
		case respCode:
			r.Code = codes.Code(zz(v))
		case respVersion:
			r.Version = zz(v)
		case respSession:
			r.Session = string(p)
		case respValue:
			r.Value = zz(v)
		case respInputs:
			r.Inputs = zz(v)
		case respOutputs:
			r.Outputs = zz(v)
		case respFlag:
			r.Flag = v != 0
		case respNames:
			r.Names = append(r.Names, string(p))
		}
		return nil
	})
}

// Event field numbers.
const (
	evKind protowire.Number = iota + 1
	evSource
	evSourcePort
	evSink
	evSinkPort
	evInputs
	evOutputs
)

func (e *Event) Marshal() []byte {
	b := appendUint(nil, evKind, uint64(e.Kind))
	b = appendString(b, evSource, e.Source)
	b = appendInt(b, evSourcePort, e.SourcePort)
	b = appendString(b, evSink, e.Sink)
	b = appendInt(b, evSinkPort, e.SinkPort)
	b = appendInt(b, evInputs, e.Inputs)
	return appendInt(b, evOutputs, e.Outputs)
}

func (e *Event) Unmarshal(b []byte) error {
	*e = Event{}
	return fields(b, func(num protowire.Number, v uint64, p []byte) error {
		switch num {
		case evKind:
			e.Kind = EventKind(v)
		case evSource:
			e.Source = string(p)
		case evSourcePort:
			e.SourcePort = zz(v)
		case evSink:
			e.Sink = string(p)
		case evSinkPort:
			e.SinkPort = zz(v)
		case evInputs:
			e.Inputs = zz(v)
		case evOutputs:
			e.Outputs = zz(v)
		}
		return nil
	})
}
