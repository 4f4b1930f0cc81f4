// Package osc encodes and decodes Open Sound Control 1.0 messages and
// bundles for the control-message channel. Supported type tags are
// i (int32), f (float32), s (string), b (blob) and m (4-byte MIDI).
package osc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	ErrBufferTooSmall = errors.New("osc: buffer too small")
	ErrBadAddress     = errors.New("osc: address must start with '/'")
	ErrUnknownType    = errors.New("osc: unknown type tag")
	ErrArgument       = errors.New("osc: argument does not match type tag")
	ErrMalformed      = errors.New("osc: malformed packet")
	ErrNoMatch        = errors.New("osc: address or types do not match")
	ErrNotBundle      = errors.New("osc: not a bundle")
)

const bundleTag = "#bundle"

func padded(n int) int { return (n + 3) &^ 3 }

type writer struct {
	buf []byte
	n   int
	err error
}

func (w *writer) room(k int) bool {
	if w.err != nil {
		return false
	}
	if w.n+k > len(w.buf) {
		w.err = ErrBufferTooSmall
		return false
	}
	return true
}

func (w *writer) int32(v uint32) {
	if w.room(4) {
		binary.BigEndian.PutUint32(w.buf[w.n:], v)
		w.n += 4
	}
}

// bytes writes b and zero pads to a multiple of four.
func (w *writer) bytes(b []byte) {
	k := padded(len(b))
	if w.room(k) {
		copy(w.buf[w.n:], b)
		clear(w.buf[w.n+len(b) : w.n+k])
		w.n += k
	}
}

// str writes s with its terminating zero, padded.
func (w *writer) str(s string) {
	k := padded(len(s) + 1)
	if w.room(k) {
		copy(w.buf[w.n:], s)
		clear(w.buf[w.n+len(s) : w.n+k])
		w.n += k
	}
}

// PackMessage encodes a message into buf and returns its size. args must
// follow types: int32 or int for 'i', float32 or float64 for 'f', string
// for 's', []byte for 'b', [4]byte or int32 for 'm'.
func PackMessage(buf []byte, address, types string, args ...any) (int, error) {
	if len(address) < 1 || address[0] != '/' {
		return 0, ErrBadAddress
	}
	if len(args) != len(types) {
		return 0, fmt.Errorf("%w: %d types, %d args", ErrArgument, len(types), len(args))
	}

	w := &writer{buf: buf[:len(buf)&^3]}
	w.str(address)
	w.str("," + types)

	for k := 0; k < len(types); k++ {
		arg := args[k]
		switch types[k] {
		case 'i':
			switch v := arg.(type) {
			case int32:
				w.int32(uint32(v))
			case int:
				w.int32(uint32(int32(v)))
			default:
				return 0, fmt.Errorf("%w: arg %d is %T for 'i'", ErrArgument, k, arg)
			}
		case 'f':
			switch v := arg.(type) {
			case float32:
				w.int32(math.Float32bits(v))
			case float64:
				w.int32(math.Float32bits(float32(v)))
			default:
				return 0, fmt.Errorf("%w: arg %d is %T for 'f'", ErrArgument, k, arg)
			}
		case 's':
			v, ok := arg.(string)
			if !ok {
				return 0, fmt.Errorf("%w: arg %d is %T for 's'", ErrArgument, k, arg)
			}
			w.str(v)
		case 'b':
			v, ok := arg.([]byte)
			if !ok {
				return 0, fmt.Errorf("%w: arg %d is %T for 'b'", ErrArgument, k, arg)
			}
			w.int32(uint32(len(v)))
			w.bytes(v)
		case 'm':
			switch v := arg.(type) {
			case [4]byte:
				w.int32(binary.BigEndian.Uint32(v[:]))
			case int32:
				w.int32(uint32(v))
			default:
				return 0, fmt.Errorf("%w: arg %d is %T for 'm'", ErrArgument, k, arg)
			}
		default:
			return 0, fmt.Errorf("%w %q", ErrUnknownType, types[k])
		}
	}
	if w.err != nil {
		return 0, w.err
	}
	return w.n, nil
}

// AppendMessage is PackMessage into a freshly sized slice.
func AppendMessage(dst []byte, address, types string, args ...any) ([]byte, error) {
	size := padded(len(address)+1) + padded(len(types)+2)
	for _, a := range args {
		switch v := a.(type) {
		case string:
			size += padded(len(v) + 1)
		case []byte:
			size += 4 + padded(len(v))
		default:
			size += 4
		}
	}
	buf := make([]byte, size)
	n, err := PackMessage(buf, address, types, args...)
	if err != nil {
		return dst, err
	}
	return append(dst, buf[:n]...), nil
}

type reader struct {
	p   []byte
	off int
}

func (r *reader) left() int { return len(r.p) - r.off }

func (r *reader) int32() (uint32, bool) {
	if r.left() < 4 {
		return 0, false
	}
	v := binary.BigEndian.Uint32(r.p[r.off:])
	r.off += 4
	return v, true
}

func (r *reader) str() (string, bool) {
	i := bytes.IndexByte(r.p[r.off:], 0)
	if i < 0 {
		return "", false
	}
	k := padded(i + 1)
	if r.left() < k {
		return "", false
	}
	s := string(r.p[r.off : r.off+i])
	r.off += k
	return s, true
}

func (r *reader) blob() ([]byte, bool) {
	n, ok := r.int32()
	if !ok || int(n) < 0 || r.left() < padded(int(n)) {
		return nil, false
	}
	b := r.p[r.off : r.off+int(n)]
	r.off += padded(int(n))
	return b, true
}

// split reads the address and type tags of a message. A missing type tag
// string is read as no arguments.
func split(packet []byte) (address, types string, r *reader, err error) {
	if len(packet)%4 != 0 || len(packet) == 0 || packet[0] != '/' {
		return "", "", nil, ErrMalformed
	}
	r = &reader{p: packet}
	address, ok := r.str()
	if !ok {
		return "", "", nil, ErrMalformed
	}
	if r.left() == 0 {
		return address, "", r, nil
	}
	tags, ok := r.str()
	if !ok || len(tags) == 0 || tags[0] != ',' {
		return "", "", nil, ErrMalformed
	}
	return address, tags[1:], r, nil
}

// UnpackMessage decodes packet into the pointers in args if its address
// matches address and its type tags equal types. Either address may be a
// pattern. args must be *int32 for 'i', *float32 for 'f', *string for 's',
// *[]byte for 'b' (the bytes are copied) and *[4]byte or *int32 for 'm'.
func UnpackMessage(packet []byte, address, types string, args ...any) error {
	if IsBundle(packet) {
		return ErrMalformed
	}
	addr, tags, r, err := split(packet)
	if err != nil {
		return err
	}
	if !Match(addr, address) && !Match(address, addr) {
		return ErrNoMatch
	}
	if tags != types {
		return ErrNoMatch
	}
	if len(args) != len(types) {
		return fmt.Errorf("%w: %d types, %d args", ErrArgument, len(types), len(args))
	}

	for k := 0; k < len(types); k++ {
		switch types[k] {
		case 'i', 'f', 'm':
			v, ok := r.int32()
			if !ok {
				return ErrMalformed
			}
			if err := store32(types[k], v, args[k]); err != nil {
				return fmt.Errorf("%w: arg %d", err, k)
			}
		case 's':
			s, ok := r.str()
			if !ok {
				return ErrMalformed
			}
			p, isStr := args[k].(*string)
			if !isStr {
				return fmt.Errorf("%w: arg %d is %T for 's'", ErrArgument, k, args[k])
			}
			*p = s
		case 'b':
			b, ok := r.blob()
			if !ok {
				return ErrMalformed
			}
			p, isBytes := args[k].(*[]byte)
			if !isBytes {
				return fmt.Errorf("%w: arg %d is %T for 'b'", ErrArgument, k, args[k])
			}
			*p = append((*p)[:0], b...)
		default:
			return fmt.Errorf("%w %q", ErrUnknownType, types[k])
		}
	}
	if r.left() != 0 {
		return ErrMalformed
	}
	return nil
}

func store32(tag byte, v uint32, arg any) error {
	switch p := arg.(type) {
	case *int32:
		if tag == 'f' {
			return ErrArgument
		}
		*p = int32(v)
	case *float32:
		if tag != 'f' {
			return ErrArgument
		}
		*p = math.Float32frombits(v)
	case *[4]byte:
		if tag != 'm' {
			return ErrArgument
		}
		binary.BigEndian.PutUint32(p[:], v)
	default:
		return ErrArgument
	}
	return nil
}

// Address returns the address of a message packet.
func Address(packet []byte) (string, error) {
	addr, _, _, err := split(packet)
	return addr, err
}

// MessageString renders a message for logs, e.g. "/gain f:0.500000 s:left".
func MessageString(packet []byte) (string, error) {
	addr, tags, r, err := split(packet)
	if err != nil {
		return "", err
	}
	var b bytes.Buffer
	b.WriteString(addr)
	for k := 0; k < len(tags); k++ {
		switch tags[k] {
		case 'i':
			v, ok := r.int32()
			if !ok {
				return b.String(), ErrMalformed
			}
			fmt.Fprintf(&b, " i:%d", int32(v))
		case 'm':
			v, ok := r.int32()
			if !ok {
				return b.String(), ErrMalformed
			}
			fmt.Fprintf(&b, " m:%x", v)
		case 'f':
			v, ok := r.int32()
			if !ok {
				return b.String(), ErrMalformed
			}
			fmt.Fprintf(&b, " f:%f", math.Float32frombits(v))
		case 's':
			s, ok := r.str()
			if !ok {
				return b.String(), ErrMalformed
			}
			fmt.Fprintf(&b, " s:%s", s)
		case 'b':
			blob, ok := r.blob()
			if !ok {
				return b.String(), ErrMalformed
			}
			fmt.Fprintf(&b, " b:%d", len(blob))
		default:
			return b.String(), fmt.Errorf("%w %q", ErrUnknownType, tags[k])
		}
	}
	return b.String(), nil
}
