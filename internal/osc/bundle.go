package osc

import (
	"bytes"
	"encoding/binary"
)

const bundleHeader = 16

// Immediately is the time tag meaning "now".
const Immediately uint64 = 1

// IsBundle reports whether packet starts with the bundle tag.
func IsBundle(packet []byte) bool {
	return len(packet) >= len(bundleTag)+1 &&
		bytes.Equal(packet[:len(bundleTag)], []byte(bundleTag)) &&
		packet[len(bundleTag)] == 0
}

// MakeBundle writes an empty bundle with the given NTP time tag and returns
// its size.
func MakeBundle(buf []byte, timeTag uint64) (int, error) {
	if len(buf) < bundleHeader {
		return 0, ErrBufferTooSmall
	}
	copy(buf, bundleTag)
	buf[len(bundleTag)] = 0
	binary.BigEndian.PutUint64(buf[8:], timeTag)
	return bundleHeader, nil
}

// AddPacketToBundle appends a size-prefixed packet to the bundle of the
// given size held in buf, returning the new size.
func AddPacketToBundle(buf []byte, size int, packet []byte) (int, error) {
	if size > len(buf) || !IsBundle(buf[:size]) {
		return size, ErrNotBundle
	}
	if size%4 != 0 || len(packet)%4 != 0 {
		return size, ErrMalformed
	}
	if len(buf)-size < len(packet)+4 {
		return size, ErrBufferTooSmall
	}
	binary.BigEndian.PutUint32(buf[size:], uint32(len(packet)))
	copy(buf[size+4:], packet)
	return size + 4 + len(packet), nil
}

// TimeFromBundle returns the bundle's time tag.
func TimeFromBundle(bundle []byte) (uint64, error) {
	if !IsBundle(bundle) || len(bundle)%4 != 0 || len(bundle) < bundleHeader {
		return 0, ErrNotBundle
	}
	return binary.BigEndian.Uint64(bundle[8:]), nil
}

// NextPacketFromBundle returns the element at offset, where offset 0 means
// the first element, and the offset of the element after it. ok is false
// when the bundle is exhausted; err is set when it is malformed.
func NextPacketFromBundle(bundle []byte, offset int) (packet []byte, next int, ok bool, err error) {
	if !IsBundle(bundle) {
		return nil, offset, false, ErrNotBundle
	}
	if len(bundle)%4 != 0 {
		return nil, offset, false, ErrMalformed
	}
	if offset < bundleHeader {
		offset = bundleHeader
	}
	if offset+4 > len(bundle) {
		return nil, offset, false, nil
	}
	n := int(binary.BigEndian.Uint32(bundle[offset:]))
	if n%4 != 0 || n < 0 || offset+4+n > len(bundle) {
		return nil, offset, false, ErrMalformed
	}
	start := offset + 4
	return bundle[start : start+n], start + n, true, nil
}

// Packets iterates the elements of a bundle, stopping early if fn returns
// false.
func Packets(bundle []byte, fn func(packet []byte) bool) error {
	off := 0
	for {
		p, next, ok, err := NextPacketFromBundle(bundle, off)
		if err != nil || !ok {
			return err
		}
		if !fn(p) {
			return nil
		}
		off = next
	}
}
