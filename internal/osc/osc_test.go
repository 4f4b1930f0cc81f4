package osc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackMessage_WireFormat(t *testing.T) {
	buf := make([]byte, 64)
	n, err := PackMessage(buf, "/abc", "i", int32(1))
	require.NoError(t, err)

	want := []byte{
		'/', 'a', 'b', 'c', 0, 0, 0, 0,
		',', 'i', 0, 0,
		0, 0, 0, 1,
	}
	assert.Equal(t, want, buf[:n])
}

func TestPackUnpack_AllTypes(t *testing.T) {
	buf := make([]byte, 256)
	n, err := PackMessage(buf, "/synth/voice1", "ifsbm",
		int32(-7), float32(0.25), "hello", []byte{1, 2, 3}, [4]byte{0x90, 60, 100, 0})
	require.NoError(t, err)
	assert.Zero(t, n%4)

	var (
		i    int32
		f    float32
		s    string
		blob []byte
		midi [4]byte
	)
	require.NoError(t, UnpackMessage(buf[:n], "/synth/voice1", "ifsbm", &i, &f, &s, &blob, &midi))
	assert.Equal(t, int32(-7), i)
	assert.Equal(t, float32(0.25), f)
	assert.Equal(t, "hello", s)
	assert.Equal(t, []byte{1, 2, 3}, blob)
	assert.Equal(t, [4]byte{0x90, 60, 100, 0}, midi)
}

func TestUnpackMessage_Rejections(t *testing.T) {
	buf := make([]byte, 64)
	n, err := PackMessage(buf, "/gain", "f", 0.5)
	require.NoError(t, err)
	msg := buf[:n]

	var f float32
	var i int32
	assert.ErrorIs(t, UnpackMessage(msg, "/volume", "f", &f), ErrNoMatch)
	assert.ErrorIs(t, UnpackMessage(msg, "/gain", "i", &i), ErrNoMatch)
	assert.ErrorIs(t, UnpackMessage(msg[:n-1], "/gain", "f", &f), ErrMalformed)
	assert.ErrorIs(t, UnpackMessage(msg, "/gain", "f", &i), ErrArgument)

	// Trailing bytes are not allowed
	long := append(append([]byte{}, msg...), 0, 0, 0, 0)
	assert.ErrorIs(t, UnpackMessage(long, "/gain", "f", &f), ErrMalformed)

	// Bundles are not messages
	bundle := make([]byte, 16)
	_, err = MakeBundle(bundle, Immediately)
	require.NoError(t, err)
	assert.ErrorIs(t, UnpackMessage(bundle, "/gain", "f", &f), ErrMalformed)
}

func TestUnpackMessage_PatternEitherSide(t *testing.T) {
	var f float32
	msg, err := AppendMessage(nil, "/mixer/*/gain", "f", float32(1))
	require.NoError(t, err)
	assert.NoError(t, UnpackMessage(msg, "/mixer/ch2/gain", "f", &f))

	msg, err = AppendMessage(nil, "/mixer/ch2/gain", "f", float32(1))
	require.NoError(t, err)
	assert.NoError(t, UnpackMessage(msg, "/mixer/ch[0-3]/gain", "f", &f))
}

func TestUnpackMessage_MissingTypeTags(t *testing.T) {
	// Old-style message with no type tag string
	msg := []byte{'/', 'p', 'i', 'n', 'g', 0, 0, 0}
	assert.NoError(t, UnpackMessage(msg, "/ping", ""))

	var i int32
	assert.ErrorIs(t, UnpackMessage(msg, "/ping", "i", &i), ErrNoMatch)
}

func TestPackMessage_Errors(t *testing.T) {
	buf := make([]byte, 64)

	_, err := PackMessage(buf, "gain", "")
	assert.ErrorIs(t, err, ErrBadAddress)
	_, err = PackMessage(buf, "", "")
	assert.ErrorIs(t, err, ErrBadAddress)
	_, err = PackMessage(buf, "/x", "q", 1)
	assert.ErrorIs(t, err, ErrUnknownType)
	_, err = PackMessage(buf, "/x", "s", 1)
	assert.ErrorIs(t, err, ErrArgument)
	_, err = PackMessage(buf, "/x", "ii", 1)
	assert.ErrorIs(t, err, ErrArgument)
	_, err = PackMessage(make([]byte, 8), "/address", "")
	assert.ErrorIs(t, err, ErrBufferTooSmall)
}

func TestBundle_RoundTrip(t *testing.T) {
	m1, err := AppendMessage(nil, "/a", "i", 1)
	require.NoError(t, err)
	m2, err := AppendMessage(nil, "/b", "s", "two")
	require.NoError(t, err)

	buf := make([]byte, 128)
	size, err := MakeBundle(buf, 0x0102030405060708)
	require.NoError(t, err)
	size, err = AddPacketToBundle(buf, size, m1)
	require.NoError(t, err)
	size, err = AddPacketToBundle(buf, size, m2)
	require.NoError(t, err)
	bundle := buf[:size]

	assert.True(t, IsBundle(bundle))
	assert.False(t, IsBundle(m1))

	tag, err := TimeFromBundle(bundle)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0102030405060708), tag)

	var got [][]byte
	require.NoError(t, Packets(bundle, func(p []byte) bool {
		got = append(got, p)
		return true
	}))
	assert.Equal(t, [][]byte{m1, m2}, got)

	// Nested bundles are just packets
	outer := make([]byte, 256)
	osize, err := MakeBundle(outer, Immediately)
	require.NoError(t, err)
	osize, err = AddPacketToBundle(outer, osize, bundle)
	require.NoError(t, err)
	inner, _, ok, err := NextPacketFromBundle(outer[:osize], 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, IsBundle(inner))
}

func TestBundle_Errors(t *testing.T) {
	msg, err := AppendMessage(nil, "/a", "")
	require.NoError(t, err)

	_, err = AddPacketToBundle(msg, len(msg), msg)
	assert.ErrorIs(t, err, ErrNotBundle)

	buf := make([]byte, 20)
	size, err := MakeBundle(buf, Immediately)
	require.NoError(t, err)
	_, err = AddPacketToBundle(buf, size, msg)
	assert.ErrorIs(t, err, ErrBufferTooSmall)
	_, err = AddPacketToBundle(buf, size, []byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = MakeBundle(make([]byte, 8), Immediately)
	assert.ErrorIs(t, err, ErrBufferTooSmall)

	// Element size running past the end
	bad := make([]byte, 24)
	_, _ = MakeBundle(bad, Immediately)
	bad[19] = 64
	_, _, ok, err := NextPacketFromBundle(bad, 0)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrMalformed)

	// Empty bundle
	_, _, ok, err = NextPacketFromBundle(bad[:16], 0)
	assert.False(t, ok)
	assert.NoError(t, err)

	_, err = TimeFromBundle(msg)
	assert.ErrorIs(t, err, ErrNotBundle)
}

func TestMessageString(t *testing.T) {
	msg, err := AppendMessage(nil, "/mod", "ifsbm", 3, 0.5, "left", []byte{9, 9}, int32(0x903c64))
	require.NoError(t, err)

	s, err := MessageString(msg)
	require.NoError(t, err)
	assert.Equal(t, "/mod i:3 f:0.500000 s:left b:2 m:903c64", s)

	_, err = MessageString([]byte("#bundle\x00"))
	assert.ErrorIs(t, err, ErrMalformed)

	addr, err := Address(msg)
	require.NoError(t, err)
	assert.Equal(t, "/mod", addr)
}

func TestMatch(t *testing.T) {
	cases := []struct {
		pattern, address string
		want             bool
	}{
		{"/a/b", "/a/b", true},
		{"/a/b", "/a/c", false},
		{"/a/?", "/a/x", true},
		{"/a/?", "/a/", false},
		{"/a/*", "/a/anything/deeper", true},
		{"*", "", true},
		{"/a*c", "/abbbc", true},
		{"/a*c", "/abbbd", false},
		{"/ch[0-3]", "/ch2", true},
		{"/ch[0-3]", "/ch4", false},
		{"/ch[!0-3]", "/ch4", true},
		{"/ch[!0-3]", "/ch1", false},
		{"/ch[abc]", "/chb", true},
		{"/ch[abc", "/chb", false},
		{"/{left,right}/gain", "/right/gain", true},
		{"/{left,right}/gain", "/center/gain", false},
		{"/{l,le,lef}t", "/left", true},
		{"/{a,b", "/a", false},
		{`/a\*`, "/a*", true},
		{`/a\*`, "/ab", false},
		{"/a]", "/a]", false},
		{"", "", true},
		{"", "/a", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Match(c.pattern, c.address), "Match(%q, %q)", c.pattern, c.address)
	}
}

func BenchmarkPackMessage(b *testing.B) {
	buf := make([]byte, 128)
	for i := 0; i < b.N; i++ {
		_, _ = PackMessage(buf, "/mixer/ch1/gain", "f", float32(0.5))
	}
}
