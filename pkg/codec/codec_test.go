// Copyright 2025 Exonum Core Contributors

package codec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	e := NewEncoder()
	e.PutUint16(7)
	e.PutUint64(1 << 40)
	e.PutFixed([]byte{1, 2, 3, 4})
	e.PutVar([]byte("hello exonum"))
	e.PutVar(nil)
	e.PutByte(0x42)

	buf := e.Bytes()

	d, err := NewDecoder(buf)
	require.NoError(t, err)

	v16, err := d.GetUint16()
	require.NoError(t, err)
	require.Equal(t, uint16(7), v16)

	v64, err := d.GetUint64()
	require.NoError(t, err)
	require.Equal(t, uint64(1<<40), v64)

	fixed, err := d.GetFixed(4)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, fixed)

	v1, err := d.GetVar()
	require.NoError(t, err)
	require.Equal(t, []byte("hello exonum"), v1)

	v2, err := d.GetVar()
	require.NoError(t, err)
	require.Empty(t, v2)

	b, err := d.GetByte()
	require.NoError(t, err)
	require.Equal(t, byte(0x42), b)

	require.True(t, d.Done())
}

func TestShortBuffer(t *testing.T) {
	_, err := NewDecoder([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrShortBuffer)
}

func TestReEncodeIsBijective(t *testing.T) {
	e1 := NewEncoder()
	e1.PutUint32(99)
	e1.PutVar([]byte("payload"))
	buf1 := e1.Bytes()

	d, err := NewDecoder(buf1)
	require.NoError(t, err)
	n, err := d.GetUint32()
	require.NoError(t, err)
	payload, err := d.GetVar()
	require.NoError(t, err)

	e2 := NewEncoder()
	e2.PutUint32(n)
	e2.PutVar(payload)
	buf2 := e2.Bytes()

	require.Equal(t, buf1, buf2)
}
