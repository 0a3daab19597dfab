// Copyright 2025 Exonum Core Contributors
//
// Package codec implements the canonical binary encoding used for every
// persisted or transmitted structure in the node (spec section "Binary
// codec & crypto"): fixed-width little-endian integers in a header
// segment, and variable-length fields referenced from the header by an
// (offset, length) pointer into a trailing data segment. Encoding is
// bijective: decoding the output of Encoder.Bytes and re-encoding the
// same fields in the same order yields identical bytes.
package codec

import (
	"encoding/binary"
	"errors"
)

// ErrShortBuffer is returned when a Decoder runs out of header or tail
// bytes while satisfying a Get call.
var ErrShortBuffer = errors.New("codec: buffer too short")

// Encoder accumulates fixed-width header fields and variable-length tail
// data. Call Bytes once all fields have been written, in the same order
// the matching Decoder will read them.
type Encoder struct {
	header []byte
	tail   []byte
}

// NewEncoder returns an empty Encoder.
func NewEncoder() *Encoder {
	return &Encoder{}
}

// PutUint16 appends a little-endian u16 to the header.
func (e *Encoder) PutUint16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	e.header = append(e.header, b[:]...)
}

// PutUint32 appends a little-endian u32 to the header.
func (e *Encoder) PutUint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	e.header = append(e.header, b[:]...)
}

// PutUint64 appends a little-endian u64 to the header.
func (e *Encoder) PutUint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	e.header = append(e.header, b[:]...)
}

// PutByte appends a single byte to the header.
func (e *Encoder) PutByte(v byte) {
	e.header = append(e.header, v)
}

// PutFixed appends a fixed-size byte array (a hash, a public key, a
// signature) directly to the header; the caller is responsible for the
// decoder reading back the same width.
func (e *Encoder) PutFixed(b []byte) {
	e.header = append(e.header, b...)
}

// PutVar appends a variable-length field. The header receives an
// (offset: u32, length: u32) pointer into the tail segment, and the raw
// bytes are appended to the tail.
func (e *Encoder) PutVar(b []byte) {
	offset := uint32(len(e.tail))
	length := uint32(len(b))
	e.PutUint32(offset)
	e.PutUint32(length)
	e.tail = append(e.tail, b...)
}

// Bytes finalizes the encoding: a u32 header length, the header, then the
// tail.
func (e *Encoder) Bytes() []byte {
	out := make([]byte, 0, 4+len(e.header)+len(e.tail))
	var hl [4]byte
	binary.LittleEndian.PutUint32(hl[:], uint32(len(e.header)))
	out = append(out, hl[:]...)
	out = append(out, e.header...)
	out = append(out, e.tail...)
	return out
}

// Decoder mirrors Encoder: sequential Get calls must occur in the same
// order the matching Encoder wrote fields.
type Decoder struct {
	header []byte
	tail   []byte
	pos    int
}

// NewDecoder splits an encoded buffer into its header and tail segments.
func NewDecoder(buf []byte) (*Decoder, error) {
	if len(buf) < 4 {
		return nil, ErrShortBuffer
	}
	hl := binary.LittleEndian.Uint32(buf[:4])
	if uint64(4+hl) > uint64(len(buf)) {
		return nil, ErrShortBuffer
	}
	return &Decoder{
		header: buf[4 : 4+hl],
		tail:   buf[4+hl:],
	}, nil
}

func (d *Decoder) need(n int) error {
	if d.pos+n > len(d.header) {
		return ErrShortBuffer
	}
	return nil
}

// GetUint16 reads the next little-endian u16 from the header.
func (d *Decoder) GetUint16() (uint16, error) {
	if err := d.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(d.header[d.pos:])
	d.pos += 2
	return v, nil
}

// GetUint32 reads the next little-endian u32 from the header.
func (d *Decoder) GetUint32() (uint32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(d.header[d.pos:])
	d.pos += 4
	return v, nil
}

// GetUint64 reads the next little-endian u64 from the header.
func (d *Decoder) GetUint64() (uint64, error) {
	if err := d.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(d.header[d.pos:])
	d.pos += 8
	return v, nil
}

// GetByte reads a single byte from the header.
func (d *Decoder) GetByte() (byte, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	v := d.header[d.pos]
	d.pos++
	return v, nil
}

// GetFixed reads n raw bytes from the header.
func (d *Decoder) GetFixed(n int) ([]byte, error) {
	if err := d.need(n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	copy(b, d.header[d.pos:d.pos+n])
	d.pos += n
	return b, nil
}

// GetVar reads an (offset, length) pointer from the header and returns a
// copy of the referenced tail bytes.
func (d *Decoder) GetVar() ([]byte, error) {
	offset, err := d.GetUint32()
	if err != nil {
		return nil, err
	}
	length, err := d.GetUint32()
	if err != nil {
		return nil, err
	}
	end := uint64(offset) + uint64(length)
	if end > uint64(len(d.tail)) {
		return nil, ErrShortBuffer
	}
	b := make([]byte, length)
	copy(b, d.tail[offset:end])
	return b, nil
}

// Done reports whether every header byte has been consumed.
func (d *Decoder) Done() bool {
	return d.pos == len(d.header)
}
