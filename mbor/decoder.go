// Azure Integrated HSM (AziHsm) driver
// https://github.com/usbarmory/azihsm
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mbor

import (
	"encoding/binary"
)

// Decoder is a read cursor over a received message buffer.
type Decoder struct {
	buf []byte
	pos int
}

// NewDecoder returns a decoder reading buf from position zero.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Pos returns the number of decoded bytes.
func (d *Decoder) Pos() int {
	return d.pos
}

// Len returns the number of bytes left to decode.
func (d *Decoder) Len() int {
	return len(d.buf) - d.pos
}

func (d *Decoder) get(n int) ([]byte, error) {
	if d.pos+n > len(d.buf) {
		return nil, ErrBufferTooSmall
	}

	p := d.buf[d.pos : d.pos+n]
	d.pos += n

	return p, nil
}

// Peek returns the next byte without advancing the cursor.
func (d *Decoder) Peek() (byte, error) {
	if d.pos >= len(d.buf) {
		return 0, ErrBufferTooSmall
	}

	return d.buf[d.pos], nil
}

// Skip advances the cursor without decoding.
func (d *Decoder) Skip(n int) error {
	_, err := d.get(n)
	return err
}

func (d *Decoder) scalar(marker byte, size int) ([]byte, error) {
	m, err := d.get(1)

	if err != nil {
		return nil, err
	}

	if m[0] != marker {
		return nil, ErrCompromisedData
	}

	return d.get(size)
}

// U8 decodes an 8-bit unsigned integer.
func (d *Decoder) U8() (uint8, error) {
	p, err := d.scalar(markerU8, 1)

	if err != nil {
		return 0, err
	}

	return p[0], nil
}

// U16 decodes a 16-bit unsigned integer, big-endian.
func (d *Decoder) U16() (uint16, error) {
	p, err := d.scalar(markerU16, 2)

	if err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint16(p), nil
}

// U32 decodes a 32-bit unsigned integer, big-endian.
func (d *Decoder) U32() (uint32, error) {
	p, err := d.scalar(markerU32, 4)

	if err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint32(p), nil
}

// U64 decodes a 64-bit unsigned integer, big-endian.
func (d *Decoder) U64() (uint64, error) {
	p, err := d.scalar(markerU64, 8)

	if err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint64(p), nil
}

// Bool decodes a boolean marker.
func (d *Decoder) Bool() (bool, error) {
	m, err := d.get(1)

	if err != nil {
		return false, err
	}

	switch m[0] {
	case markerTrue:
		return true, nil
	case markerFalse:
		return false, nil
	}

	return false, ErrCompromisedData
}

// Map decodes a map marker and returns its field count.
func (d *Decoder) Map() (int, error) {
	m, err := d.get(1)

	if err != nil {
		return 0, err
	}

	if m[0]&mapMarkerMask != markerMap {
		return 0, ErrCompromisedData
	}

	return int(m[0] & mapFieldMask), nil
}

// Bytes decodes a byte string into buf and returns its length.
func (d *Decoder) Bytes(buf []byte) (int, error) {
	m, err := d.get(1)

	if err != nil {
		return 0, err
	}

	if m[0] != markerBytes {
		return 0, ErrCompromisedData
	}

	return d.bytes(buf, 0)
}

// PaddedBytes decodes a padded byte string into buf and returns its length,
// every pad byte is verified to be zero.
func (d *Decoder) PaddedBytes(buf []byte) (int, error) {
	m, err := d.get(1)

	if err != nil {
		return 0, err
	}

	if m[0]&^byte(bytesPadMask) != markerBytes {
		return 0, ErrCompromisedData
	}

	return d.bytes(buf, int(m[0]&bytesPadMask))
}

func (d *Decoder) bytes(buf []byte, pad int) (int, error) {
	p, err := d.get(2)

	if err != nil {
		return 0, err
	}

	n := int(binary.BigEndian.Uint16(p))

	if d.pos+pad+n > len(d.buf) {
		return 0, ErrBufferTooSmall
	}

	if pad > 0 {
		p, _ = d.get(pad)

		for _, b := range p {
			if b != 0 {
				return 0, ErrCompromisedData
			}
		}
	}

	if n > len(buf) {
		return 0, ErrBufferTooSmall
	}

	p, _ = d.get(n)
	copy(buf, p)

	return n, nil
}
