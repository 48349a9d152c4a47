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
	"errors"
)

// ErrInvalidFieldCount is returned when a map field count does not fit the
// marker low nibble.
var ErrInvalidFieldCount = errors.New("invalid field count")

// Encoder is a write cursor over a caller supplied buffer.
type Encoder struct {
	buf []byte
	pos int
}

// NewEncoder returns an encoder writing into buf from position zero.
func NewEncoder(buf []byte) *Encoder {
	return &Encoder{buf: buf}
}

// Pos returns the number of encoded bytes.
func (e *Encoder) Pos() int {
	return e.pos
}

func (e *Encoder) put(p []byte) error {
	if e.pos+len(p) > len(e.buf) {
		return ErrBufferTooSmall
	}

	copy(e.buf[e.pos:], p)
	e.pos += len(p)

	return nil
}

// Marker encodes a single raw byte, it is used for type markers and for the
// untagged field identifiers of command level maps.
func (e *Encoder) Marker(b byte) error {
	return e.put([]byte{b})
}

// Skip advances the cursor without writing, reserving space.
func (e *Encoder) Skip(n int) error {
	if e.pos+n > len(e.buf) {
		return ErrBufferTooSmall
	}

	e.pos += n

	return nil
}

// U8 encodes an 8-bit unsigned integer.
func (e *Encoder) U8(v uint8) error {
	return e.put([]byte{markerU8, v})
}

// U16 encodes a 16-bit unsigned integer, big-endian.
func (e *Encoder) U16(v uint16) error {
	return e.put(binary.BigEndian.AppendUint16([]byte{markerU16}, v))
}

// U32 encodes a 32-bit unsigned integer, big-endian.
func (e *Encoder) U32(v uint32) error {
	return e.put(binary.BigEndian.AppendUint32([]byte{markerU32}, v))
}

// U64 encodes a 64-bit unsigned integer, big-endian.
func (e *Encoder) U64(v uint64) error {
	return e.put(binary.BigEndian.AppendUint64([]byte{markerU64}, v))
}

// Bool encodes a boolean value as its marker.
func (e *Encoder) Bool(v bool) error {
	if v {
		return e.put([]byte{markerTrue})
	}

	return e.put([]byte{markerFalse})
}

// Map encodes a map marker carrying the argument field count.
func (e *Encoder) Map(fields int) error {
	if fields < 0 || fields > MaxMapFields {
		return ErrInvalidFieldCount
	}

	return e.put([]byte{markerMap | byte(fields&mapFieldMask)})
}

// Bytes encodes a byte string with its length.
func (e *Encoder) Bytes(p []byte) error {
	if len(p) > 0xffff {
		return ErrBufferTooSmall
	}

	if err := e.put(binary.BigEndian.AppendUint16([]byte{markerBytes}, uint16(len(p)))); err != nil {
		return err
	}

	return e.put(p)
}

// PaddedBytes encodes a byte string in padded form, the pad count is derived
// from the cursor position so that the payload starts 4 byte aligned within
// the buffer.
func (e *Encoder) PaddedBytes(p []byte) error {
	if len(p) > 0xffff {
		return ErrBufferTooSmall
	}

	// marker + 2 length bytes precede the pad
	pad := (bytesAlignment - (e.pos+3)%bytesAlignment) % bytesAlignment

	hdr := binary.BigEndian.AppendUint16([]byte{markerBytes | byte(pad&bytesPadMask)}, uint16(len(p)))
	hdr = append(hdr, make([]byte, pad)...)

	if err := e.put(hdr); err != nil {
		return err
	}

	return e.put(p)
}
