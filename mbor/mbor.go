// Azure Integrated HSM (AziHsm) driver
// https://github.com/usbarmory/azihsm
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package mbor implements the compact field-tagged binary serialization
// carried over the AziHsm control-plane channel.
//
// Scalar values are tagged by a single marker byte, multi byte integers are
// big-endian on the wire regardless of host endianness. Maps carry their
// field count in the marker low nibble, byte strings carry an explicit
// 16-bit length and optionally up to 3 zero pad bytes that bring the payload
// start to 4 byte alignment within the buffer.
//
// Encoders and decoders are plain cursors over a caller supplied buffer,
// constructed fresh for every message. A failed encode or decode leaves the
// cursor position unspecified and is terminal for the whole message.
package mbor

import (
	"errors"
)

// Wire markers.
const (
	markerU8    = 0x18 | 0x00
	markerU16   = 0x18 | 0x01
	markerU32   = 0x18 | 0x02
	markerU64   = 0x18 | 0x03
	markerFalse = 0x14
	markerTrue  = 0x15
	markerMap   = 0xa0
	markerBytes = 0x80

	mapMarkerMask  = 0xf0
	mapFieldMask   = 0x0f
	bytesPadMask   = 0x03
	bytesAlignment = 4
)

// MaxMapFields is the largest field count a map marker can carry.
const MaxMapFields = mapFieldMask

var (
	// ErrBufferTooSmall is returned when an operation would exceed the
	// buffer capacity, or when a caller buffer cannot hold decoded bytes.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrCompromisedData is returned when a marker or pad byte does not
	// match the expected wire form.
	ErrCompromisedData = errors.New("compromised data")
)
