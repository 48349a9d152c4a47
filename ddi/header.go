// Azure Integrated HSM (AziHsm) driver
// https://github.com/usbarmory/azihsm
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ddi

import (
	"github.com/usbarmory/azihsm/mbor"
)

// ApiRev represents a DDI API revision.
type ApiRev struct {
	Major uint32
	Minor uint32
}

// ReqHeader represents a DDI request header, Revision and SessionID are
// optional.
type ReqHeader struct {
	Revision  *ApiRev
	Op        Op
	SessionID *uint16
}

// RspHeader represents a DDI response header, Revision and SessionID are
// optional, Status and FipsApproved are always present.
type RspHeader struct {
	Revision     *ApiRev
	Op           Op
	SessionID    *uint16
	Status       Status
	FipsApproved bool
}

const (
	reqHeaderMaxFields = 3
	rspHeaderMinFields = 3
	rspHeaderMaxFields = 5
)

func encodeFieldID(e *mbor.Encoder, id uint8) error {
	return e.U8(id)
}

func decodeFieldID(d *mbor.Decoder) (uint8, error) {
	return d.U8()
}

func encodeApiRev(e *mbor.Encoder, rev *ApiRev) error {
	if err := e.Map(2); err != nil {
		return err
	}

	if err := encodeFieldID(e, 1); err != nil {
		return err
	}

	if err := e.U32(rev.Major); err != nil {
		return err
	}

	if err := encodeFieldID(e, 2); err != nil {
		return err
	}

	return e.U32(rev.Minor)
}

func decodeApiRev(d *mbor.Decoder) (rev ApiRev, err error) {
	var n int
	var id uint8

	if n, err = d.Map(); err != nil {
		return
	}

	if n != 2 {
		return rev, ErrProtocol
	}

	for i := 0; i < n; i++ {
		if id, err = decodeFieldID(d); err != nil {
			return
		}

		switch id {
		case 1:
			rev.Major, err = d.U32()
		case 2:
			rev.Minor, err = d.U32()
		default:
			err = ErrUnsupported
		}

		if err != nil {
			return
		}
	}

	return
}

// EncodeRequestHeader encodes a request header map, optional fields are
// emitted only when present.
func EncodeRequestHeader(e *mbor.Encoder, hdr *ReqHeader) error {
	fields := 1

	if hdr.Revision != nil {
		fields++
	}

	if hdr.SessionID != nil {
		fields++
	}

	if err := e.Map(fields); err != nil {
		return err
	}

	if hdr.Revision != nil {
		if err := encodeFieldID(e, hdrFieldRevision); err != nil {
			return err
		}

		if err := encodeApiRev(e, hdr.Revision); err != nil {
			return err
		}
	}

	if err := encodeFieldID(e, hdrFieldOp); err != nil {
		return err
	}

	if err := e.U32(uint32(hdr.Op)); err != nil {
		return err
	}

	if hdr.SessionID != nil {
		if err := encodeFieldID(e, hdrFieldSessionID); err != nil {
			return err
		}

		if err := e.U16(*hdr.SessionID); err != nil {
			return err
		}
	}

	return nil
}

// DecodeRequestHeader decodes a request header map, validating the field
// presence matrix (the operation code is always required, a two field header
// carries one of the optional fields, a three field header carries both).
func DecodeRequestHeader(d *mbor.Decoder) (hdr ReqHeader, err error) {
	var n int
	var id uint8

	if n, err = d.Map(); err != nil {
		return
	}

	if n < 1 || n > reqHeaderMaxFields {
		return hdr, ErrProtocol
	}

	var opFound bool

	for i := 0; i < n; i++ {
		if id, err = decodeFieldID(d); err != nil {
			return
		}

		switch id {
		case hdrFieldRevision:
			var rev ApiRev

			if rev, err = decodeApiRev(d); err != nil {
				return
			}

			hdr.Revision = &rev
		case hdrFieldOp:
			var op uint32

			if op, err = d.U32(); err != nil {
				return
			}

			hdr.Op = Op(op)
			opFound = true
		case hdrFieldSessionID:
			var sid uint16

			if sid, err = d.U16(); err != nil {
				return
			}

			hdr.SessionID = &sid
		default:
			return hdr, ErrUnsupported
		}
	}

	if !opFound {
		return hdr, ErrProtocol
	}

	if n == 2 && hdr.Revision == nil && hdr.SessionID == nil {
		return hdr, ErrProtocol
	}

	if n == 3 && (hdr.Revision == nil || hdr.SessionID == nil) {
		return hdr, ErrProtocol
	}

	return
}

// EncodeResponseHeader encodes a response header map, optional fields are
// emitted only when present.
func EncodeResponseHeader(e *mbor.Encoder, hdr *RspHeader) error {
	fields := 3

	if hdr.Revision != nil {
		fields++
	}

	if hdr.SessionID != nil {
		fields++
	}

	if err := e.Map(fields); err != nil {
		return err
	}

	if hdr.Revision != nil {
		if err := encodeFieldID(e, hdrFieldRevision); err != nil {
			return err
		}

		if err := encodeApiRev(e, hdr.Revision); err != nil {
			return err
		}
	}

	if err := encodeFieldID(e, hdrFieldOp); err != nil {
		return err
	}

	if err := e.U32(uint32(hdr.Op)); err != nil {
		return err
	}

	if hdr.SessionID != nil {
		if err := encodeFieldID(e, hdrFieldSessionID); err != nil {
			return err
		}

		if err := e.U16(*hdr.SessionID); err != nil {
			return err
		}
	}

	if err := encodeFieldID(e, hdrFieldStatus); err != nil {
		return err
	}

	if err := e.U32(uint32(hdr.Status)); err != nil {
		return err
	}

	if err := encodeFieldID(e, hdrFieldFips); err != nil {
		return err
	}

	return e.Bool(hdr.FipsApproved)
}

// DecodeResponseHeader decodes a response header map.
//
// Firmware declares the full structure field count in the map marker and
// omits optional fields, so the decode stops at the first byte that is not a
// tagged field identifier and then validates that every required field was
// seen. Duplicate fields are rejected.
func DecodeResponseHeader(d *mbor.Decoder) (hdr RspHeader, err error) {
	var n int
	var id uint8

	if n, err = d.Map(); err != nil {
		return
	}

	if n < rspHeaderMinFields || n > rspHeaderMaxFields {
		return hdr, ErrProtocol
	}

	var opFound, statusFound, fipsFound bool

	for i := 0; i < n; i++ {
		// optional fields are simply absent, stop at the first byte
		// that cannot be a tagged identifier
		if b, perr := d.Peek(); perr != nil || b != 0x18 {
			break
		}

		if id, err = decodeFieldID(d); err != nil {
			return
		}

		switch id {
		case hdrFieldRevision:
			if hdr.Revision != nil {
				return hdr, ErrProtocol
			}

			var rev ApiRev

			if rev, err = decodeApiRev(d); err != nil {
				return
			}

			hdr.Revision = &rev
		case hdrFieldOp:
			if opFound {
				return hdr, ErrProtocol
			}

			var op uint32

			if op, err = d.U32(); err != nil {
				return
			}

			hdr.Op = Op(op)
			opFound = true
		case hdrFieldSessionID:
			if hdr.SessionID != nil {
				return hdr, ErrProtocol
			}

			var sid uint16

			if sid, err = d.U16(); err != nil {
				return
			}

			hdr.SessionID = &sid
		case hdrFieldStatus:
			if statusFound {
				return hdr, ErrProtocol
			}

			var sts uint32

			if sts, err = d.U32(); err != nil {
				return
			}

			hdr.Status = Status(sts)
			statusFound = true
		case hdrFieldFips:
			if fipsFound {
				return hdr, ErrProtocol
			}

			if hdr.FipsApproved, err = d.Bool(); err != nil {
				return
			}

			fipsFound = true
		default:
			return hdr, ErrUnsupported
		}
	}

	if !opFound || !statusFound || !fipsFound {
		return hdr, ErrProtocol
	}

	return
}

// encodeCommandRequest encodes the outer command map, the request header and
// the data field identifier, leaving the encoder positioned at the data.
func encodeCommandRequest(e *mbor.Encoder, op Op, rev *ApiRev, session *uint16) error {
	// hdr + data, the extension field is not implemented
	if err := e.Map(2); err != nil {
		return err
	}

	if err := e.Marker(cmdFieldHdr); err != nil {
		return err
	}

	hdr := &ReqHeader{
		Revision:  rev,
		Op:        op,
		SessionID: session,
	}

	if err := EncodeRequestHeader(e, hdr); err != nil {
		return err
	}

	return e.Marker(cmdFieldData)
}

// DecodeRequestHeaderFromCommand decodes the outer command map and returns
// the request header, then consumes the data field identifier, leaving the
// decoder positioned at the data. It is the device side counterpart of the
// request encoders.
func DecodeRequestHeaderFromCommand(d *mbor.Decoder) (hdr ReqHeader, err error) {
	var n int

	if n, err = d.Map(); err != nil {
		return
	}

	if n < 2 || n > 3 {
		return hdr, ErrProtocol
	}

	var id byte

	if id, err = d.Peek(); err != nil {
		return
	}

	if err = d.Skip(1); err != nil {
		return
	}

	if id != cmdFieldHdr {
		return hdr, ErrProtocol
	}

	if hdr, err = DecodeRequestHeader(d); err != nil {
		return
	}

	return hdr, decodeDataFieldID(d)
}

// decodeCommandResponse decodes the outer command map and the response
// header, leaving the decoder positioned at the data field identifier and
// validating the echoed operation code.
func decodeCommandResponse(d *mbor.Decoder, op Op) (hdr RspHeader, err error) {
	var n int

	if n, err = d.Map(); err != nil {
		return
	}

	// hdr + data, plus the optional extension
	if n < 2 || n > 3 {
		return hdr, ErrProtocol
	}

	var id byte

	if id, err = d.Peek(); err != nil {
		return
	}

	if err = d.Skip(1); err != nil {
		return
	}

	if id != cmdFieldHdr {
		return hdr, ErrProtocol
	}

	if hdr, err = DecodeResponseHeader(d); err != nil {
		return
	}

	if hdr.Op != op {
		return hdr, ErrProtocol
	}

	return
}

// decodeDataFieldID consumes the outer data field identifier.
func decodeDataFieldID(d *mbor.Decoder) error {
	id, err := d.Peek()

	if err != nil {
		return err
	}

	if err = d.Skip(1); err != nil {
		return err
	}

	if id != cmdFieldData {
		return ErrProtocol
	}

	return nil
}
