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

// EncodeGetApiRevReq encodes a GetApiRev command request, the request data
// is an empty map.
func EncodeGetApiRevReq(e *mbor.Encoder, rev *ApiRev, session *uint16) error {
	if err := encodeCommandRequest(e, OpGetApiRev, rev, session); err != nil {
		return err
	}

	return e.Map(0)
}

// DecodeGetApiRevResp decodes a GetApiRev command response into the minimum
// and maximum supported API revisions.
func DecodeGetApiRevResp(d *mbor.Decoder) (min, max ApiRev, err error) {
	var hdr RspHeader

	if hdr, err = decodeCommandResponse(d, OpGetApiRev); err != nil {
		return
	}

	if err = hdr.Status.Err(); err != nil {
		return
	}

	if err = decodeDataFieldID(d); err != nil {
		return
	}

	var n int
	var id uint8

	if n, err = d.Map(); err != nil {
		return
	}

	if n != 2 {
		return min, max, ErrProtocol
	}

	for i := 0; i < n; i++ {
		if id, err = decodeFieldID(d); err != nil {
			return
		}

		switch id {
		case 1:
			min, err = decodeApiRev(d)
		case 2:
			max, err = decodeApiRev(d)
		default:
			err = ErrUnsupported
		}

		if err != nil {
			return
		}
	}

	return
}

// EncodeGetApiRevResp encodes a GetApiRev command response, it is the device
// side counterpart of DecodeGetApiRevResp.
func EncodeGetApiRevResp(e *mbor.Encoder, hdr *RspHeader, min, max ApiRev) error {
	if err := encodeCommandResponse(e, hdr); err != nil {
		return err
	}

	if err := e.Map(2); err != nil {
		return err
	}

	if err := encodeFieldID(e, 1); err != nil {
		return err
	}

	if err := encodeApiRev(e, &min); err != nil {
		return err
	}

	if err := encodeFieldID(e, 2); err != nil {
		return err
	}

	return encodeApiRev(e, &max)
}

// EncodeInitBks3Req encodes an InitBks3 command request carrying the derived
// key material.
func EncodeInitBks3Req(e *mbor.Encoder, rev *ApiRev, session *uint16, key []byte) error {
	if err := encodeCommandRequest(e, OpInitBks3, rev, session); err != nil {
		return err
	}

	if err := e.Map(1); err != nil {
		return err
	}

	if err := encodeFieldID(e, 1); err != nil {
		return err
	}

	return e.Bytes(key)
}

// DecodeInitBks3Resp decodes an InitBks3 command response, the wrapped key
// is copied into buf and the BKS3 GUID is returned, its wire length must be
// exactly GUIDLen.
func DecodeInitBks3Resp(d *mbor.Decoder, buf []byte) (n int, guid [GUIDLen]byte, err error) {
	var hdr RspHeader

	if hdr, err = decodeCommandResponse(d, OpInitBks3); err != nil {
		return
	}

	if err = hdr.Status.Err(); err != nil {
		return
	}

	if err = decodeDataFieldID(d); err != nil {
		return
	}

	var fields int
	var id uint8

	if fields, err = d.Map(); err != nil {
		return
	}

	if fields != 2 {
		return n, guid, ErrProtocol
	}

	if id, err = decodeFieldID(d); err != nil {
		return
	}

	if id != 1 {
		return n, guid, ErrProtocol
	}

	if n, err = d.PaddedBytes(buf); err != nil {
		return
	}

	if id, err = decodeFieldID(d); err != nil {
		return
	}

	if id != 2 {
		return n, guid, ErrProtocol
	}

	var guidLen int

	if guidLen, err = d.Bytes(guid[:]); err != nil {
		return
	}

	if guidLen != GUIDLen {
		return n, guid, ErrProtocol
	}

	return
}

// EncodeInitBks3Resp encodes an InitBks3 command response, it is the device
// side counterpart of DecodeInitBks3Resp.
func EncodeInitBks3Resp(e *mbor.Encoder, hdr *RspHeader, wrapped []byte, guid [GUIDLen]byte) error {
	if err := encodeCommandResponse(e, hdr); err != nil {
		return err
	}

	if err := e.Map(2); err != nil {
		return err
	}

	if err := encodeFieldID(e, 1); err != nil {
		return err
	}

	if err := e.PaddedBytes(wrapped); err != nil {
		return err
	}

	if err := encodeFieldID(e, 2); err != nil {
		return err
	}

	return e.Bytes(guid[:])
}

// EncodeSetSealedBks3Req encodes a SetSealedBks3 command request carrying
// the sealed blob.
func EncodeSetSealedBks3Req(e *mbor.Encoder, rev *ApiRev, session *uint16, blob []byte) error {
	if err := encodeCommandRequest(e, OpSetSealedBks3, rev, session); err != nil {
		return err
	}

	if err := e.Map(1); err != nil {
		return err
	}

	if err := encodeFieldID(e, 1); err != nil {
		return err
	}

	return e.Bytes(blob)
}

// DecodeSetSealedBks3Resp decodes a SetSealedBks3 command response, the
// boolean result is derived from the response status alone and the response
// data must be an empty map.
func DecodeSetSealedBks3Resp(d *mbor.Decoder) (ok bool, err error) {
	var hdr RspHeader

	if hdr, err = decodeCommandResponse(d, OpSetSealedBks3); err != nil {
		return
	}

	ok = hdr.Status == StatusSuccess

	if err = decodeDataFieldID(d); err != nil {
		return
	}

	var fields int

	if fields, err = d.Map(); err != nil {
		return
	}

	if fields != 0 {
		return ok, ErrProtocol
	}

	return
}

// EncodeSetSealedBks3Resp encodes a SetSealedBks3 command response, it is
// the device side counterpart of DecodeSetSealedBks3Resp.
func EncodeSetSealedBks3Resp(e *mbor.Encoder, hdr *RspHeader) error {
	if err := encodeCommandResponse(e, hdr); err != nil {
		return err
	}

	return e.Map(0)
}

// EncodeGetSealedBks3Req encodes a GetSealedBks3 command request, the
// request data is an empty map.
func EncodeGetSealedBks3Req(e *mbor.Encoder, rev *ApiRev, session *uint16) error {
	if err := encodeCommandRequest(e, OpGetSealedBks3, rev, session); err != nil {
		return err
	}

	return e.Map(0)
}

// DecodeGetSealedBks3Resp decodes a GetSealedBks3 command response, the
// sealed blob is copied into buf.
func DecodeGetSealedBks3Resp(d *mbor.Decoder, buf []byte) (n int, err error) {
	var hdr RspHeader

	if hdr, err = decodeCommandResponse(d, OpGetSealedBks3); err != nil {
		return
	}

	if err = hdr.Status.Err(); err != nil {
		return
	}

	if err = decodeDataFieldID(d); err != nil {
		return
	}

	var fields int
	var id uint8

	if fields, err = d.Map(); err != nil {
		return
	}

	if fields != 1 {
		return n, ErrProtocol
	}

	if id, err = decodeFieldID(d); err != nil {
		return
	}

	if id != 1 {
		return n, ErrProtocol
	}

	return d.PaddedBytes(buf)
}

// EncodeGetSealedBks3Resp encodes a GetSealedBks3 command response, it is
// the device side counterpart of DecodeGetSealedBks3Resp.
func EncodeGetSealedBks3Resp(e *mbor.Encoder, hdr *RspHeader, blob []byte) error {
	if err := encodeCommandResponse(e, hdr); err != nil {
		return err
	}

	if err := e.Map(1); err != nil {
		return err
	}

	if err := encodeFieldID(e, 1); err != nil {
		return err
	}

	return e.PaddedBytes(blob)
}

// encodeCommandResponse encodes the outer command map, the response header
// and the data field identifier, leaving the encoder positioned at the data.
func encodeCommandResponse(e *mbor.Encoder, hdr *RspHeader) error {
	if err := e.Map(2); err != nil {
		return err
	}

	if err := e.Marker(cmdFieldHdr); err != nil {
		return err
	}

	if err := EncodeResponseHeader(e, hdr); err != nil {
		return err
	}

	return e.Marker(cmdFieldData)
}
