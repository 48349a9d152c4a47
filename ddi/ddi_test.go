// Azure Integrated HSM (AziHsm) driver
// https://github.com/usbarmory/azihsm
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ddi

import (
	"bytes"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/usbarmory/azihsm/mbor"
)

const testGetApiRevReq = `
a2 00 a1 18 02 1a 00 00 03 ea 01 a0
`

const testGetApiRevResp = `
a2 00 a5 18 02 1a 00 00 03 ea 18 04 1a 00 00 00 00 18 05 15
01 a2
18 01 a2 18 01 1a 00 00 00 01 18 02 1a 00 00 00 00
18 02 a2 18 01 1a 00 00 00 02 18 02 1a 00 00 00 03
`

func fromHex(t *testing.T, s string) []byte {
	t.Helper()

	s = strings.ReplaceAll(strings.ReplaceAll(s, " ", ""), "\n", "")
	buf, err := hex.DecodeString(s)

	if err != nil {
		t.Fatal(err)
	}

	return buf
}

func TestGetApiRevReqWireForm(t *testing.T) {
	buf := make([]byte, 64)
	e := mbor.NewEncoder(buf)

	if err := EncodeGetApiRevReq(e, nil, nil); err != nil {
		t.Fatal(err)
	}

	want := fromHex(t, testGetApiRevReq)

	if !bytes.Equal(buf[:e.Pos()], want) {
		t.Errorf("request mismatch:\n%s\n%s", hex.Dump(buf[:e.Pos()]), hex.Dump(want))
	}
}

func TestGetApiRevRespDecode(t *testing.T) {
	msg := fromHex(t, testGetApiRevResp)
	d := mbor.NewDecoder(msg)

	min, max, err := DecodeGetApiRevResp(d)

	if err != nil {
		t.Fatal(err)
	}

	if min.Major != 1 || min.Minor != 0 {
		t.Errorf("unexpected min revision %d.%d", min.Major, min.Minor)
	}

	if max.Major != 2 || max.Minor != 3 {
		t.Errorf("unexpected max revision %d.%d", max.Major, max.Minor)
	}

	if d.Pos() != len(msg) {
		t.Errorf("decoded size %d does not match message size %d", d.Pos(), len(msg))
	}
}

func TestStatusMapping(t *testing.T) {
	if err := StatusSuccess.Err(); err != nil {
		t.Errorf("success must map to nil, got %v", err)
	}

	if err := StatusInvalidArg.Err(); !errors.Is(err, ErrInvalidArg) {
		t.Errorf("unexpected invalid-arg mapping %v", err)
	}

	if err := StatusInternalError.Err(); !errors.Is(err, ErrInternal) {
		t.Errorf("unexpected internal-error mapping %v", err)
	}

	if err := StatusUnsupportedCmd.Err(); !errors.Is(err, ErrUnsupported) {
		t.Errorf("unexpected unsupported mapping %v", err)
	}

	if err := StatusEncodeFailed.Err(); !errors.Is(err, ErrProtocol) {
		t.Errorf("unexpected encode-failed mapping %v", err)
	}

	if err := StatusDecodeFailed.Err(); !errors.Is(err, ErrProtocol) {
		t.Errorf("unexpected decode-failed mapping %v", err)
	}

	if err := Status(0xbadc0de).Err(); !errors.Is(err, ErrInternal) {
		t.Errorf("unknown status must map to internal error, got %v", err)
	}
}

func TestGetApiRevRoundTrip(t *testing.T) {
	buf := make([]byte, 256)
	e := mbor.NewEncoder(buf)

	hdr := &RspHeader{
		Op:           OpGetApiRev,
		Status:       StatusSuccess,
		FipsApproved: true,
	}

	if err := EncodeGetApiRevResp(e, hdr, ApiRev{1, 2}, ApiRev{3, 4}); err != nil {
		t.Fatal(err)
	}

	min, max, err := DecodeGetApiRevResp(mbor.NewDecoder(buf[:e.Pos()]))

	if err != nil {
		t.Fatal(err)
	}

	if min != (ApiRev{1, 2}) || max != (ApiRev{3, 4}) {
		t.Errorf("round trip mismatch, min %v max %v", min, max)
	}
}

func TestInitBks3RoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x5a}, InitBks3ReqMaxLen)
	buf := make([]byte, 4096)

	rev := &ApiRev{2, 0}

	e := mbor.NewEncoder(buf)

	if err := EncodeInitBks3Req(e, rev, nil, key); err != nil {
		t.Fatal(err)
	}

	hdr, err := DecodeRequestHeaderFromCommand(mbor.NewDecoder(buf[:e.Pos()]))

	if err != nil {
		t.Fatal(err)
	}

	if hdr.Op != OpInitBks3 || hdr.Revision == nil || *hdr.Revision != *rev {
		t.Errorf("unexpected request header %+v", hdr)
	}

	wrapped := bytes.Repeat([]byte{0xa5}, 512)
	guid := [GUIDLen]byte{0: 0x01, 15: 0x10}

	rsp := &RspHeader{
		Op:           OpInitBks3,
		Status:       StatusSuccess,
		FipsApproved: true,
	}

	e = mbor.NewEncoder(buf)

	if err := EncodeInitBks3Resp(e, rsp, wrapped, guid); err != nil {
		t.Fatal(err)
	}

	out := make([]byte, InitBks3RespMaxLen)

	n, g, err := DecodeInitBks3Resp(mbor.NewDecoder(buf[:e.Pos()]), out)

	if err != nil {
		t.Fatal(err)
	}

	if n != len(wrapped) || !bytes.Equal(out[:n], wrapped) {
		t.Errorf("wrapped key round trip mismatch, n %d", n)
	}

	if g != guid {
		t.Errorf("guid round trip mismatch")
	}
}

func TestInitBks3GuidLength(t *testing.T) {
	buf := make([]byte, 4096)
	e := mbor.NewEncoder(buf)

	rsp := &RspHeader{
		Op:     OpInitBks3,
		Status: StatusSuccess,
	}

	if err := encodeCommandResponse(e, rsp); err != nil {
		t.Fatal(err)
	}

	e.Map(2)
	encodeFieldID(e, 1)
	e.PaddedBytes([]byte{1, 2, 3})
	encodeFieldID(e, 2)
	e.Bytes(make([]byte, 8)) // short GUID

	_, _, err := DecodeInitBks3Resp(mbor.NewDecoder(buf[:e.Pos()]), make([]byte, 64))

	if !errors.Is(err, ErrProtocol) {
		t.Errorf("expected ErrProtocol on short GUID, got %v", err)
	}
}

func TestSetSealedBks3RoundTrip(t *testing.T) {
	blob := bytes.Repeat([]byte{0xcc}, SealedBks3MaxLen)
	buf := make([]byte, 4096)

	e := mbor.NewEncoder(buf)

	if err := EncodeSetSealedBks3Req(e, &ApiRev{2, 0}, nil, blob); err != nil {
		t.Fatal(err)
	}

	for _, tt := range []struct {
		status Status
		ok     bool
	}{
		{StatusSuccess, true},
		{StatusInternalError, false},
	} {
		e = mbor.NewEncoder(buf)

		rsp := &RspHeader{
			Op:     OpSetSealedBks3,
			Status: tt.status,
		}

		if err := EncodeSetSealedBks3Resp(e, rsp); err != nil {
			t.Fatal(err)
		}

		ok, err := DecodeSetSealedBks3Resp(mbor.NewDecoder(buf[:e.Pos()]))

		if err != nil {
			t.Fatal(err)
		}

		if ok != tt.ok {
			t.Errorf("status %d: expected ok %v, got %v", tt.status, tt.ok, ok)
		}
	}
}

func TestGetSealedBks3RoundTrip(t *testing.T) {
	blob := bytes.Repeat([]byte{0x3c}, 777)
	buf := make([]byte, 4096)

	e := mbor.NewEncoder(buf)

	if err := EncodeGetSealedBks3Req(e, nil, nil); err != nil {
		t.Fatal(err)
	}

	e = mbor.NewEncoder(buf)

	rsp := &RspHeader{
		Op:           OpGetSealedBks3,
		Status:       StatusSuccess,
		FipsApproved: true,
	}

	if err := EncodeGetSealedBks3Resp(e, rsp, blob); err != nil {
		t.Fatal(err)
	}

	out := make([]byte, SealedBks3MaxLen)

	n, err := DecodeGetSealedBks3Resp(mbor.NewDecoder(buf[:e.Pos()]), out)

	if err != nil {
		t.Fatal(err)
	}

	if n != len(blob) || !bytes.Equal(out[:n], blob) {
		t.Errorf("sealed blob round trip mismatch, n %d", n)
	}
}

func TestRequestHeaderPresenceMatrix(t *testing.T) {
	buf := make([]byte, 64)

	// two field header missing both optionals
	e := mbor.NewEncoder(buf)
	e.Map(2)
	e.U8(hdrFieldOp)
	e.U32(uint32(OpGetApiRev))
	e.U8(hdrFieldOp)
	e.U32(uint32(OpGetApiRev))

	if _, err := DecodeRequestHeader(mbor.NewDecoder(buf[:e.Pos()])); !errors.Is(err, ErrProtocol) {
		t.Errorf("expected ErrProtocol on duplicate op header, got %v", err)
	}

	// header without the operation code
	e = mbor.NewEncoder(buf)
	e.Map(1)
	e.U8(hdrFieldSessionID)
	e.U16(7)

	if _, err := DecodeRequestHeader(mbor.NewDecoder(buf[:e.Pos()])); !errors.Is(err, ErrProtocol) {
		t.Errorf("expected ErrProtocol on missing op, got %v", err)
	}

	// unknown field identifier
	e = mbor.NewEncoder(buf)
	e.Map(1)
	e.U8(9)
	e.U16(7)

	if _, err := DecodeRequestHeader(mbor.NewDecoder(buf[:e.Pos()])); !errors.Is(err, ErrUnsupported) {
		t.Errorf("expected ErrUnsupported on unknown field, got %v", err)
	}
}

func TestResponseHeaderDuplicateField(t *testing.T) {
	buf := make([]byte, 64)

	e := mbor.NewEncoder(buf)
	e.Map(4)
	e.U8(hdrFieldOp)
	e.U32(uint32(OpGetApiRev))
	e.U8(hdrFieldStatus)
	e.U32(0)
	e.U8(hdrFieldStatus)
	e.U32(0)
	e.U8(hdrFieldFips)
	e.Bool(false)

	if _, err := DecodeResponseHeader(mbor.NewDecoder(buf[:e.Pos()])); !errors.Is(err, ErrProtocol) {
		t.Errorf("expected ErrProtocol on duplicate status, got %v", err)
	}
}
