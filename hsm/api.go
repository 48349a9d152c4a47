// Azure Integrated HSM (AziHsm) driver
// https://github.com/usbarmory/azihsm
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package hsm

import (
	"errors"

	"github.com/usbarmory/azihsm/bks3"
	"github.com/usbarmory/azihsm/ddi"
	"github.com/usbarmory/azihsm/dma"
	"github.com/usbarmory/azihsm/mbor"
)

// ddiErr maps device reported DDI statuses to their transport errors,
// protocol and unsupported errors pass through.
func ddiErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ddi.ErrInvalidArg):
		return ErrInvalidParameter
	case errors.Is(err, ddi.ErrInternal):
		return ErrDevice
	}

	return err
}

// exchange runs one DDI round-trip: the encoded request bytes are copied
// into a fresh input DMA buffer, the command is fired with the NoSession
// control block, and the decoder for the response bytes is returned.
//
// The returned release function zeroizes and frees both DMA buffers, it
// must be called on every path once decoding is complete.
func (hw *Controller) exchange(req []byte) (d *mbor.Decoder, n int, release func(), err error) {
	in, err := hw.Region.AllocBuffer(ddiBufSize / dma.PageSize)

	if err != nil {
		return nil, 0, nil, ErrOutOfResources
	}

	out, err := hw.Region.AllocBuffer(ddiBufSize / dma.PageSize)

	if err != nil {
		in.Free()
		return nil, 0, nil, ErrOutOfResources
	}

	release = func() {
		out.Free()
		in.Free()
	}

	copy(in.Data, req)

	n, fwSts, err := hw.fireCmd(in, len(req), out, out.Size(), 0, &SessionCtrl{})

	if err != nil {
		release()
		return nil, 0, nil, err
	}

	if fwSts != 0 {
		release()
		return nil, 0, nil, ErrDevice
	}

	if n > out.Size() {
		release()
		return nil, 0, nil, ddi.ErrProtocol
	}

	return mbor.NewDecoder(out.Data[:n]), n, release, nil
}

// GetApiRevision returns the minimum and maximum DDI API revisions
// supported by the device.
func (hw *Controller) GetApiRevision() (min, max ddi.ApiRev, err error) {
	scratch := make([]byte, ddiBufSize)
	defer bks3.Zeroize(scratch)

	e := mbor.NewEncoder(scratch)

	if err = ddi.EncodeGetApiRevReq(e, nil, nil); err != nil {
		return
	}

	d, n, release, err := hw.exchange(scratch[:e.Pos()])

	if err != nil {
		return
	}
	defer release()

	if min, max, err = ddi.DecodeGetApiRevResp(d); err != nil {
		return min, max, ddiErr(err)
	}

	if d.Pos() != n {
		return min, max, ddi.ErrProtocol
	}

	return
}

// InitBks3 initializes BKS3 with the argument derived key material, at
// most ddi.InitBks3ReqMaxLen bytes. The device wrapped key is copied into
// wrapped and its length returned, the BKS3 GUID is copied into guid.
//
// When a caller buffer is smaller than the response the decode still
// completes and ErrBufferTooSmall is returned, so that the caller learns
// the needed size.
func (hw *Controller) InitBks3(rev ddi.ApiRev, key []byte, wrapped []byte, guid []byte) (n int, err error) {
	if len(key) == 0 || len(key) > ddi.InitBks3ReqMaxLen {
		return 0, ErrInvalidParameter
	}

	if wrapped == nil || guid == nil {
		return 0, ErrInvalidParameter
	}

	scratch := make([]byte, ddiBufSize)
	defer bks3.Zeroize(scratch)

	data := make([]byte, ddi.InitBks3RespMaxLen)
	defer bks3.Zeroize(data)

	e := mbor.NewEncoder(scratch)

	if err = ddi.EncodeInitBks3Req(e, &rev, nil, key); err != nil {
		return
	}

	d, size, release, err := hw.exchange(scratch[:e.Pos()])

	if err != nil {
		return
	}
	defer release()

	n, g, err := ddi.DecodeInitBks3Resp(d, data)

	if err != nil {
		return 0, ddiErr(err)
	}

	if d.Pos() != size {
		return 0, ddi.ErrProtocol
	}

	if n > len(wrapped) {
		return n, ErrBufferTooSmall
	}

	copy(wrapped, data[:n])

	if len(guid) < ddi.GUIDLen {
		return n, ErrBufferTooSmall
	}

	copy(guid, g[:])

	return
}

// SetSealedBks3 stores a sealed BKS3 blob, at most ddi.SealedBks3MaxLen
// bytes, in the device. The returned boolean is derived from the response
// DDI status alone.
func (hw *Controller) SetSealedBks3(rev ddi.ApiRev, blob []byte) (ok bool, err error) {
	if len(blob) == 0 || len(blob) > ddi.SealedBks3MaxLen {
		return false, ErrInvalidParameter
	}

	scratch := make([]byte, ddiBufSize)
	defer bks3.Zeroize(scratch)

	e := mbor.NewEncoder(scratch)

	if err = ddi.EncodeSetSealedBks3Req(e, &rev, nil, blob); err != nil {
		return
	}

	d, size, release, err := hw.exchange(scratch[:e.Pos()])

	if err != nil {
		return
	}
	defer release()

	if ok, err = ddi.DecodeSetSealedBks3Resp(d); err != nil {
		return false, ddiErr(err)
	}

	if d.Pos() != size {
		return false, ddi.ErrProtocol
	}

	return
}

// GetSealedBks3 retrieves the sealed BKS3 blob stored in the device,
// copying it into blob and returning its length. No bytes are copied to
// the caller on any decode failure.
func (hw *Controller) GetSealedBks3(rev ddi.ApiRev, blob []byte) (n int, err error) {
	if blob == nil {
		return 0, ErrInvalidParameter
	}

	scratch := make([]byte, ddiBufSize)
	defer bks3.Zeroize(scratch)

	data := make([]byte, ddi.SealedBks3MaxLen)
	defer bks3.Zeroize(data)

	e := mbor.NewEncoder(scratch)

	if err = ddi.EncodeGetSealedBks3Req(e, &rev, nil); err != nil {
		return
	}

	d, size, release, err := hw.exchange(scratch[:e.Pos()])

	if err != nil {
		return
	}
	defer release()

	n, err = ddi.DecodeGetSealedBks3Resp(d, data)

	if err != nil {
		return 0, ddiErr(err)
	}

	if d.Pos() != size {
		return 0, ddi.ErrProtocol
	}

	if n > len(blob) {
		return n, ErrBufferTooSmall
	}

	copy(blob, data[:n])

	return
}
