// Azure Integrated HSM (AziHsm) driver
// https://github.com/usbarmory/azihsm
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package hsm

import (
	"encoding/binary"
	"log"
	"time"

	"github.com/usbarmory/azihsm/bits"
	"github.com/usbarmory/azihsm/dma"
)

// Admin command opcodes.
const (
	ADMIN_OP_DELETE_SQ     = 0x00
	ADMIN_OP_CREATE_SQ     = 0x01
	ADMIN_OP_DELETE_CQ     = 0x04
	ADMIN_OP_CREATE_CQ     = 0x05
	ADMIN_OP_IDENTIFY      = 0x06
	ADMIN_OP_ABORT         = 0x08
	ADMIN_OP_SET_FEATURE   = 0x09
	ADMIN_OP_GET_FEATURE   = 0x0a
	ADMIN_OP_SET_RESET_CNT = 0xc3
	ADMIN_OP_GET_RESET_CNT = 0xc4
)

// Set/Get feature identifiers.
const (
	FEAT_HSM_QUEUE_CNT = 0x07
	FEAT_AES_QUEUE_CNT = 0xc1
)

// adminSQE is the common admin submission entry shape, the command
// specific double words carry the variant fields.
type adminSQE struct {
	Opc   uint8
	Psdt  uint8
	Cid   uint16
	Mptr  uint64
	PRP1  uint64
	PRP2  uint64
	CDW10 uint32
	CDW11 uint32
}

// Bytes serializes the entry to its 64-byte wire layout.
func (s *adminSQE) Bytes() []byte {
	buf := make([]byte, adminSQESize)

	buf[0] = s.Opc
	buf[1] = (s.Psdt & 0x3) << 6
	binary.LittleEndian.PutUint16(buf[2:], s.Cid)
	binary.LittleEndian.PutUint64(buf[16:], s.Mptr)
	binary.LittleEndian.PutUint64(buf[24:], s.PRP1)
	binary.LittleEndian.PutUint64(buf[32:], s.PRP2)
	binary.LittleEndian.PutUint32(buf[40:], s.CDW10)
	binary.LittleEndian.PutUint32(buf[44:], s.CDW11)

	return buf
}

func identifySQE(prp1 uint64) *adminSQE {
	return &adminSQE{
		Opc:   ADMIN_OP_IDENTIFY,
		PRP1:  prp1,
		CDW10: 0x01, // CNS
	}
}

func setFeatureSQE(feat uint8, sqCnt uint16, cqCnt uint16) *adminSQE {
	return &adminSQE{
		Opc:   ADMIN_OP_SET_FEATURE,
		CDW10: uint32(feat),
		CDW11: uint32(sqCnt) | uint32(cqCnt)<<16,
	}
}

func getFeatureSQE(feat uint8) *adminSQE {
	return &adminSQE{
		Opc:   ADMIN_OP_GET_FEATURE,
		CDW10: uint32(feat),
	}
}

func createCQSQE(id int, slots int, prp1 uint64) *adminSQE {
	sqe := &adminSQE{
		Opc:   ADMIN_OP_CREATE_CQ,
		PRP1:  prp1,
		CDW10: uint32(id) | uint32(slots-1)<<16,
	}

	// physically contiguous, no interrupts
	bits.Set(&sqe.CDW11, 0)

	return sqe
}

func createSQSQE(id int, slots int, cqID int, prp1 uint64) *adminSQE {
	sqe := &adminSQE{
		Opc:   ADMIN_OP_CREATE_SQ,
		PRP1:  prp1,
		CDW10: uint32(id) | uint32(slots-1)<<16,
		CDW11: uint32(cqID) << 16,
	}

	// physically contiguous, urgent priority
	bits.Set(&sqe.CDW11, 0)

	return sqe
}

func deleteQueueSQE(op uint8, id int, prp1 uint64) *adminSQE {
	return &adminSQE{
		Opc:   op,
		PRP1:  prp1,
		CDW10: uint32(uint16(id)),
	}
}

func abortSQE(sqID uint16, cid uint16) *adminSQE {
	return &adminSQE{
		Opc:   ADMIN_OP_ABORT,
		CDW10: uint32(sqID) | uint32(cid)<<16,
	}
}

func setResetCountSQE(ctrlID uint32, cnt uint32) *adminSQE {
	return &adminSQE{
		Opc:   ADMIN_OP_SET_RESET_CNT,
		CDW10: ctrlID,
		CDW11: cnt,
	}
}

// adminCQE is the 16-byte admin completion entry.
type adminCQE struct {
	CS   uint32
	SqHd uint16
	SqID uint16
	Cid  uint16
	PSF  uint16
}

func parseAdminCQE(buf []byte) (cqe adminCQE) {
	cqe.CS = binary.LittleEndian.Uint32(buf[0:])
	cqe.SqHd = binary.LittleEndian.Uint16(buf[8:])
	cqe.SqID = binary.LittleEndian.Uint16(buf[10:])
	cqe.Cid = binary.LittleEndian.Uint16(buf[12:])
	cqe.PSF = binary.LittleEndian.Uint16(buf[14:])

	return
}

// Phase returns the completion entry phase bit.
func (c *adminCQE) Phase() bool {
	psf := uint32(c.PSF)
	return bits.Get(&psf, 0)
}

// Status returns the firmware status code.
func (c *adminCQE) Status() uint16 {
	psf := uint32(c.PSF)
	return uint16(bits.GetN(&psf, 1, 0x7ff))
}

// QueueCount returns the command specific queue counts.
func (c *adminCQE) QueueCount() (sq uint16, cq uint16) {
	return uint16(c.CS), uint16(c.CS >> 16)
}

// psfOffset is the phase-and-status word position within a completion
// entry, common to admin and control-processor layouts.
const psfOffset = 14

// issueAdmin posts an admin submission entry and waits for its completion
// by phase bit flip. The firmware status in the returned completion entry
// is the caller's responsibility to inspect: a non-zero status with a nil
// error means the transport round-trip succeeded but the device refused
// the command.
func (hw *Controller) issueAdmin(sqe *adminSQE) (cqe adminCQE, err error) {
	if hw.state == stateReset {
		return cqe, ErrInvalidParameter
	}

	qp := &hw.admin

	if qp.faulted {
		return cqe, ErrDevice
	}

	copy(qp.sq.slot(), sqe.Bytes())

	cqSlot := qp.cq.slot()

	// phase before post
	psf := binary.LittleEndian.Uint16(cqSlot[psfOffset:])

	qp.sq.advance()

	if err = hw.writeSqTailDB(qp.id, qp.sq.idx); err != nil {
		return
	}

	if !hw.waitPhase(cqSlot, psf) {
		log.Printf("azihsm: timeout waiting for admin completion")
		qp.faulted = true
		return cqe, ErrDevice
	}

	qp.cq.advance()
	hw.writeCqHeadDB(qp.id, qp.cq.idx)

	cqe = parseAdminCQE(cqSlot)

	if cqe.Status() != 0 {
		log.Printf("azihsm: admin command failed by firmware, status %#x", cqe.Status())
	}

	return
}

// waitPhase polls a completion entry at 1 ms intervals until its phase bit
// differs from the pre-post value, for up to adminCmdTimeout stalls.
func (hw *Controller) waitPhase(cqSlot []byte, before uint16) bool {
	for wait := adminCmdTimeout; wait > 0; wait-- {
		psf := binary.LittleEndian.Uint16(cqSlot[psfOffset:])

		if psf&1 != before&1 {
			return true
		}

		hw.Stall(1 * time.Millisecond)
	}

	return false
}

// identify fires the Identify controller command and returns the parsed
// controller data, a firmware rejected command is a device error.
func (hw *Controller) identify() (ident *Identity, err error) {
	buf, err := hw.Region.AllocBuffer(identDataSize / dma.PageSize)

	if err != nil {
		return nil, ErrOutOfResources
	}
	defer buf.Free()

	cqe, err := hw.issueAdmin(identifySQE(buf.Addr))

	if err != nil {
		return
	}

	if cqe.Status() != 0 {
		return nil, ErrDevice
	}

	return parseIdentity(buf.Data), nil
}

// setHsmQueueCount negotiates the HSM queue count with the device. The
// firmware returns a zero-based count, the driver adds one and clamps the
// result to the queue count it intends to create.
func (hw *Controller) setHsmQueueCount() (cnt int, err error) {
	sqe := setFeatureSQE(FEAT_HSM_QUEUE_CNT, hsmMaxQueueCount, hsmMaxQueueCount)

	cqe, err := hw.issueAdmin(sqe)

	if err != nil {
		return
	}

	if cqe.Status() != 0 {
		return 0, ErrDevice
	}

	sq, _ := cqe.QueueCount()

	cnt = int(sq) + 1

	if cnt > hsmCreateQueueCount {
		cnt = hsmCreateQueueCount
	}

	return
}

func (hw *Controller) createQueue(op uint8, id int, q *ioQueue, cdw11cq int) (err error) {
	var sqe *adminSQE

	if op == ADMIN_OP_CREATE_CQ {
		sqe = createCQSQE(id, q.slots, q.buf.Addr)
	} else {
		sqe = createSQSQE(id, q.slots, cdw11cq, q.buf.Addr)
	}

	cqe, err := hw.issueAdmin(sqe)

	if err != nil {
		return
	}

	if cqe.Status() != 0 {
		return ErrDevice
	}

	return
}

func (hw *Controller) deleteQueue(op uint8, id int, q *ioQueue) (err error) {
	cqe, err := hw.issueAdmin(deleteQueueSQE(op, id, q.buf.Addr))

	if err != nil {
		return
	}

	if cqe.Status() != 0 {
		return ErrDevice
	}

	return
}

// createIoQueuePair creates the pair in the device, completion queue
// first. A failed submission queue creation deletes the completion queue
// to keep device state clean.
func (hw *Controller) createIoQueuePair(qp *queuePair) (err error) {
	if err = hw.createQueue(ADMIN_OP_CREATE_CQ, qp.id, &qp.cq, 0); err != nil {
		return
	}

	if err = hw.createQueue(ADMIN_OP_CREATE_SQ, qp.id, &qp.sq, qp.id); err != nil {
		if delErr := hw.deleteQueue(ADMIN_OP_DELETE_CQ, qp.id, &qp.cq); delErr != nil {
			log.Printf("azihsm: failed to delete completion queue %d after create rollback", qp.id)
		}

		return
	}

	hw.hsmQueuesCreated = true

	return
}

// deleteIoQueuePair deletes the pair in the device, submission queue
// first, it is a no-op unless the pair was created.
func (hw *Controller) deleteIoQueuePair(qp *queuePair) (err error) {
	if !hw.hsmQueuesCreated {
		return
	}

	if err = hw.deleteQueue(ADMIN_OP_DELETE_SQ, qp.id, &qp.sq); err != nil {
		return
	}

	return hw.deleteQueue(ADMIN_OP_DELETE_CQ, qp.id, &qp.cq)
}
