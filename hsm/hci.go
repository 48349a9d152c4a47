// Azure Integrated HSM (AziHsm) driver
// https://github.com/usbarmory/azihsm
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package hsm

import (
	"log"
	"time"

	"github.com/usbarmory/azihsm/bits"
)

// Memory BAR indexes.
const (
	barCtrl     = 0
	barDoorbell = 2
)

// Controller register offsets (BAR 0).
const (
	CTRL_CAP = 0x00 // Controller Capabilities
	CTRL_VER = 0x08 // Version
	CTRL_CFG = 0x14 // Controller Configuration
	CTRL_STS = 0x1c // Controller Status
	CTRL_AQA = 0x24 // Admin Queue Attributes
	CTRL_ASQ = 0x28 // Admin Submission Queue Base Address
	CTRL_ACQ = 0x30 // Admin Completion Queue Base Address
)

// CAP register fields.
const (
	CAP_MQES    = 0
	CAP_CQR     = 16
	CAP_AMS     = 17
	CAP_TO      = 24
	CAP_DSTRD   = 32
	CAP_SSRS    = 36
	CAP_CSS     = 37
	CAP_MPS_MIN = 48
	CAP_MPS_MAX = 52
)

// CFG register fields.
const (
	CFG_EN       = 0
	CFG_CSS      = 4
	CFG_MPS      = 7
	CFG_AMS      = 11
	CFG_SHN      = 14
	CFG_HSM_SQES = 16
	CFG_HSM_CQES = 20
	CFG_AES_SQES = 24
	CFG_AES_CQES = 28
)

// STS register fields.
const (
	STS_RDY  = 0
	STS_CFS  = 1
	STS_SHST = 2
	STS_SSRO = 4
)

func capTO(cap uint64) int {
	return int(bits.GetN64(&cap, CAP_TO, 0xff))
}

func capDSTRD(cap uint64) int {
	return int(bits.GetN64(&cap, CAP_DSTRD, 0xf))
}

func (hw *Controller) readCap() (uint64, error) {
	return hw.IO.Read64(barCtrl, CTRL_CAP)
}

func (hw *Controller) readSts() (uint32, error) {
	return hw.IO.Read32(barCtrl, CTRL_STS)
}

// enable sets the controller enable bit and polls for readiness at 1 ms
// intervals for up to one second, it is a no-op on a ready controller.
func (hw *Controller) enable() (err error) {
	sts, err := hw.readSts()

	if err != nil {
		return
	}

	if bits.Get(&sts, STS_RDY) {
		return
	}

	cfg, err := hw.IO.Read32(barCtrl, CTRL_CFG)

	if err != nil {
		return
	}

	bits.Set(&cfg, CFG_EN)

	if err = hw.IO.Write32(barCtrl, CTRL_CFG, cfg); err != nil {
		return
	}

	for i := 0; i < 1000; i++ {
		hw.Stall(1 * time.Millisecond)

		if sts, err = hw.readSts(); err != nil {
			return
		}

		if bits.Get(&sts, STS_RDY) {
			return
		}
	}

	log.Printf("azihsm: controller not ready after timeout")

	return ErrDevice
}

// disable clears the controller enable bit and polls for the ready bit to
// clear, bounded by the CAP timeout field, it is a no-op on a controller
// that is not ready.
func (hw *Controller) disable(cap uint64) (err error) {
	sts, err := hw.readSts()

	if err != nil {
		return
	}

	if !bits.Get(&sts, STS_RDY) {
		return
	}

	cfg, err := hw.IO.Read32(barCtrl, CTRL_CFG)

	if err != nil {
		return
	}

	bits.Clear(&cfg, CFG_EN)

	if err = hw.IO.Write32(barCtrl, CTRL_CFG, cfg); err != nil {
		return
	}

	timeout := capTO(cap)

	if timeout == 0 {
		timeout = 1
	}

	for i := timeout * 500; i > 0; i-- {
		hw.Stall(1 * time.Millisecond)

		if sts, err = hw.readSts(); err != nil {
			return
		}

		if !bits.Get(&sts, STS_RDY) {
			return
		}
	}

	log.Printf("azihsm: controller not disabled after timeout")

	return ErrDevice
}

// hciInit programs the admin queue pair into the controller and enables it.
func (hw *Controller) hciInit() (err error) {
	cap, err := hw.readCap()

	if err != nil {
		return
	}

	ver, err := hw.IO.Read32(barCtrl, CTRL_VER)

	if err != nil {
		return
	}

	log.Printf("azihsm: controller version %d.%d.%d", ver>>16, uint8(ver>>8), uint8(ver))

	if err = hw.initQueuePair(&hw.admin, queueIDAdmin, queueSlots, adminSQESize, adminCQESize, capDSTRD(cap)); err != nil {
		return
	}

	if err = hw.disable(cap); err != nil {
		return
	}

	// zero-based slot count in both halves
	aqa := uint32(queueSlots-1) | uint32(queueSlots-1)<<16

	if err = hw.IO.Write32(barCtrl, CTRL_AQA, aqa); err != nil {
		return
	}

	if err = hw.IO.Write64(barCtrl, CTRL_ASQ, hw.admin.sq.buf.Addr); err != nil {
		return
	}

	if err = hw.IO.Write64(barCtrl, CTRL_ACQ, hw.admin.cq.buf.Addr); err != nil {
		return
	}

	return hw.enable()
}

// writeSqTailDB writes a submission queue tail doorbell (BAR 2).
func (hw *Controller) writeSqTailDB(id int, val int) error {
	if id > maxQueueID {
		return ErrInvalidParameter
	}

	return hw.IO.Write32(barDoorbell, (2*id)*4, uint32(val))
}

// writeCqHeadDB writes a completion queue head doorbell (BAR 2).
func (hw *Controller) writeCqHeadDB(id int, val int) error {
	if id > maxQueueID {
		return ErrInvalidParameter
	}

	return hw.IO.Write32(barDoorbell, (2*id+1)*4, uint32(val))
}
