// Azure Integrated HSM (AziHsm) driver
// https://github.com/usbarmory/azihsm
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package hsm implements a driver for the Azure Integrated HSM (AziHsm),
// an NVMe-like PCI function performing platform cryptographic operations
// (BKS3 key derivation, sealing, session management) in the pre-OS
// environment.
//
// The driver is handed a PciIo capability by the upstream bus enumerator,
// creates submission/completion queue pairs in device shared memory and
// issues admin and control-processor commands over them, carrying DDI
// requests serialized with package mbor.
//
// The driver is single threaded and cooperative: every wait is a bounded
// 1 ms stall-and-poll loop on a completion entry phase bit.
package hsm

import (
	"errors"
	"log"
	"time"

	"github.com/usbarmory/azihsm/bks3"
	"github.com/usbarmory/azihsm/ddi"
	"github.com/usbarmory/azihsm/dma"
)

// AziHsm PCI function identity, the driver refuses any other.
const (
	PCI_VENDOR = 0x1414 // Microsoft Corporation
	PCI_DEVICE = 0xc003 // Azure Integrated HSM
)

// Queue geometry.
const (
	queueIDAdmin = 0
	queueIDHsm   = 1
	maxQueueID   = 1

	// slots per queue, head and tail advance modulo this count
	queueSlots = 2

	adminSQESize = 64
	adminCQESize = 16
	cpSQESize    = 64
	cpCQESize    = 16
)

// HSM queue count negotiation.
const (
	hsmMaxQueueCount    = 128
	hsmCreateQueueCount = 1
)

// adminCmdTimeout is the phase-bit poll bound, in 1 ms stalls, for both
// admin and control-processor commands.
const adminCmdTimeout = 100

// ddiBufSize is the DMA buffer size used for DDI exchanges.
const ddiBufSize = dma.PageSize

var (
	// ErrInvalidParameter is returned on invalid caller arguments.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrOutOfResources is returned when a DMA allocation fails.
	ErrOutOfResources = dma.ErrOutOfResources

	// ErrDevice is returned on device failures, including command
	// timeouts and firmware rejected commands.
	ErrDevice = errors.New("device error")

	// ErrBufferTooSmall is returned when a caller buffer cannot hold a
	// response, after the response has been decoded so that the caller
	// learns the needed size.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrUnsupported is returned when the device identity does not match,
	// a device reported unsupported command surfaces as ddi.ErrUnsupported.
	ErrUnsupported = errors.New("unsupported")
)

// PciIo is the capability provided by the upstream bus enumerator for
// access to the function configuration space and memory BARs.
type PciIo interface {
	// ConfigRead32 reads the function configuration space.
	ConfigRead32(off int) (uint32, error)

	// Read32 reads a 32-bit register in a memory BAR.
	Read32(bar int, off int) (uint32, error)
	// Write32 writes a 32-bit register in a memory BAR.
	Write32(bar int, off int, val uint32) error
	// Read64 reads a 64-bit register in a memory BAR.
	Read64(bar int, off int) (uint64, error)
	// Write64 writes a 64-bit register in a memory BAR.
	Write64(bar int, off int, val uint64) error

	// Attributes returns the function attributes snapshot.
	Attributes() (uint64, error)
	// EnableDMA64 enables 64-bit bus mastering on the function.
	EnableDMA64() error
}

// Controller lifecycle states.
type ctrlState int

const (
	stateReset ctrlState = iota
	stateAdminReady
	stateHsmReady
	stateTearingDown
)

// Controller represents an AziHsm controller instance.
type Controller struct {
	// IO is the PciIo capability borrowed from the bus enumerator.
	IO PciIo

	// Region is an optional DMA region for queue and command buffers,
	// it overrides the global region set with dma.Init().
	Region *dma.Region

	// Stall is an optional microsecond resolution delay primitive used
	// by the polling loops, it defaults to time.Sleep.
	Stall func(time.Duration)

	// attributes snapshot taken at bind time
	attributes uint64

	admin queuePair
	hsm   queuePair

	hsmQueuesCreated bool

	ident *Identity

	state   ctrlState
	cleared bool
}

// Identity returns the cached Identify data, valid once Init() completed.
func (hw *Controller) Identity() *Identity {
	return hw.ident
}

// Init binds the driver to the device and brings the controller to the
// HSM-ready state: admin queue pair allocation, controller disable, admin
// queue base programming, controller enable, Identify, HSM queue count
// negotiation and HSM queue pair creation.
func (hw *Controller) Init() (err error) {
	if hw.IO == nil {
		return ErrInvalidParameter
	}

	if hw.Region == nil {
		hw.Region = dma.Default()
	}

	if hw.Region == nil {
		return ErrOutOfResources
	}

	if hw.Stall == nil {
		hw.Stall = time.Sleep
	}

	// a new bind holds new sensitive state
	hw.cleared = false

	id, err := hw.IO.ConfigRead32(0)

	if err != nil {
		return err
	}

	if vid, did := uint16(id), uint16(id>>16); vid != PCI_VENDOR || did != PCI_DEVICE {
		return ErrUnsupported
	}

	if hw.attributes, err = hw.IO.Attributes(); err != nil {
		return err
	}

	if err = hw.IO.EnableDMA64(); err != nil {
		return err
	}

	defer func() {
		if err != nil {
			hw.admin.uninit()
			hw.hsm.uninit()
			hw.state = stateReset
		}
	}()

	if err = hw.hciInit(); err != nil {
		return
	}

	hw.state = stateAdminReady

	if hw.ident, err = hw.identify(); err != nil {
		return
	}

	if hw.ident.SerialNumber == ([identSNLen]byte{}) {
		log.Printf("azihsm: invalid HSM identity, serial number is all zeros")
		return ErrDevice
	}

	log.Printf("azihsm: controller %d serial %q", hw.ident.CtrlID, hw.ident.Serial())

	if err = hw.hsmInit(); err != nil {
		return
	}

	hw.state = stateHsmReady

	return
}

// hsmInit initializes the control (HSM) path of the controller, creating
// the I/O queue pair in the device.
func (hw *Controller) hsmInit() (err error) {
	cap, err := hw.readCap()

	if err != nil {
		return
	}

	if err = hw.initQueuePair(&hw.hsm, queueIDHsm, queueSlots, cpSQESize, cpCQESize, capDSTRD(cap)); err != nil {
		return
	}

	cnt, err := hw.setHsmQueueCount()

	if err != nil {
		return
	}

	if cnt != hsmCreateQueueCount {
		log.Printf("azihsm: unexpected HSM queue count %d", cnt)
		return ErrDevice
	}

	return hw.createIoQueuePair(&hw.hsm)
}

// Close tears the controller down: the HSM queue pair is deleted in the
// device, the controller is disabled, queue memory is released and
// sensitive state is zeroized.
func (hw *Controller) Close() error {
	if hw.state == stateReset {
		return nil
	}

	hw.state = stateTearingDown

	err := hw.deleteIoQueuePair(&hw.hsm)

	if cap, capErr := hw.readCap(); capErr == nil {
		if disErr := hw.disable(cap); err == nil {
			err = disErr
		}
	} else if err == nil {
		err = capErr
	}

	hw.admin.uninit()
	hw.hsm.uninit()

	hw.clearSensitiveData()
	hw.state = stateReset

	return err
}

// clearSensitiveData zeroizes cached state that could hold key material or
// device identity, the latch only prevents a redundant second pass.
func (hw *Controller) clearSensitiveData() {
	if hw.cleared {
		return
	}

	if hw.ident != nil {
		bks3.Zeroize(hw.ident.SerialNumber[:])
		bks3.Zeroize(hw.ident.FirmwareRev[:])
	}

	hw.cleared = true
}

// ProvisionKeys runs the boot time BKS3 workflow: the supported API
// revision range is queried, the platform sealed blob is unsealed through
// the key service, the BKS3 key is derived from the unsealed secret and the
// HSM serial number, and InitBks3 returns the device wrapped key with its
// GUID. All intermediate key material is zeroized before returning.
func (hw *Controller) ProvisionKeys(ks bks3.KeyService, sealed []byte) (wrapped []byte, guid [ddi.GUIDLen]byte, err error) {
	if ks == nil || len(sealed) == 0 {
		return nil, guid, ErrInvalidParameter
	}

	_, max, err := hw.GetApiRevision()

	if err != nil {
		return
	}

	unsealed, err := ks.UnsealNullHierarchy(sealed)

	if err != nil {
		return
	}
	defer bks3.Zeroize(unsealed)

	key, err := bks3.DeriveSecretFromBlob(unsealed, hw.ident.SerialNumber[:])

	if err != nil {
		return
	}
	defer bks3.Zeroize(key[:])

	buf := make([]byte, ddi.InitBks3RespMaxLen)

	n, err := hw.InitBks3(max, key[:], buf, guid[:])

	if err != nil {
		return
	}

	return buf[:n], guid, nil
}
