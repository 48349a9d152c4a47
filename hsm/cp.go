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
	"math"

	"github.com/usbarmory/azihsm/dma"
)

// Control-processor command sets.
const (
	CP_CMD_SET_SESSION_GENERIC = 0x0
	CP_CMD_SET_TEST            = 0xf
)

// Session control opcode flows.
const (
	FLOW_NO_SESSION    = 0
	FLOW_OPEN_SESSION  = 1
	FLOW_CLOSE_SESSION = 2
	FLOW_IN_SESSION    = 3
)

// SessionCtrl is the in-SQE session control block, copied verbatim into
// every control-processor command.
type SessionCtrl struct {
	// Flow is the 2-bit session opcode flow.
	Flow uint8
	// InSessionCmd marks a command within an open session.
	InSessionCmd bool
	// ShortAppIDValid marks the short application identifier as valid.
	ShortAppIDValid bool
	// SafeToCloseSession marks the session as safe to close.
	SafeToCloseSession bool
	// SessionID identifies the session.
	SessionID uint16
}

func (s *SessionCtrl) flags() (f byte) {
	f = s.Flow & 0x3

	if s.InSessionCmd {
		f |= 1 << 2
	}

	if s.ShortAppIDValid {
		f |= 1 << 3
	}

	if s.SafeToCloseSession {
		f |= 1 << 4
	}

	return
}

// cpCQE is the 16-byte control-processor completion entry.
type cpCQE struct {
	ByteCount  uint16
	Flags      byte
	SessionID  uint16
	ShortAppID byte
	SqHead     uint16
	SqID       uint16
	CmdID      uint16
	PSF        uint16
}

func parseCpCQE(buf []byte) (cqe cpCQE) {
	cqe.ByteCount = binary.LittleEndian.Uint16(buf[0:])
	cqe.Flags = buf[2]
	cqe.SessionID = binary.LittleEndian.Uint16(buf[4:])
	cqe.ShortAppID = buf[6]
	cqe.SqHead = binary.LittleEndian.Uint16(buf[8:])
	cqe.SqID = binary.LittleEndian.Uint16(buf[10:])
	cqe.CmdID = binary.LittleEndian.Uint16(buf[12:])
	cqe.PSF = binary.LittleEndian.Uint16(buf[14:])

	return
}

// Status returns the firmware status code.
func (c *cpCQE) Status() uint16 {
	return (c.PSF >> 1) & 0x7ff
}

// cpSQE serializes a control-processor submission entry to its 64-byte
// wire layout.
func cpSQE(opcode uint32, src uint64, srcLen uint32, dst uint64, dstLen uint32, session *SessionCtrl) []byte {
	buf := make([]byte, cpSQESize)

	// opcode (10), command set (4), PSDT (2), command id (16)
	word := opcode&0x3ff | CP_CMD_SET_SESSION_GENERIC<<10

	binary.LittleEndian.PutUint32(buf[0:], word)
	binary.LittleEndian.PutUint32(buf[4:], srcLen)
	binary.LittleEndian.PutUint64(buf[8:], src)
	binary.LittleEndian.PutUint32(buf[24:], dstLen)
	binary.LittleEndian.PutUint64(buf[28:], dst)

	buf[44] = session.flags()
	binary.LittleEndian.PutUint16(buf[48:], session.SessionID)

	return buf
}

// fireCmd posts a control-processor command referencing the argument input
// and output buffers and waits for its completion by phase bit flip.
//
// A non-zero firmware status is returned with a nil error, the transport
// round-trip succeeded and the caller decides policy. On firmware success
// the returned count is the number of output bytes actually produced.
func (hw *Controller) fireCmd(in *dma.Buffer, inSize int, out *dma.Buffer, outSize int, opcode uint32, session *SessionCtrl) (n int, fwSts uint16, err error) {
	if hw.state != stateHsmReady {
		return 0, 0, ErrInvalidParameter
	}

	if in == nil || out == nil || session == nil {
		return 0, 0, ErrInvalidParameter
	}

	if inSize <= 0 || outSize <= 0 {
		return 0, 0, ErrInvalidParameter
	}

	// the SQE length fields are 32-bit, reject rather than truncate
	if uint64(inSize) > math.MaxUint32 || uint64(outSize) > math.MaxUint32 {
		return 0, 0, ErrInvalidParameter
	}

	qp := &hw.hsm

	if qp.faulted {
		return 0, 0, ErrDevice
	}

	sqe := cpSQE(opcode, in.Addr, uint32(inSize), out.Addr, uint32(outSize), session)

	copy(qp.sq.slot(), sqe)

	cqSlot := qp.cq.slot()

	// phase before post
	psf := binary.LittleEndian.Uint16(cqSlot[psfOffset:])

	qp.sq.advance()

	if err = hw.writeSqTailDB(qp.id, qp.sq.idx); err != nil {
		return
	}

	if !hw.waitPhase(cqSlot, psf) {
		log.Printf("azihsm: timeout waiting for HSM completion")
		qp.faulted = true
		return 0, 0, ErrDevice
	}

	qp.cq.advance()
	hw.writeCqHeadDB(qp.id, qp.cq.idx)

	cqe := parseCpCQE(cqSlot)

	if sts := cqe.Status(); sts != 0 {
		log.Printf("azihsm: HSM command failed by firmware, status %#x", sts)
		return 0, sts, nil
	}

	return int(cqe.ByteCount), 0, nil
}
