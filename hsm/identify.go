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
	"strings"
)

const (
	identSNLen = 32
	identFRLen = 32

	// identDataSize is the Identify transfer size.
	identDataSize = 4096
)

// QES packs maximum and minimum queue entry sizes in two nibbles.
type QES uint8

// Max returns the maximum queue entry size nibble.
func (q QES) Max() int {
	return int(q & 0xf)
}

// Min returns the minimum queue entry size nibble.
func (q QES) Min() int {
	return int(q >> 4)
}

// Identity represents the controller Identify data, as consumed by the
// driver.
type Identity struct {
	Vid          uint16
	SsVid        uint16
	SerialNumber [identSNLen]byte
	FirmwareRev  [identFRLen]byte
	MDTS         uint8
	CtrlID       uint16
	SQES         QES
	CQES         QES
	MaxCmd       uint16
	OACS         uint16
	SGLS         uint32
	Ver          uint32
	CtrlType     uint8
	Frmw         uint8
}

// Serial returns the controller serial number as a string, trailing NUL
// padding stripped.
func (id *Identity) Serial() string {
	return strings.TrimRight(string(id.SerialNumber[:]), "\x00")
}

// parseIdentity decodes the Identify data buffer written by the device.
func parseIdentity(buf []byte) *Identity {
	id := &Identity{
		Vid:      binary.LittleEndian.Uint16(buf[0:]),
		SsVid:    binary.LittleEndian.Uint16(buf[2:]),
		MDTS:     buf[72],
		CtrlID:   binary.LittleEndian.Uint16(buf[74:]),
		SQES:     QES(buf[77]),
		CQES:     QES(buf[78]),
		MaxCmd:   binary.LittleEndian.Uint16(buf[80:]),
		OACS:     binary.LittleEndian.Uint16(buf[88:]),
		SGLS:     binary.LittleEndian.Uint32(buf[92:]),
		Ver:      binary.LittleEndian.Uint32(buf[96:]),
		CtrlType: buf[100],
		Frmw:     buf[101],
	}

	copy(id.SerialNumber[:], buf[4:36])
	copy(id.FirmwareRev[:], buf[36:68])

	return id
}
