// Azure Integrated HSM (AziHsm) driver
// https://github.com/usbarmory/azihsm
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package ddi implements the Device Driver Interface request/response
// contracts carried over the AziHsm control-plane channel, serialized with
// package mbor.
//
// Every DDI command is a two level map: the outer map carries the header at
// field 0 and the operation data at field 1 (an extension at field 2 is
// defined but not implemented). Outer field identifiers are raw bytes,
// identifiers inside structure maps are tagged 8-bit integers.
package ddi

import (
	"errors"
)

// Op is a DDI operation code.
type Op uint32

// DDI operation codes.
const (
	OpInvalid       Op = 1001
	OpGetApiRev     Op = 1002
	OpInitBks3      Op = 1111
	OpGetSealedBks3 Op = 1112
	OpSetSealedBks3 Op = 1113
	OpProvisionPart Op = 1114
)

// Status is a DDI status code returned in every response header.
type Status uint32

// DDI status codes.
const (
	StatusSuccess        Status = 0
	StatusInvalidArg     Status = 134217731
	StatusInternalError  Status = 134217736
	StatusUnsupportedCmd Status = 134217737
	StatusEncodeFailed   Status = 141033473
	StatusDecodeFailed   Status = 141033474
)

var (
	// ErrProtocol is returned when a message violates the DDI structure
	// rules (field counts, field identifiers, declared sizes).
	ErrProtocol = errors.New("protocol error")

	// ErrUnsupported is returned on an unknown field identifier or when
	// the device reports an unsupported command.
	ErrUnsupported = errors.New("unsupported")

	// ErrInvalidArg is the device reported invalid-argument status.
	ErrInvalidArg = errors.New("invalid argument")

	// ErrInternal is the device reported internal error, it also covers
	// unknown status codes.
	ErrInternal = errors.New("internal error")
)

// Err converts a response status to its driver error, a successful status
// yields nil.
func (s Status) Err() error {
	switch s {
	case StatusSuccess:
		return nil
	case StatusInvalidArg:
		return ErrInvalidArg
	case StatusUnsupportedCmd:
		return ErrUnsupported
	case StatusEncodeFailed, StatusDecodeFailed:
		return ErrProtocol
	case StatusInternalError:
		return ErrInternal
	}

	return ErrInternal
}

// Outer command map field identifiers, written as raw bytes.
const (
	cmdFieldHdr  = 0
	cmdFieldData = 1
	cmdFieldExt  = 2
)

// Request/response header field identifiers.
const (
	hdrFieldRevision  = 1
	hdrFieldOp        = 2
	hdrFieldSessionID = 3
	hdrFieldStatus    = 4
	hdrFieldFips      = 5
)

// Data size limits.
const (
	// InitBks3ReqMaxLen bounds the derived key carried by an InitBks3
	// request.
	InitBks3ReqMaxLen = 48

	// InitBks3RespMaxLen bounds the wrapped key returned by an InitBks3
	// response.
	InitBks3RespMaxLen = 1024

	// GUIDLen is the exact length of the BKS3 GUID.
	GUIDLen = 16

	// SealedBks3MaxLen bounds the sealed blob in either direction.
	SealedBks3MaxLen = 1024
)
