// Azure Integrated HSM (AziHsm) driver
// https://github.com/usbarmory/azihsm
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package bks3 defines the boundary to the platform TPM key service used
// for Boot Key Set 3 derivation, and implements the device bound key
// derivation step that turns an unsealed platform secret and the HSM PCI
// serial number into BKS3 key material.
package bks3

import (
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeyLength is the BKS3 derived key size (384 bits).
const KeyLength = 48

// SealedBlobMaxLen bounds sealed blobs exchanged with the TPM service.
const SealedBlobMaxLen = 1024

// SerialNumberLen is the HSM PCI identifier (serial number) length.
const SerialNumberLen = 32

// KDF application info label.
const applicationInfo = "AZIHSM_VM_BKS3_HASH_INFO"

const kdfMaxInfoLength = 256

// KeyService is the platform TPM collaborator consumed by the driver, its
// implementation lives with the host firmware.
type KeyService interface {
	// DeriveSecretFromTPM derives the per boot platform secret from the
	// TPM platform hierarchy.
	DeriveSecretFromTPM() ([]byte, error)

	// SealNullHierarchy seals data to the TPM Null hierarchy, the
	// returned blob is bounded by SealedBlobMaxLen.
	SealNullHierarchy(data []byte) ([]byte, error)

	// UnsealNullHierarchy unseals a blob previously produced by
	// SealNullHierarchy.
	UnsealNullHierarchy(blob []byte) ([]byte, error)
}

// DeriveSecretFromBlob derives the BKS3 key from an unsealed platform
// secret and the HSM PCI serial number, using HKDF-SHA256 expansion with
// the application info label. The derivation is deterministic for fixed
// inputs.
func DeriveSecretFromBlob(secret []byte, serial []byte) (key [KeyLength]byte, err error) {
	if len(secret) == 0 {
		return key, errors.New("empty platform secret")
	}

	if len(serial) != SerialNumberLen {
		return key, errors.New("invalid serial number length")
	}

	info := make([]byte, 0, kdfMaxInfoLength)
	info = append(info, applicationInfo...)
	info = append(info, serial...)

	if _, err = io.ReadFull(hkdf.Expand(sha256.New, secret, info), key[:]); err != nil {
		return
	}

	return
}

// Zeroize clears key material from a buffer.
func Zeroize(buf []byte) {
	clear(buf)
}
