// Package secrets derives the process's working keys from the configured
// master secret, so no two purposes ever share key material.
package secrets

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	salt = "0g-invoice-guard"

	infoInvoiceSigning = "invoice-signing/v1"
	infoAuditPepper    = "audit-pepper/v1"

	keyLen = 32
)

// Keys holds every key derived from one master secret.
type Keys struct {
	InvoiceSigning []byte
	AuditPepper    []byte
}

// Derive expands master into purpose-bound keys with HKDF-SHA256.
func Derive(master string) (*Keys, error) {
	if len(master) < 32 {
		return nil, fmt.Errorf("master secret must be at least 32 characters, got %d", len(master))
	}
	signing, err := expand(master, infoInvoiceSigning)
	if err != nil {
		return nil, err
	}
	pepper, err := expand(master, infoAuditPepper)
	if err != nil {
		return nil, err
	}
	return &Keys{InvoiceSigning: signing, AuditPepper: pepper}, nil
}

func expand(master, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, []byte(master), []byte(salt), []byte(info))
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive %s: %w", info, err)
	}
	return key, nil
}
