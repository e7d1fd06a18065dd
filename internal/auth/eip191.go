package auth

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrSignerMismatch = errors.New("signature was not made by the claimed wallet")

// HashMessage returns keccak256("\x19Ethereum Signed Message:\n" + len(msg) + msg).
func HashMessage(msg []byte) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(msg))
	return crypto.Keccak256([]byte(prefix), msg)
}

// Recover returns the address that produced sig over msg. sig is R || S || V
// with V in {0,1} or {27,28}.
func Recover(msg []byte, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(HashMessage(msg), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("ecrecover: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifyWallet checks that sigHex (optionally 0x-prefixed) is wallet's
// signature over msg.
func VerifyWallet(msg []byte, sigHex string, wallet string) error {
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return fmt.Errorf("signature hex: %w", err)
	}
	signer, err := Recover(msg, sig)
	if err != nil {
		return err
	}
	if !common.IsHexAddress(wallet) || signer != common.HexToAddress(wallet) {
		return ErrSignerMismatch
	}
	return nil
}
