// Package validate holds the syntax predicates every other component gates on.
// A false result means reject.
package validate

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
)

var (
	txHashRe = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
	v        = validator.New()

	// compareKey is a per-process key so ConstantTimeEqual digests both
	// inputs to the same fixed width before comparing.
	compareKey = func() []byte {
		k := make([]byte, 32)
		if _, err := rand.Read(k); err != nil {
			panic("validate: read random compare key: " + err.Error())
		}
		return k
	}()
)

// IsAddress reports whether s is a 0x-prefixed 20-byte hex address.
func IsAddress(s string) bool {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return false
	}
	return len(s) == 42 && common.IsHexAddress(s)
}

// IsTxID reports whether s is a 0x-prefixed 32-byte hex transaction hash.
func IsTxID(s string) bool {
	return txHashRe.MatchString(s)
}

func IsEmail(s string) bool {
	if len(s) > 254 {
		return false
	}
	return v.Var(s, "required,email") == nil
}

// ConstantTimeEqual compares two secrets. Both sides are HMAC'd to 32 bytes
// first, so neither the mismatch position nor the length difference shows up
// in the comparison time.
func ConstantTimeEqual(a, b string) bool {
	da := digest(a)
	db := digest(b)
	eqDigest := subtle.ConstantTimeCompare(da, db)
	eqLen := subtle.ConstantTimeEq(int32(len(a)), int32(len(b)))
	return eqDigest&eqLen == 1
}

func digest(s string) []byte {
	m := hmac.New(sha256.New, compareKey)
	m.Write([]byte(s))
	return m.Sum(nil)
}
