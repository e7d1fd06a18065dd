package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Redactor replaces sensitive payload values with keyed one-way hashes.
// Equal inputs map to equal digests, so entries about the same wallet can
// still be correlated without storing the wallet itself.
type Redactor struct {
	pepper []byte
	fields map[string]struct{}
}

func NewRedactor(pepper []byte, fields []string) *Redactor {
	r := &Redactor{pepper: pepper, fields: make(map[string]struct{}, len(fields))}
	for _, f := range fields {
		r.fields[strings.ToLower(f)] = struct{}{}
	}
	return r
}

// Redact returns a copy of payload with sensitive values hashed.
func (r *Redactor) Redact(payload map[string]string) map[string]string {
	out := make(map[string]string, len(payload))
	for k, v := range payload {
		if _, sensitive := r.fields[strings.ToLower(k)]; sensitive && v != "" {
			v = r.Digest(v)
		}
		out[k] = v
	}
	return out
}

// Digest is the stored form of a sensitive value. Values are lower-cased
// first so checksummed and plain addresses agree.
func (r *Redactor) Digest(v string) string {
	h := hmac.New(sha256.New, r.pepper)
	h.Write([]byte(strings.ToLower(strings.TrimSpace(v))))
	return "h:" + hex.EncodeToString(h.Sum(nil))
}
