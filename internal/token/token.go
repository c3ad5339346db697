// Package token generates the capability tokens Rewire hands out:
// expectation ids and trial ids. Both are bearer capabilities, so they
// carry at least 128 bits of entropy in URL-safe form.
package token

import (
	"crypto/rand"
	"encoding/base64"
)

// New returns a 128-bit random token in URL-safe base64 without padding.
func New() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand only fails when the OS entropy source is broken;
		// there is no useful recovery.
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
