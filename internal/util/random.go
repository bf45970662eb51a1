package util

import (
	"crypto/rand"
	"strings"
)

// recoveryAlphabet excludes glyphs that read ambiguously (0/O, 1/I).
const recoveryAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// NewRecoveryCode returns a fresh 12-character recovery code rendered as
// three dash-separated groups of four, e.g. "ABCD-EFGH-JKLM". The code is
// a login credential, so the bytes come from crypto/rand.
func NewRecoveryCode() string {
	raw := make([]byte, 12)
	if _, err := rand.Read(raw); err != nil {
		// crypto/rand failing means the platform is broken beyond repair.
		panic(err)
	}
	var b strings.Builder
	for i, c := range raw {
		if i > 0 && i%4 == 0 {
			b.WriteByte('-')
		}
		b.WriteByte(recoveryAlphabet[int(c)%len(recoveryAlphabet)])
	}
	return b.String()
}
