package redlock

import (
	"crypto/rand"
	"encoding/hex"
)

// Token is the fixed-width random value proving ownership of an acquisition.
// Tokens are compared byte-wise, never as strings.
type Token [16]byte

// NewToken returns a token with 128 bits of cryptographically strong entropy.
func NewToken() (Token, error) {
	var t Token
	if _, err := rand.Read(t[:]); err != nil {
		return Token{}, err
	}
	return t, nil
}

// Bytes returns a copy of the token as a byte slice.
func (t Token) Bytes() []byte {
	return append([]byte(nil), t[:]...)
}

// String returns the hex form of the token.
func (t Token) String() string {
	return hex.EncodeToString(t[:])
}
