package cryptox

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveKey expands secret (and an optional per-session salt) into a
// keyLen-byte key via HKDF-SHA256. Grounded directly on
// encryption.go's DeriveKey helper (same hkdf.New(sha256.New, secret,
// salt, info) shape).
//
// The uploader calls this on every resolved session rather than
// trusting the server-issued SymmetricKey bytes verbatim: the server
// value becomes HKDF input keying material, salted with the session id
// and bound to a fixed info label, so the bytes actually passed to
// cryptox.New never cross the wire in their final form a second time.
func DeriveKey(secret, salt, info []byte, keyLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, salt, info)
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("cryptox: derive key: %w", err)
	}
	return key, nil
}
