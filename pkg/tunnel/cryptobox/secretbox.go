// Package cryptobox implements the tunnel's two primitives: secretbox
// (XSalsa20-Poly1305 authenticated symmetric encryption for the
// post-handshake envelope) and an anonymous-sender sealed box (X25519 +
// secretbox, libsodium's crypto_box_seal construction) for delivering the
// client's freshly generated symmetric key to the server.
package cryptobox

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// NonceSize is the secretbox nonce length (24 bytes, randomly generated
// per message).
const NonceSize = 24

// KeySize is the secretbox symmetric key length.
const KeySize = 32

// ErrOpenFailed indicates AEAD authentication failed: either the
// ciphertext or the nonce was tampered with.
var ErrOpenFailed = errors.New("cryptobox: secretbox open failed (AEAD authentication failure)")

// NewKey generates a fresh random 32-byte symmetric key.
func NewKey() (*[KeySize]byte, error) {
	var key [KeySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		return nil, fmt.Errorf("cryptobox: generating key: %w", err)
	}
	return &key, nil
}

// Seal encrypts plaintext under key with a fresh random nonce, returning
// the nonce and ciphertext separately (the envelope carries them as
// distinct fields on the wire).
func Seal(key *[KeySize]byte, plaintext []byte) (nonce [NonceSize]byte, ciphertext []byte, err error) {
	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, nil, fmt.Errorf("cryptobox: generating nonce: %w", err)
	}
	ciphertext = secretbox.Seal(nil, plaintext, &nonce, key)
	return nonce, ciphertext, nil
}

// Open decrypts ciphertext under key and nonce, returning ErrOpenFailed
// (not the underlying library's bare false) on any authentication failure
// so callers can match it uniformly.
func Open(key *[KeySize]byte, nonce [NonceSize]byte, ciphertext []byte) ([]byte, error) {
	plaintext, ok := secretbox.Open(nil, ciphertext, &nonce, key)
	if !ok {
		return nil, ErrOpenFailed
	}
	return plaintext, nil
}
