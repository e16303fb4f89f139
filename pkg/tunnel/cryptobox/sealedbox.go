package cryptobox

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// ErrSealedBoxOpenFailed indicates the sealed box could not be opened:
// either it is malformed (too short for the ephemeral public key prefix)
// or AEAD authentication failed.
var ErrSealedBoxOpenFailed = errors.New("cryptobox: sealed box open failed")

// X25519KeySize is the size of an X25519 public or private key.
const X25519KeySize = 32

// GenerateX25519KeyPair generates a fresh X25519 key pair for key exchange.
func GenerateX25519KeyPair() (publicKey, privateKey *[X25519KeySize]byte, err error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("cryptobox: generating X25519 key pair: %w", err)
	}
	return pub, priv, nil
}

// SealAnonymous implements libsodium's crypto_box_seal: it generates a
// fresh ephemeral X25519 key pair, derives the nonce as
// BLAKE2b-192(ephemeral_public_key ‖ recipient_public_key), box-seals
// message to recipientPublicKey using the ephemeral private key, and
// prepends the ephemeral public key to the output. The recipient needs
// only its own key pair to open it; the sender's identity is not part of
// the construction (hence "anonymous").
func SealAnonymous(recipientPublicKey *[X25519KeySize]byte, message []byte) ([]byte, error) {
	ephPub, ephPriv, err := GenerateX25519KeyPair()
	if err != nil {
		return nil, err
	}

	nonce, err := sealedBoxNonce(ephPub, recipientPublicKey)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, X25519KeySize+box.Overhead+len(message))
	out = append(out, ephPub[:]...)
	out = box.Seal(out, message, &nonce, recipientPublicKey, ephPriv)
	return out, nil
}

// OpenAnonymous reverses SealAnonymous: it recovers the ephemeral public
// key from the prefix, recomputes the nonce, and opens the box using the
// recipient's key pair.
func OpenAnonymous(recipientPublicKey, recipientPrivateKey *[X25519KeySize]byte, sealed []byte) ([]byte, error) {
	if len(sealed) < X25519KeySize+box.Overhead {
		return nil, fmt.Errorf("%w: sealed box too short", ErrSealedBoxOpenFailed)
	}
	var ephPub [X25519KeySize]byte
	copy(ephPub[:], sealed[:X25519KeySize])
	ciphertext := sealed[X25519KeySize:]

	nonce, err := sealedBoxNonce(&ephPub, recipientPublicKey)
	if err != nil {
		return nil, err
	}

	plaintext, ok := box.Open(nil, ciphertext, &nonce, &ephPub, recipientPrivateKey)
	if !ok {
		return nil, ErrSealedBoxOpenFailed
	}
	return plaintext, nil
}

func sealedBoxNonce(ephPub, recipientPub *[X25519KeySize]byte) ([24]byte, error) {
	var nonce [24]byte
	h, err := blake2b.New(24, nil)
	if err != nil {
		return nonce, fmt.Errorf("cryptobox: blake2b init: %w", err)
	}
	h.Write(ephPub[:])
	h.Write(recipientPub[:])
	copy(nonce[:], h.Sum(nil))
	return nonce, nil
}

// DerivePublicFromPrivate computes the X25519 public key for a given
// private (scalar) key, used when a caller holds only the private half.
func DerivePublicFromPrivate(private *[X25519KeySize]byte) (*[X25519KeySize]byte, error) {
	var pub [X25519KeySize]byte
	out, err := curve25519.X25519(private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("cryptobox: deriving public key: %w", err)
	}
	copy(pub[:], out)
	return &pub, nil
}
