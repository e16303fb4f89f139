package cryptobox

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := NewKey()
	require.NoError(t, err)

	plaintext := []byte("control frame payload")
	nonce, ciphertext, err := Seal(key, plaintext)
	require.NoError(t, err)

	got, err := Open(key, nonce, ciphertext)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestOpenRejectsBitFlip(t *testing.T) {
	key, err := NewKey()
	require.NoError(t, err)

	nonce, ciphertext, err := Seal(key, []byte("authenticated payload"))
	require.NoError(t, err)

	tampered := append([]byte(nil), ciphertext...)
	tampered[len(tampered)-1] ^= 0x01

	_, err = Open(key, nonce, tampered)
	require.ErrorIs(t, err, ErrOpenFailed)
}

func TestOpenRejectsWrongKey(t *testing.T) {
	key1, err := NewKey()
	require.NoError(t, err)
	key2, err := NewKey()
	require.NoError(t, err)

	nonce, ciphertext, err := Seal(key1, []byte("hello"))
	require.NoError(t, err)

	_, err = Open(key2, nonce, ciphertext)
	require.ErrorIs(t, err, ErrOpenFailed)
}
