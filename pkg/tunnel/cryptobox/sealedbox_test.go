package cryptobox

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealedBoxRoundTrip(t *testing.T) {
	pub, priv, err := GenerateX25519KeyPair()
	require.NoError(t, err)

	msg := []byte("client's freshly generated symmetric key")
	sealed, err := SealAnonymous(pub, msg)
	require.NoError(t, err)

	opened, err := OpenAnonymous(pub, priv, sealed)
	require.NoError(t, err)
	require.Equal(t, msg, opened)
}

func TestSealedBoxRejectsTruncated(t *testing.T) {
	pub, priv, err := GenerateX25519KeyPair()
	require.NoError(t, err)

	_, err = OpenAnonymous(pub, priv, []byte("too short"))
	require.ErrorIs(t, err, ErrSealedBoxOpenFailed)
}

func TestSealedBoxRejectsWrongRecipient(t *testing.T) {
	pub1, _, err := GenerateX25519KeyPair()
	require.NoError(t, err)
	pub2, priv2, err := GenerateX25519KeyPair()
	require.NoError(t, err)

	sealed, err := SealAnonymous(pub1, []byte("for recipient 1"))
	require.NoError(t, err)

	_, err = OpenAnonymous(pub2, priv2, sealed)
	require.ErrorIs(t, err, ErrSealedBoxOpenFailed)
}

func TestDerivePublicFromPrivateMatchesGenerated(t *testing.T) {
	pub, priv, err := GenerateX25519KeyPair()
	require.NoError(t, err)

	derived, err := DerivePublicFromPrivate(priv)
	require.NoError(t, err)
	require.Equal(t, pub[:], derived[:])
}
