package pckchain

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/virtengine/attested-tunnel/pkg/qvl/x509util"
)

// buildChain generates a fresh self-signed root, an intermediate signed by
// the root, and a leaf signed by the intermediate, all ECDSA-P256 with the
// subject CNs pckchain.Normalize expects.
func buildChain(t *testing.T, notBefore, notAfter time.Time) (leaf, intermediate, root *x509.Certificate) {
	t.Helper()

	rootKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	rootTpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Intel SGX Root CA"},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		IsCA:                  true,
		BasicConstraintsValid: true,
		SubjectKeyId:          []byte{0x01},
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTpl, rootTpl, &rootKey.PublicKey, rootKey)
	require.NoError(t, err)
	root, err = x509.ParseCertificate(rootDER)
	require.NoError(t, err)

	interKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	interTpl := &x509.Certificate{
		SerialNumber:          big.NewInt(2),
		Subject:               pkix.Name{CommonName: "Intel SGX PCK Platform CA"},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	interDER, err := x509.CreateCertificate(rand.Reader, interTpl, root, &interKey.PublicKey, rootKey)
	require.NoError(t, err)
	intermediate, err = x509.ParseCertificate(interDER)
	require.NoError(t, err)

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	leafTpl := &x509.Certificate{
		SerialNumber: big.NewInt(3),
		Subject:      pkix.Name{CommonName: "SGX PCK Certificate"},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTpl, intermediate, &leafKey.PublicKey, interKey)
	require.NoError(t, err)
	leaf, err = x509.ParseCertificate(leafDER)
	require.NoError(t, err)

	return leaf, intermediate, root
}

func TestNormalizeOrdersByCommonName(t *testing.T) {
	now := time.Now()
	leaf, intermediate, root := buildChain(t, now.Add(-time.Hour), now.Add(time.Hour))

	chain, err := Normalize([]*x509.Certificate{root, leaf, intermediate})
	require.NoError(t, err)
	require.Equal(t, leaf, chain.Leaf)
	require.Equal(t, intermediate, chain.Intermediate)
	require.Equal(t, root, chain.Root)
}

func TestNormalizeRejectsWrongCount(t *testing.T) {
	now := time.Now()
	leaf, intermediate, _ := buildChain(t, now.Add(-time.Hour), now.Add(time.Hour))
	_, err := Normalize([]*x509.Certificate{leaf, intermediate})
	require.Error(t, err)
}

func TestVerifyAcceptsValidChain(t *testing.T) {
	now := time.Now()
	leaf, intermediate, root := buildChain(t, now.Add(-time.Hour), now.Add(time.Hour))
	chain := Chain{Leaf: leaf, Intermediate: intermediate, Root: root}

	res := Verify(chain, now, nil, nil)
	require.Equal(t, StatusValid, res.Status)
	require.NoError(t, res.Err)
}

func TestVerifyRejectsExpiredChain(t *testing.T) {
	now := time.Now()
	leaf, intermediate, root := buildChain(t, now.Add(-2*time.Hour), now.Add(-time.Hour))
	chain := Chain{Leaf: leaf, Intermediate: intermediate, Root: root}

	res := Verify(chain, now, nil, nil)
	require.Equal(t, StatusExpired, res.Status)
}

func TestVerifyRejectsUnpinnedRoot(t *testing.T) {
	now := time.Now()
	leaf, intermediate, root := buildChain(t, now.Add(-time.Hour), now.Add(time.Hour))
	chain := Chain{Leaf: leaf, Intermediate: intermediate, Root: root}

	otherRootFP := [32]byte{0xde, 0xad}
	res := Verify(chain, now, []PinnedRoot{{SHA256: otherRootFP}}, nil)
	require.Equal(t, StatusUntrustedRoot, res.Status)
}

func TestVerifyAcceptsPinnedRootByFingerprint(t *testing.T) {
	now := time.Now()
	leaf, intermediate, root := buildChain(t, now.Add(-time.Hour), now.Add(time.Hour))
	chain := Chain{Leaf: leaf, Intermediate: intermediate, Root: root}

	fp := x509util.SHA256Fingerprint(root)
	res := Verify(chain, now, []PinnedRoot{{SHA256: fp}}, nil)
	require.Equal(t, StatusValid, res.Status)
}

func TestVerifyRejectsRevokedLeaf(t *testing.T) {
	now := time.Now()
	leaf, intermediate, root := buildChain(t, now.Add(-time.Hour), now.Add(time.Hour))
	chain := Chain{Leaf: leaf, Intermediate: intermediate, Root: root}

	crl := CRL{
		Issuer:         intermediate.Subject.String(),
		ThisUpdate:     now,
		RevokedSerials: map[string]struct{}{leaf.SerialNumber.String(): {}},
	}
	res := Verify(chain, now, nil, []CRL{crl})
	require.Equal(t, StatusRevoked, res.Status)
}

func TestVerifyRejectsTamperedLeafSignature(t *testing.T) {
	now := time.Now()
	leaf, intermediate, root := buildChain(t, now.Add(-time.Hour), now.Add(time.Hour))
	tampered := *leaf
	tampered.Signature = append([]byte(nil), leaf.Signature...)
	tampered.Signature[len(tampered.Signature)-1] ^= 0xff
	chain := Chain{Leaf: &tampered, Intermediate: intermediate, Root: root}

	res := Verify(chain, now, nil, nil)
	require.Equal(t, StatusBadSignature, res.Status)
}
