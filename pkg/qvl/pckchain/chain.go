// Package pckchain normalizes and verifies the three-certificate PCK chain
// (leaf, intermediate, root) carried or referenced by a DCAP quote's
// signature block: validity window, signature chain, pinned-root trust,
// and CRL revocation.
package pckchain

import (
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/virtengine/attested-tunnel/pkg/qvl/x509util"
)

// Status is the outcome of chain verification.
type Status string

const (
	StatusValid         Status = "valid"
	StatusExpired       Status = "expired"
	StatusUntrustedRoot Status = "untrusted_root"
	StatusRevoked       Status = "revoked"
	StatusBadSignature  Status = "bad_signature"
)

// Chain is a normalized, ordered PCK certificate chain.
type Chain struct {
	Leaf         *x509.Certificate
	Intermediate *x509.Certificate
	Root         *x509.Certificate
}

// Result is the outcome of Verify.
type Result struct {
	Status Status
	Chain  Chain
	Err    error
}

// Normalize orders an unordered set of (leaf, intermediate, root)
// certificates by subject/issuer DN shape. The root's subject CN contains
// "Intel SGX Root CA"; the intermediate's contains "Intel SGX PCK Platform
// CA" or "Intel SGX PCK Processor CA"; the leaf's CN is any other CN
// containing "SGX PCK" (Intel's is "Intel SGX PCK Certificate"), and a CN
// matching none of these is rejected. CA-suffixed CNs are checked before
// the leaf since both intermediate CNs also contain the substring "SGX PCK".
func Normalize(certs []*x509.Certificate) (Chain, error) {
	var c Chain
	if len(certs) != 3 {
		return c, fmt.Errorf("pckchain: expected exactly 3 certificates after normalization, got %d", len(certs))
	}

	for _, cert := range certs {
		cn := cert.Subject.CommonName
		switch {
		case strings.Contains(cn, "Intel SGX Root CA"):
			if c.Root != nil {
				return c, fmt.Errorf("pckchain: multiple certificates match the PCK root shape")
			}
			c.Root = cert
		case strings.Contains(cn, "Intel SGX PCK Platform CA") || strings.Contains(cn, "Intel SGX PCK Processor CA"):
			if c.Intermediate != nil {
				return c, fmt.Errorf("pckchain: multiple certificates match the PCK intermediate shape")
			}
			c.Intermediate = cert
		case strings.Contains(cn, "SGX PCK"):
			if c.Leaf != nil {
				return c, fmt.Errorf("pckchain: multiple certificates match the PCK leaf shape")
			}
			c.Leaf = cert
		default:
			return c, fmt.Errorf("pckchain: certificate %q does not match leaf/intermediate/root shape", cn)
		}
	}

	if c.Leaf == nil || c.Intermediate == nil || c.Root == nil {
		return c, fmt.Errorf("pckchain: chain is missing one of leaf/intermediate/root")
	}
	return c, nil
}

// PinnedRoot is a trust anchor the caller accepts, matched by SHA-256
// fingerprint or by subject+key identity.
type PinnedRoot struct {
	SHA256          [32]byte
	SubjectAndKeyID string // cert.Subject.String() + hex(cert.SubjectKeyId), alternate match
}

// CRL is a minimal decoded certificate revocation list: the issuer, the
// signing time, and the set of revoked serial numbers.
type CRL struct {
	Issuer         string
	ThisUpdate     time.Time
	RevokedSerials map[string]struct{} // cert.SerialNumber.String() keyed
}

// Verify checks chain validity at evalTime, the signature links between
// leaf→intermediate→root, pinned-root trust, and revocation against any
// supplied CRLs. It returns the first failing status it finds, checked in
// the order: signatures, expiry, pin, revocation — matching the order a
// caller would want explained (structurally broken chains before trust
// policy, trust policy before revocation lookups).
func Verify(chain Chain, evalTime time.Time, pinnedRoots []PinnedRoot, crls []CRL) Result {
	res := Result{Chain: chain}

	if err := x509util.VerifyCertSignedBy(chain.Leaf, chain.Intermediate); err != nil {
		res.Status, res.Err = StatusBadSignature, err
		return res
	}
	if err := x509util.VerifyCertSignedBy(chain.Intermediate, chain.Root); err != nil {
		res.Status, res.Err = StatusBadSignature, err
		return res
	}
	if err := verifySelfSigned(chain.Root); err != nil {
		res.Status, res.Err = StatusBadSignature, err
		return res
	}

	for _, cert := range []*x509.Certificate{chain.Leaf, chain.Intermediate, chain.Root} {
		if err := checkValidity(cert, evalTime); err != nil {
			res.Status, res.Err = StatusExpired, err
			return res
		}
	}

	if len(pinnedRoots) > 0 {
		if !rootIsPinned(chain.Root, pinnedRoots) {
			res.Status, res.Err = StatusUntrustedRoot, fmt.Errorf("pckchain: root %q matches no pinned root", chain.Root.Subject)
			return res
		}
	}

	for _, crl := range crls {
		if crl.Issuer != chain.Intermediate.Subject.String() && crl.Issuer != chain.Root.Subject.String() {
			continue
		}
		if _, revoked := crl.RevokedSerials[chain.Leaf.SerialNumber.String()]; revoked {
			res.Status, res.Err = StatusRevoked, fmt.Errorf("pckchain: leaf serial %s is revoked", chain.Leaf.SerialNumber)
			return res
		}
		if _, revoked := crl.RevokedSerials[chain.Intermediate.SerialNumber.String()]; revoked {
			res.Status, res.Err = StatusRevoked, fmt.Errorf("pckchain: intermediate serial %s is revoked", chain.Intermediate.SerialNumber)
			return res
		}
	}

	res.Status = StatusValid
	return res
}

func checkValidity(cert *x509.Certificate, t time.Time) error {
	if t.Before(cert.NotBefore) {
		return fmt.Errorf("pckchain: %s not yet valid (notBefore %s, eval %s)", cert.Subject, cert.NotBefore, t)
	}
	if t.After(cert.NotAfter) {
		return fmt.Errorf("pckchain: %s expired (notAfter %s, eval %s)", cert.Subject, cert.NotAfter, t)
	}
	return nil
}

func verifySelfSigned(root *x509.Certificate) error {
	return x509util.VerifyCertSignedBy(root, root)
}

func rootIsPinned(root *x509.Certificate, pins []PinnedRoot) bool {
	fp := x509util.SHA256Fingerprint(root)
	idKey := root.Subject.String() + hex.EncodeToString(root.SubjectKeyId)
	for _, p := range pins {
		if p.SHA256 != [32]byte{} && p.SHA256 == fp {
			return true
		}
		if p.SubjectAndKeyID != "" && p.SubjectAndKeyID == idKey {
			return true
		}
	}
	return false
}
