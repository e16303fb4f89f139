// Package x509util implements the ASN.1 and X.509 plumbing the quote and
// PCK-chain verifiers need: PEM bundle splitting, the SGX certificate
// extension (OID 1.2.840.113741.1.13.1), certificate fingerprinting, and
// ECDSA-P256 signature verification accepting both IEEE-P1363 (r‖s) and
// DER encodings.
package x509util

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// ParsePEMBundle decodes every CERTIFICATE block in a PEM bundle, in the
// order they appear.
func ParsePEMBundle(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("x509util: parse certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("x509util: no certificates found in PEM bundle")
	}
	return certs, nil
}

// ParsePEMStrings parses a slice of individual PEM-encoded certificate
// strings, as produced by quote.SignatureBlock.PEMCertificates.
func ParsePEMStrings(pems []string) ([]*x509.Certificate, error) {
	certs := make([]*x509.Certificate, 0, len(pems))
	for i, p := range pems {
		block, _ := pem.Decode([]byte(p))
		if block == nil {
			return nil, fmt.Errorf("x509util: pem block %d: not a PEM certificate", i)
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("x509util: pem block %d: %w", i, err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// SHA256Fingerprint returns the hex-independent raw SHA-256 digest of a
// certificate's DER encoding, used for root-pin comparison.
func SHA256Fingerprint(cert *x509.Certificate) [32]byte {
	return sha256.Sum256(cert.Raw)
}

// IssuerMatchesSubject reports whether child's issuer RDN sequence equals
// parent's subject RDN sequence, the precondition for child being signed by
// parent in a chain.
func IssuerMatchesSubject(child, parent *x509.Certificate) bool {
	return child.Issuer.String() == parent.Subject.String()
}
