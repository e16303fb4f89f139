package pckchain

import (
	"crypto/x509"
	"fmt"
)

// ParseCRL decodes a DER-encoded X.509 CRL into the minimal shape Verify
// needs: issuer, thisUpdate, and revoked serial numbers. PEM-wrapped input
// is not unwrapped and fails to parse. It uses the
// standard library's ASN.1 CRL parser rather than a hand-rolled decoder
// since crypto/x509 already implements the full RFC 5280 CertificateList
// shape this needs, and no hand-rolled CRL decoder elsewhere in this stack
// is worth imitating instead.
func ParseCRL(der []byte) (CRL, error) {
	var out CRL

	list, err := x509.ParseRevocationList(der)
	if err != nil {
		return out, fmt.Errorf("pckchain: parse CRL: %w", err)
	}

	out.Issuer = list.Issuer.String()
	out.ThisUpdate = list.ThisUpdate
	out.RevokedSerials = make(map[string]struct{}, len(list.RevokedCertificateEntries))
	for _, rc := range list.RevokedCertificateEntries {
		out.RevokedSerials[rc.SerialNumber.String()] = struct{}{}
	}
	return out, nil
}
