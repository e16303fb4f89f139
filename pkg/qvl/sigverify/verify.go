// Package sigverify implements the three cryptographic checks that bind a
// DCAP quote together: the body signature by the attestation key, the
// attestation key's binding to the QE report, and the QE report's
// signature by the PCK leaf certificate.
package sigverify

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/virtengine/attested-tunnel/pkg/qvl/quote"
	"github.com/virtengine/attested-tunnel/pkg/qvl/x509util"
)

// pckPublicKey extracts the ECDSA-P256 public key from a PCK leaf
// certificate; Intel's SGX PKI is ECDSA-P256 throughout.
func pckPublicKey(cert *x509.Certificate) (*ecdsa.PublicKey, error) {
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("PCK leaf public key is not ECDSA")
	}
	return pub, nil
}

var (
	// ErrBadQuoteSignature indicates the quote body signature does not
	// verify against the attestation public key.
	ErrBadQuoteSignature = errors.New("sigverify: quote body signature invalid")

	// ErrQeReportBindingMismatch indicates SHA-256(attestation_pub ‖
	// qe_auth_data) does not match the QE report's report_data prefix.
	ErrQeReportBindingMismatch = errors.New("sigverify: QE report does not bind the attestation key")

	// ErrBadQeReportSignature indicates the QE report signature does not
	// verify against the PCK leaf certificate's public key.
	ErrBadQeReportSignature = errors.New("sigverify: QE report signature invalid")
)

// signedQuote is the minimal shape sigverify needs from either quote
// variant: the signed region and the signature block. FromSgx and FromTdx
// build it from quote.SgxQuote and quote.TdxQuote, whose field sets differ;
// the verification functions accept it through signedQuoteLike.
type signedQuote struct {
	signedRegion []byte
	sig          quote.SignatureBlock
}

// FromSgx adapts a parsed SGX quote.
func FromSgx(q quote.SgxQuote) signedQuote { return signedQuote{q.SignedRegion, q.Signature} }

// FromTdx adapts a parsed TDX quote.
func FromTdx(q quote.TdxQuote) signedQuote { return signedQuote{q.SignedRegion, q.Signature} }

// VerifyBodySignature checks the ECDSA-P256-SHA256 signature over
// header‖body using the 64-byte attestation public key carried in the
// signature block.
func VerifyBodySignature(sq signedQuoteLike) error {
	s := sq.signed()
	pub, err := x509util.UncompressedP256PublicKey(s.sig.AttestationPublicKey[:])
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadQuoteSignature, err)
	}
	if err := x509util.VerifyP1363(pub, s.signedRegion, s.sig.Signature[:]); err != nil {
		return fmt.Errorf("%w: %w", ErrBadQuoteSignature, err)
	}
	return nil
}

// VerifyQeReportBinding checks that SHA-256(attestation_public_key ‖
// qe_auth_data) equals the first 32 bytes of the QE report's report_data,
// and that the trailing 32 bytes are zero.
func VerifyQeReportBinding(sq signedQuoteLike) error {
	s := sq.signed()
	h := sha256.New()
	h.Write(s.sig.AttestationPublicKey[:])
	h.Write(s.sig.QeAuthData)
	digest := h.Sum(nil)

	reportData := s.sig.QeReport.ReportData
	if !bytes.Equal(digest, reportData[:32]) {
		return fmt.Errorf("%w: binding hash mismatch", ErrQeReportBindingMismatch)
	}
	var zero [32]byte
	if !bytes.Equal(reportData[32:], zero[:]) {
		return fmt.Errorf("%w: trailing report_data bytes are not zero", ErrQeReportBindingMismatch)
	}
	return nil
}

// VerifyQeReportSignature checks that the QE report (384 bytes) was signed
// by the PCK leaf certificate's public key. The quote-block encoding of
// this signature is P1363 (r‖s); VerifyEitherEncoding additionally accepts
// DER in case a producer deviates from that encoding.
func VerifyQeReportSignature(sq signedQuoteLike, pckLeaf *x509.Certificate) error {
	s := sq.signed()
	leafPub, err := pckPublicKey(pckLeaf)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadQeReportSignature, err)
	}
	reportBytes := s.sig.QeReport.Serialize()
	if err := x509util.VerifyEitherEncoding(leafPub, reportBytes, s.sig.QeReportSignature[:]); err != nil {
		return fmt.Errorf("%w: %w", ErrBadQeReportSignature, err)
	}
	return nil
}

// VerifyAll runs all three sub-checks in order, short-circuiting and
// returning the first error: a single cryptographic failure fails the
// whole verification.
func VerifyAll(sq signedQuoteLike, pckLeaf *x509.Certificate) error {
	if err := VerifyBodySignature(sq); err != nil {
		return err
	}
	if err := VerifyQeReportBinding(sq); err != nil {
		return err
	}
	if err := VerifyQeReportSignature(sq, pckLeaf); err != nil {
		return err
	}
	return nil
}

// signedQuoteLike is implemented by FromSgx/FromTdx's return value; it
// exists purely so VerifyBodySignature et al. can take either without an
// exported interface leaking the unexported signedQuote type.
type signedQuoteLike interface {
	signed() signedQuote
}

func (s signedQuote) signed() signedQuote { return s }
