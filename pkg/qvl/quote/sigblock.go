package quote

import (
	"fmt"
	"strings"

	"github.com/virtengine/attested-tunnel/pkg/qvl/bytesio"
)

// Certification data type discriminants (Intel DCAP quote spec section 4.3).
const (
	CertDataTypePPID              uint16 = 1
	CertDataTypePPIDEncrypted     uint16 = 2
	CertDataTypePPIDEncPCKCert    uint16 = 3
	CertDataTypePCKCertRaw        uint16 = 4
	CertDataTypePCKCertChain      uint16 = 5 // PEM bundle: leaf, intermediate, root
	CertDataTypePlatformQEAzure   uint16 = 6 // Azure vTPM: PEM bundle nested in qe_auth_data
	CertDataTypeQEReportCertAzure uint16 = 7
)

// SignatureBlock is the ECDSA signature block appended after the quote
// body: the body signature, the attestation public key, the QE's own
// report and its signature, auth data, and the certification data that
// carries (or points at) the PCK certificate chain.
type SignatureBlock struct {
	Signature            [64]byte // P-256 r‖s over header‖body
	AttestationPublicKey [64]byte // uncompressed SEC1 point minus the 0x04 prefix
	QeReport             SgxBody  // 384-byte SGX-body-shaped QE report
	QeReportSignature    [64]byte
	QeAuthData           []byte
	CertDataType         uint16
	CertData             []byte // nil for out-of-band certification data
}

// ParseSignatureBlock decodes the fixed-size and length-prefixed signature
// block fields from data, which the caller has already cut to the declared
// signature-data length.
func ParseSignatureBlock(data []byte) (SignatureBlock, error) {
	var sb SignatureBlock
	r := bytesio.NewReader(data)

	if err := r.Fixed(sb.Signature[:]); err != nil {
		return sb, fmt.Errorf("sig_block.signature: %w", ErrTruncatedField)
	}
	if err := r.Fixed(sb.AttestationPublicKey[:]); err != nil {
		return sb, fmt.Errorf("sig_block.attestation_public_key: %w", ErrTruncatedField)
	}

	qeReportBytes, err := r.Bytes(SgxBodySize)
	if err != nil {
		return sb, fmt.Errorf("sig_block.qe_report: %w", ErrTruncatedField)
	}
	qeReport, err := ParseSgxBody(qeReportBytes)
	if err != nil {
		return sb, fmt.Errorf("sig_block.qe_report: %w", err)
	}
	sb.QeReport = qeReport

	if err := r.Fixed(sb.QeReportSignature[:]); err != nil {
		return sb, fmt.Errorf("sig_block.qe_report_signature: %w", ErrTruncatedField)
	}

	authData, err := r.LenPrefixed16()
	if err != nil {
		return sb, fmt.Errorf("sig_block.qe_auth_data: %w", ErrLengthOverflow)
	}
	sb.QeAuthData = append([]byte(nil), authData...)

	certType, err := r.U16()
	if err != nil {
		return sb, fmt.Errorf("sig_block.cert_data_type: %w", ErrTruncatedField)
	}
	sb.CertDataType = certType
	switch certType {
	case CertDataTypePPID, CertDataTypePPIDEncrypted, CertDataTypePPIDEncPCKCert,
		CertDataTypePCKCertRaw, CertDataTypePCKCertChain,
		CertDataTypePlatformQEAzure, CertDataTypeQEReportCertAzure:
	default:
		return sb, fmt.Errorf("%w: %d", ErrUnsupportedCertDataType, certType)
	}

	certData, err := r.LenPrefixed32()
	if err != nil {
		return sb, fmt.Errorf("sig_block.cert_data: %w", ErrLengthOverflow)
	}
	if len(certData) > 0 {
		sb.CertData = append([]byte(nil), certData...)
	}

	return sb, nil
}

// PEMCertificates returns the individual PEM blocks carried by a type-5
// cert_data bundle, split on the BEGIN CERTIFICATE marker. It returns an
// error if CertData is empty: callers must source the chain out of band
// (direct cert_data types, or the Azure vTPM nested variant).
func (sb SignatureBlock) PEMCertificates() ([]string, error) {
	if len(sb.CertData) == 0 {
		return nil, fmt.Errorf("quote: no inline cert_data for type %d", sb.CertDataType)
	}
	return splitPEMBundle(string(sb.CertData))
}

const pemBeginMarker = "-----BEGIN CERTIFICATE-----"

func splitPEMBundle(bundle string) ([]string, error) {
	var out []string
	rest := bundle
	for {
		idx := strings.Index(rest, pemBeginMarker)
		if idx < 0 {
			break
		}
		rest = rest[idx:]
		next := strings.Index(rest[len(pemBeginMarker):], pemBeginMarker)
		if next < 0 {
			out = append(out, strings.TrimSpace(rest))
			break
		}
		out = append(out, strings.TrimSpace(rest[:len(pemBeginMarker)+next]))
		rest = rest[len(pemBeginMarker)+next:]
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("quote: cert_data does not contain a PEM certificate")
	}
	return out, nil
}

// AzureNestedPEMBundle parses the Azure vTPM variant (cert_data_type 6/7
// with empty/absent cert_data), where qe_auth_data nests its own
// three-certificate PEM bundle instead of pointing at it via cert_data.
func (sb SignatureBlock) AzureNestedPEMBundle() ([]string, error) {
	if len(sb.CertData) != 0 {
		return nil, fmt.Errorf("quote: cert_data is not empty, not an Azure nested bundle")
	}
	if len(sb.QeAuthData) == 0 {
		return nil, fmt.Errorf("quote: qe_auth_data is empty, no nested bundle present")
	}
	return splitPEMBundle(string(sb.QeAuthData))
}
