package x509util

import (
	"crypto/x509"
	"encoding/asn1"
	"encoding/hex"
	"fmt"
)

// SGX PCK certificate extension OIDs (Intel SGX DCAP: PCK Certificate and
// Certificate Revocation List Profile Specification, section 4.2.2).
var (
	OIDSGXExtensions = asn1.ObjectIdentifier{1, 2, 840, 113741, 1, 13, 1}
	OIDPPID          = asn1.ObjectIdentifier{1, 2, 840, 113741, 1, 13, 1, 1}
	OIDTCB           = asn1.ObjectIdentifier{1, 2, 840, 113741, 1, 13, 1, 2}
	OIDPCEID         = asn1.ObjectIdentifier{1, 2, 840, 113741, 1, 13, 1, 3}
	OIDFMSPC         = asn1.ObjectIdentifier{1, 2, 840, 113741, 1, 13, 1, 4}
	OIDSGXType       = asn1.ObjectIdentifier{1, 2, 840, 113741, 1, 13, 1, 5}
	OIDPlatformInstanceID = asn1.ObjectIdentifier{1, 2, 840, 113741, 1, 13, 1, 6}
	OIDConfiguration = asn1.ObjectIdentifier{1, 2, 840, 113741, 1, 13, 1, 7}
)

// SGXExtension holds the fields extracted from a PCK leaf certificate's
// SGX extension sequence: FMSPC, PCEID, and per-component TCB SVNs.
type SGXExtension struct {
	FMSPC    [6]byte
	PCEID    [2]byte
	TCBSvn   [16]byte // 16 raw TCB component SVN bytes, CPUSVN-sized
	PCESvn   uint16
	SGXType  int
}

// FMSPCHex returns the FMSPC as lowercase hex, the form the TCB policy hook
// is keyed on.
func (e SGXExtension) FMSPCHex() string {
	return hex.EncodeToString(e.FMSPC[:])
}

type sgxExtValue struct {
	ID    asn1.ObjectIdentifier
	Value asn1.RawValue
}

// ExtractSGXExtension locates the SGX extension (OID 1.2.840.113741.1.13.1)
// on a leaf certificate and decodes its nested SEQUENCE of {oid, value}
// pairs into an SGXExtension.
func ExtractSGXExtension(cert *x509.Certificate) (SGXExtension, error) {
	var out SGXExtension

	var raw []byte
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(OIDSGXExtensions) {
			raw = ext.Value
			break
		}
	}
	if raw == nil {
		return out, fmt.Errorf("x509util: certificate %s has no SGX extension", cert.Subject)
	}

	var seq []sgxExtValue
	if _, err := asn1.Unmarshal(raw, &seq); err != nil {
		return out, fmt.Errorf("x509util: malformed SGX extension sequence: %w", err)
	}

	var sawFMSPC, sawPCEID bool
	for _, item := range seq {
		switch {
		case item.ID.Equal(OIDFMSPC):
			var b []byte
			if _, err := asn1.Unmarshal(item.Value.FullBytes, &b); err != nil {
				return out, fmt.Errorf("x509util: FMSPC: %w", err)
			}
			if len(b) != 6 {
				return out, fmt.Errorf("x509util: FMSPC length %d, want 6", len(b))
			}
			copy(out.FMSPC[:], b)
			sawFMSPC = true

		case item.ID.Equal(OIDPCEID):
			var b []byte
			if _, err := asn1.Unmarshal(item.Value.FullBytes, &b); err != nil {
				return out, fmt.Errorf("x509util: PCEID: %w", err)
			}
			if len(b) != 2 {
				return out, fmt.Errorf("x509util: PCEID length %d, want 2", len(b))
			}
			copy(out.PCEID[:], b)
			sawPCEID = true

		case item.ID.Equal(OIDTCB):
			if err := decodeTCBComponents(item.Value.FullBytes, &out); err != nil {
				return out, err
			}

		case item.ID.Equal(OIDSGXType):
			var v int
			if _, err := asn1.Unmarshal(item.Value.FullBytes, &v); err != nil {
				return out, fmt.Errorf("x509util: SGX type: %w", err)
			}
			out.SGXType = v
		}
	}

	if !sawFMSPC {
		return out, fmt.Errorf("x509util: SGX extension missing FMSPC")
	}
	if !sawPCEID {
		return out, fmt.Errorf("x509util: SGX extension missing PCEID")
	}
	return out, nil
}

// decodeTCBComponents parses the nested SEQUENCE of per-component {oid,
// value} TCB SVN pairs (components 1..16) plus the trailing PCESVN entry.
func decodeTCBComponents(der []byte, out *SGXExtension) error {
	var comps []sgxExtValue
	if _, err := asn1.Unmarshal(der, &comps); err != nil {
		return fmt.Errorf("x509util: malformed TCB component sequence: %w", err)
	}
	for _, c := range comps {
		// Component OIDs are 1.2.840.113741.1.13.1.2.{1..16} for the SVN
		// bytes and .2.17 for PCESVN, .2.18 for CPUSVN.
		if len(c.ID) == 0 {
			continue
		}
		last := c.ID[len(c.ID)-1]
		switch {
		case last >= 1 && last <= 16:
			var v int
			if _, err := asn1.Unmarshal(c.Value.FullBytes, &v); err == nil {
				out.TCBSvn[last-1] = byte(v)
			}
		case last == 17:
			var v int
			if _, err := asn1.Unmarshal(c.Value.FullBytes, &v); err == nil {
				out.PCESvn = uint16(v)
			}
		}
	}
	return nil
}
