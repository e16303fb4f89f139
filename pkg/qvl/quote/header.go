// Package quote decodes Intel SGX and TDX (v4/v5) DCAP quotes: the common
// header, the TEE-specific body, and the ECDSA signature block carrying the
// attestation key, the QE report, and the PCK certification data.
//
// All multibyte integers on the wire are little-endian. Every decode call
// bounds-checks its length prefixes against the remaining buffer instead of
// trusting them, since a quote is untrusted input until its signature has
// been verified.
package quote

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/virtengine/attested-tunnel/pkg/qvl/bytesio"
)

// TEE type discriminants carried in the quote header.
const (
	TeeTypeSGX uint32 = 0x00000000
	TeeTypeTDX uint32 = 0x00000081
)

// HeaderSize is the fixed size of the common quote header.
const HeaderSize = 48

// Header is the 48-byte structure common to every SGX and TDX quote.
type Header struct {
	Version            uint16
	AttestationKeyType uint16
	TeeType            uint32
	QeSvn              uint16
	PceSvn             uint16
	QeVendorID         [16]byte
	UserData           [20]byte
}

// ParseHeader decodes the common header from the start of data.
func ParseHeader(data []byte) (Header, error) {
	var h Header
	r := bytesio.NewReader(data)

	v, err := r.U16()
	if err != nil {
		return h, fmt.Errorf("header.version: %w", ErrTruncatedField)
	}
	h.Version = v

	kt, err := r.U16()
	if err != nil {
		return h, fmt.Errorf("header.attestation_key_type: %w", ErrTruncatedField)
	}
	h.AttestationKeyType = kt

	tt, err := r.U32()
	if err != nil {
		return h, fmt.Errorf("header.tee_type: %w", ErrTruncatedField)
	}
	h.TeeType = tt

	qs, err := r.U16()
	if err != nil {
		return h, fmt.Errorf("header.qe_svn: %w", ErrTruncatedField)
	}
	h.QeSvn = qs

	ps, err := r.U16()
	if err != nil {
		return h, fmt.Errorf("header.pce_svn: %w", ErrTruncatedField)
	}
	h.PceSvn = ps

	if err := r.Fixed(h.QeVendorID[:]); err != nil {
		return h, fmt.Errorf("header.qe_vendor_id: %w", ErrTruncatedField)
	}
	if err := r.Fixed(h.UserData[:]); err != nil {
		return h, fmt.Errorf("header.user_data: %w", ErrTruncatedField)
	}

	switch h.TeeType {
	case TeeTypeSGX, TeeTypeTDX:
	default:
		return h, fmt.Errorf("%w: %#x", ErrUnsupportedTeeType, h.TeeType)
	}

	return h, nil
}

// Serialize re-encodes the header, used by round-trip tests to check that
// decoding is lossless over the fixed region.
func (h Header) Serialize() []byte {
	w := bytesio.NewWriter()
	w.U16(h.Version)
	w.U16(h.AttestationKeyType)
	w.U32(h.TeeType)
	w.U16(h.QeSvn)
	w.U16(h.PceSvn)
	w.Fixed(h.QeVendorID[:])
	w.Fixed(h.UserData[:])
	return w.Bytes()
}

// DecodeEnvelope accepts a raw quote that may be base64 or hex encoded, or
// already raw binary, and returns the decoded bytes. It tries raw first
// (since a well-formed header would otherwise misparse as text), then
// hex, then standard and raw-url base64.
func DecodeEnvelope(in []byte) ([]byte, error) {
	trimmed := trimASCIISpace(in)
	if looksBinary(trimmed) {
		return trimmed, nil
	}
	if b, err := hex.DecodeString(string(trimmed)); err == nil {
		return b, nil
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(string(trimmed)); err == nil {
			return b, nil
		}
	}
	return trimmed, nil
}

func looksBinary(b []byte) bool {
	for _, c := range b {
		if c < 0x09 || (c > 0x0d && c < 0x20) || c > 0x7e {
			return true
		}
	}
	return false
}

func trimASCIISpace(b []byte) []byte {
	start, end := 0, len(b)
	for start < end && isSpace(b[start]) {
		start++
	}
	for end > start && isSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r':
		return true
	}
	return false
}
