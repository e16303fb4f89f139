package quote

import "fmt"

// SgxQuote is a fully decoded SGX DCAP quote.
type SgxQuote struct {
	Header    Header
	Body      SgxBody
	Signature SignatureBlock

	// SignedRegion is header‖body exactly as it appeared on the wire; this
	// is the byte range the body signature in Signature.Signature covers.
	SignedRegion []byte
}

// TdxQuote is a fully decoded TDX quote (version 4 or 5).
type TdxQuote struct {
	Header Header
	// V5Descriptor is only meaningful when Header.Version == 5.
	V5Descriptor byte
	Body         TdxBody
	Signature    SignatureBlock

	SignedRegion []byte
}

// ParseSgx decodes an SGX quote: 48-byte header, 384-byte body, signature
// block. data may additionally be base64 or hex encoded; use DecodeEnvelope
// first if the caller already knows the encoding, or call ParseSgx directly
// since it also tries DecodeEnvelope as a convenience for ambiguous input.
func ParseSgx(data []byte) (SgxQuote, error) {
	var q SgxQuote

	raw, err := DecodeEnvelope(data)
	if err == nil && len(raw) >= HeaderSize {
		data = raw
	}

	if len(data) < HeaderSize+SgxBodySize {
		return q, fmt.Errorf("sgx quote: %w", ErrTruncatedField)
	}

	header, err := ParseHeader(data)
	if err != nil {
		return q, err
	}
	if header.TeeType != TeeTypeSGX {
		return q, fmt.Errorf("%w: tee_type %#x is not SGX", ErrUnsupportedTeeType, header.TeeType)
	}
	q.Header = header

	body, err := ParseSgxBody(data[HeaderSize : HeaderSize+SgxBodySize])
	if err != nil {
		return q, err
	}
	q.Body = body
	q.SignedRegion = append([]byte(nil), data[:HeaderSize+SgxBodySize]...)

	rest := data[HeaderSize+SgxBodySize:]
	sigLenAndRest, err := stripSigLenPrefix(rest)
	if err != nil {
		return q, err
	}
	sig, err := ParseSignatureBlock(sigLenAndRest)
	if err != nil {
		return q, err
	}
	q.Signature = sig

	return q, nil
}

// ParseTdx decodes a TDX quote, dispatching on header.Version: 4 uses the
// fixed 584-byte 1.0 body, 5 reads a body descriptor byte first.
func ParseTdx(data []byte) (TdxQuote, error) {
	var q TdxQuote

	raw, err := DecodeEnvelope(data)
	if err == nil && len(raw) >= HeaderSize {
		data = raw
	}

	if len(data) < HeaderSize {
		return q, fmt.Errorf("tdx quote: %w", ErrTruncatedField)
	}
	header, err := ParseHeader(data)
	if err != nil {
		return q, err
	}
	if header.TeeType != TeeTypeTDX {
		return q, fmt.Errorf("%w: tee_type %#x is not TDX", ErrUnsupportedTeeType, header.TeeType)
	}
	q.Header = header

	body := data[HeaderSize:]
	switch header.Version {
	case 4:
		if len(body) < TdxV4BodySize {
			return q, fmt.Errorf("tdx v4 body: %w", ErrTruncatedField)
		}
		b, err := ParseTdxV4Body(body[:TdxV4BodySize])
		if err != nil {
			return q, err
		}
		q.Body = b
		q.SignedRegion = append([]byte(nil), data[:HeaderSize+TdxV4BodySize]...)
		rest := body[TdxV4BodySize:]
		sigBytes, err := stripSigLenPrefix(rest)
		if err != nil {
			return q, err
		}
		sig, err := ParseSignatureBlock(sigBytes)
		if err != nil {
			return q, err
		}
		q.Signature = sig

	case 5:
		descriptor, b, err := ParseTdxV5Body(body)
		if err != nil {
			return q, err
		}
		q.V5Descriptor = descriptor
		q.Body = b
		consumed := 1 + TdxV4BodySize + len(b.ExtendedFields)
		if len(data) < HeaderSize+consumed {
			return q, fmt.Errorf("tdx v5 quote: %w", ErrTruncatedField)
		}
		q.SignedRegion = append([]byte(nil), data[:HeaderSize+consumed]...)
		rest := body[consumed:]
		sigBytes, err := stripSigLenPrefix(rest)
		if err != nil {
			return q, err
		}
		sig, err := ParseSignatureBlock(sigBytes)
		if err != nil {
			return q, err
		}
		q.Signature = sig

	default:
		return q, fmt.Errorf("%w: tdx version %d", ErrUnsupportedVersion, header.Version)
	}

	return q, nil
}

// Parse dispatches on the header's tee_type to ParseSgx or ParseTdx. It is
// the convenience entry point when the caller does not already know the
// quote's TEE type.
func Parse(data []byte) (any, error) {
	raw, err := DecodeEnvelope(data)
	if err == nil {
		data = raw
	}
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("quote: %w", ErrTruncatedField)
	}
	header, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}
	switch header.TeeType {
	case TeeTypeSGX:
		return ParseSgx(data)
	case TeeTypeTDX:
		return ParseTdx(data)
	default:
		return nil, fmt.Errorf("%w: %#x", ErrUnsupportedTeeType, header.TeeType)
	}
}

// stripSigLenPrefix consumes the u32 "signature data length" prefix that
// precedes the signature block proper, returning the declared sub-slice so
// that trailing bytes beyond it (if any) are not mistaken for part of the
// block.
func stripSigLenPrefix(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("sig_data_len: %w", ErrTruncatedField)
	}
	n := uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
	rest := data[4:]
	if uint64(n) > uint64(len(rest)) {
		return nil, fmt.Errorf("sig_data_len: %w", ErrLengthOverflow)
	}
	return rest[:n], nil
}
