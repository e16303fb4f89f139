package quote

import (
	"fmt"

	"github.com/virtengine/attested-tunnel/pkg/qvl/bytesio"
)

// TdxV4BodySize is the fixed size of a TDX 1.0 (quote version 4) body.
const TdxV4BodySize = 584

// TdxBody is the TD REPORT body carried by a TDX quote. The v5 descriptor
// byte is not part of the body itself; ParseTdxV5Body strips it first.
type TdxBody struct {
	TeeTcbSvn      [16]byte
	MrSeam         [48]byte
	MrSeamSigner   [48]byte
	SeamAttributes [8]byte
	TdAttributes   [8]byte
	Xfam           [8]byte
	MrTd           [48]byte
	MrConfigID     [48]byte
	MrOwner        [48]byte
	MrOwnerConfig  [48]byte
	Rtmr0          [48]byte
	Rtmr1          [48]byte
	Rtmr2          [48]byte
	Rtmr3          [48]byte
	ReportData     [64]byte

	// ExtendedFields holds any bytes beyond the 584-byte TDX 1.0 shape for
	// a TDX 1.5 module-extended body; nil for TDX 1.0 bodies. The field
	// layout of the extension is left opaque; callers that need it can
	// parse ExtendedFields themselves.
	ExtendedFields []byte
}

// ParseTdxV4Body decodes a fixed 584-byte TDX 1.0 body.
func ParseTdxV4Body(data []byte) (TdxBody, error) {
	return parseTdxBody(data, TdxV4BodySize)
}

func parseTdxBody(data []byte, want int) (TdxBody, error) {
	var b TdxBody
	if len(data) < TdxV4BodySize {
		return b, fmt.Errorf("tdx body: %w", ErrTruncatedField)
	}
	r := bytesio.NewReader(data[:TdxV4BodySize])

	must(r.Fixed(b.TeeTcbSvn[:]))
	must(r.Fixed(b.MrSeam[:]))
	must(r.Fixed(b.MrSeamSigner[:]))
	must(r.Fixed(b.SeamAttributes[:]))
	must(r.Fixed(b.TdAttributes[:]))
	must(r.Fixed(b.Xfam[:]))
	must(r.Fixed(b.MrTd[:]))
	must(r.Fixed(b.MrConfigID[:]))
	must(r.Fixed(b.MrOwner[:]))
	must(r.Fixed(b.MrOwnerConfig[:]))
	must(r.Fixed(b.Rtmr0[:]))
	must(r.Fixed(b.Rtmr1[:]))
	must(r.Fixed(b.Rtmr2[:]))
	must(r.Fixed(b.Rtmr3[:]))
	must(r.Fixed(b.ReportData[:]))

	if want > TdxV4BodySize && len(data) >= want {
		b.ExtendedFields = append([]byte(nil), data[TdxV4BodySize:want]...)
	}

	return b, nil
}

// ParseTdxV5Body decodes a version-5 body: a single descriptor byte
// followed by the TDX 1.0 field layout, optionally extended with TDX 1.5
// module-specific fields per the descriptor's declared total size.
func ParseTdxV5Body(data []byte) (descriptor byte, body TdxBody, err error) {
	if len(data) < 1 {
		return 0, body, fmt.Errorf("tdx v5 body descriptor: %w", ErrTruncatedField)
	}
	descriptor = data[0]
	rest := data[1:]

	// The descriptor's low bits select the body size class; 584 (1.0) is
	// the only shape the sample corpus exercises (see Open Questions).
	size := TdxV4BodySize
	if descriptor&0x01 != 0 && len(rest) > TdxV4BodySize {
		size = len(rest)
	}
	body, err = parseTdxBody(rest, size)
	return descriptor, body, err
}

// Serialize re-encodes the fixed TDX 1.0 field region (not the v5
// descriptor byte, and not ExtendedFields).
func (b TdxBody) Serialize() []byte {
	w := bytesio.NewWriter()
	w.Fixed(b.TeeTcbSvn[:])
	w.Fixed(b.MrSeam[:])
	w.Fixed(b.MrSeamSigner[:])
	w.Fixed(b.SeamAttributes[:])
	w.Fixed(b.TdAttributes[:])
	w.Fixed(b.Xfam[:])
	w.Fixed(b.MrTd[:])
	w.Fixed(b.MrConfigID[:])
	w.Fixed(b.MrOwner[:])
	w.Fixed(b.MrOwnerConfig[:])
	w.Fixed(b.Rtmr0[:])
	w.Fixed(b.Rtmr1[:])
	w.Fixed(b.Rtmr2[:])
	w.Fixed(b.Rtmr3[:])
	w.Fixed(b.ReportData[:])
	return w.Bytes()
}
