package quote

import (
	"fmt"

	"github.com/virtengine/attested-tunnel/pkg/qvl/bytesio"
)

// SgxBodySize is the fixed size of an SGX REPORT body, also reused verbatim
// for the QE report nested inside the signature block of every quote type.
const SgxBodySize = 384

// SgxBody is the SGX enclave REPORT body (384 bytes).
type SgxBody struct {
	CPUSVN     [16]byte
	MiscSelect uint32
	Attributes [16]byte
	MrEnclave  [32]byte
	MrSigner   [32]byte
	IsvProdID  uint16
	IsvSvn     uint16
	ReportData [64]byte
}

// ParseSgxBody decodes a 384-byte SGX report body, skipping the reserved
// padding regions mandated by the layout. Their contents are not kept, so
// Serialize reproduces the input only when those regions are zero.
func ParseSgxBody(data []byte) (SgxBody, error) {
	var b SgxBody
	if len(data) < SgxBodySize {
		return b, fmt.Errorf("sgx body: %w", ErrTruncatedField)
	}
	r := bytesio.NewReader(data[:SgxBodySize])

	must(r.Fixed(b.CPUSVN[:]))
	mustU32(&b.MiscSelect, r)
	must(r.Skip(28)) // reserved1
	must(r.Fixed(b.Attributes[:]))
	must(r.Fixed(b.MrEnclave[:]))
	must(r.Skip(32)) // reserved2
	must(r.Fixed(b.MrSigner[:]))
	must(r.Skip(96)) // reserved3
	mustU16(&b.IsvProdID, r)
	mustU16(&b.IsvSvn, r)
	must(r.Skip(60)) // reserved4
	must(r.Fixed(b.ReportData[:]))

	return b, nil
}

// Serialize re-encodes the body, zeroing the reserved regions.
func (b SgxBody) Serialize() []byte {
	w := bytesio.NewWriter()
	w.Fixed(b.CPUSVN[:])
	w.U32(b.MiscSelect)
	w.Fixed(make([]byte, 28))
	w.Fixed(b.Attributes[:])
	w.Fixed(b.MrEnclave[:])
	w.Fixed(make([]byte, 32))
	w.Fixed(b.MrSigner[:])
	w.Fixed(make([]byte, 96))
	w.U16(b.IsvProdID)
	w.U16(b.IsvSvn)
	w.Fixed(make([]byte, 60))
	w.Fixed(b.ReportData[:])
	return w.Bytes()
}

// must/mustU16/mustU32 convert the already-length-checked reader's errors
// into panics local to this file: the caller has verified len(data) up
// front, so these can only fail on a parser bug, not on attacker input.
func must(err error) {
	if err != nil {
		panic(err)
	}
}

func mustU16(dst *uint16, r *bytesio.Reader) {
	v, err := r.U16()
	must(err)
	*dst = v
}

func mustU32(dst *uint32, r *bytesio.Reader) {
	v, err := r.U32()
	must(err)
	*dst = v
}
