package quote

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleHeader() Header {
	h := Header{
		Version:            4,
		AttestationKeyType: 2,
		TeeType:            TeeTypeTDX,
		QeSvn:              7,
		PceSvn:             11,
	}
	for i := range h.QeVendorID {
		h.QeVendorID[i] = byte(i + 1)
	}
	for i := range h.UserData {
		h.UserData[i] = byte(i + 0x40)
	}
	return h
}

func TestHeaderRoundTrip(t *testing.T) {
	h := sampleHeader()
	encoded := h.Serialize()
	require.Len(t, encoded, HeaderSize)

	decoded, err := ParseHeader(encoded)
	require.NoError(t, err)
	require.Equal(t, h, decoded)
}

func TestHeaderRejectsUnsupportedTeeType(t *testing.T) {
	h := sampleHeader()
	h.TeeType = 0xdeadbeef
	encoded := h.Serialize()

	_, err := ParseHeader(encoded)
	require.ErrorIs(t, err, ErrUnsupportedTeeType)
}

func TestHeaderRejectsTruncatedInput(t *testing.T) {
	h := sampleHeader()
	encoded := h.Serialize()

	_, err := ParseHeader(encoded[:HeaderSize-1])
	require.ErrorIs(t, err, ErrTruncatedField)
}

func TestDecodeEnvelopeHex(t *testing.T) {
	h := sampleHeader()
	encoded := h.Serialize()

	hexEncoded := []byte(toHex(encoded))
	decoded, err := DecodeEnvelope(hexEncoded)
	require.NoError(t, err)
	require.Equal(t, encoded, decoded)
}

func toHex(b []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = digits[c>>4]
		out[i*2+1] = digits[c&0x0f]
	}
	return string(out)
}
