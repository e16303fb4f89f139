package quote

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleSgxBody() SgxBody {
	var b SgxBody
	for i := range b.CPUSVN {
		b.CPUSVN[i] = byte(i)
	}
	b.MiscSelect = 0x01020304
	for i := range b.Attributes {
		b.Attributes[i] = byte(0xa0 + i)
	}
	for i := range b.MrEnclave {
		b.MrEnclave[i] = byte(i + 1)
	}
	for i := range b.MrSigner {
		b.MrSigner[i] = byte(i + 2)
	}
	b.IsvProdID = 3
	b.IsvSvn = 9
	for i := range b.ReportData {
		b.ReportData[i] = byte(i)
	}
	return b
}

func TestSgxBodyRoundTrip(t *testing.T) {
	b := sampleSgxBody()
	encoded := b.Serialize()
	require.Len(t, encoded, SgxBodySize)

	decoded, err := ParseSgxBody(encoded)
	require.NoError(t, err)
	require.Equal(t, b, decoded)
}

func TestSgxBodyReservedRegionsIgnoredOnDecode(t *testing.T) {
	b := sampleSgxBody()
	encoded := b.Serialize()
	// Corrupt a byte inside the first reserved region (right after
	// MiscSelect, before Attributes) and confirm it has no effect on the
	// decoded fields: only the named fields are meaningful.
	encoded[20] = 0xff

	decoded, err := ParseSgxBody(encoded)
	require.NoError(t, err)
	require.Equal(t, b, decoded)
}

func TestSgxBodyRejectsTruncated(t *testing.T) {
	b := sampleSgxBody()
	encoded := b.Serialize()

	_, err := ParseSgxBody(encoded[:SgxBodySize-1])
	require.ErrorIs(t, err, ErrTruncatedField)
}
