package quote

import "errors"

// Parse error kinds, returned wrapped with additional context via fmt.Errorf.
var (
	// ErrTruncatedField indicates the buffer ended before a field could be read.
	ErrTruncatedField = errors.New("quote: truncated field")

	// ErrLengthOverflow indicates a length-prefixed field overruns the buffer.
	ErrLengthOverflow = errors.New("quote: length prefix overflows buffer")

	// ErrUnsupportedVersion indicates a header version this parser does not know.
	ErrUnsupportedVersion = errors.New("quote: unsupported version")

	// ErrUnsupportedTeeType indicates a tee_type other than SGX (0) or TDX (0x81).
	ErrUnsupportedTeeType = errors.New("quote: unsupported tee type")

	// ErrUnsupportedCertDataType indicates a cert_data_type outside {1..7}.
	ErrUnsupportedCertDataType = errors.New("quote: unsupported certification data type")
)
