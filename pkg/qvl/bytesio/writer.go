package bytesio

import "encoding/binary"

// Writer accumulates little-endian structured fields into a growable buffer.
// It mirrors Reader so that round-trip tests can re-encode a parsed quote's
// fixed regions and compare bytes.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{}
}

// Bytes returns the accumulated buffer.
func (w *Writer) Bytes() []byte { return w.buf }

// Fixed appends b verbatim.
func (w *Writer) Fixed(b []byte) {
	w.buf = append(w.buf, b...)
}

// U16 appends a little-endian uint16.
func (w *Writer) U16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// U32 appends a little-endian uint32.
func (w *Writer) U32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// U64 appends a little-endian uint64.
func (w *Writer) U64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// Byte appends a single byte.
func (w *Writer) Byte(v byte) {
	w.buf = append(w.buf, v)
}

// LenPrefixed16 appends a uint16 length prefix followed by b.
func (w *Writer) LenPrefixed16(b []byte) {
	w.U16(uint16(len(b)))
	w.Fixed(b)
}

// LenPrefixed32 appends a uint32 length prefix followed by b.
func (w *Writer) LenPrefixed32(b []byte) {
	w.U32(uint32(len(b)))
	w.Fixed(b)
}
