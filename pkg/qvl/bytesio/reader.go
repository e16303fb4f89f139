// Package bytesio provides a small endian-aware structured byte reader and
// writer with explicit bounds checking, used by the quote package to decode
// the various DCAP quote wire shapes without panicking on truncated input.
package bytesio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrTruncated indicates the reader ran out of bytes before satisfying a
// requested field.
var ErrTruncated = errors.New("bytesio: truncated field")

// ErrLengthOverflow indicates a length-prefixed field claims a size that
// does not fit within the remaining buffer.
var ErrLengthOverflow = errors.New("bytesio: length prefix overflows buffer")

// Reader decodes little-endian structured fields from a fixed byte slice,
// tracking an internal cursor and failing closed on any out-of-bounds read.
type Reader struct {
	buf []byte
	off int
}

// NewReader wraps buf for sequential decoding starting at offset 0.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Offset returns the current read cursor.
func (r *Reader) Offset() int { return r.off }

// Len returns the number of unread bytes remaining.
func (r *Reader) Len() int { return len(r.buf) - r.off }

// Remaining returns a slice of every byte not yet consumed.
func (r *Reader) Remaining() []byte { return r.buf[r.off:] }

func (r *Reader) need(n int) error {
	if n < 0 || r.off+n > len(r.buf) {
		return fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrTruncated, n, r.off, r.Len())
	}
	return nil
}

// Bytes consumes and returns the next n bytes verbatim.
func (r *Reader) Bytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

// Fixed consumes exactly len(dst) bytes into dst.
func (r *Reader) Fixed(dst []byte) error {
	b, err := r.Bytes(len(dst))
	if err != nil {
		return err
	}
	copy(dst, b)
	return nil
}

// Skip advances the cursor by n bytes without returning them.
func (r *Reader) Skip(n int) error {
	_, err := r.Bytes(n)
	return err
}

// U16 reads a little-endian uint16.
func (r *Reader) U16() (uint16, error) {
	b, err := r.Bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// U32 reads a little-endian uint32.
func (r *Reader) U32() (uint32, error) {
	b, err := r.Bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// U64 reads a little-endian uint64.
func (r *Reader) U64() (uint64, error) {
	b, err := r.Bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// Byte reads a single byte.
func (r *Reader) Byte() (byte, error) {
	b, err := r.Bytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// LenPrefixed16 reads a uint16 length prefix followed by that many bytes,
// rejecting any prefix that would overflow the remaining buffer.
func (r *Reader) LenPrefixed16() ([]byte, error) {
	n, err := r.U16()
	if err != nil {
		return nil, err
	}
	if err := r.need(int(n)); err != nil {
		return nil, fmt.Errorf("%w: declared %d", ErrLengthOverflow, n)
	}
	return r.Bytes(int(n))
}

// LenPrefixed32 reads a uint32 length prefix followed by that many bytes,
// rejecting any prefix that would overflow the remaining buffer.
func (r *Reader) LenPrefixed32() ([]byte, error) {
	n, err := r.U32()
	if err != nil {
		return nil, err
	}
	if n > uint32(r.Len()) {
		return nil, fmt.Errorf("%w: declared %d", ErrLengthOverflow, n)
	}
	return r.Bytes(int(n))
}
