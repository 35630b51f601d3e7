// Package codec implements the canonical byte encoding shared by hashing
// preimages, wire payloads, and on-disk block files. Integers are
// little-endian fixed width, sequences carry a uint32 count prefix, enum
// variants carry a uint32 discriminant, and optional values carry a uint32
// presence tag. Round-trip is exact: encoding the decoded value reproduces
// the input bytes.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrShortBuffer is returned when the input ends before a value is complete.
var ErrShortBuffer = errors.New("codec: short buffer")

// Option presence tags.
const (
	TagNone uint32 = 0
	TagSome uint32 = 1
)

// Writer accumulates canonically encoded values.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty canonical writer.
func NewWriter() *Writer {
	return &Writer{}
}

// Bytes returns the encoded bytes accumulated so far.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int {
	return len(w.buf)
}

func (w *Writer) WriteU8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *Writer) WriteU16(v uint16) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

func (w *Writer) WriteU32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *Writer) WriteU64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

// WriteRaw appends bytes verbatim, without a length prefix. Used for
// fixed-width fields such as hashes, keys, and signatures.
func (w *Writer) WriteRaw(b []byte) {
	w.buf = append(w.buf, b...)
}

// WriteBytes appends a uint32 count prefix followed by the bytes.
func (w *Writer) WriteBytes(b []byte) {
	w.WriteU32(uint32(len(b)))
	w.WriteRaw(b)
}

// WriteString appends a string as a counted byte sequence.
func (w *Writer) WriteString(s string) {
	w.WriteBytes([]byte(s))
}

// WriteCount appends a sequence count prefix. The caller then writes each
// element in order.
func (w *Writer) WriteCount(n int) {
	w.WriteU32(uint32(n))
}

// WriteTag appends an enum discriminant.
func (w *Writer) WriteTag(tag uint32) {
	w.WriteU32(tag)
}

// WriteOption appends a presence tag. The caller writes the value iff
// present is true.
func (w *Writer) WriteOption(present bool) {
	if present {
		w.WriteU32(TagSome)
	} else {
		w.WriteU32(TagNone)
	}
}

// Reader consumes canonically encoded values from a byte slice.
type Reader struct {
	buf []byte
	off int
}

// NewReader returns a reader over b. The reader does not copy b.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.off
}

// Finish returns an error if unread bytes remain. Decoders call it last so
// that trailing garbage is rejected rather than silently ignored.
func (r *Reader) Finish() error {
	if r.off != len(r.buf) {
		return fmt.Errorf("codec: %d trailing bytes", len(r.buf)-r.off)
	}
	return nil
}

func (r *Reader) take(n int) ([]byte, error) {
	if r.Remaining() < n {
		return nil, ErrShortBuffer
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *Reader) ReadU8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) ReadU16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *Reader) ReadU32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *Reader) ReadU64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// ReadRaw reads exactly n bytes into dst.
func (r *Reader) ReadRaw(dst []byte) error {
	b, err := r.take(len(dst))
	if err != nil {
		return err
	}
	copy(dst, b)
	return nil
}

// ReadBytes reads a counted byte sequence. The count is bounded by the
// remaining input, so a hostile prefix cannot force a huge allocation.
func (r *Reader) ReadBytes() ([]byte, error) {
	n, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	if int(n) > r.Remaining() {
		return nil, ErrShortBuffer
	}
	out := make([]byte, n)
	if err := r.ReadRaw(out); err != nil {
		return nil, err
	}
	return out, nil
}

// ReadString reads a counted string.
func (r *Reader) ReadString() (string, error) {
	b, err := r.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadCount reads a sequence count and validates it against the minimum
// encoded size per element, bounding allocations on decode.
func (r *Reader) ReadCount(minElemSize int) (int, error) {
	n, err := r.ReadU32()
	if err != nil {
		return 0, err
	}
	if minElemSize > 0 && int(n) > r.Remaining()/minElemSize {
		return 0, ErrShortBuffer
	}
	return int(n), nil
}

// ReadTag reads an enum discriminant.
func (r *Reader) ReadTag() (uint32, error) {
	return r.ReadU32()
}

// ReadOption reads a presence tag.
func (r *Reader) ReadOption() (bool, error) {
	tag, err := r.ReadU32()
	if err != nil {
		return false, err
	}
	switch tag {
	case TagNone:
		return false, nil
	case TagSome:
		return true, nil
	default:
		return false, fmt.Errorf("codec: invalid option tag %d", tag)
	}
}
