package wire

import (
	"encoding/binary"
	"fmt"
	"math"
	"net/netip"

	"github.com/samber/oops"
)

const (
	// AddressLength is the encoded size of an IPv4 endpoint.
	AddressLength = 6
	// MaxVarLen is the largest byte string a 2-byte length prefix can describe.
	MaxVarLen = math.MaxUint16
)

// ShortBufferError is returned when a decode runs past the end of its input.
// Need is the minimum total buffer length the decoder expected.
type ShortBufferError struct {
	Field string
	Need  int
	Have  int
}

func (e *ShortBufferError) Error() string {
	return fmt.Sprintf("short buffer reading %s: need at least %d bytes, have %d", e.Field, e.Need, e.Have)
}

// Writer appends wire primitives to a growing buffer. The first encoding
// error is sticky and reported by Bytes.
type Writer struct {
	buf []byte
	err error
}

// NewWriter returns a Writer with the given initial capacity.
func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

func (w *Writer) Uint8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *Writer) Uint16(v uint16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
}

func (w *Writer) Uint32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

func (w *Writer) Uint64(v uint64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
}

func (w *Writer) Bool(v bool) {
	if v {
		w.buf = append(w.buf, 0x01)
		return
	}
	w.buf = append(w.buf, 0x00)
}

// Raw appends b with no length prefix.
func (w *Writer) Raw(b []byte) {
	w.buf = append(w.buf, b...)
}

// VarLenH appends b behind a 2-byte big-endian length.
func (w *Writer) VarLenH(b []byte) {
	if len(b) > MaxVarLen {
		w.fail(oops.Errorf("varlenH field of %d bytes exceeds %d", len(b), MaxVarLen))
		return
	}
	w.Uint16(uint16(len(b)))
	w.buf = append(w.buf, b...)
}

// Address appends an IPv4 endpoint as 4 address bytes and a 2-byte port.
// The zero AddrPort encodes as 0.0.0.0:0.
func (w *Writer) Address(ap netip.AddrPort) {
	if !ap.IsValid() {
		w.buf = append(w.buf, 0, 0, 0, 0, 0, 0)
		return
	}
	addr := ap.Addr().Unmap()
	if !addr.Is4() {
		w.fail(oops.Errorf("address %s is not IPv4", addr))
		return
	}
	a4 := addr.As4()
	w.buf = append(w.buf, a4[:]...)
	w.Uint16(ap.Port())
}

func (w *Writer) fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int {
	return len(w.buf)
}

// Bytes returns the encoded buffer or the first encoding error.
func (w *Writer) Bytes() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	return w.buf, nil
}

// Reader consumes wire primitives from a buffer. Reads past the end never
// touch memory outside the buffer; they record a sticky *ShortBufferError and
// return zero values.
type Reader struct {
	buf []byte
	off int
	err error
}

// NewReader returns a Reader over b.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

func (r *Reader) take(n int, field string) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.buf)-r.off < n {
		r.err = &ShortBufferError{Field: field, Need: r.off + n, Have: len(r.buf)}
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *Reader) Uint8(field string) uint8 {
	b := r.take(1, field)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) Uint16(field string) uint16 {
	b := r.take(2, field)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *Reader) Uint32(field string) uint32 {
	b := r.take(4, field)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *Reader) Uint64(field string) uint64 {
	b := r.take(8, field)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// Bool reads one byte. Values other than 0x00 and 0x01 are rejected.
func (r *Reader) Bool(field string) bool {
	b := r.take(1, field)
	if b == nil {
		return false
	}
	switch b[0] {
	case 0x00:
		return false
	case 0x01:
		return true
	default:
		if r.err == nil {
			r.err = oops.Errorf("invalid boolean byte 0x%02x in %s", b[0], field)
		}
		return false
	}
}

// Fixed reads exactly n bytes and returns a copy. Zero-length reads return nil.
func (r *Reader) Fixed(n int, field string) []byte {
	b := r.take(n, field)
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

// VarLenH reads a 2-byte length and that many bytes, returning a copy.
func (r *Reader) VarLenH(field string) []byte {
	n := r.Uint16(field + " length")
	if r.err != nil {
		return nil
	}
	return r.Fixed(int(n), field)
}

// Address reads a 4sH IPv4 endpoint. 0.0.0.0:0 decodes as the zero AddrPort.
func (r *Reader) Address(field string) netip.AddrPort {
	b := r.take(AddressLength, field)
	if b == nil {
		return netip.AddrPort{}
	}
	port := binary.BigEndian.Uint16(b[4:])
	addr := netip.AddrFrom4([4]byte{b[0], b[1], b[2], b[3]})
	if addr.IsUnspecified() && port == 0 {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(addr, port)
}

// Rest consumes and returns a copy of every remaining byte.
func (r *Reader) Rest() []byte {
	if r.err != nil || r.off == len(r.buf) {
		return nil
	}
	out := make([]byte, len(r.buf)-r.off)
	copy(out, r.buf[r.off:])
	r.off = len(r.buf)
	return out
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.off
}

// Offset returns the number of bytes consumed so far.
func (r *Reader) Offset() int {
	return r.off
}

// Err returns the first decoding error, if any.
func (r *Reader) Err() error {
	return r.err
}

// Done returns the sticky error, or an error if unread bytes remain.
func (r *Reader) Done() error {
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.buf) {
		return oops.Errorf("%d trailing bytes after message", len(r.buf)-r.off)
	}
	return nil
}
