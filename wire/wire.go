// Package wire implements the flat binary encoding shared by every registry message and
// by the byte-buffer boundary.
//
// Layout rules:
//
//	bool            1 byte (0 or 1)
//	uint8/16/32/64  fixed width, little-endian
//	int32/int64     two's complement in the unsigned slot of the same width
//	string/bytes    uint32 length + raw bytes
//	sequence        uint32 element count + elements
//
// Decoding is strictly sequential and never truncates: a read past the end returns
// *errdefs.DecodeError and the value being decoded must be discarded.
package wire

import (
	"encoding/binary"
	"fmt"

	"mini-s2s/errdefs"
)

// MaxLength caps any declared string/bytes length or sequence count.
const MaxLength = 64 * 1024 * 1024

var order = binary.LittleEndian

// Marshaler is implemented by every type that crosses the wire.
type Marshaler interface {
	Marshal(p *Pack)
	Unmarshal(u *Unpack) error
}

// Pack accumulates encoded values.
type Pack struct {
	buf []byte
}

// NewPack returns a Pack with a small preallocated buffer.
func NewPack() *Pack {
	return &Pack{buf: make([]byte, 0, 256)}
}

// Bytes returns the encoded data. The slice aliases the Pack's buffer.
func (p *Pack) Bytes() []byte { return p.buf }

// Len returns the number of encoded bytes.
func (p *Pack) Len() int { return len(p.buf) }

// Reset empties the Pack for reuse.
func (p *Pack) Reset() { p.buf = p.buf[:0] }

func (p *Pack) PutBool(b bool) {
	if b {
		p.PutUint8(1)
	} else {
		p.PutUint8(0)
	}
}

func (p *Pack) PutUint8(v uint8) { p.buf = append(p.buf, v) }

func (p *Pack) PutUint16(v uint16) { p.buf = order.AppendUint16(p.buf, v) }

func (p *Pack) PutUint32(v uint32) { p.buf = order.AppendUint32(p.buf, v) }

func (p *Pack) PutUint64(v uint64) { p.buf = order.AppendUint64(p.buf, v) }

func (p *Pack) PutInt32(v int32) { p.PutUint32(uint32(v)) }

func (p *Pack) PutInt64(v int64) { p.PutUint64(uint64(v)) }

// PutBytes writes a uint32 length followed by b.
func (p *Pack) PutBytes(b []byte) {
	p.PutUint32(uint32(len(b)))
	p.buf = append(p.buf, b...)
}

// PutString writes a uint32 length followed by the bytes of s.
func (p *Pack) PutString(s string) {
	p.PutUint32(uint32(len(s)))
	p.buf = append(p.buf, s...)
}

// PutMarshaler encodes m in place.
func (p *Pack) PutMarshaler(m Marshaler) { m.Marshal(p) }

// PutStrings writes a counted sequence of strings.
func (p *Pack) PutStrings(ss []string) {
	p.PutUint32(uint32(len(ss)))
	for _, s := range ss {
		p.PutString(s)
	}
}

// PutInt32s writes a counted sequence of int32.
func (p *Pack) PutInt32s(vs []int32) {
	p.PutUint32(uint32(len(vs)))
	for _, v := range vs {
		p.PutInt32(v)
	}
}

// PutInt64s writes a counted sequence of int64.
func (p *Pack) PutInt64s(vs []int64) {
	p.PutUint32(uint32(len(vs)))
	for _, v := range vs {
		p.PutInt64(v)
	}
}

// PutUint32s writes a counted sequence of uint32.
func (p *Pack) PutUint32s(vs []uint32) {
	p.PutUint32(uint32(len(vs)))
	for _, v := range vs {
		p.PutUint32(v)
	}
}

// Unpack reads values back in the order they were written.
type Unpack struct {
	buf    []byte
	offset int
}

// NewUnpack wraps buf for decoding. buf is not copied.
func NewUnpack(buf []byte) *Unpack {
	return &Unpack{buf: buf}
}

// Offset returns the number of bytes consumed so far.
func (u *Unpack) Offset() int { return u.offset }

// Remaining returns the number of unread bytes.
func (u *Unpack) Remaining() int { return len(u.buf) - u.offset }

func (u *Unpack) take(op string, n int) ([]byte, error) {
	if n < 0 || u.Remaining() < n {
		return nil, &errdefs.DecodeError{Op: op, Need: n, Have: u.Remaining()}
	}
	b := u.buf[u.offset : u.offset+n]
	u.offset += n
	return b, nil
}

func (u *Unpack) PopBool() (bool, error) {
	v, err := u.PopUint8()
	if err != nil {
		return false, err
	}
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		u.offset--
		return false, &errdefs.DecodeError{Op: "bool", Reason: fmt.Sprintf("invalid value %d", v)}
	}
}

func (u *Unpack) PopUint8() (uint8, error) {
	b, err := u.take("uint8", 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (u *Unpack) PopUint16() (uint16, error) {
	b, err := u.take("uint16", 2)
	if err != nil {
		return 0, err
	}
	return order.Uint16(b), nil
}

func (u *Unpack) PopUint32() (uint32, error) {
	b, err := u.take("uint32", 4)
	if err != nil {
		return 0, err
	}
	return order.Uint32(b), nil
}

func (u *Unpack) PopUint64() (uint64, error) {
	b, err := u.take("uint64", 8)
	if err != nil {
		return 0, err
	}
	return order.Uint64(b), nil
}

func (u *Unpack) PopInt32() (int32, error) {
	v, err := u.PopUint32()
	return int32(v), err
}

func (u *Unpack) PopInt64() (int64, error) {
	v, err := u.PopUint64()
	return int64(v), err
}

// PopLength reads a uint32 count and validates it against MaxLength and, when each
// element has at least minElem bytes, against the bytes that remain.
func (u *Unpack) PopLength(op string, minElem int) (int, error) {
	start := u.offset
	n, err := u.PopUint32()
	if err != nil {
		return 0, err
	}
	if n > MaxLength {
		u.offset = start
		return 0, &errdefs.DecodeError{Op: op, Reason: fmt.Sprintf("length %d exceeds limit", n)}
	}
	if minElem > 0 && u.Remaining() < int(n)*minElem {
		u.offset = start
		return 0, &errdefs.DecodeError{Op: op, Need: int(n) * minElem, Have: u.Remaining()}
	}
	return int(n), nil
}

// PopBytes reads a length-prefixed byte string. The result is a copy.
func (u *Unpack) PopBytes() ([]byte, error) {
	start := u.offset
	n, err := u.PopLength("bytes length", 0)
	if err != nil {
		return nil, err
	}
	b, err := u.take("bytes body", n)
	if err != nil {
		u.offset = start
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

// PopString reads a length-prefixed string.
func (u *Unpack) PopString() (string, error) {
	start := u.offset
	n, err := u.PopLength("string length", 0)
	if err != nil {
		return "", err
	}
	b, err := u.take("string body", n)
	if err != nil {
		u.offset = start
		return "", err
	}
	return string(b), nil
}

// PopMarshaler decodes into m.
func (u *Unpack) PopMarshaler(m Marshaler) error { return m.Unmarshal(u) }

func (u *Unpack) PopStrings() ([]string, error) {
	n, err := u.PopLength("string sequence", 4)
	if err != nil {
		return nil, err
	}
	out := make([]string, n)
	for i := range out {
		if out[i], err = u.PopString(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (u *Unpack) PopInt32s() ([]int32, error) {
	n, err := u.PopLength("int32 sequence", 4)
	if err != nil {
		return nil, err
	}
	out := make([]int32, n)
	for i := range out {
		if out[i], err = u.PopInt32(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (u *Unpack) PopInt64s() ([]int64, error) {
	n, err := u.PopLength("int64 sequence", 8)
	if err != nil {
		return nil, err
	}
	out := make([]int64, n)
	for i := range out {
		if out[i], err = u.PopInt64(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (u *Unpack) PopUint32s() ([]uint32, error) {
	n, err := u.PopLength("uint32 sequence", 4)
	if err != nil {
		return nil, err
	}
	out := make([]uint32, n)
	for i := range out {
		if out[i], err = u.PopUint32(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Encode marshals m into a fresh buffer.
func Encode(m Marshaler) []byte {
	p := NewPack()
	m.Marshal(p)
	return p.Bytes()
}

// Decode unmarshals buf into m and requires the whole buffer to be consumed.
func Decode(buf []byte, m Marshaler) error {
	u := NewUnpack(buf)
	if err := m.Unmarshal(u); err != nil {
		return err
	}
	if u.Remaining() != 0 {
		return &errdefs.DecodeError{Op: "trailer", Reason: fmt.Sprintf("%d unread bytes", u.Remaining())}
	}
	return nil
}
