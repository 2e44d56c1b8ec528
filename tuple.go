package ixdb

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Kind is the type of a field value.
type Kind uint8

// The order of kinds matches the order of their encoded tags.
const (
	KindInvalid Kind = iota
	KindBool
	KindInt
	KindUint
	KindFloat
	KindTime
	KindString
	KindBytes
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindUint:
		return "uint"
	case KindFloat:
		return "float"
	case KindTime:
		return "time"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	default:
		return fmt.Sprintf("invalid kind %d", int(k))
	}
}

const (
	tagMin    byte = 0x00
	tagBool   byte = 0x10
	tagInt    byte = 0x20
	tagUint   byte = 0x21
	tagFloat  byte = 0x22
	tagTime   byte = 0x23
	tagString byte = 0x30
	tagBytes  byte = 0x31
	tagMax    byte = 0xFF

	signBit = uint64(1) << 63

	escByte  = 0x00
	escZero  = 0xFF
	escTerm  = 0x01
	boundMin = -1
	boundMax = 1
)

// Value is a single typed component of a composite key or a sort payload.
// The zero Value is invalid. Min and Max are kindless sentinels that sort
// below and above every other value.
//
// Values are comparable with ==.
type Value struct {
	kind  Kind
	bound int8
	n     uint64
	s     string
}

func Bool(v bool) Value {
	if v {
		return Value{kind: KindBool, n: 1}
	}
	return Value{kind: KindBool}
}

// Float returns a float value. Negative zero is stored as zero so the two
// compare and encode alike.
func Float(v float64) Value {
	if v == 0 {
		v = 0
	}
	return Value{kind: KindFloat, n: math.Float64bits(v)}
}

func Int(v int64) Value       { return Value{kind: KindInt, n: uint64(v)} }
func Uint(v uint64) Value     { return Value{kind: KindUint, n: v} }
func Time(v time.Time) Value  { return Value{kind: KindTime, n: uint64(v.UnixNano())} }
func String(v string) Value   { return Value{kind: KindString, s: v} }
func Bytes(v []byte) Value    { return Value{kind: KindBytes, s: string(v)} }
func Min() Value              { return Value{bound: boundMin} }
func Max() Value              { return Value{bound: boundMax} }
func (v Value) Kind() Kind    { return v.kind }
func (v Value) IsMin() bool   { return v.bound == boundMin }
func (v Value) IsMax() bool   { return v.bound == boundMax }
func (v Value) IsValid() bool { return v.kind != KindInvalid || v.bound != 0 }
func (v Value) Bool() bool    { return v.n != 0 }
func (v Value) Int() int64    { return int64(v.n) }
func (v Value) Uint() uint64  { return v.n }
func (v Value) Float() float64 {
	return math.Float64frombits(v.n)
}
func (v Value) Time() time.Time { return time.Unix(0, int64(v.n)).UTC() }
func (v Value) Str() string     { return v.s }
func (v Value) Raw() []byte     { return []byte(v.s) }

func (v Value) String() string {
	switch {
	case v.bound == boundMin:
		return "MIN"
	case v.bound == boundMax:
		return "MAX"
	}
	switch v.kind {
	case KindBool:
		return strconv.FormatBool(v.Bool())
	case KindInt:
		return strconv.FormatInt(v.Int(), 10)
	case KindUint:
		return strconv.FormatUint(v.n, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float(), 'g', -1, 64)
	case KindTime:
		return v.Time().Format(time.RFC3339Nano)
	case KindString:
		return strconv.Quote(v.s)
	case KindBytes:
		return "0x" + hex.EncodeToString([]byte(v.s))
	default:
		return "<invalid>"
	}
}

// Compare orders values the same way their encodings order bytewise.
func Compare(a, b Value) int {
	if a.bound != 0 || b.bound != 0 {
		return cmp.Compare(a.bound, b.bound)
	}
	if a.kind != b.kind {
		return cmp.Compare(a.kind, b.kind)
	}
	switch a.kind {
	case KindInt, KindTime:
		return cmp.Compare(int64(a.n), int64(b.n))
	case KindFloat:
		return cmp.Compare(sortableFloat(a.n), sortableFloat(b.n))
	case KindString, KindBytes:
		return strings.Compare(a.s, b.s)
	default:
		return cmp.Compare(a.n, b.n)
	}
}

func sortableFloat(bits uint64) uint64 {
	if bits&signBit != 0 {
		return ^bits
	}
	return bits | signBit
}

func unsortableFloat(u uint64) uint64 {
	if u&signBit != 0 {
		return u &^ signBit
	}
	return ^u
}

// AppendTo appends the order-preserving, self-delimiting encoding of v.
func (v Value) AppendTo(buf []byte) []byte {
	switch v.bound {
	case boundMin:
		return append(buf, tagMin)
	case boundMax:
		return append(buf, tagMax)
	}
	switch v.kind {
	case KindBool:
		return append(buf, tagBool, byte(v.n))
	case KindInt:
		return appendUint64(append(buf, tagInt), v.n^signBit)
	case KindUint:
		return appendUint64(append(buf, tagUint), v.n)
	case KindFloat:
		return appendUint64(append(buf, tagFloat), sortableFloat(v.n))
	case KindTime:
		return appendUint64(append(buf, tagTime), v.n^signBit)
	case KindString:
		return appendEscaped(append(buf, tagString), v.s)
	case KindBytes:
		return appendEscaped(append(buf, tagBytes), v.s)
	default:
		panic(fmt.Errorf("cannot encode %v", v.kind))
	}
}

func appendEscaped(buf []byte, s string) []byte {
	for {
		i := strings.IndexByte(s, escByte)
		if i < 0 {
			break
		}
		buf = append(buf, s[:i]...)
		buf = append(buf, escByte, escZero)
		s = s[i+1:]
	}
	buf = append(buf, s...)
	return append(buf, escByte, escTerm)
}

func decodeEscaped(buf []byte) (string, []byte, error) {
	var out []byte
	rest := buf
	for {
		i := bytes.IndexByte(rest, escByte)
		if i < 0 || i+1 >= len(rest) {
			return "", nil, dataErrf(buf, 0, nil, "unterminated string")
		}
		out = append(out, rest[:i]...)
		switch rest[i+1] {
		case escTerm:
			return string(out), rest[i+2:], nil
		case escZero:
			out = append(out, 0)
			rest = rest[i+2:]
		default:
			return "", nil, dataErrf(buf, len(buf)-len(rest)+i, nil, "invalid escape 0x%02x", rest[i+1])
		}
	}
}

func decodeValue(buf []byte) (Value, []byte, error) {
	if len(buf) == 0 {
		return Value{}, nil, dataErrf(buf, 0, nil, "empty value")
	}
	tag, rest := buf[0], buf[1:]
	fixed := func(kind Kind, xform func(uint64) uint64) (Value, []byte, error) {
		if len(rest) < 8 {
			return Value{}, nil, dataErrf(buf, 1, nil, "truncated %v", kind)
		}
		return Value{kind: kind, n: xform(binary.BigEndian.Uint64(rest))}, rest[8:], nil
	}
	switch tag {
	case tagMin:
		return Min(), rest, nil
	case tagMax:
		return Max(), rest, nil
	case tagBool:
		if len(rest) < 1 || rest[0] > 1 {
			return Value{}, nil, dataErrf(buf, 1, nil, "invalid bool")
		}
		return Bool(rest[0] == 1), rest[1:], nil
	case tagInt:
		return fixed(KindInt, func(u uint64) uint64 { return u ^ signBit })
	case tagUint:
		return fixed(KindUint, func(u uint64) uint64 { return u })
	case tagFloat:
		return fixed(KindFloat, unsortableFloat)
	case tagTime:
		return fixed(KindTime, func(u uint64) uint64 { return u ^ signBit })
	case tagString, tagBytes:
		s, rest, err := decodeEscaped(rest)
		if err != nil {
			return Value{}, nil, err
		}
		kind := KindString
		if tag == tagBytes {
			kind = KindBytes
		}
		return Value{kind: kind, s: s}, rest, nil
	default:
		return Value{}, nil, dataErrf(buf, 0, nil, "unknown value tag 0x%02x", tag)
	}
}

func appendTuple(buf []byte, vals []Value) []byte {
	for _, v := range vals {
		buf = v.AppendTo(buf)
	}
	return buf
}

func decodeTuple(buf []byte) ([]Value, error) {
	var vals []Value
	for len(buf) > 0 {
		v, rest, err := decodeValue(buf)
		if err != nil {
			return nil, err
		}
		vals = append(vals, v)
		buf = rest
	}
	return vals, nil
}

// successor returns the least value of the same kind greater than v.
// ok is false when no such value is representable.
func successor(v Value) (Value, bool) {
	if v.bound != 0 {
		return v, false
	}
	switch v.kind {
	case KindBool:
		if v.Bool() {
			return Max(), true
		}
		return Bool(true), true
	case KindInt, KindTime:
		if int64(v.n) == math.MaxInt64 {
			return Max(), true
		}
		return Value{kind: v.kind, n: uint64(int64(v.n) + 1)}, true
	case KindUint:
		if v.n == math.MaxUint64 {
			return Max(), true
		}
		return Uint(v.n + 1), true
	case KindFloat:
		f := v.Float()
		if math.IsNaN(f) {
			return v, false
		}
		if math.IsInf(f, 1) {
			return Max(), true
		}
		return Float(math.Nextafter(f, math.Inf(1))), true
	case KindString, KindBytes:
		return Value{kind: v.kind, s: v.s + "\x00"}, true
	default:
		return v, false
	}
}

// predecessor returns the greatest value of the same kind less than v.
// Strings have no representable predecessor.
func predecessor(v Value) (Value, bool) {
	if v.bound != 0 {
		return v, false
	}
	switch v.kind {
	case KindBool:
		if v.Bool() {
			return Bool(false), true
		}
		return Min(), true
	case KindInt, KindTime:
		if int64(v.n) == math.MinInt64 {
			return Min(), true
		}
		return Value{kind: v.kind, n: uint64(int64(v.n) - 1)}, true
	case KindUint:
		if v.n == 0 {
			return Min(), true
		}
		return Uint(v.n - 1), true
	case KindFloat:
		f := v.Float()
		if math.IsNaN(f) {
			return v, false
		}
		if math.IsInf(f, -1) {
			return Min(), true
		}
		return Float(math.Nextafter(f, math.Inf(-1))), true
	case KindString, KindBytes:
		if v.s == "" {
			return Min(), true
		}
		return v, false
	default:
		return v, false
	}
}

var (
	_ msgpack.CustomEncoder = Value{}
	_ msgpack.CustomDecoder = (*Value)(nil)
)

func (v Value) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.EncodeBytes(v.AppendTo(nil))
}

func (v *Value) DecodeMsgpack(dec *msgpack.Decoder) error {
	b, err := dec.DecodeBytes()
	if err != nil {
		return err
	}
	val, rest, err := decodeValue(b)
	if err != nil {
		return err
	}
	if len(rest) != 0 {
		return dataErrf(b, len(b)-len(rest), nil, "trailing bytes after value")
	}
	*v = val
	return nil
}
