package codec

import (
	"fmt"
	"maps"
	"slices"

	"mini-s2s/errdefs"
	"mini-s2s/wire"
)

// Kind is the tag stored next to every value in a document.
type Kind uint8

const (
	KindBool Kind = iota + 1
	KindInt32
	KindInt64
	KindUint32
	KindUint64
	KindString
	KindUint32Map
	KindInt32List
	KindInt64List
	KindStringList
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt32:
		return "int32"
	case KindInt64:
		return "int64"
	case KindUint32:
		return "uint32"
	case KindUint64:
		return "uint64"
	case KindString:
		return "string"
	case KindUint32Map:
		return "map<uint32,uint32>"
	case KindInt32List:
		return "[]int32"
	case KindInt64List:
		return "[]int64"
	case KindStringList:
		return "[]string"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is one typed document value. The zero Value is invalid.
type Value struct {
	kind Kind
	num  uint64 // bool, the integer kinds
	str  string
	m    map[uint32]uint32
	i32s []int32
	i64s []int64
	strs []string
}

func Bool(v bool) Value {
	var n uint64
	if v {
		n = 1
	}
	return Value{kind: KindBool, num: n}
}

func Int32(v int32) Value   { return Value{kind: KindInt32, num: uint64(uint32(v))} }
func Int64(v int64) Value   { return Value{kind: KindInt64, num: uint64(v)} }
func Uint32(v uint32) Value { return Value{kind: KindUint32, num: uint64(v)} }
func Uint64(v uint64) Value { return Value{kind: KindUint64, num: v} }
func String(v string) Value { return Value{kind: KindString, str: v} }

// Uint32Map copies v.
func Uint32Map(v map[uint32]uint32) Value {
	return Value{kind: KindUint32Map, m: maps.Clone(v)}
}

func Int32List(v []int32) Value   { return Value{kind: KindInt32List, i32s: slices.Clone(v)} }
func Int64List(v []int64) Value   { return Value{kind: KindInt64List, i64s: slices.Clone(v)} }
func StringList(v []string) Value { return Value{kind: KindStringList, strs: slices.Clone(v)} }

// Kind reports the tag of v.
func (v Value) Kind() Kind { return v.kind }

func (v Value) Bool() bool             { return v.num != 0 }
func (v Value) Int32() int32           { return int32(uint32(v.num)) }
func (v Value) Int64() int64           { return int64(v.num) }
func (v Value) Uint32() uint32         { return uint32(v.num) }
func (v Value) Uint64() uint64         { return v.num }
func (v Value) Str() string            { return v.str }
func (v Value) Map() map[uint32]uint32 { return maps.Clone(v.m) }
func (v Value) Int32s() []int32        { return slices.Clone(v.i32s) }
func (v Value) Int64s() []int64        { return slices.Clone(v.i64s) }
func (v Value) Strings() []string      { return slices.Clone(v.strs) }

// Interface returns v as a plain Go value.
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.Bool()
	case KindInt32:
		return v.Int32()
	case KindInt64:
		return v.Int64()
	case KindUint32:
		return v.Uint32()
	case KindUint64:
		return v.Uint64()
	case KindString:
		return v.str
	case KindUint32Map:
		return v.Map()
	case KindInt32List:
		return v.Int32s()
	case KindInt64List:
		return v.Int64s()
	case KindStringList:
		return v.Strings()
	default:
		return nil
	}
}

func (v Value) marshal(p *wire.Pack) {
	p.PutUint8(uint8(v.kind))
	switch v.kind {
	case KindBool:
		p.PutBool(v.Bool())
	case KindInt32, KindUint32:
		p.PutUint32(uint32(v.num))
	case KindInt64, KindUint64:
		p.PutUint64(v.num)
	case KindString:
		p.PutString(v.str)
	case KindUint32Map:
		// sorted so equal maps encode to equal bytes
		keys := slices.Sorted(maps.Keys(v.m))
		p.PutUint32(uint32(len(keys)))
		for _, k := range keys {
			p.PutUint32(k)
			p.PutUint32(v.m[k])
		}
	case KindInt32List:
		p.PutInt32s(v.i32s)
	case KindInt64List:
		p.PutInt64s(v.i64s)
	case KindStringList:
		p.PutStrings(v.strs)
	}
}

func unmarshalValue(u *wire.Unpack) (Value, error) {
	tag, err := u.PopUint8()
	if err != nil {
		return Value{}, err
	}
	v := Value{kind: Kind(tag)}
	switch v.kind {
	case KindBool:
		b, err := u.PopBool()
		if err != nil {
			return Value{}, err
		}
		return Bool(b), nil
	case KindInt32, KindUint32:
		n, err := u.PopUint32()
		v.num = uint64(n)
		return v, err
	case KindInt64, KindUint64:
		v.num, err = u.PopUint64()
		return v, err
	case KindString:
		v.str, err = u.PopString()
		return v, err
	case KindUint32Map:
		n, err := u.PopLength("uint32 map", 8)
		if err != nil {
			return Value{}, err
		}
		v.m = make(map[uint32]uint32, n)
		for range n {
			k, err := u.PopUint32()
			if err != nil {
				return Value{}, err
			}
			if v.m[k], err = u.PopUint32(); err != nil {
				return Value{}, err
			}
		}
		return v, nil
	case KindInt32List:
		v.i32s, err = u.PopInt32s()
		return v, err
	case KindInt64List:
		v.i64s, err = u.PopInt64s()
		return v, err
	case KindStringList:
		v.strs, err = u.PopStrings()
		return v, err
	default:
		return Value{}, &errdefs.DecodeError{Op: "value kind", Reason: fmt.Sprintf("unknown tag %d", tag)}
	}
}
