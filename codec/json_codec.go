package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"

	"mini-s2s/errdefs"
	"mini-s2s/message"
)

// JSONCodec writes a document as a flat JSON object.
// Readable with any JSON tool, but kinds are not stored: on decode integers become
// int64 (uint64 above MaxInt64), arrays become lists of their element type and
// objects become uint32 maps. The Decoder it returns converts between integer kinds
// when the stored value fits, so Select works with the kind the writer used.
type JSONCodec struct{}

func (c *JSONCodec) Encode(enc *Encoder) ([]byte, error) {
	obj := make(map[string]any, len(enc.entries))
	for _, en := range enc.entries {
		switch v := en.val; v.kind {
		case KindUint32Map:
			m := make(map[string]uint32, len(v.m))
			for k, n := range v.m {
				m[strconv.FormatUint(uint64(k), 10)] = n
			}
			obj[en.key] = m
		// nil lists must not turn into null
		case KindInt32List:
			obj[en.key] = append([]int32{}, v.i32s...)
		case KindInt64List:
			obj[en.key] = append([]int64{}, v.i64s...)
		case KindStringList:
			obj[en.key] = append([]string{}, v.strs...)
		default:
			obj[en.key] = v.Interface()
		}
	}
	return json.Marshal(obj)
}

func (c *JSONCodec) Decode(data []byte) (*Decoder, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, &errdefs.DecodeError{Op: "json document", Reason: err.Error()}
	}

	d := &Decoder{index: make(map[string]int, len(obj)), loose: true}
	// map order is random; sort so Keys is stable
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		v, err := jsonValue(obj[k])
		if err != nil {
			return nil, &errdefs.DecodeError{Op: "json key " + strconv.Quote(k), Reason: err.Error()}
		}
		d.index[k] = len(d.entries)
		d.entries = append(d.entries, entry{key: k, val: v})
	}
	return d, nil
}

func (c *JSONCodec) Type() message.MetaType {
	return message.TextJSON
}

func jsonValue(raw any) (Value, error) {
	switch x := raw.(type) {
	case bool:
		return Bool(x), nil
	case string:
		return String(x), nil
	case json.Number:
		return jsonNumber(x)
	case map[string]any:
		m := make(map[uint32]uint32, len(x))
		for k, v := range x {
			key, err := strconv.ParseUint(k, 10, 32)
			if err != nil {
				return Value{}, fmt.Errorf("map key %q: %w", k, err)
			}
			n, ok := v.(json.Number)
			if !ok {
				return Value{}, fmt.Errorf("map value for %q is not a number", k)
			}
			val, err := strconv.ParseUint(n.String(), 10, 32)
			if err != nil {
				return Value{}, fmt.Errorf("map value for %q: %w", k, err)
			}
			m[uint32(key)] = uint32(val)
		}
		return Value{kind: KindUint32Map, m: m}, nil
	case []any:
		return jsonList(x)
	default:
		return Value{}, fmt.Errorf("unsupported JSON value %T", raw)
	}
}

func jsonNumber(n json.Number) (Value, error) {
	if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
		return Int64(i), nil
	}
	if u, err := strconv.ParseUint(n.String(), 10, 64); err == nil {
		return Uint64(u), nil
	}
	return Value{}, fmt.Errorf("%s is not an integer", n)
}

// An empty array decodes as an empty int64 list; coerce lets it satisfy any list kind.
func jsonList(items []any) (Value, error) {
	if len(items) == 0 {
		return Value{kind: KindInt64List, i64s: []int64{}}, nil
	}
	if _, ok := items[0].(string); ok {
		strs := make([]string, len(items))
		for i, it := range items {
			s, ok := it.(string)
			if !ok {
				return Value{}, fmt.Errorf("mixed array at index %d", i)
			}
			strs[i] = s
		}
		return Value{kind: KindStringList, strs: strs}, nil
	}
	nums := make([]int64, len(items))
	for i, it := range items {
		n, ok := it.(json.Number)
		if !ok {
			return Value{}, fmt.Errorf("mixed array at index %d", i)
		}
		v, err := strconv.ParseInt(n.String(), 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("array index %d: %w", i, err)
		}
		nums[i] = v
	}
	return Value{kind: KindInt64List, i64s: nums}, nil
}

// coerce converts v to kind when no information is lost.
func coerce(v Value, kind Kind) (Value, bool) {
	if v.kind == kind {
		return v, true
	}
	switch v.kind {
	case KindInt64, KindUint64:
		if v.kind == KindUint64 && v.num > math.MaxInt64 {
			return Value{}, false
		}
		signed := int64(v.num)
		switch kind {
		case KindInt32:
			if signed >= math.MinInt32 && signed <= math.MaxInt32 {
				return Int32(int32(signed)), true
			}
		case KindUint32:
			if signed >= 0 && signed <= math.MaxUint32 {
				return Uint32(uint32(signed)), true
			}
		case KindInt64:
			return Int64(signed), true
		case KindUint64:
			if signed >= 0 {
				return Uint64(uint64(signed)), true
			}
		}
	case KindInt64List:
		switch kind {
		case KindInt32List:
			out := make([]int32, len(v.i64s))
			for i, n := range v.i64s {
				if n < math.MinInt32 || n > math.MaxInt32 {
					return Value{}, false
				}
				out[i] = int32(n)
			}
			return Value{kind: KindInt32List, i32s: out}, true
		case KindStringList:
			if len(v.i64s) == 0 {
				return Value{kind: KindStringList, strs: []string{}}, true
			}
		}
	}
	return Value{}, false
}
