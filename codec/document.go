package codec

import (
	"fmt"

	"mini-s2s/errdefs"
	"mini-s2s/wire"
)

// Well-known keys used by the endpoint helpers.
const (
	KeyIPList     = "iplist"
	KeyTCPPort    = "tcp_port"
	KeyUDPPort    = "udp_port"
	KeyPropKeys   = "exPropKey"
	KeyPropValues = "exPropValue"
)

type entry struct {
	key string
	val Value
}

// Encoder builds a self-describing document. Keys are unique and keep insertion order.
//
// Encoded layout: u32 entry count, then per entry the key string, a u8 Kind and the value.
type Encoder struct {
	entries []entry
	index   map[string]int
}

func NewEncoder() *Encoder {
	return &Encoder{index: make(map[string]int)}
}

// Insert adds key. A repeated key fails with errdefs.ErrDuplicateKey and leaves the
// document unchanged.
func (e *Encoder) Insert(key string, v Value) error {
	if v.kind == 0 {
		return fmt.Errorf("codec: insert %q: zero Value", key)
	}
	if _, ok := e.index[key]; ok {
		return fmt.Errorf("%w: %q", errdefs.ErrDuplicateKey, key)
	}
	e.index[key] = len(e.entries)
	e.entries = append(e.entries, entry{key: key, val: v})
	return nil
}

// Len returns the number of keys.
func (e *Encoder) Len() int { return len(e.entries) }

// WriteIPList stores ips as int64s packed (isp<<32)|ip, ordered by ISP.
func (e *Encoder) WriteIPList(ips map[ISPType]uint32) error {
	return e.Insert(KeyIPList, Int64List(packIPList(ips)))
}

func (e *Encoder) WriteTCPPort(port uint32) error { return e.Insert(KeyTCPPort, Uint32(port)) }

func (e *Encoder) WriteUDPPort(port uint32) error { return e.Insert(KeyUDPPort, Uint32(port)) }

// WriteProperties stores props as two parallel string lists, ordered by key.
func (e *Encoder) WriteProperties(props map[string]string) error {
	keys, vals := splitProperties(props)
	if _, ok := e.index[KeyPropValues]; ok {
		return fmt.Errorf("%w: %q", errdefs.ErrDuplicateKey, KeyPropValues)
	}
	if err := e.Insert(KeyPropKeys, StringList(keys)); err != nil {
		return err
	}
	return e.Insert(KeyPropValues, StringList(vals))
}

func marshalEntries(p *wire.Pack, entries []entry) {
	p.PutUint32(uint32(len(entries)))
	for _, en := range entries {
		p.PutString(en.key)
		en.val.marshal(p)
	}
}

// Bytes returns the finished document. The Encoder stays usable.
func (e *Encoder) Bytes() []byte {
	p := wire.NewPack()
	marshalEntries(p, e.entries)
	return p.Bytes()
}

// Decoder gives keyed access to an encoded document.
type Decoder struct {
	entries []entry
	index   map[string]int
	loose   bool // kinds were inferred, convert on Select
}

// NewDecoder parses buf. Truncated input, unknown kinds, duplicate keys and trailing
// bytes are reported as decode errors.
func NewDecoder(buf []byte) (*Decoder, error) {
	d := &Decoder{}
	if err := wire.Decode(buf, d); err != nil {
		return nil, err
	}
	return d, nil
}

// Marshal re-encodes the document.
func (d *Decoder) Marshal(p *wire.Pack) { marshalEntries(p, d.entries) }

func (d *Decoder) Unmarshal(u *wire.Unpack) error {
	// key length + kind tag + smallest value
	n, err := u.PopLength("document", 6)
	if err != nil {
		return err
	}
	entries := make([]entry, 0, n)
	index := make(map[string]int, n)
	for range n {
		key, err := u.PopString()
		if err != nil {
			return err
		}
		if _, dup := index[key]; dup {
			return &errdefs.DecodeError{Op: "document", Reason: fmt.Sprintf("duplicate key %q", key)}
		}
		v, err := unmarshalValue(u)
		if err != nil {
			return err
		}
		index[key] = len(entries)
		entries = append(entries, entry{key: key, val: v})
	}
	d.entries, d.index = entries, index
	return nil
}

// Keys returns the keys in document order.
func (d *Decoder) Keys() []string {
	keys := make([]string, len(d.entries))
	for i, en := range d.entries {
		keys[i] = en.key
	}
	return keys
}

// Has reports whether key is present.
func (d *Decoder) Has(key string) bool {
	_, ok := d.index[key]
	return ok
}

// Select returns the value of key, which must have the given kind.
func (d *Decoder) Select(key string, kind Kind) (Value, error) {
	i, ok := d.index[key]
	if !ok {
		return Value{}, fmt.Errorf("%w: key %q", errdefs.ErrNotFound, key)
	}
	v := d.entries[i].val
	if d.loose {
		if cv, ok := coerce(v, kind); ok {
			return cv, nil
		}
	}
	if v.kind != kind {
		return Value{}, fmt.Errorf("%w: key %q is %s, not %s", errdefs.ErrTypeMismatch, key, v.kind, kind)
	}
	return v, nil
}

func (d *Decoder) SelectBool(key string) (bool, error) {
	v, err := d.Select(key, KindBool)
	return v.Bool(), err
}

func (d *Decoder) SelectInt32(key string) (int32, error) {
	v, err := d.Select(key, KindInt32)
	return v.Int32(), err
}

func (d *Decoder) SelectInt64(key string) (int64, error) {
	v, err := d.Select(key, KindInt64)
	return v.Int64(), err
}

func (d *Decoder) SelectUint32(key string) (uint32, error) {
	v, err := d.Select(key, KindUint32)
	return v.Uint32(), err
}

func (d *Decoder) SelectUint64(key string) (uint64, error) {
	v, err := d.Select(key, KindUint64)
	return v.Uint64(), err
}

func (d *Decoder) SelectString(key string) (string, error) {
	v, err := d.Select(key, KindString)
	return v.Str(), err
}

func (d *Decoder) SelectUint32Map(key string) (map[uint32]uint32, error) {
	v, err := d.Select(key, KindUint32Map)
	return v.Map(), err
}

func (d *Decoder) SelectInt32List(key string) ([]int32, error) {
	v, err := d.Select(key, KindInt32List)
	return v.Int32s(), err
}

func (d *Decoder) SelectInt64List(key string) ([]int64, error) {
	v, err := d.Select(key, KindInt64List)
	return v.Int64s(), err
}

func (d *Decoder) SelectStringList(key string) ([]string, error) {
	v, err := d.Select(key, KindStringList)
	return v.Strings(), err
}

// ReadIPList unpacks the list written by WriteIPList.
func (d *Decoder) ReadIPList() (map[ISPType]uint32, error) {
	packed, err := d.SelectInt64List(KeyIPList)
	if err != nil {
		return nil, err
	}
	return unpackIPList(packed), nil
}

func (d *Decoder) ReadTCPPort() (uint32, error) { return d.SelectUint32(KeyTCPPort) }

func (d *Decoder) ReadUDPPort() (uint32, error) { return d.SelectUint32(KeyUDPPort) }

// ReadProperties rebuilds the map written by WriteProperties. A document without
// properties yields an empty map.
func (d *Decoder) ReadProperties() (map[string]string, error) {
	if !d.Has(KeyPropKeys) && !d.Has(KeyPropValues) {
		return map[string]string{}, nil
	}
	keys, err := d.SelectStringList(KeyPropKeys)
	if err != nil {
		return nil, err
	}
	vals, err := d.SelectStringList(KeyPropValues)
	if err != nil {
		return nil, err
	}
	if len(keys) != len(vals) {
		return nil, &errdefs.DecodeError{Op: "properties",
			Reason: fmt.Sprintf("%d keys, %d values", len(keys), len(vals))}
	}
	props := make(map[string]string, len(keys))
	for i, k := range keys {
		props[k] = vals[i]
	}
	return props, nil
}
