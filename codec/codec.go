// Package codec implements the self-describing key/value documents carried in
// message.Meta.Data, and the endpoint descriptor most services publish with them.
package codec

import (
	"fmt"

	"mini-s2s/errdefs"
	"mini-s2s/message"
)

// Codec turns a document into the payload bytes of one MetaType and back.
type Codec interface {
	Encode(enc *Encoder) ([]byte, error)
	Decode(data []byte) (*Decoder, error)
	Type() message.MetaType
}

// ForType returns the codec for payloads tagged t.
func ForType(t message.MetaType) (Codec, error) {
	switch t {
	case message.S2SDecoder:
		return &BinaryCodec{}, nil
	case message.TextJSON:
		return &JSONCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: no document codec for %s", errdefs.ErrTypeMismatch, t)
	}
}

// BinaryCodec is the native layout written by Encoder.Bytes.
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(enc *Encoder) ([]byte, error) {
	return enc.Bytes(), nil
}

func (c *BinaryCodec) Decode(data []byte) (*Decoder, error) {
	return NewDecoder(data)
}

func (c *BinaryCodec) Type() message.MetaType {
	return message.S2SDecoder
}
