package protocol

import (
	"fmt"
	"math"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
)

// Message is a payload carried inside a frame. Payloads use protobuf wire
// encoding so the device firmware can decode them with nanopb.
type Message interface {
	Marshal() []byte
	Unmarshal(b []byte) error
}

// Unmarshal decodes payload into m and wraps failures in a DecodeError.
func Unmarshal(payload []byte, m Message) error {
	if err := m.Unmarshal(payload); err != nil {
		return &DecodeError{What: strings.TrimPrefix(fmt.Sprintf("%T", m), "*protocol."), Err: err}
	}
	return nil
}

// encoder appends fields in protobuf wire format. Zero scalars are omitted
// as proto3 does.
type encoder []byte

func (e *encoder) uint(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	*e = protowire.AppendTag(*e, num, protowire.VarintType)
	*e = protowire.AppendVarint(*e, v)
}

func (e *encoder) bool(num protowire.Number, v bool) {
	e.uint(num, protowire.EncodeBool(v))
}

func (e *encoder) bytes(num protowire.Number, v []byte) {
	if len(v) == 0 {
		return
	}
	*e = protowire.AppendTag(*e, num, protowire.BytesType)
	*e = protowire.AppendBytes(*e, v)
}

func (e *encoder) string(num protowire.Number, v string) {
	if v == "" {
		return
	}
	*e = protowire.AppendTag(*e, num, protowire.BytesType)
	*e = protowire.AppendString(*e, v)
}

func (e *encoder) message(num protowire.Number, m Message) {
	*e = protowire.AppendTag(*e, num, protowire.BytesType)
	*e = protowire.AppendBytes(*e, m.Marshal())
}

func (e *encoder) packed(num protowire.Number, vs []uint32) {
	if len(vs) == 0 {
		return
	}
	var inner []byte
	for _, v := range vs {
		inner = protowire.AppendVarint(inner, uint64(v))
	}
	e.bytes(num, inner)
}

// field is one decoded tag/value pair.
type field struct {
	num protowire.Number
	typ protowire.Type
	v   uint64
	b   []byte
}

// walk calls fn for each field in b. Unknown wire types are skipped.
func walk(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.v, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.b, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func (f field) wrongType() error {
	return fmt.Errorf("field %d: unexpected wire type %d", f.num, f.typ)
}

func (f field) uint64() (uint64, error) {
	if f.typ != protowire.VarintType {
		return 0, f.wrongType()
	}
	return f.v, nil
}

func (f field) uint32() (uint32, error) {
	v, err := f.uint64()
	if err != nil {
		return 0, err
	}
	if v > math.MaxUint32 {
		return 0, fmt.Errorf("field %d: value %d overflows uint32", f.num, v)
	}
	return uint32(v), nil
}

func (f field) bool() (bool, error) {
	v, err := f.uint64()
	return protowire.DecodeBool(v), err
}

func (f field) bytes() ([]byte, error) {
	if f.typ != protowire.BytesType {
		return nil, f.wrongType()
	}
	return append([]byte(nil), f.b...), nil
}

func (f field) string() (string, error) {
	if f.typ != protowire.BytesType {
		return "", f.wrongType()
	}
	return string(f.b), nil
}

func (f field) message(m Message) error {
	if f.typ != protowire.BytesType {
		return f.wrongType()
	}
	return m.Unmarshal(f.b)
}

// appendUint32s accepts both packed and unpacked repeated encodings.
func (f field) appendUint32s(dst []uint32) ([]uint32, error) {
	if f.typ == protowire.VarintType {
		v, err := f.uint32()
		return append(dst, v), err
	}
	if f.typ != protowire.BytesType {
		return dst, f.wrongType()
	}
	b := f.b
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return dst, protowire.ParseError(n)
		}
		if v > math.MaxUint32 {
			return dst, fmt.Errorf("field %d: value %d overflows uint32", f.num, v)
		}
		dst = append(dst, uint32(v))
		b = b[n:]
	}
	return dst, nil
}
