package noise

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ClientHello, ServerHello, and ClientFinish are the three messages of the
// HandshakeMessage protobuf schema named in spec.md §6. Field numbers below
// are wire-exact and MUST NOT change without breaking interoperability.
type ClientHello struct {
	Ephemeral []byte // field 1
}

type ServerHello struct {
	Ephemeral         []byte // field 1
	StaticCiphertext  []byte // field 2
	PayloadCiphertext []byte // field 3
}

type ClientFinish struct {
	StaticCiphertext  []byte // field 1
	PayloadCiphertext []byte // field 2
}

func (m *ClientHello) Marshal() []byte {
	var b []byte
	b = appendBytesField(b, 1, m.Ephemeral)
	return b
}

func UnmarshalClientHello(data []byte) (*ClientHello, error) {
	m := &ClientHello{}
	err := forEachField(data, func(num protowire.Number, val []byte) error {
		if num == 1 {
			m.Ephemeral = val
		}
		return nil
	})
	return m, err
}

func (m *ServerHello) Marshal() []byte {
	var b []byte
	b = appendBytesField(b, 1, m.Ephemeral)
	b = appendBytesField(b, 2, m.StaticCiphertext)
	b = appendBytesField(b, 3, m.PayloadCiphertext)
	return b
}

func UnmarshalServerHello(data []byte) (*ServerHello, error) {
	m := &ServerHello{}
	err := forEachField(data, func(num protowire.Number, val []byte) error {
		switch num {
		case 1:
			m.Ephemeral = val
		case 2:
			m.StaticCiphertext = val
		case 3:
			m.PayloadCiphertext = val
		}
		return nil
	})
	return m, err
}

func (m *ClientFinish) Marshal() []byte {
	var b []byte
	b = appendBytesField(b, 1, m.StaticCiphertext)
	b = appendBytesField(b, 2, m.PayloadCiphertext)
	return b
}

func UnmarshalClientFinish(data []byte) (*ClientFinish, error) {
	m := &ClientFinish{}
	err := forEachField(data, func(num protowire.Number, val []byte) error {
		switch num {
		case 1:
			m.StaticCiphertext = val
		case 2:
			m.PayloadCiphertext = val
		}
		return nil
	})
	return m, err
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendBytes(b, v)
	return b
}

func forEachField(data []byte, fn func(num protowire.Number, val []byte) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("noise: malformed protobuf tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		if typ != protowire.BytesType {
			return fmt.Errorf("noise: unsupported wire type %v for field %d", typ, num)
		}
		val, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return fmt.Errorf("noise: malformed protobuf bytes: %w", protowire.ParseError(n))
		}
		data = data[n:]
		if err := fn(num, val); err != nil {
			return err
		}
	}
	return nil
}
