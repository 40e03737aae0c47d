package appstate

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// WireMutation is one mutation record as it travels inside a Snapshot or
// WirePatch payload, mirroring the real service's RecordSync/ActionDataSync
// pairing without requiring a generated protobuf schema.
type WireMutation struct {
	Operation Operation // field 1
	KeyID     [6]byte   // field 2
	IndexMac  [32]byte  // field 3
	Blob      []byte    // field 4: ciphertext || valueMac(32)
}

func (m WireMutation) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Operation))
	b = appendBytesField(b, 2, m.KeyID[:])
	b = appendBytesField(b, 3, m.IndexMac[:])
	b = appendBytesField(b, 4, m.Blob)
	return b
}

func unmarshalMutation(data []byte) (WireMutation, error) {
	var m WireMutation
	err := forEachField(data, func(num protowire.Number, typ protowire.Type, data []byte) ([]byte, error) {
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("appstate: malformed mutation operation: %w", protowire.ParseError(n))
			}
			m.Operation = Operation(v)
			return data[n:], nil
		case 2:
			v, n, err := consumeBytes(data)
			if err != nil {
				return nil, err
			}
			copy(m.KeyID[:], v)
			return data[n:], nil
		case 3:
			v, n, err := consumeBytes(data)
			if err != nil {
				return nil, err
			}
			copy(m.IndexMac[:], v)
			return data[n:], nil
		case 4:
			v, n, err := consumeBytes(data)
			if err != nil {
				return nil, err
			}
			m.Blob = v
			return data[n:], nil
		default:
			return skipField(data, typ)
		}
	})
	return m, err
}

// Snapshot is the full authoritative mutation set for a collection's
// `version`, the form downloaded via BlobStore on a cold pull, per spec.md
// §4.5.4 step 2/3.
type Snapshot struct {
	Version   uint64
	Mutations []WireMutation
	Mac       [32]byte
}

func (s Snapshot) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, s.Version)
	for _, m := range s.Mutations {
		b = appendBytesField(b, 2, m.marshal())
	}
	b = appendBytesField(b, 3, s.Mac[:])
	return b
}

func UnmarshalSnapshot(data []byte) (Snapshot, error) {
	var s Snapshot
	err := forEachField(data, func(num protowire.Number, typ protowire.Type, data []byte) ([]byte, error) {
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("appstate: malformed snapshot version: %w", protowire.ParseError(n))
			}
			s.Version = v
			return data[n:], nil
		case 2:
			v, n, err := consumeBytes(data)
			if err != nil {
				return nil, err
			}
			mut, err := unmarshalMutation(v)
			if err != nil {
				return nil, err
			}
			s.Mutations = append(s.Mutations, mut)
			return data[n:], nil
		case 3:
			v, n, err := consumeBytes(data)
			if err != nil {
				return nil, err
			}
			copy(s.Mac[:], v)
			return data[n:], nil
		default:
			return skipField(data, typ)
		}
	})
	return s, err
}

// WirePatch is one incremental patch as it travels in a `<patch>` node's
// content, per spec.md §4.5.3.
type WirePatch struct {
	Version     uint64
	KeyID       [6]byte
	Mutations   []WireMutation
	SnapshotMac [32]byte
	PatchMac    [32]byte
}

func (p WirePatch) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, p.Version)
	b = appendBytesField(b, 2, p.KeyID[:])
	for _, m := range p.Mutations {
		b = appendBytesField(b, 3, m.marshal())
	}
	b = appendBytesField(b, 4, p.SnapshotMac[:])
	b = appendBytesField(b, 5, p.PatchMac[:])
	return b
}

func UnmarshalWirePatch(data []byte) (WirePatch, error) {
	var p WirePatch
	err := forEachField(data, func(num protowire.Number, typ protowire.Type, data []byte) ([]byte, error) {
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("appstate: malformed patch version: %w", protowire.ParseError(n))
			}
			p.Version = v
			return data[n:], nil
		case 2:
			v, n, err := consumeBytes(data)
			if err != nil {
				return nil, err
			}
			copy(p.KeyID[:], v)
			return data[n:], nil
		case 3:
			v, n, err := consumeBytes(data)
			if err != nil {
				return nil, err
			}
			mut, err := unmarshalMutation(v)
			if err != nil {
				return nil, err
			}
			p.Mutations = append(p.Mutations, mut)
			return data[n:], nil
		case 4:
			v, n, err := consumeBytes(data)
			if err != nil {
				return nil, err
			}
			copy(p.SnapshotMac[:], v)
			return data[n:], nil
		case 5:
			v, n, err := consumeBytes(data)
			if err != nil {
				return nil, err
			}
			copy(p.PatchMac[:], v)
			return data[n:], nil
		default:
			return skipField(data, typ)
		}
	})
	return p, err
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendBytes(b, v)
	return b
}

func consumeBytes(data []byte) ([]byte, int, error) {
	v, n := protowire.ConsumeBytes(data)
	if n < 0 {
		return nil, 0, fmt.Errorf("appstate: malformed protobuf bytes: %w", protowire.ParseError(n))
	}
	return v, n, nil
}

func skipField(data []byte, typ protowire.Type) ([]byte, error) {
	n := protowire.ConsumeFieldValue(0, typ, data)
	if n < 0 {
		return nil, fmt.Errorf("appstate: malformed protobuf field: %w", protowire.ParseError(n))
	}
	return data[n:], nil
}

// forEachField walks a sequence of tag+value pairs, handing each field's
// remaining-data slice to fn so varint and length-delimited fields can both
// report how many bytes they consumed.
func forEachField(data []byte, fn func(num protowire.Number, typ protowire.Type, data []byte) ([]byte, error)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("appstate: malformed protobuf tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		rest, err := fn(num, typ, data)
		if err != nil {
			return err
		}
		data = rest
	}
	return nil
}
