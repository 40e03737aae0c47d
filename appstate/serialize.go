package appstate

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// wireLTHashState mirrors LTHashState for CBOR persistence, the same
// private-wire-struct pairing signal/serialize.go uses for Session.
type wireLTHashState struct {
	Name          string
	Version       uint64
	Hash          [hashSize]byte
	IndexValueMap map[string][32]byte
}

func encodeLTHashState(s *LTHashState) []byte {
	w := wireLTHashState{Name: s.Name, Version: s.Version, Hash: s.Hash, IndexValueMap: s.IndexValueMap}
	data, err := cbor.Marshal(w)
	if err != nil {
		// Only unsupported types fail to CBOR-marshal; all fields here are
		// plain bytes/maps, so this is unreachable in practice.
		return nil
	}
	return data
}

func decodeLTHashState(data []byte) (*LTHashState, error) {
	var w wireLTHashState
	if err := cbor.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("appstate: decode persisted state: %w", err)
	}
	if w.IndexValueMap == nil {
		w.IndexValueMap = map[string][32]byte{}
	}
	return &LTHashState{Name: w.Name, Version: w.Version, Hash: w.Hash, IndexValueMap: w.IndexValueMap}, nil
}
