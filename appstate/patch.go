package appstate

import (
	"crypto/hmac"
	"encoding/binary"
)

// Patch is one version's worth of mutations plus the two MACs that chain it
// to the collection's running LTHash state, per spec.md §4.5.3.
type Patch struct {
	Version     uint64
	KeyID       [6]byte
	Mutations   []EncodedMutation
	SnapshotMac [32]byte
	PatchMac    [32]byte
}

// generateSnapshotMac computes HMAC-SHA256(snapshotMacKey, hash ||
// u64_be(version) || collection_name_bytes), per spec.md §4.5.3.
func generateSnapshotMac(hash [hashSize]byte, version uint64, collection string, key []byte) [32]byte {
	total := make([]byte, 0, hashSize+8+len(collection))
	total = append(total, hash[:]...)
	total = appendUint64BE(total, version)
	total = append(total, collection...)
	return hmacSHA256(key, total)
}

// generatePatchMac computes HMAC-SHA256(patchMacKey, snapshotMac ||
// concat(value_macs) || u64_be(version) || collection_name_bytes), per
// spec.md §4.5.3.
func generatePatchMac(snapshotMac [32]byte, valueMacs [][32]byte, version uint64, collection string, key []byte) [32]byte {
	total := make([]byte, 0, 32+32*len(valueMacs)+8+len(collection))
	total = append(total, snapshotMac[:]...)
	for _, vm := range valueMacs {
		total = append(total, vm[:]...)
	}
	total = appendUint64BE(total, version)
	total = append(total, collection...)
	return hmacSHA256(key, total)
}

func appendUint64BE(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

// BuildPatch assembles a Patch from already-encoded mutations, computing
// both chained MACs, ready for the push protocol's wire encoding (spec.md
// §4.5.5 step 3).
func BuildPatch(collection string, version uint64, keyID [6]byte, mutations []EncodedMutation, hash [hashSize]byte, keys MutationKeys) Patch {
	snapshotMac := generateSnapshotMac(hash, version, collection, keys.SnapshotMacKey[:])

	valueMacs := make([][32]byte, len(mutations))
	for i, m := range mutations {
		valueMacs[i] = m.ValueMac
	}
	patchMac := generatePatchMac(snapshotMac, valueMacs, version, collection, keys.PatchMacKey[:])

	return Patch{
		Version:     version,
		KeyID:       keyID,
		Mutations:   mutations,
		SnapshotMac: snapshotMac,
		PatchMac:    patchMac,
	}
}

// VerifyPatch recomputes both MACs against hash/version and reports whether
// they match, the check spec.md §4.5.4 step 4 runs before accepting a patch.
func VerifyPatch(p Patch, collection string, hash [hashSize]byte, keys MutationKeys) bool {
	valueMacs := make([][32]byte, len(p.Mutations))
	for i, m := range p.Mutations {
		valueMacs[i] = m.ValueMac
	}
	wantSnapshot := generateSnapshotMac(hash, p.Version, collection, keys.SnapshotMacKey[:])
	wantPatch := generatePatchMac(wantSnapshot, valueMacs, p.Version, collection, keys.PatchMacKey[:])
	return hmac.Equal(wantSnapshot[:], p.SnapshotMac[:]) && hmac.Equal(wantPatch[:], p.PatchMac[:])
}
