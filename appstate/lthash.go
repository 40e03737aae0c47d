// Package appstate implements the LTHash-based CRDT synchronization of
// chat/contact/setting mutations between a primary device and its
// companions, per spec.md §4.5.
package appstate

import (
	"crypto/sha256"

	"golang.org/x/crypto/hkdf"
)

// hashSize is the 128-byte width of an LTHash digest: 64 little-endian
// uint16 lanes grouped into 8 128-bit words (spec.md §4.5.1).
const hashSize = 128

const lanes = hashSize / 2

const mutationExpandInfo = "wacore appstate lthash mutation v1"

// expandMutation HKDF-expands (index_mac || value_mac) into a 128-byte
// value suitable for lane-wise add/sub, matching spec.md §4.5.1's
// "HKDF-expanded per-mutation 128-byte values".
func expandMutation(indexMac, valueMac []byte) ([hashSize]byte, error) {
	var out [hashSize]byte
	secret := make([]byte, 0, len(indexMac)+len(valueMac))
	secret = append(secret, indexMac...)
	secret = append(secret, valueMac...)

	r := hkdf.New(sha256.New, secret, nil, []byte(mutationExpandInfo))
	if _, err := r.Read(out[:]); err != nil {
		return out, err
	}
	return out, nil
}

// add performs componentwise wrapping addition over 64 little-endian u16
// lanes, the LTHash group operation spec.md §4.5.1 names.
func add(h [hashSize]byte, m [hashSize]byte) [hashSize]byte {
	return lanewise(h, m, func(a, b uint16) uint16 { return a + b })
}

// sub is add's inverse: lane-wise wrapping subtraction.
func sub(h [hashSize]byte, m [hashSize]byte) [hashSize]byte {
	return lanewise(h, m, func(a, b uint16) uint16 { return a - b })
}

func lanewise(h, m [hashSize]byte, op func(a, b uint16) uint16) [hashSize]byte {
	var out [hashSize]byte
	for i := 0; i < lanes; i++ {
		off := i * 2
		a := uint16(h[off]) | uint16(h[off+1])<<8
		b := uint16(m[off]) | uint16(m[off+1])<<8
		v := op(a, b)
		out[off] = byte(v)
		out[off+1] = byte(v >> 8)
	}
	return out
}
