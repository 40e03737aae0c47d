package appstate

import "testing"

func TestBuildVerifyPatchRoundTrip(t *testing.T) {
	keys := testMutationKeys(t)
	keyID := [6]byte{9, 9, 9, 9, 9, 9}

	m1, err := EncodeMutation(keys, keyID, Mutation{Operation: OpSet, Index: []byte("a"), Value: []byte("1")})
	if err != nil {
		t.Fatalf("EncodeMutation: %v", err)
	}
	m2, err := EncodeMutation(keys, keyID, Mutation{Operation: OpSet, Index: []byte("b"), Value: []byte("2")})
	if err != nil {
		t.Fatalf("EncodeMutation: %v", err)
	}

	hash := add(add([hashSize]byte{}, m1.LTHashDelta), m2.LTHashDelta)
	patch := BuildPatch("regular", 7, keyID, []EncodedMutation{m1, m2}, hash, keys)

	if !VerifyPatch(patch, "regular", hash, keys) {
		t.Fatalf("VerifyPatch rejected a patch it just built")
	}
}

func TestVerifyPatchRejectsWrongCollection(t *testing.T) {
	keys := testMutationKeys(t)
	keyID := [6]byte{1, 1, 1, 1, 1, 1}

	m, err := EncodeMutation(keys, keyID, Mutation{Operation: OpSet, Index: []byte("a"), Value: []byte("1")})
	if err != nil {
		t.Fatalf("EncodeMutation: %v", err)
	}
	hash := add([hashSize]byte{}, m.LTHashDelta)
	patch := BuildPatch("regular", 1, keyID, []EncodedMutation{m}, hash, keys)

	if VerifyPatch(patch, "regular_high", hash, keys) {
		t.Fatalf("VerifyPatch accepted a patch under the wrong collection name")
	}
}

func TestVerifyPatchRejectsStaleHash(t *testing.T) {
	keys := testMutationKeys(t)
	keyID := [6]byte{2, 2, 2, 2, 2, 2}

	m, err := EncodeMutation(keys, keyID, Mutation{Operation: OpSet, Index: []byte("a"), Value: []byte("1")})
	if err != nil {
		t.Fatalf("EncodeMutation: %v", err)
	}
	hash := add([hashSize]byte{}, m.LTHashDelta)
	patch := BuildPatch("regular", 1, keyID, []EncodedMutation{m}, hash, keys)

	if VerifyPatch(patch, "regular", [hashSize]byte{}, keys) {
		t.Fatalf("VerifyPatch accepted a patch against a stale hash")
	}
}
