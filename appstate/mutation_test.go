package appstate

import (
	"bytes"
	"testing"
)

func testMutationKeys(t *testing.T) MutationKeys {
	t.Helper()
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	keys, err := deriveMutationKeys(seed)
	if err != nil {
		t.Fatalf("deriveMutationKeys: %v", err)
	}
	return keys
}

func TestEncodeDecodeMutationRoundTrip(t *testing.T) {
	keys := testMutationKeys(t)
	keyID := [6]byte{1, 2, 3, 4, 5, 6}

	m := Mutation{Operation: OpSet, Index: []byte("contact/1234"), Value: []byte("mute-until-0")}
	enc, err := EncodeMutation(keys, keyID, m)
	if err != nil {
		t.Fatalf("EncodeMutation: %v", err)
	}

	got, err := DecodeMutationValue(keys, keyID, m.Operation, enc.Ciphertext, enc.ValueMac)
	if err != nil {
		t.Fatalf("DecodeMutationValue: %v", err)
	}
	if !bytes.Equal(got, m.Value) {
		t.Fatalf("decoded value %q != original %q", got, m.Value)
	}
}

func TestDecodeMutationValueRejectsTamperedCiphertext(t *testing.T) {
	keys := testMutationKeys(t)
	keyID := [6]byte{1, 2, 3, 4, 5, 6}

	m := Mutation{Operation: OpSet, Index: []byte("contact/1234"), Value: []byte("mute-until-0")}
	enc, err := EncodeMutation(keys, keyID, m)
	if err != nil {
		t.Fatalf("EncodeMutation: %v", err)
	}

	tampered := append([]byte{}, enc.Ciphertext...)
	tampered[len(tampered)-1] ^= 0xFF

	if _, err := DecodeMutationValue(keys, keyID, m.Operation, tampered, enc.ValueMac); err != ErrMacMismatch {
		t.Fatalf("expected ErrMacMismatch, got %v", err)
	}
}

func TestDecodeMutationValueRejectsWrongOperation(t *testing.T) {
	keys := testMutationKeys(t)
	keyID := [6]byte{1, 2, 3, 4, 5, 6}

	m := Mutation{Operation: OpSet, Index: []byte("contact/1234"), Value: []byte("mute-until-0")}
	enc, err := EncodeMutation(keys, keyID, m)
	if err != nil {
		t.Fatalf("EncodeMutation: %v", err)
	}

	if _, err := DecodeMutationValue(keys, keyID, OpRemove, enc.Ciphertext, enc.ValueMac); err != ErrMacMismatch {
		t.Fatalf("expected ErrMacMismatch for mismatched operation, got %v", err)
	}
}

func TestPkcs7PadUnpadRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 15, 16, 17, 31} {
		data := bytes.Repeat([]byte{0xAB}, n)
		padded := pkcs7Pad(data, 16)
		if len(padded)%16 != 0 {
			t.Fatalf("padded length %d not a multiple of 16 for input len %d", len(padded), n)
		}
		got, err := pkcs7Unpad(padded)
		if err != nil {
			t.Fatalf("pkcs7Unpad: %v", err)
		}
		if !bytes.Equal(got, data) {
			t.Fatalf("round trip mismatch for input len %d", n)
		}
	}
}
