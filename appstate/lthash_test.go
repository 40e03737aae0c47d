package appstate

import (
	"crypto/rand"
	"testing"
)

func randHash(t *testing.T) [hashSize]byte {
	t.Helper()
	var h [hashSize]byte
	if _, err := rand.Read(h[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return h
}

func TestLTHashAddSubInverse(t *testing.T) {
	h := randHash(t)
	m := randHash(t)

	got := add(sub(h, m), m)
	if got != h {
		t.Fatalf("add(sub(h,m),m) != h")
	}
}

func TestLTHashAddCommutesAndAssociates(t *testing.T) {
	h := randHash(t)
	a := randHash(t)
	b := randHash(t)

	left := add(add(h, a), b)
	right := add(add(h, b), a)
	if left != right {
		t.Fatalf("add is not commutative/associative across a,b")
	}
}

func TestExpandMutationDeterministic(t *testing.T) {
	indexMac := []byte("index-mac-bytes")
	valueMac := []byte("value-mac-bytes")

	d1, err := expandMutation(indexMac, valueMac)
	if err != nil {
		t.Fatalf("expandMutation: %v", err)
	}
	d2, err := expandMutation(indexMac, valueMac)
	if err != nil {
		t.Fatalf("expandMutation: %v", err)
	}
	if d1 != d2 {
		t.Fatalf("expandMutation is not deterministic for identical inputs")
	}

	d3, err := expandMutation(indexMac, []byte("different-value-mac"))
	if err != nil {
		t.Fatalf("expandMutation: %v", err)
	}
	if d1 == d3 {
		t.Fatalf("expandMutation collided for different value macs")
	}
}
