package appstate

import "testing"

func sampleWireMutation() WireMutation {
	return WireMutation{
		Operation: OpSet,
		KeyID:     [6]byte{1, 2, 3, 4, 5, 6},
		IndexMac:  [32]byte{1, 2, 3},
		Blob:      []byte("ciphertext-then-32-byte-valuemac"),
	}
}

func TestWireMutationRoundTrip(t *testing.T) {
	m := sampleWireMutation()
	got, err := unmarshalMutation(m.marshal())
	if err != nil {
		t.Fatalf("unmarshalMutation: %v", err)
	}
	if got.Operation != m.Operation || got.KeyID != m.KeyID || got.IndexMac != m.IndexMac || string(got.Blob) != string(m.Blob) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, m)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := Snapshot{
		Version:   42,
		Mutations: []WireMutation{sampleWireMutation(), sampleWireMutation()},
		Mac:       [32]byte{9, 9, 9},
	}
	got, err := UnmarshalSnapshot(s.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalSnapshot: %v", err)
	}
	if got.Version != s.Version || got.Mac != s.Mac || len(got.Mutations) != len(s.Mutations) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, s)
	}
}

func TestWirePatchRoundTrip(t *testing.T) {
	p := WirePatch{
		Version:     7,
		KeyID:       [6]byte{1, 1, 1, 1, 1, 1},
		Mutations:   []WireMutation{sampleWireMutation()},
		SnapshotMac: [32]byte{5, 5, 5},
		PatchMac:    [32]byte{6, 6, 6},
	}
	got, err := UnmarshalWirePatch(p.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalWirePatch: %v", err)
	}
	if got.Version != p.Version || got.KeyID != p.KeyID || got.SnapshotMac != p.SnapshotMac || got.PatchMac != p.PatchMac || len(got.Mutations) != len(p.Mutations) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, p)
	}
}

func TestUnmarshalExternalBlobReferenceRoundTrip(t *testing.T) {
	var b []byte
	b = appendBytesField(b, 1, []byte("https://example.invalid/blob"))
	b = appendBytesField(b, 2, []byte("media-key-bytes"))
	b = appendBytesField(b, 3, []byte("sha256-bytes"))

	ref, err := unmarshalExternalBlobReference(b)
	if err != nil {
		t.Fatalf("unmarshalExternalBlobReference: %v", err)
	}
	if ref.DirectURL != "https://example.invalid/blob" {
		t.Fatalf("DirectURL mismatch: %q", ref.DirectURL)
	}
	if string(ref.MediaKey) != "media-key-bytes" {
		t.Fatalf("MediaKey mismatch: %q", ref.MediaKey)
	}
	if string(ref.FileSHA256) != "sha256-bytes" {
		t.Fatalf("FileSHA256 mismatch: %q", ref.FileSHA256)
	}
}
