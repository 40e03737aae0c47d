package appstate

import (
	"context"
	"sync"
	"testing"

	"github.com/angleto/wacore/binary"
	"github.com/angleto/wacore/store"
	"github.com/angleto/wacore/waerror"
)

// memKeyResolver hands back the same MutationKeys for every keyId, enough
// for a single-sync-key test fixture.
type memKeyResolver struct {
	keys MutationKeys
}

func (r memKeyResolver) Resolve(keyID [6]byte) (MutationKeys, error) {
	return r.keys, nil
}

// memKeyStore is a minimal in-memory store.KeyStore covering only the
// app-state-relevant methods the engine exercises.
type memKeyStore struct {
	mu        sync.Mutex
	appState  map[string][]byte
	syncKeyID [6]byte
	haveKeyID bool
}

func newMemKeyStore() *memKeyStore {
	return &memKeyStore{appState: map[string][]byte{}}
}

func (s *memKeyStore) SaveSession(peerKey string, blob []byte) error            { return nil }
func (s *memKeyStore) LoadSession(peerKey string) ([]byte, bool, error)         { return nil, false, nil }
func (s *memKeyStore) DeleteSession(peerKey string) error                      { return nil }
func (s *memKeyStore) SaveSenderKey(groupKey string, blob []byte) error         { return nil }
func (s *memKeyStore) LoadSenderKey(groupKey string) ([]byte, bool, error)      { return nil, false, nil }

func (s *memKeyStore) SaveAppState(collection string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appState[collection] = blob
	return nil
}

func (s *memKeyStore) LoadAppState(collection string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.appState[collection]
	return b, ok, nil
}

func (s *memKeyStore) SaveAppStateSyncKey(keyID [6]byte, blob []byte) error {
	s.syncKeyID = keyID
	s.haveKeyID = true
	return nil
}

func (s *memKeyStore) LoadAppStateSyncKey(keyID [6]byte) ([]byte, bool, error) {
	return nil, false, nil
}

func (s *memKeyStore) LatestAppStateSyncKeyID() ([6]byte, bool, error) {
	return s.syncKeyID, s.haveKeyID, nil
}

type noBlobStore struct{}

func (noBlobStore) Download(ctx context.Context, ref store.ExternalBlobReference) ([]byte, error) {
	return nil, nil
}

// scriptedLoader replays a fixed sequence of QueryCollection responses
// (and optionally errors), one per call, to model a mismatch-then-recover
// pull sequence.
type scriptedLoader struct {
	mu        sync.Mutex
	responses []*binary.Node
	calls     int
	pushed    []string
}

func (l *scriptedLoader) QueryCollection(ctx context.Context, collection string, fromVersion uint64) (*binary.Node, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.calls >= len(l.responses) {
		return &binary.Node{Tag: "collection", Attrs: binary.Attributes{"name": collection}}, nil
	}
	n := l.responses[l.calls]
	l.calls++
	return n, nil
}

func (l *scriptedLoader) PushPatch(ctx context.Context, collection string, version uint64, patchPayload []byte) (*binary.Node, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pushed = append(l.pushed, collection)
	return &binary.Node{Tag: "collection", Attrs: binary.Attributes{"name": collection}}, nil
}

func buildPatchNode(t *testing.T, keys MutationKeys, keyID [6]byte, collection string, version uint64, prevHash [hashSize]byte, muts []Mutation) (*binary.Node, [hashSize]byte) {
	t.Helper()
	hash := prevHash
	encoded := make([]EncodedMutation, 0, len(muts))
	wireMuts := make([]WireMutation, 0, len(muts))
	for _, m := range muts {
		em, err := EncodeMutation(keys, keyID, m)
		if err != nil {
			t.Fatalf("EncodeMutation: %v", err)
		}
		hash = add(hash, em.LTHashDelta)
		encoded = append(encoded, em)
		wireMuts = append(wireMuts, WireMutation{
			Operation: m.Operation,
			KeyID:     keyID,
			IndexMac:  em.IndexMac,
			Blob:      append(append([]byte{}, em.Ciphertext...), em.ValueMac[:]...),
		})
	}
	patch := BuildPatch(collection, version, keyID, encoded, hash, keys)
	wire := WirePatch{
		Version:     version,
		KeyID:       keyID,
		Mutations:   wireMuts,
		SnapshotMac: patch.SnapshotMac,
		PatchMac:    patch.PatchMac,
	}
	node := &binary.Node{
		Tag:   "collection",
		Attrs: binary.Attributes{"name": collection},
		Content: []binary.Node{
			{Tag: "patch", Content: wire.Marshal()},
		},
	}
	return node, hash
}

func TestEnginePullAppliesPatchAndAdvancesVersion(t *testing.T) {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i + 7)
	}
	keys, err := deriveMutationKeys(seed)
	if err != nil {
		t.Fatalf("deriveMutationKeys: %v", err)
	}
	keyID := [6]byte{1, 2, 3, 4, 5, 6}

	node, _ := buildPatchNode(t, keys, keyID, CollectionRegular, 1, [hashSize]byte{}, []Mutation{
		{Operation: OpSet, Index: []byte("mute/123"), Value: []byte("on")},
	})

	loader := &scriptedLoader{responses: []*binary.Node{node}}
	ks := newMemKeyStore()
	e := NewEngine(ks, noBlobStore{}, loader, memKeyResolver{keys: keys}, nil, nil)

	if err := e.Pull(context.Background(), []string{CollectionRegular}); err != nil {
		t.Fatalf("Pull: %v", err)
	}

	got := e.state(CollectionRegular)
	if got.Version != 1 {
		t.Fatalf("version = %d, want 1", got.Version)
	}
	if len(got.IndexValueMap) != 1 {
		t.Fatalf("expected one recorded index, got %d", len(got.IndexValueMap))
	}
}

func TestEnginePullRecoversFromMacMismatch(t *testing.T) {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i + 3)
	}
	keys, err := deriveMutationKeys(seed)
	if err != nil {
		t.Fatalf("deriveMutationKeys: %v", err)
	}
	keyID := [6]byte{2, 2, 2, 2, 2, 2}

	goodNode, _ := buildPatchNode(t, keys, keyID, CollectionRegularHigh, 1, [hashSize]byte{}, []Mutation{
		{Operation: OpSet, Index: []byte("archive/1"), Value: []byte("1")},
	})

	// A corrupted first response: same shape, tampered patch mac.
	badWire, err := UnmarshalWirePatch(goodNode.Children()[0].Bytes())
	if err != nil {
		t.Fatalf("UnmarshalWirePatch: %v", err)
	}
	badWire.PatchMac[0] ^= 0xFF
	badNode := &binary.Node{
		Tag:   "collection",
		Attrs: binary.Attributes{"name": CollectionRegularHigh},
		Content: []binary.Node{
			{Tag: "patch", Content: badWire.Marshal()},
		},
	}

	loader := &scriptedLoader{responses: []*binary.Node{badNode, goodNode}}
	ks := newMemKeyStore()

	var reported []*waerror.Error
	e := NewEngine(ks, noBlobStore{}, loader, memKeyResolver{keys: keys}, waerror.SinkFunc(func(e *waerror.Error) {
		reported = append(reported, e)
	}), nil)

	if err := e.Pull(context.Background(), []string{CollectionRegularHigh}); err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if len(reported) == 0 {
		t.Fatalf("expected a reported mac mismatch before recovery")
	}

	got := e.state(CollectionRegularHigh)
	if got.Version != 1 {
		t.Fatalf("version after recovery = %d, want 1", got.Version)
	}
}

func TestEnginePullFailsAfterMaxAttempts(t *testing.T) {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i + 11)
	}
	keys, err := deriveMutationKeys(seed)
	if err != nil {
		t.Fatalf("deriveMutationKeys: %v", err)
	}
	keyID := [6]byte{3, 3, 3, 3, 3, 3}

	goodNode, _ := buildPatchNode(t, keys, keyID, CollectionCriticalBlock, 1, [hashSize]byte{}, []Mutation{
		{Operation: OpSet, Index: []byte("block/1"), Value: []byte("1")},
	})
	badWire, err := UnmarshalWirePatch(goodNode.Children()[0].Bytes())
	if err != nil {
		t.Fatalf("UnmarshalWirePatch: %v", err)
	}
	badWire.PatchMac[0] ^= 0xFF
	badNode := &binary.Node{
		Tag:   "collection",
		Attrs: binary.Attributes{"name": CollectionCriticalBlock},
		Content: []binary.Node{
			{Tag: "patch", Content: badWire.Marshal()},
		},
	}

	loader := &scriptedLoader{responses: []*binary.Node{badNode, badNode, badNode}}
	ks := newMemKeyStore()
	e := NewEngine(ks, noBlobStore{}, loader, memKeyResolver{keys: keys}, nil, nil)

	err = e.Pull(context.Background(), []string{CollectionCriticalBlock})
	if err == nil {
		t.Fatalf("expected a fatal error after exhausting retries")
	}
}

func TestApplyPatchNodeRejectsReplayedAndStalePatches(t *testing.T) {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i + 23)
	}
	keys, err := deriveMutationKeys(seed)
	if err != nil {
		t.Fatalf("deriveMutationKeys: %v", err)
	}
	keyID := [6]byte{5, 5, 5, 5, 5, 5}

	e := NewEngine(nil, noBlobStore{}, nil, memKeyResolver{keys: keys}, nil, nil)

	firstNode, firstHash := buildPatchNode(t, keys, keyID, CollectionRegular, 1, [hashSize]byte{}, []Mutation{
		{Operation: OpSet, Index: []byte("mute/1"), Value: []byte("on")},
	})
	firstChild := firstNode.Children()[0]

	working := newLTHashState(CollectionRegular)
	if err := e.applyPatchNode(working, &firstChild); err != nil {
		t.Fatalf("applyPatchNode (initial): %v", err)
	}
	if working.Version != 1 || working.Hash != firstHash {
		t.Fatalf("after initial apply: version=%d hash=%x, want version=1 hash=%x", working.Version, working.Hash, firstHash)
	}

	// Replaying the exact same patch must be a no-op: version and hash stay put.
	if err := e.applyPatchNode(working, &firstChild); err != nil {
		t.Fatalf("applyPatchNode (replay): %v", err)
	}
	if working.Version != 1 || working.Hash != firstHash {
		t.Fatalf("after replay: version=%d hash=%x, want unchanged version=1 hash=%x", working.Version, working.Hash, firstHash)
	}

	secondNode, secondHash := buildPatchNode(t, keys, keyID, CollectionRegular, 2, firstHash, []Mutation{
		{Operation: OpSet, Index: []byte("mute/2"), Value: []byte("on")},
	})
	secondChild := secondNode.Children()[0]
	if err := e.applyPatchNode(working, &secondChild); err != nil {
		t.Fatalf("applyPatchNode (advance): %v", err)
	}
	if working.Version != 2 || working.Hash != secondHash {
		t.Fatalf("after advance: version=%d hash=%x, want version=2 hash=%x", working.Version, working.Hash, secondHash)
	}

	// A stale patch for a version already superseded must also be rejected.
	if err := e.applyPatchNode(working, &firstChild); err != nil {
		t.Fatalf("applyPatchNode (stale): %v", err)
	}
	if working.Version != 2 || working.Hash != secondHash {
		t.Fatalf("after stale replay: version=%d hash=%x, want unchanged version=2 hash=%x", working.Version, working.Hash, secondHash)
	}
}

func TestEnginePushUploadsAndAdvancesVersion(t *testing.T) {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i + 19)
	}
	keys, err := deriveMutationKeys(seed)
	if err != nil {
		t.Fatalf("deriveMutationKeys: %v", err)
	}
	keyID := [6]byte{4, 4, 4, 4, 4, 4}

	loader := &scriptedLoader{}
	ks := newMemKeyStore()
	if err := ks.SaveAppStateSyncKey(keyID, nil); err != nil {
		t.Fatalf("SaveAppStateSyncKey: %v", err)
	}
	e := NewEngine(ks, noBlobStore{}, loader, memKeyResolver{keys: keys}, nil, nil)

	if err := e.Push(context.Background(), CollectionRegular, []Mutation{
		{Operation: OpSet, Index: []byte("mute/456"), Value: []byte("on")},
	}); err != nil {
		t.Fatalf("Push: %v", err)
	}

	if len(loader.pushed) != 1 || loader.pushed[0] != CollectionRegular {
		t.Fatalf("expected one push to %s, got %v", CollectionRegular, loader.pushed)
	}

	got := e.state(CollectionRegular)
	if got.Version != 1 {
		t.Fatalf("version after push = %d, want 1", got.Version)
	}
	if len(got.IndexValueMap) != 1 {
		t.Fatalf("expected one recorded index after push, got %d", len(got.IndexValueMap))
	}
}
