package appstate

import (
	"context"
	"crypto/hmac"
	"fmt"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/angleto/wacore/binary"
	"github.com/angleto/wacore/store"
	"github.com/angleto/wacore/waerror"
	"github.com/angleto/wacore/walog"
)

// The five named collections spec.md §4.5 synchronizes.
const (
	CollectionCriticalBlock     = "critical_block"
	CollectionCriticalUnblockLow = "critical_unblock_low"
	CollectionRegularHigh       = "regular_high"
	CollectionRegularLow        = "regular_low"
	CollectionRegular           = "regular"
)

const maxPullAttempts = 3

// LTHashState is a collection's authoritative CRDT snapshot: the running
// LTHash digest, the current version, and the index->valueMac set the hash
// summarizes, per spec.md §3.
type LTHashState struct {
	Name          string
	Version       uint64
	Hash          [hashSize]byte
	IndexValueMap map[string][32]byte
}

func newLTHashState(name string) *LTHashState {
	return &LTHashState{Name: name, IndexValueMap: map[string][32]byte{}}
}

func (s *LTHashState) clone() *LTHashState {
	c := &LTHashState{Name: s.Name, Version: s.Version, Hash: s.Hash, IndexValueMap: make(map[string][32]byte, len(s.IndexValueMap))}
	for k, v := range s.IndexValueMap {
		c.IndexValueMap[k] = v
	}
	return c
}

// KeyResolver resolves a keyId to its derived MutationKeys, backed by the
// caller's KeyStore-persisted AppStateSyncKeys.
type KeyResolver interface {
	Resolve(keyID [6]byte) (MutationKeys, error)
}

// Engine implements the AppStateEngine's pull and push protocols, keeping
// at most one operation per collection in flight at a time via a dedicated
// per-collection worker (spec.md §4.5.6).
type Engine struct {
	keys   store.KeyStore
	blobs  store.BlobStore
	loader store.PatchLoader
	keyRes KeyResolver

	mu       sync.Mutex
	states   map[string]*LTHashState
	workers  map[string]*collectionWorker
	attempts map[string]int

	errSink waerror.Sink
	log     *logging.Logger
}

func NewEngine(keys store.KeyStore, blobs store.BlobStore, loader store.PatchLoader, keyRes KeyResolver, errSink waerror.Sink, backend *walog.Backend) *Engine {
	e := &Engine{
		keys:     keys,
		blobs:    blobs,
		loader:   loader,
		keyRes:   keyRes,
		states:   map[string]*LTHashState{},
		workers:  map[string]*collectionWorker{},
		attempts: map[string]int{},
	}
	e.errSink = backend.ErrorReporter("wacore/appstate", errSink)
	if backend != nil {
		e.log = backend.GetLogger("wacore/appstate")
	}
	return e
}

func (e *Engine) worker(collection string) *collectionWorker {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.workers[collection]
	if !ok {
		w = newCollectionWorker()
		e.workers[collection] = w
	}
	return w
}

// Close halts every collection's worker goroutine.
func (e *Engine) Close() {
	e.mu.Lock()
	workers := e.workers
	e.workers = map[string]*collectionWorker{}
	e.mu.Unlock()
	for _, w := range workers {
		w.stop()
	}
}

func (e *Engine) state(collection string) *LTHashState {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.states[collection]
	if !ok {
		s = e.loadPersistedState(collection)
		e.states[collection] = s
	}
	return s
}

func (e *Engine) loadPersistedState(collection string) *LTHashState {
	if e.keys != nil {
		if blob, ok, err := e.keys.LoadAppState(collection); err == nil && ok {
			if s, err := decodeLTHashState(blob); err == nil {
				return s
			}
		}
	}
	return newLTHashState(collection)
}

func (e *Engine) persist(state *LTHashState) {
	if e.keys == nil {
		return
	}
	if err := e.keys.SaveAppState(state.Name, encodeLTHashState(state)); err != nil && e.log != nil {
		e.log.Warningf("appstate: persist %s: %v", state.Name, err)
	}
}

func (e *Engine) setState(state *LTHashState) {
	e.mu.Lock()
	e.states[state.Name] = state
	e.mu.Unlock()
	e.persist(state)
}

// report forwards a classified error to errSink, which already logs it once
// (see walog.Backend.ErrorReporter) before propagating it further.
func (e *Engine) report(kind waerror.Kind, err error) {
	if e.errSink != nil {
		e.errSink.OnError(waerror.New(kind, err))
	}
}

// Pull runs the authoritative download protocol for the named collections,
// per spec.md §4.5.4. Collections pull concurrently; a single collection's
// steps never interleave with another pull or push for that collection.
func (e *Engine) Pull(ctx context.Context, collections []string) error {
	var wg sync.WaitGroup
	errs := make([]error, len(collections))
	for i, name := range collections {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			errs[i] = e.worker(name).run(func() error {
				return e.pullOne(ctx, name)
			})
		}(i, name)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) pullOne(ctx context.Context, collection string) error {
	current := e.state(collection)

	node, err := e.loader.QueryCollection(ctx, collection, current.Version)
	if err != nil {
		return fmt.Errorf("appstate: query collection %s: %w", collection, err)
	}

	working := current.clone()

	if snap := node.GetChild("snapshot"); snap != nil {
		if err := e.applySnapshot(ctx, working, snap); err != nil {
			return e.retryOrFail(ctx, collection, err)
		}
	}

	for _, child := range node.Children() {
		if child.Tag != "patch" {
			continue
		}
		if err := e.applyPatchNode(working, &child); err != nil {
			return e.retryOrFail(ctx, collection, err)
		}
	}

	e.setState(working)
	e.clearAttempts(collection)

	if node.GetAttr("has_more_patches") == "true" {
		return e.pullOne(ctx, collection)
	}
	return nil
}

// retryOrFail implements spec.md §4.5.4 step 5: reset local state and pull
// again, giving up with a fatal sync error once a collection has failed
// maxPullAttempts (3) attempts in all.
func (e *Engine) retryOrFail(ctx context.Context, collection string, cause error) error {
	e.report(waerror.KindMacMismatch, cause)
	e.setState(newLTHashState(collection))

	e.mu.Lock()
	e.attempts[collection]++
	attempts := e.attempts[collection]
	e.mu.Unlock()

	if attempts >= maxPullAttempts {
		e.clearAttempts(collection)
		return waerror.New(waerror.KindMacMismatch, fmt.Errorf("appstate: %s failed sync after %d attempts: %w", collection, attempts, cause))
	}
	return e.pullOne(ctx, collection)
}

func (e *Engine) clearAttempts(collection string) {
	e.mu.Lock()
	delete(e.attempts, collection)
	e.mu.Unlock()
}

func (e *Engine) applySnapshot(ctx context.Context, working *LTHashState, snapNode *binary.Node) error {
	refData := snapNode.Bytes()
	ref, err := unmarshalExternalBlobReference(refData)
	if err != nil {
		return err
	}
	blob, err := e.blobs.Download(ctx, ref)
	if err != nil {
		return fmt.Errorf("appstate: download snapshot: %w", err)
	}
	snapshot, err := UnmarshalSnapshot(blob)
	if err != nil {
		return fmt.Errorf("appstate: decode snapshot: %w", err)
	}

	fresh := newLTHashState(working.Name)
	fresh.Version = snapshot.Version
	var keys MutationKeys
	for _, m := range snapshot.Mutations {
		var err error
		keys, err = e.keyRes.Resolve(m.KeyID)
		if err != nil {
			return err
		}
		if err := applyWireMutation(fresh, m); err != nil {
			return err
		}
	}
	if !hmacEqualHash(generateSnapshotMac(fresh.Hash, fresh.Version, working.Name, keys.SnapshotMacKey[:]), snapshot.Mac) {
		return ErrMacMismatch
	}

	*working = *fresh
	return nil
}

func (e *Engine) applyPatchNode(working *LTHashState, patchNode *binary.Node) error {
	patch, err := UnmarshalWirePatch(patchNode.Bytes())
	if err != nil {
		return fmt.Errorf("appstate: decode patch: %w", err)
	}

	// Version must strictly advance (spec.md §3). A replayed or stale patch
	// arriving after working already reached its version, or past it, is a
	// no-op rather than a regression: hash and version are left untouched.
	if patch.Version <= working.Version {
		return nil
	}

	keys, err := e.keyRes.Resolve(patch.KeyID)
	if err != nil {
		return err
	}

	valueMacs := make([][32]byte, len(patch.Mutations))
	for i, m := range patch.Mutations {
		valueMacs[i] = extractValueMac(m.Blob)
	}
	wantPatchMac := generatePatchMac(patch.SnapshotMac, valueMacs, patch.Version, working.Name, keys.PatchMacKey[:])
	if !hmacEqualHash(wantPatchMac, patch.PatchMac) {
		return ErrMacMismatch
	}

	for _, m := range patch.Mutations {
		if err := applyWireMutation(working, m); err != nil {
			return err
		}
	}
	working.Version = patch.Version

	wantSnapshotMac := generateSnapshotMac(working.Hash, working.Version, working.Name, keys.SnapshotMacKey[:])
	if !hmacEqualHash(wantSnapshotMac, patch.SnapshotMac) {
		return ErrMacMismatch
	}
	return nil
}

// applyWireMutation folds one mutation into state: SET adds its LTHash
// delta and records the index->valueMac entry; REMOVE looks up the
// previous entry, subtracts its delta, and deletes it, per spec.md §4.5.4
// step 4.
func applyWireMutation(state *LTHashState, m WireMutation) error {
	key := string(m.IndexMac[:])
	valueMac := extractValueMac(m.Blob)

	delta, err := expandMutation(m.IndexMac[:], valueMac[:])
	if err != nil {
		return err
	}

	switch m.Operation {
	case OpSet:
		if prev, ok := state.IndexValueMap[key]; ok {
			prevDelta, err := expandMutation(m.IndexMac[:], prev[:])
			if err != nil {
				return err
			}
			state.Hash = sub(state.Hash, prevDelta)
		}
		state.Hash = add(state.Hash, delta)
		state.IndexValueMap[key] = valueMac
	case OpRemove:
		prev, ok := state.IndexValueMap[key]
		if !ok {
			return nil
		}
		prevDelta, err := expandMutation(m.IndexMac[:], prev[:])
		if err != nil {
			return err
		}
		state.Hash = sub(state.Hash, prevDelta)
		delete(state.IndexValueMap, key)
	default:
		return fmt.Errorf("appstate: unknown mutation operation %d", m.Operation)
	}
	return nil
}

func extractValueMac(blob []byte) [32]byte {
	var mac [32]byte
	if len(blob) >= 32 {
		copy(mac[:], blob[len(blob)-32:])
	}
	return mac
}

func hmacEqualHash(a, b [32]byte) bool {
	return hmac.Equal(a[:], b[:])
}
