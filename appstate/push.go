package appstate

import (
	"context"
	"fmt"

	"github.com/angleto/wacore/waerror"
)

// Push uploads one or more local mutations for a collection, per spec.md
// §4.5.5. It runs on that collection's worker, so it never interleaves
// with a concurrent pull or push for the same name.
func (e *Engine) Push(ctx context.Context, collection string, mutations []Mutation) error {
	return e.worker(collection).run(func() error {
		return e.pushOne(ctx, collection, mutations)
	})
}

func (e *Engine) pushOne(ctx context.Context, collection string, mutations []Mutation) error {
	if len(mutations) == 0 {
		return nil
	}

	keyID, ok, err := e.keys.LatestAppStateSyncKeyID()
	if err != nil {
		return fmt.Errorf("appstate: latest sync key id: %w", err)
	}
	if !ok {
		return ErrUnknownSyncKey
	}
	keys, err := e.keyRes.Resolve(keyID)
	if err != nil {
		return err
	}

	current := e.state(collection)
	working := current.clone()
	nextVersion := working.Version + 1

	encoded := make([]EncodedMutation, 0, len(mutations))
	wireMutations := make([]WireMutation, 0, len(mutations))
	for _, m := range mutations {
		em, err := EncodeMutation(keys, keyID, m)
		if err != nil {
			return fmt.Errorf("appstate: encode mutation: %w", err)
		}
		wm := WireMutation{
			Operation: m.Operation,
			KeyID:     keyID,
			IndexMac:  em.IndexMac,
			Blob:      append(append([]byte{}, em.Ciphertext...), em.ValueMac[:]...),
		}
		if err := applyWireMutation(working, wm); err != nil {
			return err
		}
		encoded = append(encoded, em)
		wireMutations = append(wireMutations, wm)
	}
	working.Version = nextVersion

	patch := BuildPatch(collection, nextVersion, keyID, encoded, working.Hash, keys)
	wire := WirePatch{
		Version:     patch.Version,
		KeyID:       patch.KeyID,
		Mutations:   wireMutations,
		SnapshotMac: patch.SnapshotMac,
		PatchMac:    patch.PatchMac,
	}

	if _, err := e.loader.PushPatch(ctx, collection, nextVersion, wire.Marshal()); err != nil {
		return waerror.New(waerror.KindTransport, fmt.Errorf("appstate: push patch for %s: %w", collection, err))
	}

	e.setState(working)
	return nil
}
