package appstate

import (
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/hkdf"
)

// MutationKeys are the five keys HKDF-expanded from a single 32-byte
// AppStateSyncKey, per spec.md §3's AppStateSyncKey data-model entry.
type MutationKeys struct {
	IndexKey           [32]byte
	ValueEncryptionKey [32]byte
	ValueMacKey        [32]byte
	SnapshotMacKey      [32]byte
	PatchMacKey         [32]byte
}

// deriveMutationKeys expands one 32-byte AppStateSyncKey.keyData into the
// five task-specific keys via a single HKDF stream, each key one 32-byte
// read in the fixed order index/enc/mac/snapshotMac/patchMac.
func deriveMutationKeys(keyData []byte) (MutationKeys, error) {
	if len(keyData) != 32 {
		return MutationKeys{}, fmt.Errorf("appstate: app state sync key must be 32 bytes, got %d", len(keyData))
	}

	r := hkdf.New(sha256.New, keyData, nil, []byte("WhatsApp Mutation Keys"))
	var out [5 * 32]byte
	if _, err := r.Read(out[:]); err != nil {
		return MutationKeys{}, fmt.Errorf("appstate: derive mutation keys: %w", err)
	}

	var mk MutationKeys
	copy(mk.IndexKey[:], out[0:32])
	copy(mk.ValueEncryptionKey[:], out[32:64])
	copy(mk.ValueMacKey[:], out[64:96])
	copy(mk.SnapshotMacKey[:], out[96:128])
	copy(mk.PatchMacKey[:], out[128:160])
	return mk, nil
}

// AppStateSyncKey is the symmetric material a primary device distributes to
// its companions to authorize app-state sync, per spec.md §6's
// "APP_STATE_SYNC_KEY_SHARE" peer message.
type AppStateSyncKey struct {
	KeyID       [6]byte
	KeyData     [32]byte
	Fingerprint []byte
	Timestamp   int64
}
