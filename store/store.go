// Package store declares the collaborator interfaces this module consumes
// but does not implement: persistence, blob transfer, and prekey refill are
// all external to the core per spec.md §1 and §6.
package store

import (
	"context"

	"github.com/angleto/wacore/binary"
)

// KeyStore persists Signal and app-state data across restarts: per-peer
// sessions, Sender-Key records, per-collection LTHash state, and known
// AppStateSyncKeys (spec.md §6 "Persisted state"). It has no methods for the
// identity keypair, the registration id, or prekeys.
type KeyStore interface {
	SaveSession(peerKey string, blob []byte) error
	LoadSession(peerKey string) ([]byte, bool, error)
	DeleteSession(peerKey string) error

	SaveSenderKey(groupKey string, blob []byte) error
	LoadSenderKey(groupKey string) ([]byte, bool, error)

	SaveAppState(collection string, blob []byte) error
	LoadAppState(collection string) ([]byte, bool, error)

	SaveAppStateSyncKey(keyID [6]byte, blob []byte) error
	LoadAppStateSyncKey(keyID [6]byte) ([]byte, bool, error)
	LatestAppStateSyncKeyID() ([6]byte, bool, error)
}

// BlobStore downloads the encrypted snapshot blobs referenced by an
// ExternalBlobReference during an app-state pull (spec.md §4.5.4). Media
// upload/download proper is out of scope (spec.md §1); this is the only
// blob-shaped surface the core touches.
type BlobStore interface {
	Download(ctx context.Context, ref ExternalBlobReference) ([]byte, error)
}

// ExternalBlobReference names a blob to fetch: an opaque handle plus the
// symmetric key/hash used to validate and decrypt it once fetched.
type ExternalBlobReference struct {
	MediaKey  []byte
	DirectURL string
	FileSHA256 []byte
}

// PreKeyProvider serves one-time prekeys and reports when the pool needs
// refilling, per spec.md §4.4.1's "the store MUST refill the pool when it
// drops below a threshold" and the SUPPLEMENTED prekey-refill-threshold
// feature.
type PreKeyProvider interface {
	// Threshold is the low-water mark below which Refill is invoked.
	Threshold() int
	Remaining() int
	Refill(ctx context.Context) error
}

// MessageSink receives decoded, decrypted application messages from the
// dispatcher's message pipeline.
type MessageSink interface {
	OnMessage(from string, participant string, msg []byte)
}

// PatchLoader feeds app-state collection/patch queries out to the wire via
// the dispatcher, and is the seam AppStateEngine uses instead of importing
// the dispatcher package directly (avoids the cyclic reference design note,
// spec.md §9).
type PatchLoader interface {
	// QueryCollection requests collection's patches/snapshot since
	// fromVersion (spec.md §4.5.4 step 1) and returns the decoded
	// `<collection>` response node.
	QueryCollection(ctx context.Context, collection string, fromVersion uint64) (*binary.Node, error)

	// PushPatch uploads an encoded patch payload for collection at the
	// given version and returns the server's `<collection>` ack node
	// (spec.md §4.5.5 step 4).
	PushPatch(ctx context.Context, collection string, version uint64, patchPayload []byte) (*binary.Node, error)
}
