package appstate

import "errors"

var (
	// ErrMacMismatch is returned by any MAC verification step in the
	// mutation/patch pipeline (spec.md §4.5.4 step 5, §7 KindMacMismatch).
	ErrMacMismatch = errors.New("appstate: mac mismatch")

	// ErrUnknownSyncKey is returned when a patch or snapshot names a keyId
	// this store has never received via APP_STATE_SYNC_KEY_SHARE.
	ErrUnknownSyncKey = errors.New("appstate: unknown app state sync key id")

	errWorkerClosed = errors.New("appstate: collection worker closed")
)
