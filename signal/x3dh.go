package signal

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const hkdfInfo = "wacore signal x3dh v1"

func dh(priv, pub [32]byte) ([]byte, error) {
	out, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return nil, fmt.Errorf("signal: x25519: %w", err)
	}
	return out, nil
}

func generateEphemeral(r io.Reader) (priv, pub [32]byte, err error) {
	if r == nil {
		r = rand.Reader
	}
	if _, err = io.ReadFull(r, priv[:]); err != nil {
		return
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	pubBytes, derr := curve25519.X25519(priv[:], curve25519.Basepoint)
	if derr != nil {
		err = derr
		return
	}
	copy(pub[:], pubBytes)
	return
}

// deriveRootAndChain runs HKDF-SHA256 over the concatenated DH outputs to
// produce the initial (root_key, chain_key) pair, per spec.md §4.4.2 step 2.
func deriveRootAndChain(dhConcat []byte) (rootKey, chainKey [32]byte, err error) {
	r := hkdf.New(sha256.New, dhConcat, nil, []byte(hkdfInfo))
	if _, err = io.ReadFull(r, rootKey[:]); err != nil {
		return
	}
	if _, err = io.ReadFull(r, chainKey[:]); err != nil {
		return
	}
	return
}

// BuildOutboundSession runs X3DH against a fetched bundle and returns a
// Session with only a sending chain initialized (spec.md §4.4.2). The
// caller MUST have already verified bundle.SignedPreKey.Signature via
// VerifySignature before calling this.
func BuildOutboundSession(local *IdentityKeyPair, bundle Bundle, r io.Reader) (*Session, error) {
	ePriv, ePub, err := generateEphemeral(r)
	if err != nil {
		return nil, fmt.Errorf("signal: generate base ephemeral: %w", err)
	}

	dh1, err := dh(local.Private, bundle.SignedPreKey.Public)
	if err != nil {
		return nil, err
	}
	dh2, err := dh(ePriv, bundle.Identity)
	if err != nil {
		return nil, err
	}
	dh3, err := dh(ePriv, bundle.SignedPreKey.Public)
	if err != nil {
		return nil, err
	}

	concat := append(append(append([]byte{}, dh1...), dh2...), dh3...)

	var pendingPreKeyID *uint32
	if bundle.OneTimePreKey != nil {
		dh4, err := dh(ePriv, bundle.OneTimePreKey.Public)
		if err != nil {
			return nil, err
		}
		concat = append(concat, dh4...)
		id := bundle.OneTimePreKey.ID
		pendingPreKeyID = &id
	}

	rootKey, chainKey, err := deriveRootAndChain(concat)
	if err != nil {
		return nil, fmt.Errorf("signal: derive root key: %w", err)
	}

	s := newSession(rootKey)
	s.sendChain = &chainStep{key: chainKey}
	s.pendingPreKeyID = pendingPreKeyID
	s.signedPreKeyID = bundle.SignedPreKey.ID
	s.theirIdentity = bundle.Identity
	// The base ephemeral IS the initial ratchet keypair: the responder
	// already learns it from the PreKeySignalMessage header, so the first
	// initiator-to-responder message needs no extra DH ratchet hop to agree
	// on it.
	s.ourRatchetPriv, s.ourRatchetPub = ePriv, ePub
	s.theirRatchetPub = bundle.SignedPreKey.Public
	s.baseEphemeralPub = ePub

	return s, nil
}

// BuildInboundSession runs the responder side of X3DH when a PKMSG arrives
// carrying the sender's base ephemeral and identity keys.
func BuildInboundSession(local *IdentityKeyPair, signedPreKey SignedPreKey, oneTime *PreKey, theirIdentity, theirBaseEphemeral [32]byte) (*Session, error) {
	dh1, err := dh(signedPreKey.Private, theirIdentity)
	if err != nil {
		return nil, err
	}
	dh2, err := dh(local.Private, theirBaseEphemeral)
	if err != nil {
		return nil, err
	}
	dh3, err := dh(signedPreKey.Private, theirBaseEphemeral)
	if err != nil {
		return nil, err
	}
	concat := append(append(append([]byte{}, dh1...), dh2...), dh3...)

	if oneTime != nil {
		dh4, err := dh(oneTime.Private, theirBaseEphemeral)
		if err != nil {
			return nil, err
		}
		concat = append(concat, dh4...)
	}

	rootKey, chainKey, err := deriveRootAndChain(concat)
	if err != nil {
		return nil, fmt.Errorf("signal: derive root key: %w", err)
	}

	s := newSession(rootKey)
	s.recvChain = &chainStep{key: chainKey}
	s.theirIdentity = theirIdentity
	s.theirRatchetPub = theirBaseEphemeral
	s.ourRatchetPriv, s.ourRatchetPub = signedPreKey.Private, signedPreKey.Public
	return s, nil
}
