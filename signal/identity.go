package signal

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
)

// IdentityKeyPair is a client's long-term identity: an X25519 DH keypair
// used for X3DH agreement, plus a signing keypair used to authenticate
// SignedPreKeys, matching spec.md §4.4.1's "X25519 keypair + ed25519-
// equivalent signature (via X25519 point signature scheme, consistent with
// libsignal's XEdDSA)" — see DESIGN.md for how the signing side is derived.
type IdentityKeyPair struct {
	Private [32]byte
	Public  [32]byte

	signPriv ed25519.PrivateKey
	signPub  ed25519.PublicKey
}

// SignedPreKey is a medium-term X25519 keypair signed by the owning
// identity, rotated per registration (spec.md §4.4.1).
type SignedPreKey struct {
	ID        uint32
	Private   [32]byte
	Public    [32]byte
	Signature [64]byte
}

// PreKey is a one-time X25519 keypair consumed at most once.
type PreKey struct {
	ID      uint32
	Private [32]byte
	Public  [32]byte
}

// Bundle is what a fetched prekey bundle looks like to X3DH (spec.md
// §4.4.2). IdentitySigningKey carries the remote identity's signature
// verification key alongside its X25519 DH key; see the note on
// VerifySignature for why this repo's simplified XEdDSA needs it
// transmitted explicitly rather than recovered from Identity alone.
type Bundle struct {
	Identity           [32]byte
	IdentitySigningKey ed25519.PublicKey
	SignedPreKey       SignedPreKey
	OneTimePreKey      *PreKey // nil if the peer's pool was exhausted
	RegistrationID     uint32
}

// GenerateIdentityKeyPair creates a fresh identity, deriving both the DH
// keypair and its companion signing keypair from the same random seed.
func GenerateIdentityKeyPair(r io.Reader) (*IdentityKeyPair, error) {
	if r == nil {
		r = rand.Reader
	}
	var seed [32]byte
	if _, err := io.ReadFull(r, seed[:]); err != nil {
		return nil, fmt.Errorf("signal: read identity seed: %w", err)
	}

	priv := seed
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	pubBytes, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("signal: derive identity public key: %w", err)
	}
	var pub [32]byte
	copy(pub[:], pubBytes)

	signPub, signPriv, err := ed25519.GenerateKey(newSeedReader(seed[:]))
	if err != nil {
		return nil, fmt.Errorf("signal: derive signing keypair: %w", err)
	}

	return &IdentityKeyPair{
		Private:  priv,
		Public:   pub,
		signPriv: signPriv,
		signPub:  signPub,
	}, nil
}

// Sign produces the XEdDSA-equivalent signature over msg using the identity
// key's signing side.
func (k *IdentityKeyPair) Sign(msg []byte) [64]byte {
	sig := ed25519.Sign(k.signPriv, msg)
	var out [64]byte
	copy(out[:], sig)
	return out
}

// SigningPublicKey exposes the verification key that pairs with Sign, sent
// alongside the DH public key so peers can verify SignedPreKey signatures.
func (k *IdentityKeyPair) SigningPublicKey() ed25519.PublicKey {
	return k.signPub
}

// VerifySignature checks sig over msg using the peer's signing public key,
// carried as Bundle.IdentitySigningKey rather than recovered from the
// X25519 identity key itself; see DESIGN.md for why this repo derives a
// companion ed25519 keypair instead of implementing true XEdDSA point
// conversion.
func VerifySignature(signPub ed25519.PublicKey, msg []byte, sig [64]byte) bool {
	return ed25519.Verify(signPub, msg, sig[:])
}

// GenerateSignedPreKey creates a new SignedPreKey and signs its public key
// with owner.
func GenerateSignedPreKey(r io.Reader, id uint32, owner *IdentityKeyPair) (*SignedPreKey, error) {
	if r == nil {
		r = rand.Reader
	}
	var priv [32]byte
	if _, err := io.ReadFull(r, priv[:]); err != nil {
		return nil, fmt.Errorf("signal: read signed prekey seed: %w", err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	pubBytes, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("signal: derive signed prekey public: %w", err)
	}
	spk := &SignedPreKey{ID: id, Private: priv}
	copy(spk.Public[:], pubBytes)
	spk.Signature = owner.Sign(spk.Public[:])
	return spk, nil
}

// GeneratePreKeyPool creates count one-time prekeys starting at startID.
func GeneratePreKeyPool(r io.Reader, startID uint32, count int) ([]PreKey, error) {
	if r == nil {
		r = rand.Reader
	}
	out := make([]PreKey, 0, count)
	for i := 0; i < count; i++ {
		var priv [32]byte
		if _, err := io.ReadFull(r, priv[:]); err != nil {
			return nil, fmt.Errorf("signal: read prekey seed: %w", err)
		}
		priv[0] &= 248
		priv[31] &= 127
		priv[31] |= 64
		pubBytes, err := curve25519.X25519(priv[:], curve25519.Basepoint)
		if err != nil {
			return nil, fmt.Errorf("signal: derive prekey public: %w", err)
		}
		pk := PreKey{ID: startID + uint32(i), Private: priv}
		copy(pk.Public[:], pubBytes)
		out = append(out, pk)
	}
	return out, nil
}

// seedReader yields a fixed seed once (later reads return 0 bytes), letting
// ed25519.GenerateKey be
// driven deterministically off the identity seed instead of fresh entropy.
type seedReader struct {
	seed []byte
	pos  int
}

func newSeedReader(seed []byte) *seedReader {
	return &seedReader{seed: seed}
}

func (s *seedReader) Read(p []byte) (int, error) {
	n := copy(p, s.seed[s.pos:])
	s.pos += n
	return n, nil
}
