package noise

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// protocolName is the fixed Noise protocol name mixed into the initial
// handshake hash, per spec.md §4.2: X25519 DH, SHA-256 hash, AES-256-GCM
// AEAD, XX pattern.
const protocolName = "Noise_XX_25519_AESGCM_SHA256"

// symmetricState implements the Noise Protocol Framework's SymmetricState
// object: the running handshake hash and chaining key, and the AEAD key
// derived so far (if any).
type symmetricState struct {
	h     [32]byte
	ck    [32]byte
	k     [32]byte
	keyed bool
	nonce uint64
}

func newSymmetricState() *symmetricState {
	s := &symmetricState{}
	if len(protocolName) <= 32 {
		copy(s.h[:], protocolName)
	} else {
		s.h = sha256.Sum256([]byte(protocolName))
	}
	s.ck = s.h
	return s
}

func (s *symmetricState) mixHash(data []byte) {
	h := sha256.New()
	h.Write(s.h[:])
	h.Write(data)
	copy(s.h[:], h.Sum(nil))
}

func (s *symmetricState) mixKey(ikm []byte) {
	r := hkdf.New(sha256.New, ikm, s.ck[:], nil)
	var newCk, tempK [32]byte
	if _, err := r.Read(newCk[:]); err != nil {
		panic("noise: hkdf read: " + err.Error())
	}
	if _, err := r.Read(tempK[:]); err != nil {
		panic("noise: hkdf read: " + err.Error())
	}
	s.ck = newCk
	s.k = tempK
	s.keyed = true
	s.nonce = 0
}

func (s *symmetricState) aeadNonce() [12]byte {
	var n [12]byte
	binary.BigEndian.PutUint64(n[4:], s.nonce)
	return n
}

func (s *symmetricState) encryptAndHash(plaintext []byte) ([]byte, error) {
	if !s.keyed {
		s.mixHash(plaintext)
		return append([]byte(nil), plaintext...), nil
	}
	block, err := aes.NewCipher(s.k[:])
	if err != nil {
		return nil, fmt.Errorf("noise: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("noise: gcm: %w", err)
	}
	nonce := s.aeadNonce()
	ct := gcm.Seal(nil, nonce[:], plaintext, s.h[:])
	s.nonce++
	s.mixHash(ct)
	return ct, nil
}

func (s *symmetricState) decryptAndHash(ciphertext []byte) ([]byte, error) {
	if !s.keyed {
		s.mixHash(ciphertext)
		return append([]byte(nil), ciphertext...), nil
	}
	block, err := aes.NewCipher(s.k[:])
	if err != nil {
		return nil, fmt.Errorf("noise: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("noise: gcm: %w", err)
	}
	nonce := s.aeadNonce()
	pt, err := gcm.Open(nil, nonce[:], ciphertext, s.h[:])
	if err != nil {
		return nil, fmt.Errorf("noise: aead open: %w", err)
	}
	s.nonce++
	s.mixHash(ciphertext)
	return pt, nil
}

// split derives the pair of transport keys from the final chaining key, per
// the Noise Protocol Framework's Split().
func (s *symmetricState) split() (k1, k2 [32]byte) {
	r := hkdf.New(sha256.New, nil, s.ck[:], nil)
	if _, err := r.Read(k1[:]); err != nil {
		panic("noise: hkdf read: " + err.Error())
	}
	if _, err := r.Read(k2[:]); err != nil {
		panic("noise: hkdf read: " + err.Error())
	}
	return k1, k2
}

// newFrameAEAD builds the AES-256-GCM cipher used for post-handshake frame
// encryption under a transport key, independent of the handshake's
// symmetricState.
func newFrameAEAD(key [32]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("noise: aes cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func x25519(priv, pub [32]byte) ([]byte, error) {
	out, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return nil, fmt.Errorf("noise: x25519: %w", err)
	}
	return out, nil
}

func generateKeypair(rng interface{ Read([]byte) (int, error) }) (priv, pub [32]byte, err error) {
	if _, err = rng.Read(priv[:]); err != nil {
		return
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	pubBytes, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return
	}
	copy(pub[:], pubBytes)
	return
}
