package signal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// maxSkippedKeys bounds the per-chain skipped-message-key window at 2000
// entries, evicted FIFO, per spec.md §4.4.3.
const maxSkippedKeys = 2000

// maxReorderingGap guards against unboundedly fast-forwarding a chain from
// a corrupt or hostile counter value; spec.md leaves the exact gap
// unspecified beyond the 2000-entry skipped-key bound, so this is set well
// above it to never interfere with legitimate reordering.
const maxReorderingGap = 10000

const chainStepInfo = "wacore signal ratchet step v1"

// chainStep is one KDF chain (sending or receiving): a 32-byte chain key
// and how many message keys have been derived from it so far.
type chainStep struct {
	key   [32]byte
	index uint32
}

// step derives the next message key and advances the chain key, per
// spec.md §4.4.4's HMAC-based chain construction generalized to the 1:1
// ratchet: msgKey = HMAC(chainKey, 0x01); chainKey' = HMAC(chainKey, 0x02).
func (c *chainStep) step() (msgKey [32]byte) {
	h1 := hmac.New(sha256.New, c.key[:])
	h1.Write([]byte{0x01})
	copy(msgKey[:], h1.Sum(nil))

	h2 := hmac.New(sha256.New, c.key[:])
	h2.Write([]byte{0x02})
	var next [32]byte
	copy(next[:], h2.Sum(nil))

	c.key = next
	c.index++
	return msgKey
}

type skippedKeyID struct {
	ratchetPub [32]byte
	index      uint32
}

// skippedKeyWindow is a FIFO-evicted store of message keys for out-of-order
// messages, bounded at maxSkippedKeys entries (spec.md §4.4.3). Values are
// arbitrary-length byte blobs so both the 32-byte 1:1 ratchet message key
// and the Sender-Key ratchet's 64-byte (messageKey || chainKeyAndIV) pair
// can share this structure.
type skippedKeyWindow struct {
	order []skippedKeyID
	keys  map[skippedKeyID][]byte
}

func newSkippedKeyWindow() *skippedKeyWindow {
	return &skippedKeyWindow{keys: make(map[skippedKeyID][]byte)}
}

func (w *skippedKeyWindow) store(pub [32]byte, index uint32, key []byte) {
	id := skippedKeyID{pub, index}
	if _, exists := w.keys[id]; exists {
		return
	}
	w.keys[id] = append([]byte(nil), key...)
	w.order = append(w.order, id)
	if len(w.order) > maxSkippedKeys {
		oldest := w.order[0]
		w.order = w.order[1:]
		delete(w.keys, oldest)
	}
}

func (w *skippedKeyWindow) take(pub [32]byte, index uint32) ([]byte, bool) {
	id := skippedKeyID{pub, index}
	key, ok := w.keys[id]
	if !ok {
		return key, false
	}
	delete(w.keys, id)
	for i, o := range w.order {
		if o == id {
			w.order = append(w.order[:i], w.order[i+1:]...)
			break
		}
	}
	return key, true
}

func (w *skippedKeyWindow) len() int {
	return len(w.order)
}

// Session is a per-remote-device Double Ratchet record, matching the
// SignalSession data model of spec.md §3.
type Session struct {
	mu sync.Mutex

	rootKey [32]byte

	ourRatchetPriv, ourRatchetPub [32]byte
	theirRatchetPub               [32]byte
	theirIdentity                 [32]byte
	baseEphemeralPub              [32]byte

	sendChain *chainStep
	recvChain *chainStep

	pendingPreKeyID *uint32
	signedPreKeyID  uint32
	prevSendCount   uint32

	skipped *skippedKeyWindow
}

func newSession(rootKey [32]byte) *Session {
	return &Session{rootKey: rootKey, skipped: newSkippedKeyWindow()}
}

// PendingPreKeyID reports the one-time prekey id that must be advertised on
// the first outbound message (PKMSG), or nil once a reply has arrived and
// dhRatchetStep has cleared it.
func (s *Session) PendingPreKeyID() *uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingPreKeyID
}

// SkippedKeyCount reports the current size of the skipped-message-key
// window, for tests asserting the 2000-entry bound.
func (s *Session) SkippedKeyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skipped.len()
}

// SignedPreKeyID reports which of the peer's signed prekeys this session's
// X3DH agreement used, needed to stamp an outbound pkmsg header.
func (s *Session) SignedPreKeyID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signedPreKeyID
}

// BaseEphemeralPublic reports the X3DH base ephemeral public key, carried in
// an outbound pkmsg header so the responder can bootstrap its session.
func (s *Session) BaseEphemeralPublic() [32]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseEphemeralPub
}

func rootKDF(rootKey, dhOut [32]byte) (newRoot, chainKey [32]byte, err error) {
	r := hkdf.New(sha256.New, dhOut[:], rootKey[:], []byte(chainStepInfo))
	if _, err = io.ReadFull(r, newRoot[:]); err != nil {
		return
	}
	if _, err = io.ReadFull(r, chainKey[:]); err != nil {
		return
	}
	return
}

// dhRatchetStep performs the two-hop DH ratchet of spec.md §4.4.3 upon
// observing a new remote ratchet public key.
func (s *Session) dhRatchetStep(newRemote [32]byte, rnd io.Reader) error {
	dhR, err := dh(s.ourRatchetPriv, newRemote)
	if err != nil {
		return fmt.Errorf("signal: ratchet DH_r: %w", err)
	}
	newRoot, recvKey, err := rootKDF(s.rootKey, [32]byte(mustFixed(dhR)))
	if err != nil {
		return fmt.Errorf("signal: ratchet root KDF (recv): %w", err)
	}

	newPriv, newPub, err := generateEphemeral(rnd)
	if err != nil {
		return fmt.Errorf("signal: ratchet generate keypair: %w", err)
	}

	dhS, err := dh(newPriv, newRemote)
	if err != nil {
		return fmt.Errorf("signal: ratchet DH_s: %w", err)
	}
	newerRoot, sendKey, err := rootKDF(newRoot, [32]byte(mustFixed(dhS)))
	if err != nil {
		return fmt.Errorf("signal: ratchet root KDF (send): %w", err)
	}

	if s.sendChain != nil {
		s.prevSendCount = s.sendChain.index
	} else {
		s.prevSendCount = 0
	}

	s.rootKey = newerRoot
	s.recvChain = &chainStep{key: recvKey}
	s.sendChain = &chainStep{key: sendKey}
	s.ourRatchetPriv, s.ourRatchetPub = newPriv, newPub
	s.theirRatchetPub = newRemote
	s.pendingPreKeyID = nil

	return nil
}

// ensureSendChain performs a single DH ratchet hop against the already-known
// remote ratchet key to give the responder side of a session its first
// sending chain, before it has seen any reason to believe the remote key
// changed. Only needed the first time the responder replies.
func (s *Session) ensureSendChain(rnd io.Reader) error {
	if s.sendChain != nil {
		return nil
	}
	newPriv, newPub, err := generateEphemeral(rnd)
	if err != nil {
		return fmt.Errorf("signal: ratchet generate keypair: %w", err)
	}
	dhOut, err := dh(newPriv, s.theirRatchetPub)
	if err != nil {
		return fmt.Errorf("signal: ratchet DH_s: %w", err)
	}
	newRoot, sendKey, err := rootKDF(s.rootKey, [32]byte(mustFixed(dhOut)))
	if err != nil {
		return fmt.Errorf("signal: ratchet root KDF (send): %w", err)
	}
	s.rootKey = newRoot
	s.sendChain = &chainStep{key: sendKey}
	s.ourRatchetPriv, s.ourRatchetPub = newPriv, newPub
	return nil
}

func mustFixed(b []byte) []byte {
	if len(b) != 32 {
		panic("signal: dh output not 32 bytes")
	}
	return b
}

const envelopeHeaderSize = 32 + 4 + 4

// Encrypt seals plaintext under the current sending chain, producing a
// self-describing envelope: ratchet_pub || counter || prev_counter ||
// nonce || ciphertext.
func (s *Session) Encrypt(plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sendChain == nil {
		if err := s.ensureSendChain(rand.Reader); err != nil {
			return nil, err
		}
	}

	counter := s.sendChain.index
	msgKey := s.sendChain.step()

	header := make([]byte, envelopeHeaderSize)
	copy(header[0:32], s.ourRatchetPub[:])
	binary.BigEndian.PutUint32(header[32:36], counter)
	binary.BigEndian.PutUint32(header[36:40], s.prevSendCount)

	gcm, err := newRatchetAEAD(msgKey)
	if err != nil {
		return nil, err
	}
	var nonce [12]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("signal: nonce: %w", err)
	}
	ct := gcm.Seal(nil, nonce[:], plaintext, header)

	out := make([]byte, 0, len(header)+len(nonce)+len(ct))
	out = append(out, header...)
	out = append(out, nonce[:]...)
	out = append(out, ct...)
	return out, nil
}

// Decrypt opens an envelope produced by Encrypt, performing a DH ratchet
// step first if the envelope's ratchet public key is new, and consulting or
// populating the skipped-key window for out-of-order counters.
func (s *Session) Decrypt(envelope []byte, rnd io.Reader) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(envelope) < envelopeHeaderSize+12 {
		return nil, ErrShortCiphertext
	}
	header := envelope[:envelopeHeaderSize]
	nonce := envelope[envelopeHeaderSize : envelopeHeaderSize+12]
	ct := envelope[envelopeHeaderSize+12:]

	var ratchetPub [32]byte
	copy(ratchetPub[:], header[0:32])
	counter := binary.BigEndian.Uint32(header[32:36])
	prevCounter := binary.BigEndian.Uint32(header[36:40])

	if s.recvChain == nil || ratchetPub != s.theirRatchetPub {
		if s.recvChain != nil {
			s.archiveRemainingAsSkipped(prevCounter, s.recvChain.index)
		}
		if err := s.dhRatchetStep(ratchetPub, rnd); err != nil {
			return nil, err
		}
	}

	var msgKey [32]byte
	switch {
	case counter < s.recvChain.index:
		key, ok := s.skipped.take(ratchetPub, counter)
		if !ok {
			return nil, ErrDuplicateMessage
		}
		copy(msgKey[:], key)
	case counter == s.recvChain.index:
		msgKey = s.recvChain.step()
	default:
		gap := counter - s.recvChain.index
		if gap > maxReorderingGap {
			return nil, ErrReorderingLimit
		}
		for s.recvChain.index < counter {
			skippedIndex := s.recvChain.index
			skippedKey := s.recvChain.step()
			s.skipped.store(ratchetPub, skippedIndex, skippedKey[:])
		}
		msgKey = s.recvChain.step()
	}

	gcm, err := newRatchetAEAD(msgKey)
	if err != nil {
		return nil, err
	}
	pt, err := gcm.Open(nil, nonce, ct, header)
	if err != nil {
		return nil, fmt.Errorf("signal: %w: %v", ErrBadMAC, err)
	}
	return pt, nil
}

// archiveRemainingAsSkipped stashes any not-yet-consumed message keys from
// the outgoing receive chain before it is replaced by a fresh DH step,
// otherwise a message still in flight under the old chain would become
// undecryptable.
func (s *Session) archiveRemainingAsSkipped(upTo, from uint32) {
	if upTo <= from {
		return
	}
	if upTo-from > maxReorderingGap {
		return
	}
	for from < upTo {
		idx := s.recvChain.index
		key := s.recvChain.step()
		s.skipped.store(s.theirRatchetPub, idx, key[:])
		from = s.recvChain.index
	}
}

func newRatchetAEAD(key [32]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("signal: aes cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
