package signal

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// wireChainStep and wireSession mirror Session's unexported fields for CBOR
// persistence, matching the teacher's own pattern of a private wire struct
// paired with a public type (doubleratchet.state / doubleratchet.Ratchet).
type wireChainStep struct {
	Key   [32]byte
	Index uint32
}

type wireSkippedEntry struct {
	RatchetPub [32]byte
	Index      uint32
	Value      []byte
}

type wireSession struct {
	RootKey          [32]byte
	OurRatchetPriv   [32]byte
	OurRatchetPub    [32]byte
	TheirRatchetPub  [32]byte
	TheirIdentity    [32]byte
	BaseEphemeralPub [32]byte
	SendChain        *wireChainStep
	RecvChain        *wireChainStep
	PendingPreKeyID  *uint32
	SignedPreKeyID   uint32
	PrevSendCount    uint32
	Skipped          []wireSkippedEntry
}

// Marshal serializes a Session for storage in a KeyStore, per spec.md §6's
// "Persisted state" listing per-peer Signal sessions.
func (s *Session) Marshal() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := &wireSession{
		RootKey:          s.rootKey,
		OurRatchetPriv:   s.ourRatchetPriv,
		OurRatchetPub:    s.ourRatchetPub,
		TheirRatchetPub:  s.theirRatchetPub,
		TheirIdentity:    s.theirIdentity,
		BaseEphemeralPub: s.baseEphemeralPub,
		PendingPreKeyID:  s.pendingPreKeyID,
		SignedPreKeyID:   s.signedPreKeyID,
		PrevSendCount:    s.prevSendCount,
	}
	if s.sendChain != nil {
		w.SendChain = &wireChainStep{Key: s.sendChain.key, Index: s.sendChain.index}
	}
	if s.recvChain != nil {
		w.RecvChain = &wireChainStep{Key: s.recvChain.key, Index: s.recvChain.index}
	}
	for _, id := range s.skipped.order {
		w.Skipped = append(w.Skipped, wireSkippedEntry{
			RatchetPub: id.ratchetPub,
			Index:      id.index,
			Value:      s.skipped.keys[id],
		})
	}

	data, err := cbor.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("signal: marshal session: %w", err)
	}
	return data, nil
}

// UnmarshalSession decodes a Session previously produced by Marshal.
func UnmarshalSession(data []byte) (*Session, error) {
	w := &wireSession{}
	if err := cbor.Unmarshal(data, w); err != nil {
		return nil, fmt.Errorf("signal: unmarshal session: %w", err)
	}

	s := &Session{
		rootKey:          w.RootKey,
		ourRatchetPriv:   w.OurRatchetPriv,
		ourRatchetPub:    w.OurRatchetPub,
		theirRatchetPub:  w.TheirRatchetPub,
		theirIdentity:    w.TheirIdentity,
		baseEphemeralPub: w.BaseEphemeralPub,
		pendingPreKeyID:  w.PendingPreKeyID,
		signedPreKeyID:   w.SignedPreKeyID,
		prevSendCount:    w.PrevSendCount,
		skipped:          newSkippedKeyWindow(),
	}
	if w.SendChain != nil {
		s.sendChain = &chainStep{key: w.SendChain.Key, index: w.SendChain.Index}
	}
	if w.RecvChain != nil {
		s.recvChain = &chainStep{key: w.RecvChain.Key, index: w.RecvChain.Index}
	}
	for _, entry := range w.Skipped {
		s.skipped.store(entry.RatchetPub, entry.Index, entry.Value)
	}
	return s, nil
}
