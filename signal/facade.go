// Package signal implements the WhatsApp Signal-protocol subset: X3DH
// session establishment, the Double Ratchet for 1:1 messages, and
// Sender-Key group ratcheting, per spec.md §4.4.
package signal

import (
	"context"
	"errors"
	"fmt"

	"gopkg.in/op/go-logging.v1"

	"github.com/angleto/wacore/jid"
	"github.com/angleto/wacore/waerror"
	"github.com/angleto/wacore/walog"
)

// MessageKind names which envelope type an encrypted payload travels as on
// the wire, matching the `<enc type="pkmsg|msg|skmsg">` attribute of
// spec.md §6.
type MessageKind string

const (
	KindPreKey    MessageKind = "pkmsg"
	KindWhisper   MessageKind = "msg"
	KindSenderKey MessageKind = "skmsg"
)

// SignalSessionStore is the top-level facade spec.md §4.4 names: it owns
// per-device 1:1 sessions and per-group Sender-Key records, and applies the
// error policy of §4.4.6.
type SignalSessionStore struct {
	self           jid.Jid
	identity       *IdentityKeyPair
	registrationID uint32

	sessions   *SessionStore
	senderKeys *SenderKeyStore
	groups     *GroupSessionManager

	log *logging.Logger
}

func NewSignalSessionStore(self jid.Jid, identity *IdentityKeyPair, registrationID uint32, sessions *SessionStore, senderKeys *SenderKeyStore, groups *GroupSessionManager, backend *walog.Backend) *SignalSessionStore {
	s := &SignalSessionStore{
		self:           self,
		identity:       identity,
		registrationID: registrationID,
		sessions:       sessions,
		senderKeys:     senderKeys,
		groups:         groups,
	}
	if backend != nil {
		s.log = backend.GetLogger("wacore/signal")
	}
	return s
}

// EncryptForDevice encrypts plaintext for a specific device, building a
// fresh outbound session first if one does not exist yet (spec.md §4.4.5).
// The returned MessageKind tells the caller whether to tag the `<enc>`
// child as pkmsg (first message, advertising the consumed one-time prekey)
// or msg.
func (s *SignalSessionStore) EncryptForDevice(ctx context.Context, device jid.Jid, plaintext []byte) ([]byte, MessageKind, error) {
	sess, err := s.groups.EnsureSession(ctx, device)
	if err != nil {
		return nil, "", err
	}

	kind := KindWhisper
	preKeyID := sess.PendingPreKeyID()
	if preKeyID != nil {
		kind = KindPreKey
	}

	envelope, err := sess.Encrypt(plaintext)
	if err != nil {
		return nil, "", waerror.New(waerror.KindDecryptionFailure, err)
	}

	if kind == KindPreKey {
		envelope = EncodePreKeyMessage(s.registrationID, *preKeyID, sess.SignedPreKeyID(), s.identity.Public, sess.BaseEphemeralPublic(), envelope)
	}

	if err := s.sessions.WithPeer(device.ADString(), func(*Session) (*Session, error) {
		return sess, nil
	}); err != nil {
		return nil, "", err
	}

	return envelope, kind, nil
}

// PreKeyLookup resolves the locally-held private halves of a signed prekey
// and, if one was consumed, the matching one-time prekey, by the ids a
// pkmsg header names. Once returned, the one-time prekey MUST be retired by
// the caller's store so it is never reused (spec.md §4.4.1).
type PreKeyLookup interface {
	Lookup(signedPreKeyID, preKeyID uint32) (SignedPreKey, *PreKey, error)
}

// DecryptFromDevice decrypts a pkmsg/msg payload from an established or
// freshly-bootstrapped session. For a KindPreKey payload, lookup must be
// non-nil: it resolves which local signed/one-time prekey the header names
// so the responder side of X3DH can run.
func (s *SignalSessionStore) DecryptFromDevice(device jid.Jid, payload []byte, kind MessageKind, lookup PreKeyLookup) ([]byte, error) {
	peerKey := device.ADString()

	envelope := payload
	var theirIdentity, theirBaseEphemeral [32]byte
	var header PreKeyMessageHeader
	if kind == KindPreKey {
		if lookup == nil {
			return nil, ErrNoPendingPreKey
		}
		h, inner, err := DecodePreKeyMessage(payload)
		if err != nil {
			return nil, waerror.New(waerror.KindProtocolError, err)
		}
		header = h
		envelope = inner
		theirIdentity = h.Identity
		theirBaseEphemeral = h.BaseEphemeral
	}

	var plaintext []byte
	err := s.sessions.WithPeer(peerKey, func(existing *Session) (*Session, error) {
		sess := existing
		if sess == nil {
			if kind != KindPreKey {
				return nil, ErrNoPendingPreKey
			}
			spk, otk, err := lookup.Lookup(header.SignedPreKeyID, header.PreKeyID)
			if err != nil {
				return nil, fmt.Errorf("signal: resolve local prekeys: %w", err)
			}
			built, err := BuildInboundSession(s.identity, spk, otk, theirIdentity, theirBaseEphemeral)
			if err != nil {
				return nil, fmt.Errorf("signal: bootstrap inbound session: %w", err)
			}
			sess = built
		}

		pt, err := sess.Decrypt(envelope, nil)
		if err != nil {
			return sess, err
		}
		plaintext = pt
		return sess, nil
	})

	if err != nil {
		if errors.Is(err, ErrDuplicateMessage) {
			if s.log != nil {
				s.log.Debugf("signal: dropping duplicate/replayed message from %s", device)
			}
			return nil, err
		}
		return nil, waerror.New(waerror.KindDecryptionFailure, err)
	}
	return plaintext, nil
}

const preKeyMessageHeaderSize = 4 + 4 + 4 + 32 + 32

// EncodePreKeyMessage prepends the X3DH bootstrap fields a pkmsg carries
// (the ids the recipient needs to pick the right signed/one-time prekey,
// plus the sender's identity and base ephemeral) to a ratchet envelope.
func EncodePreKeyMessage(registrationID, preKeyID, signedPreKeyID uint32, identity, baseEphemeral [32]byte, innerEnvelope []byte) []byte {
	out := make([]byte, 0, preKeyMessageHeaderSize+len(innerEnvelope))
	var tmp [4]byte
	putUint32 := func(v uint32) {
		tmp[0], tmp[1], tmp[2], tmp[3] = byte(v>>24), byte(v>>16), byte(v>>8), byte(v)
		out = append(out, tmp[:]...)
	}
	putUint32(registrationID)
	putUint32(preKeyID)
	putUint32(signedPreKeyID)
	out = append(out, identity[:]...)
	out = append(out, baseEphemeral[:]...)
	out = append(out, innerEnvelope...)
	return out
}

// PreKeyMessageHeader is the decoded fixed-size prefix of a pkmsg payload.
type PreKeyMessageHeader struct {
	RegistrationID  uint32
	PreKeyID        uint32
	SignedPreKeyID  uint32
	Identity        [32]byte
	BaseEphemeral   [32]byte
}

// DecodePreKeyMessage splits a pkmsg payload into its bootstrap header and
// the inner ratchet envelope, the reverse of EncodePreKeyMessage.
func DecodePreKeyMessage(payload []byte) (PreKeyMessageHeader, []byte, error) {
	if len(payload) < preKeyMessageHeaderSize {
		return PreKeyMessageHeader{}, nil, ErrShortCiphertext
	}
	be32 := func(b []byte) uint32 {
		return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	}
	var h PreKeyMessageHeader
	h.RegistrationID = be32(payload[0:4])
	h.PreKeyID = be32(payload[4:8])
	h.SignedPreKeyID = be32(payload[8:12])
	copy(h.Identity[:], payload[12:44])
	copy(h.BaseEphemeral[:], payload[44:76])
	return h, payload[preKeyMessageHeaderSize:], nil
}

// EncryptGroup returns this device's outbound Sender-Key record for
// (groupJID, senderAD), creating and installing one if none exists yet. It
// encrypts nothing itself; the returned record's Encrypt does that.
func (s *SignalSessionStore) EncryptGroup(groupJID string, senderAD string) (*SenderKeyRecord, error) {
	rec, _, err := s.senderKeys.Get(groupJID, senderAD)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, ErrUnknownSenderKey) {
		return nil, err
	}
	rec, err = NewSenderKeyRecord(nil)
	if err != nil {
		return nil, err
	}
	s.senderKeys.Install(groupJID, senderAD, rec)
	return rec, nil
}

// DecryptGroup decrypts an skmsg using the installed Sender-Key record for
// (groupJID, senderAD). A missing record is a protocol error the dispatcher
// should surface to the caller (spec.md §4.4.4 "Inbound": install on
// distribution before any skmsg can be processed).
func (s *SignalSessionStore) DecryptGroup(groupJID, senderAD string, envelope []byte) ([]byte, error) {
	rec, skipped, err := s.senderKeys.Get(groupJID, senderAD)
	if err != nil {
		return nil, waerror.New(waerror.KindProtocolError, err)
	}
	pt, err := rec.Decrypt(envelope, skipped)
	if err != nil {
		if errors.Is(err, ErrDuplicateMessage) {
			return nil, err
		}
		return nil, waerror.New(waerror.KindDecryptionFailure, err)
	}
	return pt, nil
}
