package signal

import (
	"context"
	"fmt"

	"github.com/angleto/wacore/jid"
)

// DeviceResolver runs the usync query spec.md §4.4.5 describes: given a set
// of user JIDs, return every device JID registered for them.
type DeviceResolver interface {
	ResolveDevices(ctx context.Context, users []jid.Jid, excludeSelf bool) ([]jid.Jid, error)
}

// BundleFetcher fetches a fresh prekey bundle for a device lacking a
// session.
type BundleFetcher interface {
	FetchBundle(ctx context.Context, device jid.Jid) (Bundle, error)
}

// GroupSessionManager implements spec.md §4.4.5's fan-out device discovery:
// before sending to a set of recipients, resolve their devices, skip our
// own, and lazily build any missing 1:1 sessions.
type GroupSessionManager struct {
	self     jid.Jid
	identity *IdentityKeyPair
	sessions *SessionStore
	resolver DeviceResolver
	fetcher  BundleFetcher
}

func NewGroupSessionManager(self jid.Jid, identity *IdentityKeyPair, sessions *SessionStore, resolver DeviceResolver, fetcher BundleFetcher) *GroupSessionManager {
	return &GroupSessionManager{
		self:     self,
		identity: identity,
		sessions: sessions,
		resolver: resolver,
		fetcher:  fetcher,
	}
}

// ResolveSendTargets returns the device JIDs a message to recipients should
// fan out to, applying spec.md §4.4.5's policy: skip our own device;
// include the primary (device=0) only if excludeSelf is false.
func (m *GroupSessionManager) ResolveSendTargets(ctx context.Context, recipients []jid.Jid, excludeSelf bool) ([]jid.Jid, error) {
	devices, err := m.resolver.ResolveDevices(ctx, recipients, excludeSelf)
	if err != nil {
		return nil, fmt.Errorf("signal: usync device query: %w", err)
	}

	out := make([]jid.Jid, 0, len(devices))
	for _, d := range devices {
		if d.Equal(m.self) {
			continue
		}
		if d.IsPrimary() && excludeSelf {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// EnsureSession returns the existing session for device, or builds one from
// a freshly fetched prekey bundle if none exists yet (spec.md §4.4.5:
// "Sessions are created lazily and cached").
func (m *GroupSessionManager) EnsureSession(ctx context.Context, device jid.Jid) (*Session, error) {
	peerKey := device.ADString()

	if m.sessions.HasSession(peerKey) {
		var out *Session
		err := m.sessions.WithPeer(peerKey, func(s *Session) (*Session, error) {
			out = s
			return s, nil
		})
		return out, err
	}

	bundle, err := m.fetcher.FetchBundle(ctx, device)
	if err != nil {
		return nil, fmt.Errorf("signal: fetch bundle for %s: %w", device, err)
	}
	if !VerifySignature(bundle.IdentitySigningKey, bundle.SignedPreKey.Public[:], bundle.SignedPreKey.Signature) {
		return nil, ErrBadSignature
	}

	var out *Session
	err = m.sessions.WithPeer(peerKey, func(existing *Session) (*Session, error) {
		if existing != nil {
			out = existing
			return existing, nil
		}
		sess, err := BuildOutboundSession(m.identity, bundle, nil)
		if err != nil {
			return nil, err
		}
		out = sess
		return sess, nil
	})
	return out, err
}
