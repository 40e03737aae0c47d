package signal

import (
	"fmt"
	"sync"

	"github.com/angleto/wacore/store"
)

// SessionStore holds in-memory Sessions keyed by jid.Jid.ADString(), backed
// by a store.KeyStore for persistence, and enforces spec.md §5's "a single
// peer's session MUST be accessed under a per-peer lock" rule via WithPeer.
type SessionStore struct {
	backing store.KeyStore

	mapMu sync.Mutex
	locks map[string]*sync.Mutex

	sessionMu sync.RWMutex
	sessions  map[string]*Session
}

// NewSessionStore constructs an empty in-memory store fronting backing.
func NewSessionStore(backing store.KeyStore) *SessionStore {
	return &SessionStore{
		backing:  backing,
		locks:    make(map[string]*sync.Mutex),
		sessions: make(map[string]*Session),
	}
}

func (s *SessionStore) peerLock(peerKey string) *sync.Mutex {
	s.mapMu.Lock()
	defer s.mapMu.Unlock()
	l, ok := s.locks[peerKey]
	if !ok {
		l = &sync.Mutex{}
		s.locks[peerKey] = l
	}
	return l
}

// WithPeer runs fn under peerKey's exclusive lock, first loading the
// session from cache or the backing KeyStore (nil if none exists yet).
// Concurrent access across different peers proceeds freely, matching
// spec.md §5.
func (s *SessionStore) WithPeer(peerKey string, fn func(*Session) (*Session, error)) error {
	lock := s.peerLock(peerKey)
	lock.Lock()
	defer lock.Unlock()

	sess, err := s.load(peerKey)
	if err != nil {
		return err
	}

	updated, err := fn(sess)
	if err != nil {
		return err
	}
	if updated == nil {
		return s.delete(peerKey)
	}
	return s.save(peerKey, updated)
}

func (s *SessionStore) load(peerKey string) (*Session, error) {
	s.sessionMu.RLock()
	sess, ok := s.sessions[peerKey]
	s.sessionMu.RUnlock()
	if ok {
		return sess, nil
	}

	blob, found, err := s.backing.LoadSession(peerKey)
	if err != nil {
		return nil, fmt.Errorf("signal: load session %s: %w", peerKey, err)
	}
	if !found {
		return nil, nil
	}
	sess, err = UnmarshalSession(blob)
	if err != nil {
		return nil, fmt.Errorf("signal: decode session %s: %w", peerKey, err)
	}

	s.sessionMu.Lock()
	s.sessions[peerKey] = sess
	s.sessionMu.Unlock()
	return sess, nil
}

func (s *SessionStore) save(peerKey string, sess *Session) error {
	s.sessionMu.Lock()
	s.sessions[peerKey] = sess
	s.sessionMu.Unlock()

	blob, err := sess.Marshal()
	if err != nil {
		return fmt.Errorf("signal: encode session %s: %w", peerKey, err)
	}
	if err := s.backing.SaveSession(peerKey, blob); err != nil {
		return fmt.Errorf("signal: persist session %s: %w", peerKey, err)
	}
	return nil
}

func (s *SessionStore) delete(peerKey string) error {
	s.sessionMu.Lock()
	delete(s.sessions, peerKey)
	s.sessionMu.Unlock()
	return s.backing.DeleteSession(peerKey)
}

// HasSession reports whether peerKey has a cached or persisted session
// without taking the peer lock.
func (s *SessionStore) HasSession(peerKey string) bool {
	s.sessionMu.RLock()
	_, ok := s.sessions[peerKey]
	s.sessionMu.RUnlock()
	if ok {
		return true
	}
	_, found, err := s.backing.LoadSession(peerKey)
	return err == nil && found
}

// SenderKeyStore holds Sender-Key records keyed by "group_jid|sender_ad",
// each guarded implicitly by the appstate/message_queue single-writer
// discipline described in spec.md §5 rather than its own locking.
type SenderKeyStore struct {
	backing store.KeyStore

	mu      sync.Mutex
	records map[string]*SenderKeyRecord
	skipped map[string]*skippedKeyWindow
}

func NewSenderKeyStore(backing store.KeyStore) *SenderKeyStore {
	return &SenderKeyStore{
		backing: backing,
		records: make(map[string]*SenderKeyRecord),
		skipped: make(map[string]*skippedKeyWindow),
	}
}

func senderKeyMapKey(groupJID, senderAD string) string {
	return groupJID + "|" + senderAD
}

// Install stores an outbound or inbound SenderKeyRecord.
func (s *SenderKeyStore) Install(groupJID, senderAD string, record *SenderKeyRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := senderKeyMapKey(groupJID, senderAD)
	s.records[key] = record
	if _, ok := s.skipped[key]; !ok {
		s.skipped[key] = newSkippedKeyWindow()
	}
}

// Get returns the record and its skipped-key window for (groupJID,
// senderAD), or ErrUnknownSenderKey if none has been installed.
func (s *SenderKeyStore) Get(groupJID, senderAD string) (*SenderKeyRecord, *skippedKeyWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := senderKeyMapKey(groupJID, senderAD)
	rec, ok := s.records[key]
	if !ok {
		return nil, nil, ErrUnknownSenderKey
	}
	return rec, s.skipped[key], nil
}
