// Package noise implements the XX-pattern Noise handshake and the
// post-handshake per-frame AEAD cipher used to secure every frame after
// the transport connects, per the Noise_XX_25519_AESGCM_SHA256 profile.
package noise

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"gopkg.in/op/go-logging.v1"

	"github.com/angleto/wacore/waerror"
	"github.com/angleto/wacore/walog"
)

// State is the handshake/transport lifecycle of a NoiseSession, mirroring
// the teacher's wire session state enum.
type State int32

const (
	StateUninit State = iota
	StateAwaitServerHello
	StateAwaitClientFinishAck
	StateTransport
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninit:
		return "uninit"
	case StateAwaitServerHello:
		return "await-server-hello"
	case StateAwaitClientFinishAck:
		return "await-client-finish-ack"
	case StateTransport:
		return "transport"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrWrongState is returned when a handshake method is called out of
	// sequence with the state diagram.
	ErrWrongState = errors.New("noise: called out of sequence")
	// ErrNonceOverflow is returned when a direction's frame counter would
	// wrap; per spec.md §4.2 the session must terminate rather than reuse
	// a nonce.
	ErrNonceOverflow = errors.New("noise: frame counter overflow")
)

// Config carries the long-term material a NoiseSession needs before the
// handshake starts.
type Config struct {
	// StaticPrivate/StaticPublic are the client's long-term Noise identity
	// keypair (`noise_static` in spec.md §4.2 step 5).
	StaticPrivate [32]byte
	StaticPublic  [32]byte
	// IdentityPayload is the registration bundle (unregistered clients) or
	// session-resume JID (registered clients) encrypted into ClientFinish's
	// payload_ciphertext, per spec.md §4.2 step 6.
	IdentityPayload []byte
	// Rand is the entropy source for the ephemeral keypair. Defaults to
	// crypto/rand.Reader; tests substitute a deterministic reader to
	// exercise the fixed-seed transcript property (spec.md §8 property 4).
	Rand io.Reader
}

// NoiseSession drives the client side of the XX handshake and, once
// transport-ready, encrypts and decrypts individual frames.
type NoiseSession struct {
	log *logging.Logger

	state atomic.Int32

	mu   sync.Mutex
	ss   *symmetricState
	rand io.Reader

	ePriv, ePub           [32]byte
	staticPriv, staticPub [32]byte
	identityPayload       []byte

	serverStaticPub [32]byte

	writeMu      sync.Mutex
	readMu       sync.Mutex
	writeKey     [32]byte
	readKey      [32]byte
	writeCounter uint64
	readCounter  uint64
}

// New constructs a NoiseSession in state UNINIT.
func New(cfg Config, backend *walog.Backend) *NoiseSession {
	r := cfg.Rand
	if r == nil {
		r = rand.Reader
	}
	n := &NoiseSession{
		rand:            r,
		staticPriv:      cfg.StaticPrivate,
		staticPub:       cfg.StaticPublic,
		identityPayload: cfg.IdentityPayload,
	}
	if backend != nil {
		n.log = backend.GetLogger("wacore/noise")
	}
	n.state.Store(int32(StateUninit))
	return n
}

// State returns the current lifecycle state.
func (n *NoiseSession) State() State {
	return State(n.state.Load())
}

func (n *NoiseSession) transition(from, to State) error {
	if !n.state.CompareAndSwap(int32(from), int32(to)) {
		return fmt.Errorf("%w: expected %s, got %s", ErrWrongState, from, n.State())
	}
	return nil
}

// StartHandshake generates the ephemeral keypair and returns the marshaled
// ClientHello message (spec.md §4.2 steps 1–2). It transitions
// UNINIT -> AWAIT_SERVER_HELLO.
func (n *NoiseSession) StartHandshake() ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.transition(StateUninit, StateAwaitServerHello); err != nil {
		return nil, err
	}

	n.ss = newSymmetricState()

	priv, pub, err := generateKeypair(n.rand)
	if err != nil {
		n.fail()
		return nil, waerror.New(waerror.KindHandshakeFailure, fmt.Errorf("generate ephemeral: %w", err))
	}
	n.ePriv, n.ePub = priv, pub

	n.ss.mixHash(n.ePub[:])

	hello := &ClientHello{Ephemeral: append([]byte(nil), n.ePub[:]...)}
	return hello.Marshal(), nil
}

// ProcessServerHello consumes a marshaled ServerHello (spec.md §4.2 steps
// 3–6) and returns the marshaled ClientFinish to send in reply. It
// transitions AWAIT_SERVER_HELLO -> AWAIT_CLIENT_FINISH_ACK and derives the
// transport read/write keys, which become active once FinishHandshake is
// called.
func (n *NoiseSession) ProcessServerHello(frame []byte) ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if State(n.state.Load()) != StateAwaitServerHello {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrWrongState, StateAwaitServerHello, n.State())
	}

	hello, err := UnmarshalServerHello(frame)
	if err != nil {
		n.fail()
		return nil, waerror.New(waerror.KindHandshakeFailure, fmt.Errorf("unmarshal ServerHello: %w", err))
	}
	var serverEphemeral [32]byte
	if len(hello.Ephemeral) != 32 {
		n.fail()
		return nil, waerror.New(waerror.KindHandshakeFailure, errors.New("ServerHello.ephemeral wrong length"))
	}
	copy(serverEphemeral[:], hello.Ephemeral)

	// Step 3: mix server.ephemeral into the handshake hash (e.public was
	// already mixed in StartHandshake).
	n.ss.mixHash(serverEphemeral[:])

	// Step 4: DH1 = X25519(server.ephemeral, e.private); MixKey(DH1);
	// decrypt static_ciphertext -> server static key.
	dh1, err := x25519(n.ePriv, serverEphemeral)
	if err != nil {
		n.fail()
		return nil, waerror.New(waerror.KindHandshakeFailure, fmt.Errorf("DH1: %w", err))
	}
	n.ss.mixKey(dh1)

	serverStaticBytes, err := n.ss.decryptAndHash(hello.StaticCiphertext)
	if err != nil {
		n.fail()
		return nil, waerror.New(waerror.KindHandshakeFailure, fmt.Errorf("decrypt static_ciphertext: %w", err))
	}
	if len(serverStaticBytes) != 32 {
		n.fail()
		return nil, waerror.New(waerror.KindHandshakeFailure, errors.New("decrypted server static key wrong length"))
	}
	copy(n.serverStaticPub[:], serverStaticBytes)

	// DH2 = X25519(server_static, e.private); MixKey(DH2); decrypt
	// payload_ciphertext (content discarded per spec.md §4.2 step 4).
	dh2, err := x25519(n.ePriv, n.serverStaticPub)
	if err != nil {
		n.fail()
		return nil, waerror.New(waerror.KindHandshakeFailure, fmt.Errorf("DH2: %w", err))
	}
	n.ss.mixKey(dh2)

	if _, err := n.ss.decryptAndHash(hello.PayloadCiphertext); err != nil {
		n.fail()
		return nil, waerror.New(waerror.KindHandshakeFailure, fmt.Errorf("decrypt payload_ciphertext: %w", err))
	}

	// Step 5: encrypt local static public key. DH3 = X25519(server.ephemeral,
	// noise_static.private); MixKey(DH3).
	staticCiphertext, err := n.ss.encryptAndHash(n.staticPub[:])
	if err != nil {
		n.fail()
		return nil, waerror.New(waerror.KindHandshakeFailure, fmt.Errorf("encrypt local static: %w", err))
	}
	dh3, err := x25519(n.staticPriv, serverEphemeral)
	if err != nil {
		n.fail()
		return nil, waerror.New(waerror.KindHandshakeFailure, fmt.Errorf("DH3: %w", err))
	}
	n.ss.mixKey(dh3)

	// Step 6: encrypt the user-identity payload.
	payloadCiphertext, err := n.ss.encryptAndHash(n.identityPayload)
	if err != nil {
		n.fail()
		return nil, waerror.New(waerror.KindHandshakeFailure, fmt.Errorf("encrypt identity payload: %w", err))
	}

	// Step 7: finish() splits the symmetric state. The client is the
	// initiator, so its send key is k1 and its receive key is k2.
	k1, k2 := n.ss.split()
	n.writeKey, n.readKey = k1, k2

	if err := n.transition(StateAwaitServerHello, StateAwaitClientFinishAck); err != nil {
		return nil, err
	}

	finish := &ClientFinish{
		StaticCiphertext:  staticCiphertext,
		PayloadCiphertext: payloadCiphertext,
	}
	return finish.Marshal(), nil
}

// FinishHandshake transitions AWAIT_CLIENT_FINISH_ACK -> TRANSPORT once the
// caller has flushed ClientFinish onto the wire. Frame encryption and
// decryption are only valid after this call.
func (n *NoiseSession) FinishHandshake() error {
	return n.transition(StateAwaitClientFinishAck, StateTransport)
}

// ServerStaticKey returns the remote static public key learned during the
// handshake. Valid once ProcessServerHello has succeeded.
func (n *NoiseSession) ServerStaticKey() [32]byte {
	return n.serverStaticPub
}

func (n *NoiseSession) fail() {
	n.state.Store(int32(StateClosed))
}

// Close terminates the session; further Encrypt/Decrypt calls fail.
func (n *NoiseSession) Close() error {
	n.state.Store(int32(StateClosed))
	return nil
}

func gcmNonce(counter uint64) [12]byte {
	var n [12]byte
	binary.BigEndian.PutUint64(n[4:], counter)
	return n
}

// EncryptFrame seals plaintext under the write key and the next write
// counter, per spec.md §4.2's post-handshake cipher. The counter is
// incremented and never reused; on overflow the session is closed and
// ErrNonceOverflow is returned.
func (n *NoiseSession) EncryptFrame(plaintext []byte) ([]byte, error) {
	if State(n.state.Load()) != StateTransport {
		return nil, fmt.Errorf("%w: not in transport state", ErrWrongState)
	}

	n.writeMu.Lock()
	defer n.writeMu.Unlock()

	if n.writeCounter == ^uint64(0) {
		n.fail()
		return nil, ErrNonceOverflow
	}

	gcm, err := newFrameAEAD(n.writeKey)
	if err != nil {
		n.fail()
		return nil, waerror.New(waerror.KindHandshakeFailure, err)
	}
	nonce := gcmNonce(n.writeCounter)
	ct := gcm.Seal(nil, nonce[:], plaintext, nil)
	n.writeCounter++
	return ct, nil
}

// DecryptFrame opens ciphertext under the read key and the next read
// counter.
func (n *NoiseSession) DecryptFrame(ciphertext []byte) ([]byte, error) {
	if State(n.state.Load()) != StateTransport {
		return nil, fmt.Errorf("%w: not in transport state", ErrWrongState)
	}

	n.readMu.Lock()
	defer n.readMu.Unlock()

	if n.readCounter == ^uint64(0) {
		n.fail()
		return nil, ErrNonceOverflow
	}

	gcm, err := newFrameAEAD(n.readKey)
	if err != nil {
		n.fail()
		return nil, waerror.New(waerror.KindHandshakeFailure, err)
	}
	nonce := gcmNonce(n.readCounter)
	pt, err := gcm.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		n.fail()
		return nil, waerror.New(waerror.KindHandshakeFailure, fmt.Errorf("open frame: %w", err))
	}
	n.readCounter++
	return pt, nil
}
