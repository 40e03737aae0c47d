package noise

import (
	"bytes"
	"crypto/rand"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

// fixedReader feeds a deterministic byte stream, standing in for the
// "fixed RNG seed" of spec.md §8 property 4.
type fixedReader struct {
	seed byte
}

func (f *fixedReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = f.seed
		f.seed++
	}
	return len(p), nil
}

// serverHandshake is a minimal responder used only to exercise the client
// NoiseSession against a correct peer; it is not part of the module.
type serverHandshake struct {
	ss         *symmetricState
	priv, pub  [32]byte
	staticPriv [32]byte
	staticPub  [32]byte
}

func newServerHandshake(t *testing.T, r io.Reader) *serverHandshake {
	t.Helper()
	priv, pub, err := generateKeypair(r)
	require.NoError(t, err)
	staticPriv, staticPub, err := generateKeypair(r)
	require.NoError(t, err)
	return &serverHandshake{
		ss:         newSymmetricState(),
		priv:       priv,
		pub:        pub,
		staticPriv: staticPriv,
		staticPub:  staticPub,
	}
}

// respond consumes a ClientHello, returns a ServerHello, and finishes its
// own symmetric state so the test can later validate the ClientFinish.
func (s *serverHandshake) respond(t *testing.T, helloBytes []byte) []byte {
	t.Helper()
	hello, err := UnmarshalClientHello(helloBytes)
	require.NoError(t, err)
	var clientEphemeral [32]byte
	copy(clientEphemeral[:], hello.Ephemeral)

	s.ss.mixHash(clientEphemeral[:])
	s.ss.mixHash(s.pub[:])

	dh1, err := x25519(s.priv, clientEphemeral)
	require.NoError(t, err)
	s.ss.mixKey(dh1)

	staticCiphertext, err := s.ss.encryptAndHash(s.staticPub[:])
	require.NoError(t, err)

	dh2, err := x25519(s.staticPriv, clientEphemeral)
	require.NoError(t, err)
	s.ss.mixKey(dh2)

	payloadCiphertext, err := s.ss.encryptAndHash([]byte("server-payload"))
	require.NoError(t, err)

	sh := &ServerHello{
		Ephemeral:         append([]byte(nil), s.pub[:]...),
		StaticCiphertext:  staticCiphertext,
		PayloadCiphertext: payloadCiphertext,
	}
	return sh.Marshal()
}

func (s *serverHandshake) finish(t *testing.T, clientStaticPub [32]byte, finishBytes []byte) (readKey, writeKey [32]byte) {
	t.Helper()
	finish, err := UnmarshalClientFinish(finishBytes)
	require.NoError(t, err)

	// The client encrypts its static key before mixing DH3, so it is
	// decrypted under the pre-DH3 key.
	gotStatic, err := s.ss.decryptAndHash(finish.StaticCiphertext)
	require.NoError(t, err)
	require.Equal(t, clientStaticPub[:], gotStatic)

	dh3, err := x25519(s.priv, clientStaticPub)
	require.NoError(t, err)
	s.ss.mixKey(dh3)

	_, err = s.ss.decryptAndHash(finish.PayloadCiphertext)
	require.NoError(t, err)

	k1, k2 := s.ss.split()
	// Server is the responder: its receive key is k1 (client's send key),
	// its send key is k2 (client's receive key).
	return k1, k2
}

func TestHandshakeTranscriptAndTransportCipher(t *testing.T) {
	clientStaticPriv, clientStaticPub, err := generateKeypair(rand.Reader)
	require.NoError(t, err)

	cfg := Config{
		StaticPrivate:   clientStaticPriv,
		StaticPublic:    clientStaticPub,
		IdentityPayload: []byte("identity-payload"),
		Rand:            rand.Reader,
	}
	client := New(cfg, nil)
	require.Equal(t, StateUninit, client.State())

	helloBytes, err := client.StartHandshake()
	require.NoError(t, err)
	require.Equal(t, StateAwaitServerHello, client.State())

	server := newServerHandshake(t, rand.Reader)
	serverHelloBytes := server.respond(t, helloBytes)

	finishBytes, err := client.ProcessServerHello(serverHelloBytes)
	require.NoError(t, err)
	require.Equal(t, StateAwaitClientFinishAck, client.State())
	require.Equal(t, server.staticPub, client.ServerStaticKey())

	serverReadKey, serverWriteKey := server.finish(t, clientStaticPub, finishBytes)

	require.NoError(t, client.FinishHandshake())
	require.Equal(t, StateTransport, client.State())

	require.Equal(t, serverReadKey, client.writeKey)
	require.Equal(t, serverWriteKey, client.readKey)

	frame, err := client.EncryptFrame([]byte("hello from client"))
	require.NoError(t, err)

	gcm, err := newFrameAEAD(serverReadKey)
	require.NoError(t, err)
	nonce := gcmNonce(0)
	pt, err := gcm.Open(nil, nonce[:], frame, nil)
	require.NoError(t, err)
	require.Equal(t, "hello from client", string(pt))

	gcmServer, err := newFrameAEAD(serverWriteKey)
	require.NoError(t, err)
	serverFrame := gcmServer.Seal(nil, nonce[:], []byte("hello from server"), nil)
	decoded, err := client.DecryptFrame(serverFrame)
	require.NoError(t, err)
	require.Equal(t, "hello from server", string(decoded))
}

func TestHandshakeTranscriptDeterministicWithFixedSeed(t *testing.T) {
	run := func() []byte {
		clientStaticPriv, clientStaticPub, err := generateKeypair(&fixedReader{seed: 1})
		require.NoError(t, err)
		cfg := Config{
			StaticPrivate:   clientStaticPriv,
			StaticPublic:    clientStaticPub,
			IdentityPayload: []byte("identity-payload"),
			Rand:            &fixedReader{seed: 0},
		}
		client := New(cfg, nil)
		hello, err := client.StartHandshake()
		require.NoError(t, err)
		return hello
	}

	first := run()
	second := run()
	require.True(t, bytes.Equal(first, second), "fixed-seed handshake transcripts must be byte-identical")
}

func TestProcessServerHelloOutOfSequenceFails(t *testing.T) {
	priv, pub, err := generateKeypair(rand.Reader)
	require.NoError(t, err)
	client := New(Config{StaticPrivate: priv, StaticPublic: pub}, nil)

	_, err = client.ProcessServerHello([]byte{})
	require.ErrorIs(t, err, ErrWrongState)
}

func TestNonceOverflowClosesSession(t *testing.T) {
	priv, pub, err := generateKeypair(rand.Reader)
	require.NoError(t, err)
	client := New(Config{StaticPrivate: priv, StaticPublic: pub}, nil)
	client.state.Store(int32(StateTransport))
	client.writeCounter = ^uint64(0)

	_, err = client.EncryptFrame([]byte("x"))
	require.ErrorIs(t, err, ErrNonceOverflow)
	require.Equal(t, StateClosed, client.State())
}
