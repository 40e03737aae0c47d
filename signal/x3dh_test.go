package signal

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestX3DHAgreementMatchesBothSides(t *testing.T) {
	alice, err := GenerateIdentityKeyPair(rand.Reader)
	require.NoError(t, err)
	bob, err := GenerateIdentityKeyPair(rand.Reader)
	require.NoError(t, err)

	spk, err := GenerateSignedPreKey(rand.Reader, 1, bob)
	require.NoError(t, err)
	require.True(t, VerifySignature(bob.SigningPublicKey(), spk.Public[:], spk.Signature))

	pool, err := GeneratePreKeyPool(rand.Reader, 1, 1)
	require.NoError(t, err)
	otk := pool[0]

	bundle := Bundle{
		Identity:           bob.Public,
		IdentitySigningKey: bob.SigningPublicKey(),
		SignedPreKey:       *spk,
		OneTimePreKey:      &otk,
		RegistrationID:     42,
	}

	outbound, err := BuildOutboundSession(alice, bundle, rand.Reader)
	require.NoError(t, err)
	require.NotNil(t, outbound.PendingPreKeyID())
	require.Equal(t, otk.ID, *outbound.PendingPreKeyID())

	inbound, err := BuildInboundSession(bob, *spk, &otk, alice.Public, outbound.baseEphemeralPub)
	require.NoError(t, err)

	require.Equal(t, outbound.rootKey, inbound.rootKey)
	require.Equal(t, outbound.sendChain.key, inbound.recvChain.key)
}

func TestX3DHWithoutOneTimePreKey(t *testing.T) {
	alice, err := GenerateIdentityKeyPair(rand.Reader)
	require.NoError(t, err)
	bob, err := GenerateIdentityKeyPair(rand.Reader)
	require.NoError(t, err)

	spk, err := GenerateSignedPreKey(rand.Reader, 7, bob)
	require.NoError(t, err)

	bundle := Bundle{
		Identity:           bob.Public,
		IdentitySigningKey: bob.SigningPublicKey(),
		SignedPreKey:       *spk,
		OneTimePreKey:      nil,
	}

	outbound, err := BuildOutboundSession(alice, bundle, rand.Reader)
	require.NoError(t, err)
	require.Nil(t, outbound.PendingPreKeyID())

	inbound, err := BuildInboundSession(bob, *spk, nil, alice.Public, outbound.baseEphemeralPub)
	require.NoError(t, err)
	require.Equal(t, outbound.rootKey, inbound.rootKey)
}

func TestGeneratePreKeyPoolSequentialIDs(t *testing.T) {
	pool, err := GeneratePreKeyPool(rand.Reader, 100, 5)
	require.NoError(t, err)
	require.Len(t, pool, 5)
	for i, pk := range pool {
		require.Equal(t, uint32(100+i), pk.ID)
	}
}

func TestBadSignatureRejected(t *testing.T) {
	bob, err := GenerateIdentityKeyPair(rand.Reader)
	require.NoError(t, err)
	other, err := GenerateIdentityKeyPair(rand.Reader)
	require.NoError(t, err)

	spk, err := GenerateSignedPreKey(rand.Reader, 1, bob)
	require.NoError(t, err)

	require.False(t, VerifySignature(other.SigningPublicKey(), spk.Public[:], spk.Signature))
}
