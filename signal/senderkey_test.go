package signal

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSenderKeyEncryptDecryptRoundTrip(t *testing.T) {
	outbound, err := NewSenderKeyRecord(rand.Reader)
	require.NoError(t, err)

	inbound := FromDistribution(outbound.Distribution())

	env, err := outbound.Encrypt([]byte("group hello"))
	require.NoError(t, err)

	skipped := newSkippedKeyWindow()
	pt, err := inbound.Decrypt(env, skipped)
	require.NoError(t, err)
	require.Equal(t, "group hello", string(pt))
}

func TestSenderKeyChainAdvancesPerMessage(t *testing.T) {
	outbound, err := NewSenderKeyRecord(rand.Reader)
	require.NoError(t, err)
	inbound := FromDistribution(outbound.Distribution())
	skipped := newSkippedKeyWindow()

	for i := 0; i < 5; i++ {
		env, err := outbound.Encrypt([]byte{byte(i)})
		require.NoError(t, err)
		pt, err := inbound.Decrypt(env, skipped)
		require.NoError(t, err)
		require.Equal(t, []byte{byte(i)}, pt)
	}
	require.Equal(t, uint32(5), outbound.Iteration)
	require.Equal(t, uint32(5), inbound.Iteration)
}

func TestSenderKeyOutOfOrderUsesSkippedWindow(t *testing.T) {
	outbound, err := NewSenderKeyRecord(rand.Reader)
	require.NoError(t, err)
	inbound := FromDistribution(outbound.Distribution())
	skipped := newSkippedKeyWindow()

	var envelopes [][]byte
	for i := 0; i < 3; i++ {
		env, err := outbound.Encrypt([]byte{byte(i)})
		require.NoError(t, err)
		envelopes = append(envelopes, env)
	}

	pt2, err := inbound.Decrypt(envelopes[2], skipped)
	require.NoError(t, err)
	require.Equal(t, []byte{2}, pt2)
	require.Equal(t, 2, skipped.len())

	pt0, err := inbound.Decrypt(envelopes[0], skipped)
	require.NoError(t, err)
	require.Equal(t, []byte{0}, pt0)

	pt1, err := inbound.Decrypt(envelopes[1], skipped)
	require.NoError(t, err)
	require.Equal(t, []byte{1}, pt1)

	require.Equal(t, 0, skipped.len())
}

func TestSenderKeyForgedSignatureRejected(t *testing.T) {
	outbound, err := NewSenderKeyRecord(rand.Reader)
	require.NoError(t, err)
	impostor, err := NewSenderKeyRecord(rand.Reader)
	require.NoError(t, err)

	inbound := FromDistribution(outbound.Distribution())

	env, err := impostor.Encrypt([]byte("not really from outbound"))
	require.NoError(t, err)

	_, err = inbound.Decrypt(env, newSkippedKeyWindow())
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestPKCS7PadUnpadRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 15, 16, 17, 31, 32} {
		data := make([]byte, n)
		for i := range data {
			data[i] = byte(i)
		}
		padded := pkcs7Pad(data, 16)
		require.Equal(t, 0, len(padded)%16)
		unpadded, err := pkcs7Unpad(padded)
		require.NoError(t, err)
		require.Equal(t, data, unpadded)
	}
}
