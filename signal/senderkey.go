package signal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
)

// SenderKeyRecord is a per-group-per-sender Sender-Key ratchet, per spec.md
// §4.4.4.
type SenderKeyRecord struct {
	ChainKey    [32]byte
	Iteration   uint32
	SigningPriv ed25519.PrivateKey // set only on the outbound/distributing side
	SigningPub  ed25519.PublicKey
}

// NewSenderKeyRecord creates a fresh outbound Sender-Key record: a random
// 32-byte chain key at iteration 0 plus a signing keypair, per spec.md
// §4.4.4's "Outbound" bullet.
func NewSenderKeyRecord(r io.Reader) (*SenderKeyRecord, error) {
	if r == nil {
		r = rand.Reader
	}
	var chainKey [32]byte
	if _, err := io.ReadFull(r, chainKey[:]); err != nil {
		return nil, fmt.Errorf("signal: read sender-key chain key: %w", err)
	}
	pub, priv, err := ed25519.GenerateKey(r)
	if err != nil {
		return nil, fmt.Errorf("signal: generate sender-key signing pair: %w", err)
	}
	return &SenderKeyRecord{ChainKey: chainKey, Iteration: 0, SigningPriv: priv, SigningPub: pub}, nil
}

// Distribution is the wire content of a SenderKeyDistributionMessage.
type Distribution struct {
	ChainKey   [32]byte
	Iteration  uint32
	SigningPub ed25519.PublicKey
}

// Distribution returns the message to send to every recipient device over
// their 1:1 session (spec.md §4.4.4's fan-out distribution step).
func (r *SenderKeyRecord) Distribution() Distribution {
	return Distribution{ChainKey: r.ChainKey, Iteration: r.Iteration, SigningPub: r.SigningPub}
}

// FromDistribution installs an inbound record from a received
// SenderKeyDistributionMessage.
func FromDistribution(d Distribution) *SenderKeyRecord {
	return &SenderKeyRecord{ChainKey: d.ChainKey, Iteration: d.Iteration, SigningPub: d.SigningPub}
}

// stepSenderKey computes sender_key_i = HMAC-SHA256(chain_key_i, 0x01) and
// the full HMAC-SHA256(chain_key_i, 0x02) output, whose first 16 bytes are
// message_iv and whose full 32 bytes become the ratcheted chain key, per
// spec.md §4.4.4.
func stepSenderKey(chainKey [32]byte) (messageKey, nextChainKeyAndIV [32]byte) {
	h1 := hmac.New(sha256.New, chainKey[:])
	h1.Write([]byte{0x01})
	copy(messageKey[:], h1.Sum(nil))

	h2 := hmac.New(sha256.New, chainKey[:])
	h2.Write([]byte{0x02})
	copy(nextChainKeyAndIV[:], h2.Sum(nil))
	return
}

func senderKeyCipher(messageKey [32]byte, iv []byte, header, data []byte, encrypt bool) ([]byte, error) {
	block, err := aes.NewCipher(messageKey[:])
	if err != nil {
		return nil, fmt.Errorf("signal: sender-key aes cipher: %w", err)
	}
	if encrypt {
		padded := pkcs7Pad(data, aes.BlockSize)
		out := make([]byte, len(padded))
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
		return out, nil
	}
	if len(data)%aes.BlockSize != 0 || len(data) == 0 {
		return nil, ErrShortCiphertext
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return pkcs7Unpad(out)
}

// Encrypt seals plaintext for the group under the current chain iteration,
// signs the header+ciphertext, and ratchets the chain forward.
func (r *SenderKeyRecord) Encrypt(plaintext []byte) ([]byte, error) {
	iteration := r.Iteration
	messageKey, ivAndNext := stepSenderKey(r.ChainKey)
	r.ChainKey = ivAndNext
	r.Iteration = iteration + 1

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, iteration)

	ct, err := senderKeyCipher(messageKey, ivAndNext[:16], header, plaintext, true)
	if err != nil {
		return nil, err
	}

	sig := ed25519.Sign(r.SigningPriv, append(append([]byte{}, header...), ct...))

	out := make([]byte, 0, len(header)+len(ct)+len(sig))
	out = append(out, header...)
	out = append(out, ct...)
	out = append(out, sig...)
	return out, nil
}

// Decrypt verifies and opens an envelope produced by Encrypt, fast-forwarding
// the chain to the claimed iteration if needed while retaining up to
// maxSkippedKeys skipped keys (spec.md §4.4.4 "Inbound").
func (r *SenderKeyRecord) Decrypt(envelope []byte, skipped *skippedKeyWindow) ([]byte, error) {
	if len(envelope) < 4+ed25519.SignatureSize {
		return nil, ErrShortCiphertext
	}
	header := envelope[:4]
	sig := envelope[len(envelope)-ed25519.SignatureSize:]
	ct := envelope[4 : len(envelope)-ed25519.SignatureSize]

	if !ed25519.Verify(r.SigningPub, append(append([]byte{}, header...), ct...), sig) {
		return nil, ErrBadSignature
	}

	iteration := binary.BigEndian.Uint32(header)

	var recordID [32]byte
	copy(recordID[:], r.SigningPub)

	var messageKey, ivAndNext [32]byte
	switch {
	case iteration < r.Iteration:
		blob, ok := skipped.take(recordID, iteration)
		if !ok {
			return nil, ErrDuplicateMessage
		}
		if len(blob) != 64 {
			return nil, ErrDuplicateMessage
		}
		copy(messageKey[:], blob[:32])
		copy(ivAndNext[:], blob[32:])
	case iteration == r.Iteration:
		messageKey, ivAndNext = stepSenderKey(r.ChainKey)
		r.ChainKey = ivAndNext
		r.Iteration++
	default:
		gap := iteration - r.Iteration
		if gap > maxReorderingGap {
			return nil, ErrReorderingLimit
		}
		for r.Iteration < iteration {
			mk, ivNext := stepSenderKey(r.ChainKey)
			blob := append(append([]byte{}, mk[:]...), ivNext[:]...)
			skipped.store(recordID, r.Iteration, blob)
			r.ChainKey = ivNext
			r.Iteration++
		}
		messageKey, ivAndNext = stepSenderKey(r.ChainKey)
		r.ChainKey = ivAndNext
		r.Iteration++
	}

	return senderKeyCipher(messageKey, ivAndNext[:16], header, ct, false)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrInvalidPadding
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) || padLen > aes.BlockSize {
		return nil, ErrInvalidPadding
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, ErrInvalidPadding
		}
	}
	return data[:len(data)-padLen], nil
}
