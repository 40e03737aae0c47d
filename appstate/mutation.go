package appstate

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"io"
)

// Operation names whether a mutation sets or removes an index, per spec.md
// §4.5.2. Wire values are not published in spec.md; SET=0x01/REMOVE=0x02
// is the two-value ordering spec.md names and is recorded as an Open
// Question decision in the design ledger.
type Operation byte

const (
	OpSet    Operation = 0x01
	OpRemove Operation = 0x02
)

// Mutation is one (operation, index, value) change to a collection before
// it is encrypted onto the wire, per spec.md §4.5.2.
type Mutation struct {
	Operation Operation
	Index     []byte
	Value     []byte
}

// EncodedMutation is the wire-ready form of a Mutation: the MACed index,
// the encrypted+MACed value blob, and the 128-byte LTHash delta it
// contributes.
type EncodedMutation struct {
	IndexMac    [32]byte
	ValueMac    [32]byte
	Ciphertext  []byte // IV-prefixed AES-256-CBC ciphertext of the padded value
	LTHashDelta [hashSize]byte
}

// EncodeMutation seals a Mutation under keys and keyID: HMAC-SHA256 over
// the index, AES-256-CBC (IV prefixed) over the padded value, and an
// HMAC-SHA512-truncated value MAC binding the operation and key id to the
// ciphertext, per spec.md §4.5.2.
func EncodeMutation(keys MutationKeys, keyID [6]byte, m Mutation) (EncodedMutation, error) {
	indexMac := hmacSHA256(keys.IndexKey[:], m.Index)

	ciphertext, err := encryptCBC(keys.ValueEncryptionKey[:], pkcs7Pad(m.Value, aes.BlockSize))
	if err != nil {
		return EncodedMutation{}, fmt.Errorf("appstate: encrypt mutation value: %w", err)
	}

	valueMac := generateValueMac(m.Operation, keyID, ciphertext, keys.ValueMacKey[:])

	delta, err := expandMutation(indexMac[:], valueMac[:])
	if err != nil {
		return EncodedMutation{}, fmt.Errorf("appstate: expand lthash delta: %w", err)
	}

	return EncodedMutation{IndexMac: indexMac, ValueMac: valueMac, Ciphertext: ciphertext, LTHashDelta: delta}, nil
}

// DecodeMutationValue reverses EncodeMutation's value encryption, returning
// the original padded-then-unpadded plaintext after verifying valueMac.
func DecodeMutationValue(keys MutationKeys, keyID [6]byte, op Operation, ciphertext []byte, valueMac [32]byte) ([]byte, error) {
	want := generateValueMac(op, keyID, ciphertext, keys.ValueMacKey[:])
	if !hmac.Equal(want[:], valueMac[:]) {
		return nil, ErrMacMismatch
	}
	padded, err := decryptCBC(keys.ValueEncryptionKey[:], ciphertext)
	if err != nil {
		return nil, fmt.Errorf("appstate: decrypt mutation value: %w", err)
	}
	return pkcs7Unpad(padded)
}

// generateValueMac computes HMAC-SHA512(valueMacKey, operation_byte ||
// key_id || encrypted_blob || length_byte)[0:32], per spec.md §4.5.2.
func generateValueMac(op Operation, keyID [6]byte, ciphertext []byte, macKey []byte) [32]byte {
	keyPart := append([]byte{byte(op)}, keyID[:]...)

	total := make([]byte, 0, len(keyPart)+len(ciphertext)+1)
	total = append(total, keyPart...)
	total = append(total, ciphertext...)
	total = append(total, byte(len(keyPart)))

	full := hmacSHA512(macKey, total)
	var out [32]byte
	copy(out[:], full[:32])
	return out
}

func hmacSHA256(key, data []byte) [32]byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}

func hmacSHA512(key, data []byte) []byte {
	mac := hmac.New(sha512.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func encryptCBC(key, padded []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}
	out := make([]byte, aes.BlockSize+len(padded))
	copy(out, iv)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], padded)
	return out, nil
}

func decryptCBC(key, ivAndCiphertext []byte) ([]byte, error) {
	if len(ivAndCiphertext) < aes.BlockSize || (len(ivAndCiphertext)-aes.BlockSize)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("appstate: malformed CBC blob")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	iv := ivAndCiphertext[:aes.BlockSize]
	ciphertext := ivAndCiphertext[aes.BlockSize:]
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return out, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+padLen)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(padLen)
	}
	return out
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("appstate: empty padded value")
	}
	padLen := int(data[len(data)-1])
	if padLen <= 0 || padLen > len(data) {
		return nil, fmt.Errorf("appstate: invalid pkcs7 pad length %d", padLen)
	}
	return data[:len(data)-padLen], nil
}
