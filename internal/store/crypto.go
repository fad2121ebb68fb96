package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

// Crypto seals OAuth tokens and provider API keys at rest using an
// AES-256-CBC cipher keyed by a scrypt-derived key. The stored format
// is "<iv_hex>:<ciphertext_hex>".
type Crypto struct {
	key []byte
}

const (
	scryptN      = 32768
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
)

// NewCrypto derives a 256-bit key from encryptionKey via scrypt, using
// the key material itself as salt: a single static secret, no
// per-install salt file to manage.
func NewCrypto(encryptionKey string) (*Crypto, error) {
	if encryptionKey == "" {
		return nil, fmt.Errorf("store: encryption key must not be empty")
	}
	salt := sha256.Sum256([]byte("aiproxy-credential-store:" + encryptionKey))
	key, err := scrypt.Key([]byte(encryptionKey), salt[:], scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("store: derive key: %w", err)
	}
	return &Crypto{key: key}, nil
}

// Encrypt seals plaintext, returning "<iv_hex>:<ciphertext_hex>".
func (c *Crypto) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}
	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt.
func (c *Crypto) Decrypt(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	var ivHex, ctHex string
	if n, err := fmt.Sscanf(sealed, "%[^:]:%s", &ivHex, &ctHex); n != 2 || err != nil {
		return "", fmt.Errorf("store: malformed sealed value")
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil {
		return "", err
	}
	ciphertext, err := hex.DecodeString(ctHex)
	if err != nil {
		return "", err
	}
	if len(ciphertext)%aes.BlockSize != 0 || len(iv) != aes.BlockSize {
		return "", fmt.Errorf("store: invalid ciphertext length")
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", err
	}
	plainPadded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plainPadded, ciphertext)
	plain, err := pkcs7Unpad(plainPadded)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// HashAPIKey returns a keyed SHA-256 hex digest of a service API key.
// Nothing stores it: GetUserServiceApiByKey looks keys up by their raw
// value.
func (c *Crypto) HashAPIKey(apiKey string) string {
	sum := sha256.Sum256(append([]byte(apiKey), c.key...))
	return hex.EncodeToString(sum[:])
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := make([]byte, padLen)
	for i := range padding {
		padding[i] = byte(padLen)
	}
	return append(data, padding...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("store: empty padded data")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, fmt.Errorf("store: invalid padding")
	}
	return data[:len(data)-padLen], nil
}
