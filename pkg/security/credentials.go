package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize   = 16
	ivSize     = 12
	keySize    = 32 // AES-256
	iterations = 100000
)

// Box encrypts and decrypts upstream repository credentials with
// AES-256-GCM. Each ciphertext carries its own random salt and IV:
//
//	base64( salt(16) ‖ iv(12) ‖ ciphertext+tag )
//
// The per-message key is derived from the master key with
// PBKDF2-SHA256, so two encryptions of the same plaintext never match
// and decryption with a different master key fails deterministically.
type Box struct {
	masterKey []byte
}

// NewBox creates a credential box from the configured master key. The
// key is padded with zero bytes to 32 bytes; longer keys are used as-is.
func NewBox(masterKey string) (*Box, error) {
	if masterKey == "" {
		return nil, fmt.Errorf("encryption key cannot be empty")
	}
	key := []byte(masterKey)
	if len(key) < keySize {
		padded := make([]byte, keySize)
		copy(padded, key)
		key = padded
	}
	return &Box{masterKey: key}, nil
}

// deriveKey stretches the master key with the per-message salt
func (b *Box) deriveKey(salt []byte) []byte {
	return pbkdf2.Key(b.masterKey, salt, iterations, keySize, sha256.New)
}

// Encrypt seals plaintext and returns the base64 envelope
func (b *Box) Encrypt(plaintext []byte) (string, error) {
	if len(plaintext) == 0 {
		return "", fmt.Errorf("cannot encrypt empty data")
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	block, err := aes.NewCipher(b.deriveKey(salt))
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("failed to generate IV: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)

	envelope := make([]byte, 0, saltSize+ivSize+len(sealed))
	envelope = append(envelope, salt...)
	envelope = append(envelope, iv...)
	envelope = append(envelope, sealed...)

	return base64.StdEncoding.EncodeToString(envelope), nil
}

// Decrypt opens a base64 envelope produced by Encrypt
func (b *Box) Decrypt(encoded string) ([]byte, error) {
	envelope, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid ciphertext encoding: %w", err)
	}
	if len(envelope) < saltSize+ivSize+1 {
		return nil, fmt.Errorf("ciphertext too short")
	}

	salt := envelope[:saltSize]
	iv := envelope[saltSize : saltSize+ivSize]
	sealed := envelope[saltSize+ivSize:]

	block, err := aes.NewCipher(b.deriveKey(salt))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// Credentials is the decrypted payload attached to a repository
type Credentials struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
}

// EncryptCredentials seals a credentials payload as JSON
func (b *Box) EncryptCredentials(c *Credentials) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to marshal credentials: %w", err)
	}
	return b.Encrypt(data)
}

// DecryptCredentials opens a sealed credentials payload
func (b *Box) DecryptCredentials(encoded string) (*Credentials, error) {
	data, err := b.Decrypt(encoded)
	if err != nil {
		return nil, err
	}
	var c Credentials
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credentials: %w", err)
	}
	return &c, nil
}
