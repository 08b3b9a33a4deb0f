// Package crypto signs venue order requests and keeps venue API secrets
// encrypted at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/pbkdf2"
)

const (
	kdfIterations = 480_000
	saltSize      = 16
	keySize       = 32 // AES-256
	boxVersion    = 1
)

// ErrWrongPassword is returned when a sealed secret fails authentication.
var ErrWrongPassword = errors.New("crypto: wrong password or corrupted secret")

// sealedBox is the JSON file format. Byte fields encode as base64. The
// salt and version are authenticated as additional data.
type sealedBox struct {
	Version    int    `json:"version"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

func (b *sealedBox) additionalData() []byte {
	return append([]byte{byte(b.Version)}, b.Salt...)
}

// SecretConfig says where a venue secret comes from.
type SecretConfig struct {
	Raw           string // used as is when set
	EncryptedPath string // file written from EncryptSecret output
	Password      string
}

// EncryptSecret seals secret under a PBKDF2-SHA256 key derived from
// password, with AES-256-GCM, and returns the file contents.
func EncryptSecret(secret, password string) ([]byte, error) {
	switch {
	case password == "":
		return nil, errors.New("crypto: empty password")
	case secret == "":
		return nil, errors.New("crypto: empty secret")
	}

	box := sealedBox{Version: boxVersion, Salt: make([]byte, saltSize)}
	if _, err := rand.Read(box.Salt); err != nil {
		return nil, fmt.Errorf("crypto: salt: %w", err)
	}
	aead, err := deriveAEAD(password, box.Salt)
	if err != nil {
		return nil, err
	}
	box.Nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(box.Nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}
	box.Ciphertext = aead.Seal(nil, box.Nonce, []byte(secret), box.additionalData())
	return json.MarshalIndent(box, "", "  ")
}

// DecryptSecret opens file contents produced by EncryptSecret.
func DecryptSecret(data []byte, password string) (string, error) {
	if password == "" {
		return "", errors.New("crypto: empty password")
	}
	var box sealedBox
	if err := json.Unmarshal(data, &box); err != nil {
		return "", fmt.Errorf("crypto: parse sealed secret: %w", err)
	}
	if box.Version != boxVersion {
		return "", fmt.Errorf("crypto: unsupported sealed secret version %d", box.Version)
	}

	aead, err := deriveAEAD(password, box.Salt)
	if err != nil {
		return "", err
	}
	if len(box.Nonce) != aead.NonceSize() {
		return "", fmt.Errorf("crypto: bad nonce length %d", len(box.Nonce))
	}
	plain, err := aead.Open(nil, box.Nonce, box.Ciphertext, box.additionalData())
	if err != nil {
		return "", ErrWrongPassword
	}
	return string(plain), nil
}

// LoadSecret resolves cfg: Raw when set, otherwise the decrypted file. An
// empty config yields "".
func LoadSecret(cfg SecretConfig) (string, error) {
	if cfg.Raw != "" || cfg.EncryptedPath == "" {
		return cfg.Raw, nil
	}
	data, err := os.ReadFile(cfg.EncryptedPath)
	if err != nil {
		return "", fmt.Errorf("crypto: read sealed secret: %w", err)
	}
	return DecryptSecret(data, cfg.Password)
}

func deriveAEAD(password string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(password), salt, kdfIterations, keySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
