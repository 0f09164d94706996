// Package vault decrypts account secrets stored as Fernet tokens.
package vault

import (
	"fmt"

	"github.com/fernet/fernet-go"

	"courier/internal/domain"
)

// Vault holds the decoded symmetric key. It caches nothing else.
type Vault struct {
	keys []*fernet.Key
}

// New decodes a base64 Fernet key.
func New(key string) (*Vault, error) {
	k, err := fernet.DecodeKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid key: %v", domain.ErrDecryption, err)
	}
	return &Vault{keys: []*fernet.Key{k}}, nil
}

// Decrypt returns the plaintext of a Fernet token. Tokens never expire here.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", fmt.Errorf("%w: empty ciphertext", domain.ErrDecryption)
	}
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), 0, v.keys)
	if msg == nil {
		return "", fmt.Errorf("%w: malformed token or wrong key", domain.ErrDecryption)
	}
	return string(msg), nil
}

// Decrypt is the one-shot form of Vault.Decrypt.
func Decrypt(ciphertext, key string) (string, error) {
	v, err := New(key)
	if err != nil {
		return "", err
	}
	return v.Decrypt(ciphertext)
}

// Encrypt produces a token for plaintext. Used by seeding tools and tests.
func Encrypt(plaintext, key string) (string, error) {
	k, err := fernet.DecodeKey(key)
	if err != nil {
		return "", fmt.Errorf("%w: invalid key: %v", domain.ErrDecryption, err)
	}
	tok, err := fernet.EncryptAndSign([]byte(plaintext), k)
	if err != nil {
		return "", err
	}
	return string(tok), nil
}
