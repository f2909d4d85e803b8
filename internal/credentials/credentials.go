// Package credentials encrypts host secrets at rest with fernet.
package credentials

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fernet/fernet-go"
)

const settingKey = "credentials_key"

var ErrInvalidToken = errors.New("decrypt: invalid token")

// KeyStore persists the encryption key. database.SettingStore satisfies it.
type KeyStore interface {
	GetSetting(key string) (string, bool, error)
	SetSetting(key, value string) error
}

// Box encrypts and decrypts credentials with a key loaded from, or on first
// use generated into, a KeyStore.
type Box struct {
	store KeyStore

	mu  sync.Mutex
	key *fernet.Key
}

func NewBox(store KeyStore) *Box {
	return &Box{store: store}
}

func (b *Box) getKey() (*fernet.Key, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.key != nil {
		return b.key, nil
	}

	keyStr, ok, err := b.store.GetSetting(settingKey)
	if err != nil {
		return nil, fmt.Errorf("load credentials key: %w", err)
	}
	if !ok {
		var k fernet.Key
		if err := k.Generate(); err != nil {
			return nil, fmt.Errorf("generate credentials key: %w", err)
		}
		if err := b.store.SetSetting(settingKey, k.Encode()); err != nil {
			return nil, fmt.Errorf("save credentials key: %w", err)
		}
		b.key = &k
		return b.key, nil
	}

	key, err := fernet.DecodeKey(keyStr)
	if err != nil {
		return nil, fmt.Errorf("decode credentials key: %w", err)
	}
	b.key = key
	return key, nil
}

// Encrypt returns a fernet token for plaintext. Empty input stays empty.
func (b *Box) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	key, err := b.getKey()
	if err != nil {
		return "", err
	}
	tok, err := fernet.EncryptAndSign([]byte(plaintext), key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

func (b *Box) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	key, err := b.getKey()
	if err != nil {
		return "", err
	}
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), 0, []*fernet.Key{key})
	if msg == nil {
		return "", ErrInvalidToken
	}
	return string(msg), nil
}

// Mask hides all but the last four characters of value.
func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}
