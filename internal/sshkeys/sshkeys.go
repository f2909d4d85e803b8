package sshkeys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

const (
	privateKeyFile = "ssh_key"
	publicKeyFile  = "ssh_key.pub"
)

// GenerateKeyPair generates an ED25519 key pair and returns the PEM-encoded
// private key and OpenSSH-format public key.
func GenerateKeyPair() (publicKey, privateKeyPEM []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}

	privateKeyPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: privBytes,
	})

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("create ssh public key: %w", err)
	}
	publicKey = ssh.MarshalAuthorizedKey(sshPub)

	return publicKey, privateKeyPEM, nil
}

// EnsureKeyPair loads the identity from dir, generating and saving a new one
// on first run.
func EnsureKeyPair(dir string) (ssh.Signer, string, error) {
	if !KeyPairExists(dir) {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, "", fmt.Errorf("create key directory: %w", err)
		}
		pub, priv, err := GenerateKeyPair()
		if err != nil {
			return nil, "", err
		}
		if err := SaveKeyPair(dir, priv, pub); err != nil {
			return nil, "", err
		}
	}

	priv, err := os.ReadFile(filepath.Join(dir, privateKeyFile))
	if err != nil {
		return nil, "", fmt.Errorf("read private key: %w", err)
	}
	pub, err := os.ReadFile(filepath.Join(dir, publicKeyFile))
	if err != nil {
		return nil, "", fmt.Errorf("read public key: %w", err)
	}
	signer, err := ParsePrivateKey(priv)
	if err != nil {
		return nil, "", err
	}
	return signer, string(pub), nil
}

// SaveKeyPair writes the private key with mode 0600 and the public key with
// mode 0644.
func SaveKeyPair(dir string, privateKey, publicKey []byte) error {
	if err := os.WriteFile(filepath.Join(dir, privateKeyFile), privateKey, 0600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, publicKeyFile), publicKey, 0644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	return nil
}

func KeyPairExists(dir string) bool {
	if _, err := os.Stat(filepath.Join(dir, privateKeyFile)); err != nil {
		return false
	}
	if _, err := os.Stat(filepath.Join(dir, publicKeyFile)); err != nil {
		return false
	}
	return true
}

func ParsePrivateKey(privateKeyPEM []byte) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}
