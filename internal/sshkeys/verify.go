package sshkeys

import (
	"fmt"
	"net"

	"golang.org/x/crypto/ssh"
)

// FingerprintMismatchError is returned when a host presents a key whose
// fingerprint differs from the stored one.
type FingerprintMismatchError struct {
	Expected string
	Actual   string
}

func (e *FingerprintMismatchError) Error() string {
	return fmt.Sprintf("host key fingerprint mismatch: expected %s, got %s", e.Expected, e.Actual)
}

// Fingerprint returns the SHA256 fingerprint of an authorized_keys-format key.
func Fingerprint(publicKey []byte) (string, error) {
	if len(publicKey) == 0 {
		return "", fmt.Errorf("get fingerprint: public key is empty")
	}
	parsed, _, _, _, err := ssh.ParseAuthorizedKey(publicKey)
	if err != nil {
		return "", fmt.Errorf("get fingerprint: parse public key: %w", err)
	}
	return ssh.FingerprintSHA256(parsed), nil
}

// HostKeyCallback accepts any host key when expected is empty and otherwise
// requires a matching fingerprint. The fingerprint actually presented is
// written to *seen.
func HostKeyCallback(expected string, seen *string) ssh.HostKeyCallback {
	return func(_ string, _ net.Addr, key ssh.PublicKey) error {
		actual := ssh.FingerprintSHA256(key)
		if seen != nil {
			*seen = actual
		}
		if expected != "" && expected != actual {
			return &FingerprintMismatchError{Expected: expected, Actual: actual}
		}
		return nil
	}
}
