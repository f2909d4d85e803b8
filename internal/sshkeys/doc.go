// Package sshkeys manages the control plane's SSH identity and host key
// fingerprints.
//
// The control plane owns one ED25519 key pair, stored under the data
// directory as ssh_key (0600) and ssh_key.pub (0644). Hosts registered with
// auth_type "key" and no per-host key authenticate with it, so operators
// only have to install ssh_key.pub in authorized_keys.
//
// Host keys follow trust on first use: the fingerprint seen when a host is
// added is stored, and later probes fail with a *FingerprintMismatchError if
// the server presents a different key.
package sshkeys
