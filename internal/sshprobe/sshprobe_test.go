package sshprobe

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gluk-w/hostdeck/internal/sshkeys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// testServer is an in-process SSH server. It accepts the given public key
// and the password "secret", and answers exec requests by echoing the
// command; a command of the form "exit N" exits with status N.
type testServer struct {
	addr        string
	fingerprint string
	cleanup     func()

	mu    sync.Mutex
	conns []net.Conn
}

func (ts *testServer) target(user string) Target {
	host, portStr, _ := net.SplitHostPort(ts.addr)
	port, _ := strconv.Atoi(portStr)
	return Target{Hostname: host, Port: port, Username: user}
}

func startTestServer(t *testing.T, authorizedKey ssh.PublicKey) *testServer {
	t.Helper()

	_, hostKeyPEM, err := sshkeys.GenerateKeyPair()
	require.NoError(t, err)
	hostSigner, err := ssh.ParsePrivateKey(hostKeyPEM)
	require.NoError(t, err)

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if authorizedKey != nil && ssh.FingerprintSHA256(key) == ssh.FingerprintSHA256(authorizedKey) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		},
		PasswordCallback: func(_ ssh.ConnMetadata, pw []byte) (*ssh.Permissions, error) {
			if string(pw) == "secret" {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("bad password")
		},
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ts := &testServer{
		addr:        listener.Addr().String(),
		fingerprint: ssh.FingerprintSHA256(hostSigner.PublicKey()),
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			netConn, err := listener.Accept()
			if err != nil {
				return
			}
			ts.mu.Lock()
			ts.conns = append(ts.conns, netConn)
			ts.mu.Unlock()
			go handleConn(netConn, config)
		}
	}()

	ts.cleanup = func() {
		listener.Close()
		ts.mu.Lock()
		for _, c := range ts.conns {
			c.Close()
		}
		ts.mu.Unlock()
		<-done
	}
	t.Cleanup(ts.cleanup)
	return ts
}

func handleConn(netConn net.Conn, config *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer ch.Close()
			for req := range requests {
				if req.Type != "exec" {
					if req.WantReply {
						req.Reply(false, nil)
					}
					continue
				}
				// payload: uint32 length + command
				cmd := string(req.Payload[4:])
				if req.WantReply {
					req.Reply(true, nil)
				}
				status := uint32(0)
				if strings.HasPrefix(cmd, "exit ") {
					n, _ := strconv.Atoi(strings.TrimPrefix(cmd, "exit "))
					status = uint32(n)
					ch.Stderr().Write([]byte("exiting\n"))
				} else {
					ch.Write([]byte(cmd + "\n"))
				}
				payload := make([]byte, 4)
				binary.BigEndian.PutUint32(payload, status)
				ch.SendRequest("exit-status", false, payload)
				return
			}
		}()
	}
}

func newIdentity(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := sshkeys.GenerateKeyPair()
	require.NoError(t, err)
	signer, err := sshkeys.ParsePrivateKey(priv)
	require.NoError(t, err)
	return signer
}

func TestProbeWithIdentityKey(t *testing.T) {
	identity := newIdentity(t)
	ts := startTestServer(t, identity.PublicKey())

	res, err := NewDialer(identity).Probe(context.Background(), ts.target("root"))
	require.NoError(t, err)
	assert.Equal(t, ts.fingerprint, res.HostKeyFingerprint)
	assert.Greater(t, res.Latency, time.Duration(0))
}

func TestProbeWithPerHostKey(t *testing.T) {
	_, priv, err := sshkeys.GenerateKeyPair()
	require.NoError(t, err)
	hostSigner, err := sshkeys.ParsePrivateKey(priv)
	require.NoError(t, err)
	ts := startTestServer(t, hostSigner.PublicKey())

	target := ts.target("deploy")
	target.PrivateKey = priv
	// Identity is not authorized; the per-host key must be used.
	_, err = NewDialer(newIdentity(t)).Probe(context.Background(), target)
	require.NoError(t, err)
}

func TestProbeWithPassword(t *testing.T) {
	ts := startTestServer(t, nil)

	target := ts.target("ubuntu")
	target.Password = "secret"
	_, err := NewDialer(nil).Probe(context.Background(), target)
	require.NoError(t, err)

	target.Password = "wrong"
	_, err = NewDialer(nil).Probe(context.Background(), target)
	assert.Error(t, err)
}

func TestProbeNoAuthMethod(t *testing.T) {
	_, err := NewDialer(nil).Probe(context.Background(), Target{Hostname: "127.0.0.1", Port: 22, Username: "root"})
	assert.ErrorIs(t, err, ErrNoAuthMethod)
}

func TestProbeInvalidPrivateKey(t *testing.T) {
	_, err := NewDialer(nil).Probe(context.Background(), Target{
		Hostname: "127.0.0.1", Port: 22, Username: "root", PrivateKey: []byte("junk"),
	})
	assert.Error(t, err)
}

func TestProbeFingerprintMismatch(t *testing.T) {
	identity := newIdentity(t)
	ts := startTestServer(t, identity.PublicKey())

	target := ts.target("root")
	target.HostKeyFingerprint = "SHA256:not-the-real-one"
	_, err := NewDialer(identity).Probe(context.Background(), target)

	var mismatch *sshkeys.FingerprintMismatchError
	require.True(t, errors.As(err, &mismatch), "got %v", err)
	assert.Equal(t, ts.fingerprint, mismatch.Actual)

	target.HostKeyFingerprint = ts.fingerprint
	_, err = NewDialer(identity).Probe(context.Background(), target)
	assert.NoError(t, err)
}

func TestProbeConnectionRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().(*net.TCPAddr)
	l.Close()

	_, err = NewDialer(newIdentity(t)).Probe(context.Background(), Target{
		Hostname: "127.0.0.1", Port: addr.Port, Username: "root",
	})
	assert.ErrorContains(t, err, "dial")
}

func TestProbeCancelledDuringHandshake(t *testing.T) {
	// A listener that accepts but never speaks SSH.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			defer c.Close()
		}
	}()
	addr := l.Addr().(*net.TCPAddr)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = NewDialer(newIdentity(t)).Probe(ctx, Target{Hostname: "127.0.0.1", Port: addr.Port, Username: "root"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRunCapturesOutput(t *testing.T) {
	identity := newIdentity(t)
	ts := startTestServer(t, identity.PublicKey())
	d := NewDialer(identity)

	res, err := d.Run(context.Background(), ts.target("root"), "uptime")
	require.NoError(t, err)
	assert.Equal(t, "uptime\n", res.Stdout)
	assert.Equal(t, 0, res.ExitCode)

	res, err = d.Run(context.Background(), ts.target("root"), "exit 3")
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "exiting\n", res.Stderr)
}
