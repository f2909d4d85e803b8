// Package sshprobe opens short-lived SSH connections to managed hosts.
//
// Probe only completes the handshake and disconnects; it is how reachability
// is tested. Run opens one session, executes a command and disconnects.
// Neither keeps connections around. Cancelling the context closes the
// underlying TCP connection, including mid-handshake.
package sshprobe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/gluk-w/hostdeck/internal/sshkeys"
	"golang.org/x/crypto/ssh"
)

// ErrNoAuthMethod is returned when a target has no usable credential and the
// dialer has no identity key to fall back to.
var ErrNoAuthMethod = errors.New("no SSH authentication method available")

// Target is everything needed to reach one host.
type Target struct {
	Hostname string
	Port     int
	Username string

	Password   string
	PrivateKey []byte // PEM; takes precedence over the dialer identity

	// HostKeyFingerprint, when set, must match the key the server presents.
	HostKeyFingerprint string
}

func (t Target) Addr() string {
	return net.JoinHostPort(t.Hostname, strconv.Itoa(t.Port))
}

// ProbeResult describes a successful handshake.
type ProbeResult struct {
	HostKeyFingerprint string
	Latency            time.Duration
}

// Result is the outcome of a remote command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Dialer creates SSH connections. It is safe for concurrent use.
type Dialer struct {
	identity ssh.Signer
}

// NewDialer returns a Dialer that falls back to identity for key-auth hosts
// without their own key. identity may be nil.
func NewDialer(identity ssh.Signer) *Dialer {
	return &Dialer{identity: identity}
}

func (d *Dialer) authMethods(t Target) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if len(t.PrivateKey) > 0 {
		signer, err := sshkeys.ParsePrivateKey(t.PrivateKey)
		if err != nil {
			return nil, err
		}
		methods = append(methods, ssh.PublicKeys(signer))
	} else if d.identity != nil && t.Password == "" {
		methods = append(methods, ssh.PublicKeys(d.identity))
	}
	if t.Password != "" {
		pw := t.Password
		methods = append(methods,
			ssh.Password(pw),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = pw
				}
				return answers, nil
			}),
		)
	}
	if len(methods) == 0 {
		return nil, ErrNoAuthMethod
	}
	return methods, nil
}

// connect dials and completes the SSH handshake. The returned stop function
// detaches the context watcher and must be called once the client is no
// longer needed; it does not close the client.
func (d *Dialer) connect(ctx context.Context, t Target) (*ssh.Client, string, func() bool, error) {
	auth, err := d.authMethods(t)
	if err != nil {
		return nil, "", nil, err
	}

	var seen string
	var mismatch *sshkeys.FingerprintMismatchError
	verify := sshkeys.HostKeyCallback(t.HostKeyFingerprint, &seen)
	cfg := &ssh.ClientConfig{
		User: t.Username,
		Auth: auth,
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			err := verify(hostname, remote, key)
			errors.As(err, &mismatch)
			return err
		},
	}

	addr := t.Addr()
	var dialer net.Dialer
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, "", nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	// Tear the connection down if the caller gives up, whatever stage we are in.
	stop := context.AfterFunc(ctx, func() { netConn.Close() })

	if deadline, ok := ctx.Deadline(); ok {
		netConn.SetDeadline(deadline)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		stop()
		netConn.Close()
		if mismatch != nil {
			return nil, "", nil, mismatch
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, "", nil, fmt.Errorf("ssh handshake with %s: %w", addr, ctxErr)
		}
		return nil, "", nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	netConn.SetDeadline(time.Time{})

	return ssh.NewClient(sshConn, chans, reqs), seen, stop, nil
}

// Probe completes an SSH handshake with t and disconnects.
func (d *Dialer) Probe(ctx context.Context, t Target) (ProbeResult, error) {
	start := time.Now()
	client, fp, stop, err := d.connect(ctx, t)
	if err != nil {
		return ProbeResult{}, err
	}
	stop()
	client.Close()
	return ProbeResult{HostKeyFingerprint: fp, Latency: time.Since(start)}, nil
}

// Run executes command on t. A non-zero exit status is reported in
// Result.ExitCode, not as an error.
func (d *Dialer) Run(ctx context.Context, t Target, command string) (Result, error) {
	start := time.Now()
	client, _, stop, err := d.connect(ctx, t)
	if err != nil {
		return Result{}, err
	}
	defer client.Close()
	defer stop()

	session, err := client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("open session on %s: %w", t.Addr(), err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	res := Result{}
	err = session.Run(command)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.Duration = time.Since(start)

	if err != nil {
		var exitErr *ssh.ExitError
		var missing *ssh.ExitMissingError
		switch {
		case errors.As(err, &exitErr):
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		case errors.As(err, &missing):
			res.ExitCode = -1
			return res, nil
		case ctx.Err() != nil:
			return res, fmt.Errorf("run on %s: %w", t.Addr(), ctx.Err())
		default:
			return res, fmt.Errorf("run on %s: %w", t.Addr(), err)
		}
	}
	return res, nil
}
