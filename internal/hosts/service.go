// Package hosts implements the host lifecycle: adding hosts after a
// successful connection probe, updating and deleting them, testing
// connections and running commands.
//
// Every successful write invalidates the affected host status cache entries
// before returning, so a caller reading back through the cache never sees
// the pre-write snapshot.
package hosts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gluk-w/hostdeck/internal/cache"
	"github.com/gluk-w/hostdeck/internal/credentials"
	"github.com/gluk-w/hostdeck/internal/database"
	"github.com/gluk-w/hostdeck/internal/events"
	"github.com/gluk-w/hostdeck/internal/hoststatus"
	"github.com/gluk-w/hostdeck/internal/logging"
	"github.com/gluk-w/hostdeck/internal/retry"
	"github.com/gluk-w/hostdeck/internal/sshkeys"
	"github.com/gluk-w/hostdeck/internal/sshprobe"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	maxOutputBytes      = 64 << 10
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	maxCommandLength    = 4096
)

// Repository is the subset of database.HostRepository the service uses.
type Repository interface {
	hoststatus.Repository
	ListActiveHosts(ctx context.Context) ([]database.Host, error)
	CountHosts(ctx context.Context) (int64, error)
	EndpointExists(ctx context.Context, hostname string, port int, excludeID string) (bool, error)
	CreateHost(ctx context.Context, h *database.Host) error
	UpdateHost(ctx context.Context, id string, updates map[string]any) (*database.Host, error)
	DeleteHost(ctx context.Context, id string, activeSince time.Time) error
	SetStatus(ctx context.Context, id, status, detail string, at time.Time) error
	RecordCommand(ctx context.Context, entry *database.CommandHistory) error
	ListCommands(ctx context.Context, hostID string, limit int) ([]database.CommandHistory, error)
}

// Prober reaches hosts over SSH. *sshprobe.Dialer satisfies it.
type Prober interface {
	Probe(ctx context.Context, t sshprobe.Target) (sshprobe.ProbeResult, error)
	Run(ctx context.Context, t sshprobe.Target, command string) (sshprobe.Result, error)
}

// ProbeError is returned when a host could not be reached within the retry
// policy.
type ProbeError struct {
	Addr     string
	Attempts int
	Err      error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("connection to %s failed after %d attempt(s): %v", e.Addr, e.Attempts, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// ConnectionResult describes a successful connection test.
type ConnectionResult struct {
	Attempts           int    `json:"attempts"`
	LatencyMS          int64  `json:"latency_ms"`
	HostKeyFingerprint string `json:"host_key_fingerprint,omitempty"`
}

type ExecResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
	Truncated  bool   `json:"truncated,omitempty"`
}

type Config struct {
	Repo   Repository
	Cache  *hoststatus.Cache
	Prober Prober
	Box    *credentials.Box
	Events *events.Hub // optional
	Logger *zap.Logger

	// Retry is the policy for connection probes.
	Retry retry.Options
	// ActivityWindow is how far back command history blocks deletion.
	ActivityWindow time.Duration
	ExecTimeout    time.Duration
	// SSHConfigPath is read by Suggestions; empty disables them.
	SSHConfigPath string

	// MetricsStore caches system metrics snapshots for MetricsTTL. Nil
	// disables caching. MetricsHistory bounds the snapshots kept per host.
	MetricsStore   cache.Store
	MetricsTTL     time.Duration
	MetricsHistory int
}

type Service struct {
	repo   Repository
	cache  *hoststatus.Cache
	prober Prober
	box    *credentials.Box
	events *events.Hub
	log    *zap.Logger

	retry          retry.Options
	activityWindow time.Duration
	execTimeout    time.Duration
	sshConfigPath  string

	metricsStore   cache.Store
	metricsTTL     time.Duration
	metricsHistory *metricsHistory

	now   func() time.Time
	newID func() string
}

func NewService(cfg Config) *Service {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ActivityWindow <= 0 {
		cfg.ActivityWindow = 5 * time.Minute
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = time.Minute
	}
	if cfg.MetricsTTL <= 0 {
		cfg.MetricsTTL = defaultMetricsTTL
	}
	return &Service{
		repo:           cfg.Repo,
		cache:          cfg.Cache,
		prober:         cfg.Prober,
		box:            cfg.Box,
		events:         cfg.Events,
		log:            log.Named("hosts"),
		retry:          cfg.Retry,
		activityWindow: cfg.ActivityWindow,
		execTimeout:    cfg.ExecTimeout,
		sshConfigPath:  cfg.SSHConfigPath,
		metricsStore:   cfg.MetricsStore,
		metricsTTL:     cfg.MetricsTTL,
		metricsHistory: newMetricsHistory(cfg.MetricsHistory),
		now:            time.Now,
		newID:          uuid.NewString,
	}
}

func (s *Service) List(ctx context.Context) ([]database.Host, error) {
	return s.cache.GetAll(ctx)
}

func (s *Service) Get(ctx context.Context, id string) (*database.Host, error) {
	return s.cache.GetOne(ctx, id)
}

// Add validates in, probes the host with retries and inserts it once the
// probe has succeeded. A host that cannot be reached is never inserted.
func (s *Service) Add(ctx context.Context, in HostInput) (*database.Host, error) {
	if err := s.prepare(&in); err != nil {
		return nil, err
	}
	log := s.log.With(logging.Op("add"), zap.String("name", logging.Sanitize(in.Name)))

	exists, err := s.repo.EndpointExists(ctx, in.Hostname, in.Port, "")
	if err != nil {
		log.Error("endpoint check failed", zap.Error(err))
		return nil, err
	}
	if exists {
		return nil, database.ErrHostExists
	}

	target := inputTarget(in)
	res, err := s.probe(ctx, target, "")
	if err != nil {
		log.Warn("probe failed, host not added", zap.String("addr", target.Addr()), zap.Error(err))
		return nil, err
	}

	encrypted, err := s.encrypt(in.credential())
	if err != nil {
		return nil, err
	}
	now := s.now()
	host := &database.Host{
		ID:                 s.newID(),
		Name:               in.Name,
		Hostname:           in.Hostname,
		Port:               in.Port,
		Username:           in.Username,
		AuthType:           in.AuthType,
		Credential:         encrypted,
		HostKeyFingerprint: res.HostKeyFingerprint,
		IsActive:           in.IsActive == nil || *in.IsActive,
		Status:             database.StatusConnected,
		LastCheckedAt:      &now,
	}
	if err := s.repo.CreateHost(ctx, host); err != nil {
		log.Error("insert failed", zap.Error(err))
		return nil, err
	}
	if err := s.invalidate(ctx, host.ID); err != nil {
		return nil, err
	}

	log.Info("host added", logging.HostID(host.ID), zap.String("addr", target.Addr()), zap.Int("attempts", res.Attempts))
	s.publish(events.Event{Type: events.HostAdded, HostID: host.ID, Status: host.Status})
	return host, nil
}

// Update applies patch to host id. Changing the endpoint forgets the
// recorded host key so it is learned again on the next probe.
func (s *Service) Update(ctx context.Context, id string, patch HostPatch) (*database.Host, error) {
	if patch.empty() {
		return nil, &ValidationError{Message: "no fields to update"}
	}
	trim(patch.Name, patch.Hostname, patch.Username)
	if err := validateStruct(patch); err != nil {
		return nil, err
	}

	current, err := s.repo.GetHost(ctx, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]any{}
	if patch.Name != nil {
		updates["name"] = *patch.Name
	}
	if patch.Hostname != nil && *patch.Hostname != current.Hostname {
		updates["hostname"] = *patch.Hostname
	}
	if patch.Port != nil && *patch.Port != current.Port {
		updates["port"] = *patch.Port
	}
	if patch.Username != nil {
		updates["username"] = *patch.Username
	}
	if patch.IsActive != nil {
		updates["is_active"] = *patch.IsActive
	}
	if _, ok := updates["hostname"]; ok {
		updates["host_key_fingerprint"] = ""
	} else if _, ok := updates["port"]; ok {
		updates["host_key_fingerprint"] = ""
	}

	authType := current.AuthType
	if patch.AuthType != nil {
		authType = *patch.AuthType
		updates["auth_type"] = authType
	}
	switch {
	case authType == database.AuthPassword && patch.Password != nil:
		if *patch.Password == "" {
			return nil, &ValidationError{Field: "password", Message: "is required for password authentication"}
		}
		if updates["credential"], err = s.encrypt(*patch.Password); err != nil {
			return nil, err
		}
	case authType == database.AuthPassword && authType != current.AuthType:
		return nil, &ValidationError{Field: "password", Message: "is required for password authentication"}
	case authType == database.AuthKey && patch.PrivateKey != nil:
		if *patch.PrivateKey != "" {
			if _, err := sshkeys.ParsePrivateKey([]byte(*patch.PrivateKey)); err != nil {
				return nil, &ValidationError{Field: "private_key", Message: "is not a valid private key"}
			}
		}
		if updates["credential"], err = s.encrypt(*patch.PrivateKey); err != nil {
			return nil, err
		}
	case authType == database.AuthKey && authType != current.AuthType:
		// A stored password is useless for key auth; fall back to the
		// server identity key.
		updates["credential"] = ""
	}

	updated, err := s.repo.UpdateHost(ctx, id, updates)
	if err != nil {
		return nil, err
	}
	if err := s.invalidate(ctx, id); err != nil {
		return nil, err
	}
	s.log.Info("host updated", logging.Op("update"), logging.HostID(id), zap.Int("fields", len(updates)))
	s.publish(events.Event{Type: events.HostUpdated, HostID: id, Status: updated.Status})
	return updated, nil
}

// Delete removes host id unless a command ran on it within the activity
// window, in which case database.ErrHostActive is returned and nothing
// changes.
func (s *Service) Delete(ctx context.Context, id string) error {
	activeSince := s.now().Add(-s.activityWindow)
	if err := s.repo.DeleteHost(ctx, id, activeSince); err != nil {
		if errors.Is(err, database.ErrHostActive) {
			s.log.Info("delete refused, host recently active", logging.Op("delete"), logging.HostID(id))
		}
		return err
	}
	if err := s.invalidate(ctx, id); err != nil {
		return err
	}
	s.forgetSystemMetrics(ctx, id)
	s.log.Info("host deleted", logging.Op("delete"), logging.HostID(id))
	s.publish(events.Event{Type: events.HostDeleted, HostID: id})
	return nil
}

// TestConnection probes a stored host with the retry policy. Nothing is
// persisted.
func (s *Service) TestConnection(ctx context.Context, id string) (ConnectionResult, error) {
	host, err := s.repo.GetHost(ctx, id)
	if err != nil {
		return ConnectionResult{}, err
	}
	target, err := s.target(host)
	if err != nil {
		return ConnectionResult{}, err
	}
	return s.probe(ctx, target, id)
}

// TestTarget probes a host that has not been saved yet.
func (s *Service) TestTarget(ctx context.Context, in HostInput) (ConnectionResult, error) {
	if err := s.prepare(&in); err != nil {
		return ConnectionResult{}, err
	}
	return s.probe(ctx, inputTarget(in), "")
}

// Exec runs command on host id and records it in the command history,
// whether or not it succeeded.
func (s *Service) Exec(ctx context.Context, id, command string) (ExecResult, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return ExecResult{}, &ValidationError{Field: "command", Message: "is required"}
	}
	if len(command) > maxCommandLength {
		return ExecResult{}, &ValidationError{Field: "command", Message: fmt.Sprintf("must be at most %d", maxCommandLength)}
	}

	host, err := s.repo.GetHost(ctx, id)
	if err != nil {
		return ExecResult{}, err
	}
	target, err := s.target(host)
	if err != nil {
		return ExecResult{}, err
	}

	runCtx, cancel := context.WithTimeout(ctx, s.execTimeout)
	defer cancel()
	start := s.now()
	res, runErr := s.prober.Run(runCtx, target, command)

	out := ExecResult{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode, DurationMS: res.Duration.Milliseconds()}
	out.Stdout, out.Truncated = truncate(out.Stdout, maxOutputBytes)
	var cut bool
	out.Stderr, cut = truncate(out.Stderr, maxOutputBytes)
	out.Truncated = out.Truncated || cut

	entry := &database.CommandHistory{
		HostID:     id,
		Command:    command,
		ExitCode:   res.ExitCode,
		DurationMS: s.now().Sub(start).Milliseconds(),
		CreatedAt:  s.now(),
	}
	entry.Output, _ = truncate(res.Stdout+res.Stderr, maxOutputBytes)
	if runErr != nil {
		entry.Error = runErr.Error()
		entry.ExitCode = -1
	}
	if err := s.repo.RecordCommand(context.WithoutCancel(ctx), entry); err != nil {
		s.log.Error("recording command failed", logging.Op("exec"), logging.HostID(id), zap.Error(err))
	}

	if runErr != nil {
		s.log.Warn("command failed", logging.Op("exec"), logging.HostID(id), zap.Error(runErr))
		return out, runErr
	}
	s.log.Info("command executed", logging.Op("exec"), logging.HostID(id),
		zap.String("command", logging.Sanitize(command)), zap.Int("exit_code", out.ExitCode))
	return out, nil
}

// History returns the newest command history entries for host id.
func (s *Service) History(ctx context.Context, id string, limit int) ([]database.CommandHistory, error) {
	if _, err := s.cache.GetOne(ctx, id); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	rows, err := s.repo.ListCommands(ctx, id, limit)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []database.CommandHistory{}
	}
	return rows, nil
}

// CheckHost probes host h once within the retry timeout and records the
// outcome. A host without a recorded key has it learned here.
func (s *Service) CheckHost(ctx context.Context, h database.Host) (string, error) {
	target, err := s.target(&h)
	if err != nil {
		return "", err
	}
	probeCtx := ctx
	if s.retry.Timeout > 0 {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithTimeout(ctx, s.retry.Timeout)
		defer cancel()
	}
	res, probeErr := s.prober.Probe(probeCtx, target)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}

	status, detail := database.StatusConnected, ""
	var mismatch *sshkeys.FingerprintMismatchError
	switch {
	case errors.As(probeErr, &mismatch):
		status, detail = database.StatusError, probeErr.Error()
	case probeErr != nil:
		status, detail = database.StatusDisconnected, probeErr.Error()
	case h.HostKeyFingerprint == "" && res.HostKeyFingerprint != "":
		if _, err := s.repo.UpdateHost(ctx, h.ID, map[string]any{"host_key_fingerprint": res.HostKeyFingerprint}); err != nil {
			return "", err
		}
	}

	if err := s.RecordStatus(ctx, h.ID, status, detail); err != nil {
		return "", err
	}
	return status, nil
}

// RecordStatus stores the latest probe outcome for host id and publishes a
// status change event when it differs from the previous one.
func (s *Service) RecordStatus(ctx context.Context, id, status, detail string) error {
	current, err := s.repo.GetHost(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.SetStatus(ctx, id, status, detail, s.now()); err != nil {
		return err
	}
	if err := s.invalidate(ctx, id); err != nil {
		return err
	}
	if current.Status != status {
		s.log.Info("host status changed", logging.HostID(id),
			zap.String("from", current.Status), zap.String("to", status))
		s.publish(events.Event{Type: events.StatusChanged, HostID: id, Status: status, Previous: current.Status, Detail: detail})
	}
	return nil
}

// ActiveHosts lists hosts the monitor should check.
func (s *Service) ActiveHosts(ctx context.Context) ([]database.Host, error) {
	return s.repo.ListActiveHosts(ctx)
}

// EnsureDefaultHost inserts a localhost entry using the server identity key
// when no hosts exist. It does not probe.
func (s *Service) EnsureDefaultHost(ctx context.Context, username string) (*database.Host, bool, error) {
	n, err := s.repo.CountHosts(ctx)
	if err != nil {
		return nil, false, err
	}
	if n > 0 {
		return nil, false, nil
	}
	if username == "" {
		username = "root"
	}
	host := &database.Host{
		ID:       s.newID(),
		Name:     "localhost",
		Hostname: "127.0.0.1",
		Port:     defaultPort,
		Username: username,
		AuthType: database.AuthKey,
		IsActive: true,
		Status:   database.StatusDisconnected,
	}
	if err := s.repo.CreateHost(ctx, host); err != nil {
		if errors.Is(err, database.ErrHostExists) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if err := s.invalidate(ctx, host.ID); err != nil {
		return nil, false, err
	}
	s.log.Info("default host created", logging.HostID(host.ID))
	return host, true, nil
}

func (s *Service) prepare(in *HostInput) error {
	if err := in.normalize(); err != nil {
		return err
	}
	if in.PrivateKey != "" {
		if _, err := sshkeys.ParsePrivateKey([]byte(in.PrivateKey)); err != nil {
			return &ValidationError{Field: "private_key", Message: "is not a valid private key"}
		}
	}
	return nil
}

// probe runs the prober under the retry policy.
func (s *Service) probe(ctx context.Context, t sshprobe.Target, hostID string) (ConnectionResult, error) {
	opts := s.retry
	opts.Label = "ssh_probe"
	log := s.log.With(zap.String("addr", t.Addr()))
	if hostID != "" {
		log = log.With(logging.HostID(hostID))
	}
	opts.Logger = log

	attempts := 0
	observe := opts.OnAttempt
	opts.OnAttempt = func(a retry.Attempt) {
		attempts = a.Index + 1
		if observe != nil {
			observe(a)
		}
	}

	res, err := retry.Do(ctx, opts, func(ctx context.Context) (sshprobe.ProbeResult, error) {
		r, err := s.prober.Probe(ctx, t)
		if errors.Is(err, sshprobe.ErrNoAuthMethod) {
			return r, retry.Permanent(err)
		}
		return r, err
	})
	if err != nil {
		return ConnectionResult{}, &ProbeError{Addr: t.Addr(), Attempts: attempts, Err: err}
	}
	return ConnectionResult{
		Attempts:           attempts,
		LatencyMS:          res.Latency.Milliseconds(),
		HostKeyFingerprint: res.HostKeyFingerprint,
	}, nil
}

func (s *Service) target(h *database.Host) (sshprobe.Target, error) {
	t := sshprobe.Target{
		Hostname:           h.Hostname,
		Port:               h.Port,
		Username:           h.Username,
		HostKeyFingerprint: h.HostKeyFingerprint,
	}
	if h.Credential == "" {
		return t, nil
	}
	secret, err := s.box.Decrypt(h.Credential)
	if err != nil {
		s.log.Error("credential decryption failed", logging.HostID(h.ID), zap.Error(err))
		return t, fmt.Errorf("decrypt credential for host %s: %w", h.ID, err)
	}
	if h.AuthType == database.AuthPassword {
		t.Password = secret
	} else {
		t.PrivateKey = []byte(secret)
	}
	return t, nil
}

func inputTarget(in HostInput) sshprobe.Target {
	t := sshprobe.Target{Hostname: in.Hostname, Port: in.Port, Username: in.Username}
	if in.AuthType == database.AuthPassword {
		t.Password = in.Password
	} else if in.PrivateKey != "" {
		t.PrivateKey = []byte(in.PrivateKey)
	}
	return t
}

func (s *Service) encrypt(secret string) (string, error) {
	if secret == "" {
		return "", nil
	}
	enc, err := s.box.Encrypt(secret)
	if err != nil {
		return "", fmt.Errorf("encrypt credential: %w", err)
	}
	return enc, nil
}

// invalidate drops the cached entries for id and the host list. It runs
// even if ctx was cancelled after the write it follows.
func (s *Service) invalidate(ctx context.Context, id string) error {
	if err := s.cache.InvalidateHost(context.WithoutCancel(ctx), id); err != nil {
		return fmt.Errorf("invalidate host cache: %w", err)
	}
	return nil
}

func (s *Service) publish(e events.Event) {
	if s.events != nil {
		s.events.Publish(e)
	}
}

func trim(fields ...*string) {
	for _, f := range fields {
		if f != nil {
			*f = strings.TrimSpace(*f)
		}
	}
}

func truncate(s string, n int) (string, bool) {
	if len(s) <= n {
		return s, false
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n], true
}
