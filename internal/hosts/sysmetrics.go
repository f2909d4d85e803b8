package hosts

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gluk-w/hostdeck/internal/logging"
	"github.com/gluk-w/hostdeck/internal/metrics"
	"go.uber.org/zap"
)

const (
	systemMetricsKeyPrefix = "metrics:"
	defaultMetricsTTL      = time.Minute
	defaultMetricsHistory  = 1000
)

// Readings collected by systemMetricsCommand.
const (
	readingCPU    = "cpu"
	readingMemory = "memory"
	readingDisk   = "disk"
	readingLoad   = "load"
)

// systemMetricsCommand prints one key=value line per reading. Each line is
// computed on its own so a missing tool only blanks its own value.
var systemMetricsCommand = strings.Join([]string{
	`printf 'cpu=%s\n' "$(top -bn1 | grep 'Cpu(s)' | awk '{print $2 + $4}')"`,
	`printf 'memory=%s\n' "$(free -m | awk 'NR==2{print $3*100/$2}')"`,
	`printf 'disk=%s\n' "$(df -P / | awk 'NR==2{print $5}' | tr -d %)"`,
	`printf 'load=%s\n' "$(uptime | awk -F'load averages?: ' '{print $2}')"`,
}, "; ")

// SystemMetrics is a point-in-time snapshot of a host's resource usage.
// Percentages are nil when the host could not report them; the reading
// name is then listed in Unavailable.
type SystemMetrics struct {
	HostID        string    `json:"host_id"`
	CPUPercent    *float64  `json:"cpu_percent"`
	MemoryPercent *float64  `json:"memory_percent"`
	DiskPercent   *float64  `json:"disk_percent"`
	LoadAverage   []float64 `json:"load_average"`
	Unavailable   []string  `json:"unavailable,omitempty"`
	CollectedAt   time.Time `json:"collected_at"`
}

func parseSystemMetrics(out string) SystemMetrics {
	values := map[string]string{}
	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if ok {
			values[key] = strings.TrimSpace(value)
		}
	}

	m := SystemMetrics{LoadAverage: []float64{}}
	percent := func(name string) *float64 {
		v, err := strconv.ParseFloat(strings.TrimSuffix(values[name], "%"), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			m.Unavailable = append(m.Unavailable, name)
			return nil
		}
		v = math.Round(v*100) / 100
		return &v
	}
	m.CPUPercent = percent(readingCPU)
	m.MemoryPercent = percent(readingMemory)
	m.DiskPercent = percent(readingDisk)

	// "0.08, 0.03, 0.01" on Linux, "1.52 1.61 1.70" on some BSDs.
	for _, field := range strings.FieldsFunc(values[readingLoad], func(r rune) bool { return r == ',' || r == ' ' }) {
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			m.LoadAverage = []float64{}
			break
		}
		m.LoadAverage = append(m.LoadAverage, v)
	}
	if len(m.LoadAverage) == 0 {
		m.Unavailable = append(m.Unavailable, readingLoad)
	}
	return m
}

// metricsHistory keeps the newest snapshots per host, oldest first.
type metricsHistory struct {
	mu     sync.Mutex
	size   int
	byHost map[string][]SystemMetrics
}

func newMetricsHistory(size int) *metricsHistory {
	if size <= 0 {
		size = defaultMetricsHistory
	}
	return &metricsHistory{size: size, byHost: make(map[string][]SystemMetrics)}
}

func (h *metricsHistory) record(m SystemMetrics) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := append(h.byHost[m.HostID], m)
	if over := len(list) - h.size; over > 0 {
		list = slices.Delete(list, 0, over)
	}
	h.byHost[m.HostID] = list
}

// between returns snapshots collected in [since, until]. Zero bounds are
// open.
func (h *metricsHistory) between(id string, since, until time.Time) []SystemMetrics {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := []SystemMetrics{}
	for _, m := range h.byHost[id] {
		if !since.IsZero() && m.CollectedAt.Before(since) {
			continue
		}
		if !until.IsZero() && m.CollectedAt.After(until) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (h *metricsHistory) forget(id string) {
	h.mu.Lock()
	delete(h.byHost, id)
	h.mu.Unlock()
}

func systemMetricsKey(id string) string {
	return systemMetricsKeyPrefix + id
}

// SystemMetrics returns the CPU, memory, disk and load snapshot of host id.
// A snapshot younger than the metrics TTL is served from the cache store;
// otherwise the host is queried over SSH and the result is cached and added
// to the host's history.
func (s *Service) SystemMetrics(ctx context.Context, id string) (*SystemMetrics, error) {
	host, err := s.repo.GetHost(ctx, id)
	if err != nil {
		return nil, err
	}

	if cached, err := s.cachedSystemMetrics(ctx, id); err != nil || cached != nil {
		return cached, err
	}

	target, err := s.target(host)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithTimeout(ctx, s.execTimeout)
	defer cancel()
	res, err := s.prober.Run(runCtx, target, systemMetricsCommand)
	if err != nil {
		metrics.SystemMetricsCollections.WithLabelValues("failed").Inc()
		s.log.Warn("system metrics collection failed", logging.Op("system_metrics"), logging.HostID(id), zap.Error(err))
		return nil, &ProbeError{Addr: target.Addr(), Attempts: 1, Err: err}
	}

	m := parseSystemMetrics(res.Stdout)
	m.HostID = id
	m.CollectedAt = s.now().UTC()
	if len(m.Unavailable) > 0 {
		s.log.Debug("system metrics partially unavailable", logging.HostID(id),
			zap.Strings("unavailable", m.Unavailable), zap.Int("exit_code", res.ExitCode))
	}
	s.metricsHistory.record(m)
	metrics.SystemMetricsCollections.WithLabelValues("collected").Inc()

	if s.metricsStore != nil {
		raw, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("encode system metrics: %w", err)
		}
		if err := s.metricsStore.Set(ctx, systemMetricsKey(id), raw); err != nil {
			s.log.Error("system metrics cache set failed", logging.HostID(id), zap.Error(err))
			return nil, fmt.Errorf("cache system metrics: %w", err)
		}
	}
	return &m, nil
}

// cachedSystemMetrics returns nil without error on a miss or a stale entry.
func (s *Service) cachedSystemMetrics(ctx context.Context, id string) (*SystemMetrics, error) {
	if s.metricsStore == nil {
		return nil, nil
	}
	raw, found, err := s.metricsStore.Get(ctx, systemMetricsKey(id))
	if err != nil {
		s.log.Error("system metrics cache get failed", logging.HostID(id), zap.Error(err))
		return nil, fmt.Errorf("read system metrics cache: %w", err)
	}
	if !found {
		return nil, nil
	}
	var m SystemMetrics
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode cached %s: %w", systemMetricsKey(id), err)
	}
	if s.now().Sub(m.CollectedAt) >= s.metricsTTL {
		return nil, nil
	}
	metrics.SystemMetricsCollections.WithLabelValues("cached").Inc()
	return &m, nil
}

// SystemMetricsHistory returns the snapshots collected for host id between
// since and until, oldest first. Zero bounds are open.
func (s *Service) SystemMetricsHistory(ctx context.Context, id string, since, until time.Time) ([]SystemMetrics, error) {
	if _, err := s.cache.GetOne(ctx, id); err != nil {
		return nil, err
	}
	if !since.IsZero() && !until.IsZero() && until.Before(since) {
		return nil, &ValidationError{Field: "until", Message: "must not be before since"}
	}
	return s.metricsHistory.between(id, since, until), nil
}

// forgetSystemMetrics drops everything known about id's resource usage.
func (s *Service) forgetSystemMetrics(ctx context.Context, id string) {
	s.metricsHistory.forget(id)
	if s.metricsStore == nil {
		return
	}
	if err := s.metricsStore.Invalidate(context.WithoutCancel(ctx), systemMetricsKey(id)); err != nil {
		s.log.Warn("system metrics cache invalidation failed", logging.HostID(id), zap.Error(err))
	}
}
