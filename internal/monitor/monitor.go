// Package monitor periodically probes active hosts and records their
// connection status.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gluk-w/hostdeck/internal/database"
	"github.com/gluk-w/hostdeck/internal/logging"
	"github.com/gluk-w/hostdeck/internal/metrics"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Checker is implemented by hosts.Service.
type Checker interface {
	ActiveHosts(ctx context.Context) ([]database.Host, error)
	CheckHost(ctx context.Context, h database.Host) (string, error)
}

type Options struct {
	// Schedule is a cron expression or descriptor such as "@every 1m".
	Schedule    string
	Concurrency int
	Logger      *zap.Logger
}

// Summary counts the outcomes of one sweep.
type Summary struct {
	Checked int
	Status  map[string]int
	Failed  int // hosts whose status could not be recorded
}

type Monitor struct {
	checker     Checker
	schedule    string
	concurrency int
	log         *zap.Logger

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
}

func New(checker Checker, opts Options) *Monitor {
	if opts.Schedule == "" {
		opts.Schedule = "@every 1m"
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Monitor{
		checker:     checker,
		schedule:    opts.Schedule,
		concurrency: opts.Concurrency,
		log:         opts.Logger.Named("monitor"),
	}
}

// Start schedules sweeps until ctx is cancelled or Stop is called. A sweep
// still running when the next one is due causes that one to be skipped.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron != nil {
		return errors.New("monitor already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := cron.New(cron.WithChain(
		cron.Recover(cronLogger{m.log.Sugar()}),
		cron.SkipIfStillRunning(cronLogger{m.log.Sugar()}),
	))
	if _, err := c.AddFunc(m.schedule, func() {
		if _, err := m.RunOnce(runCtx); err != nil && runCtx.Err() == nil {
			m.log.Error("sweep failed", zap.Error(err))
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("parse monitor schedule %q: %w", m.schedule, err)
	}
	c.Start()
	m.cron, m.cancel = c, cancel
	m.log.Info("monitor started", zap.String("schedule", m.schedule), zap.Int("concurrency", m.concurrency))
	return nil
}

// Stop cancels in-flight probes and waits for the running sweep to return.
func (m *Monitor) Stop() {
	m.mu.Lock()
	c, cancel := m.cron, m.cancel
	m.cron, m.cancel = nil, nil
	m.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
	m.log.Info("monitor stopped")
}

// RunOnce probes every active host once, at most Concurrency at a time. A
// host that fails to check does not stop the others.
func (m *Monitor) RunOnce(ctx context.Context) (Summary, error) {
	hosts, err := m.checker.ActiveHosts(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("list active hosts: %w", err)
	}

	sum := Summary{Status: map[string]int{}}
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(m.concurrency)

	for _, h := range hosts {
		g.Go(func() error {
			start := time.Now()
			status, err := m.checker.CheckHost(ctx, h)
			metrics.ProbeDuration.Observe(time.Since(start).Seconds())

			mu.Lock()
			defer mu.Unlock()
			sum.Checked++
			if err != nil {
				sum.Failed++
				if ctx.Err() == nil {
					m.log.Warn("host check failed", logging.HostID(h.ID), zap.Error(err))
				}
				return nil
			}
			sum.Status[status]++
			metrics.ProbeResults.WithLabelValues(status).Inc()
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return sum, err
	}
	m.log.Debug("sweep finished", zap.Int("checked", sum.Checked), zap.Int("failed", sum.Failed),
		zap.Any("status", sum.Status))
	return sum, nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
