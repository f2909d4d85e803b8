// Package retry runs an operation with bounded retries, a per-attempt
// timeout and exponential backoff between attempts.
//
// Attempts are strictly sequential. Before attempt k (k >= 1) the caller
// waits Delay * 2^(k-1), capped at MaxDelay when it is set. Each attempt
// receives a context that is cancelled when its timeout fires, so a timed
// out operation is actually torn down instead of left running. An attempt
// that outlives its timeout fails with ErrTimedOut even if the operation
// ignores its context and succeeds later.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/gluk-w/hostdeck/internal/metrics"
	"go.uber.org/zap"
)

var (
	ErrTimedOut  = errors.New("Operation timed out")
	ErrExhausted = errors.New("Operation failed after retries")
)

// Attempt describes one finished iteration of a retried operation.
type Attempt struct {
	Index   int           // zero-based
	Delay   time.Duration // backoff waited before this attempt
	Elapsed time.Duration
	Err     error
}

type Options struct {
	Retries  int           // extra attempts after the first; negative is treated as 0
	Delay    time.Duration // base backoff
	Timeout  time.Duration // per attempt; zero disables
	MaxDelay time.Duration // backoff ceiling; zero means uncapped
	Jitter   float64       // extra random fraction of each delay, 0..1

	Label  string
	Logger *zap.Logger

	// OnAttempt observes every attempt after it finishes.
	OnAttempt func(Attempt)

	// Sleep and Now default to real time; tests replace them.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// DefaultOptions is the policy used for SSH connection probes.
func DefaultOptions() Options {
	return Options{
		Retries:  2,
		Delay:    2 * time.Second,
		Timeout:  10 * time.Second,
		MaxDelay: 30 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.Label == "" {
		o.Label = "operation"
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Sleep == nil {
		o.Sleep = sleepContext
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Jitter < 0 {
		o.Jitter = 0
	}
	if o.Jitter > 1 {
		o.Jitter = 1
	}
	return o
}

// Backoff returns base * 2^attempt, capped at ceiling when ceiling > 0. It
// saturates instead of overflowing.
func Backoff(base time.Duration, attempt int, ceiling time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		if ceiling > 0 && d >= ceiling {
			return ceiling
		}
		if d > math.MaxInt64/2 {
			d = math.MaxInt64
			break
		}
		d *= 2
	}
	if ceiling > 0 && d > ceiling {
		return ceiling
	}
	return d
}

func (o Options) delayBefore(attempt int) time.Duration {
	d := Backoff(o.Delay, attempt-1, o.MaxDelay)
	if o.Jitter > 0 && d > 0 {
		if spread := int64(float64(d) * o.Jitter); spread > 0 {
			d += time.Duration(rand.Int64N(spread))
		}
		if o.MaxDelay > 0 && d > o.MaxDelay {
			d = o.MaxDelay
		}
	}
	return d
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying; Do returns the wrapped error
// immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs op until it succeeds or Retries+1 attempts have failed, returning
// the first successful result or the last error. Cancelling ctx stops the
// sequence with the context's error.
func Do[T any](ctx context.Context, opts Options, op func(ctx context.Context) (T, error)) (T, error) {
	opts = opts.withDefaults()
	log := opts.Logger.With(zap.String("label", opts.Label))

	var zero T
	var lastErr error

	for attempt := 0; attempt <= opts.Retries; attempt++ {
		var delay time.Duration
		if attempt > 0 {
			delay = opts.delayBefore(attempt)
			if err := opts.Sleep(ctx, delay); err != nil {
				return zero, err
			}
		}
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		log.Debug("attempt starting",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", opts.Retries+1),
			zap.Duration("backoff", delay))

		start := opts.Now()
		val, err := runAttempt(ctx, opts.Timeout, op)
		rec := Attempt{Index: attempt, Delay: delay, Elapsed: opts.Now().Sub(start), Err: err}
		if opts.OnAttempt != nil {
			opts.OnAttempt(rec)
		}

		if err == nil {
			metrics.RetryAttempts.WithLabelValues(opts.Label, "success").Inc()
			return val, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}

		outcome := "failure"
		if errors.Is(err, ErrTimedOut) {
			outcome = "timeout"
		}
		metrics.RetryAttempts.WithLabelValues(opts.Label, outcome).Inc()

		var perm *permanentError
		if errors.As(err, &perm) {
			log.Warn("attempt failed permanently", zap.Int("attempt", attempt+1), zap.Error(perm.err))
			return zero, perm.err
		}

		lastErr = err
		log.Warn("attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", opts.Retries+1),
			zap.Duration("elapsed", rec.Elapsed),
			zap.Error(err))
	}

	if lastErr == nil {
		lastErr = ErrExhausted
	}
	return zero, lastErr
}

type result[T any] struct {
	val T
	err error
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if timeout <= 0 {
		return op(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan result[T], 1)
	go func() {
		v, err := op(attemptCtx)
		ch <- result[T]{val: v, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return zero, ErrTimedOut
		}
		return r.val, r.err
	case <-attemptCtx.Done():
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, ErrTimedOut
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
