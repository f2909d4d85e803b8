package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gluk-w/hostdeck/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChecker struct {
	hosts   []database.Host
	listErr error
	check   func(h database.Host) (string, error)

	mu       sync.Mutex
	checked  []string
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeChecker) ActiveHosts(context.Context) ([]database.Host, error) {
	return f.hosts, f.listErr
}

func (f *fakeChecker) CheckHost(_ context.Context, h database.Host) (string, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)

	f.mu.Lock()
	f.checked = append(f.checked, h.ID)
	f.mu.Unlock()
	if f.check != nil {
		return f.check(h)
	}
	return database.StatusConnected, nil
}

func hostsN(n int) []database.Host {
	out := make([]database.Host, n)
	for i := range out {
		out[i] = database.Host{ID: string(rune('a' + i))}
	}
	return out
}

func TestRunOnceChecksEveryHost(t *testing.T) {
	fc := &fakeChecker{hosts: hostsN(6)}
	fc.check = func(h database.Host) (string, error) {
		switch h.ID {
		case "b":
			return database.StatusDisconnected, nil
		case "c":
			return "", errors.New("database is locked")
		}
		return database.StatusConnected, nil
	}

	sum, err := New(fc, Options{Concurrency: 2}).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, sum.Checked)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 4, sum.Status[database.StatusConnected])
	assert.Equal(t, 1, sum.Status[database.StatusDisconnected])
	assert.Len(t, fc.checked, 6)
	assert.LessOrEqual(t, fc.peak.Load(), int32(2))
}

func TestRunOnceListError(t *testing.T) {
	fc := &fakeChecker{listErr: errors.New("no such table: hosts")}
	_, err := New(fc, Options{}).RunOnce(context.Background())
	assert.ErrorContains(t, err, "list active hosts")
}

func TestRunOnceNoHosts(t *testing.T) {
	sum, err := New(&fakeChecker{}, Options{}).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.Checked)
}

func TestStartRejectsBadSchedule(t *testing.T) {
	m := New(&fakeChecker{}, Options{Schedule: "every now and then"})
	assert.Error(t, m.Start(context.Background()))
}

func TestStartRunsOnSchedule(t *testing.T) {
	fc := &fakeChecker{hosts: hostsN(1)}
	m := New(fc, Options{Schedule: "@every 1s"})
	require.NoError(t, m.Start(context.Background()))
	assert.Error(t, m.Start(context.Background()), "second start is rejected")

	assert.Eventually(t, func() bool {
		fc.mu.Lock()
		defer fc.mu.Unlock()
		return len(fc.checked) > 0
	}, 3*time.Second, 50*time.Millisecond)

	m.Stop()
	m.Stop()
}
