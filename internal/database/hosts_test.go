package database

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHost(id, name, hostname string, port int) *Host {
	return &Host{
		ID:       id,
		Name:     name,
		Hostname: hostname,
		Port:     port,
		Username: "ubuntu",
		AuthType: AuthKey,
		IsActive: true,
		Status:   StatusConnected,
	}
}

func TestListHostsOrderedByName(t *testing.T) {
	repo := NewHostRepository(NewTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.CreateHost(ctx, newHost("h-2", "web2", "10.0.0.6", 22)))
	require.NoError(t, repo.CreateHost(ctx, newHost("h-1", "db1", "10.0.0.7", 22)))
	require.NoError(t, repo.CreateHost(ctx, newHost("h-3", "app1", "10.0.0.8", 22)))

	hosts, err := repo.ListHosts(ctx)
	require.NoError(t, err)
	require.Len(t, hosts, 3)
	assert.Equal(t, []string{"app1", "db1", "web2"}, []string{hosts[0].Name, hosts[1].Name, hosts[2].Name})
}

func TestCreateHostDuplicateEndpoint(t *testing.T) {
	repo := NewHostRepository(NewTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.CreateHost(ctx, newHost("h-1", "web1", "10.0.0.5", 22)))
	err := repo.CreateHost(ctx, newHost("h-2", "web1-copy", "10.0.0.5", 22))
	assert.ErrorIs(t, err, ErrHostExists)

	// Same hostname, different port is a different endpoint.
	require.NoError(t, repo.CreateHost(ctx, newHost("h-3", "web1-alt", "10.0.0.5", 2222)))

	n, err := repo.CountHosts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestGetHostNotFound(t *testing.T) {
	repo := NewHostRepository(NewTestDB(t))
	_, err := repo.GetHost(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrHostNotFound)
}

func TestHasCredentialDerived(t *testing.T) {
	repo := NewHostRepository(NewTestDB(t))
	ctx := context.Background()

	h := newHost("h-1", "web1", "10.0.0.5", 22)
	h.Credential = "gAAAA-token"
	require.NoError(t, repo.CreateHost(ctx, h))
	assert.True(t, h.HasCredential)

	loaded, err := repo.GetHost(ctx, "h-1")
	require.NoError(t, err)
	assert.True(t, loaded.HasCredential)
}

func TestUpdateHost(t *testing.T) {
	repo := NewHostRepository(NewTestDB(t))
	ctx := context.Background()
	require.NoError(t, repo.CreateHost(ctx, newHost("h-1", "web1", "10.0.0.5", 22)))
	require.NoError(t, repo.CreateHost(ctx, newHost("h-2", "web2", "10.0.0.6", 22)))

	updated, err := repo.UpdateHost(ctx, "h-1", map[string]any{"name": "web1-renamed", "port": 2200})
	require.NoError(t, err)
	assert.Equal(t, "web1-renamed", updated.Name)
	assert.Equal(t, 2200, updated.Port)

	_, err = repo.UpdateHost(ctx, "h-1", map[string]any{"hostname": "10.0.0.6", "port": 22})
	assert.ErrorIs(t, err, ErrHostExists)

	_, err = repo.UpdateHost(ctx, "missing", map[string]any{"name": "x"})
	assert.ErrorIs(t, err, ErrHostNotFound)
}

func TestDeleteHostRejectsRecentActivity(t *testing.T) {
	repo := NewHostRepository(NewTestDB(t))
	ctx := context.Background()
	require.NoError(t, repo.CreateHost(ctx, newHost("h-1", "web1", "10.0.0.5", 22)))

	now := time.Now()
	require.NoError(t, repo.RecordCommand(ctx, &CommandHistory{
		HostID:    "h-1",
		Command:   "uptime",
		CreatedAt: now.Add(-2 * time.Minute),
	}))

	err := repo.DeleteHost(ctx, "h-1", now.Add(-5*time.Minute))
	require.ErrorIs(t, err, ErrHostActive)
	assert.EqualError(t, err, "Host has active connections")

	_, err = repo.GetHost(ctx, "h-1")
	assert.NoError(t, err, "host must survive a rejected delete")
}

func TestDeleteHostAfterWindow(t *testing.T) {
	repo := NewHostRepository(NewTestDB(t))
	ctx := context.Background()
	require.NoError(t, repo.CreateHost(ctx, newHost("h-1", "web1", "10.0.0.5", 22)))

	now := time.Now()
	require.NoError(t, repo.RecordCommand(ctx, &CommandHistory{
		HostID:    "h-1",
		Command:   "uptime",
		CreatedAt: now.Add(-10 * time.Minute),
	}))

	require.NoError(t, repo.DeleteHost(ctx, "h-1", now.Add(-5*time.Minute)))

	_, err := repo.GetHost(ctx, "h-1")
	assert.ErrorIs(t, err, ErrHostNotFound)
	rows, err := repo.ListCommands(ctx, "h-1", 0)
	require.NoError(t, err)
	assert.Empty(t, rows)

	assert.ErrorIs(t, repo.DeleteHost(ctx, "h-1", now), ErrHostNotFound)
}

func TestSetStatus(t *testing.T) {
	repo := NewHostRepository(NewTestDB(t))
	ctx := context.Background()
	require.NoError(t, repo.CreateHost(ctx, newHost("h-1", "web1", "10.0.0.5", 22)))

	at := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, repo.SetStatus(ctx, "h-1", StatusError, "dial tcp: refused", at))

	h, err := repo.GetHost(ctx, "h-1")
	require.NoError(t, err)
	assert.Equal(t, StatusError, h.Status)
	assert.Equal(t, "dial tcp: refused", h.StatusDetail)
	require.NotNil(t, h.LastCheckedAt)
	assert.True(t, h.LastCheckedAt.Equal(at))

	assert.ErrorIs(t, repo.SetStatus(ctx, "missing", StatusError, "", at), ErrHostNotFound)
}

func TestListCommandsNewestFirstWithLimit(t *testing.T) {
	repo := NewHostRepository(NewTestDB(t))
	ctx := context.Background()
	require.NoError(t, repo.CreateHost(ctx, newHost("h-1", "web1", "10.0.0.5", 22)))

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		require.NoError(t, repo.RecordCommand(ctx, &CommandHistory{
			HostID:    "h-1",
			Command:   fmt.Sprintf("cmd-%d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	rows, err := repo.ListCommands(ctx, "h-1", 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "cmd-4", rows[0].Command)
	assert.Equal(t, "cmd-3", rows[1].Command)
}

func TestListActiveHosts(t *testing.T) {
	repo := NewHostRepository(NewTestDB(t))
	ctx := context.Background()
	require.NoError(t, repo.CreateHost(ctx, newHost("h-1", "web1", "10.0.0.5", 22)))
	inactive := newHost("h-2", "web2", "10.0.0.6", 22)
	inactive.IsActive = false
	require.NoError(t, repo.CreateHost(ctx, inactive))

	hosts, err := repo.ListActiveHosts(ctx)
	require.NoError(t, err)
	require.Len(t, hosts, 1)
	assert.Equal(t, "h-1", hosts[0].ID)
}

func TestSettingStore(t *testing.T) {
	s := NewSettingStore(NewTestDB(t))

	_, ok, err := s.GetSetting("credentials_key")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetSetting("credentials_key", "v1"))
	require.NoError(t, s.SetSetting("credentials_key", "v2"))

	v, ok, err := s.GetSetting("credentials_key")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v2", v)
}
