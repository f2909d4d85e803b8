package hoststatus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gluk-w/hostdeck/internal/cache"
	"github.com/gluk-w/hostdeck/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRepo struct {
	*database.HostRepository
	listCalls int
	getCalls  int
	err       error
}

func (r *countingRepo) ListHosts(ctx context.Context) ([]database.Host, error) {
	r.listCalls++
	if r.err != nil {
		return nil, r.err
	}
	return r.HostRepository.ListHosts(ctx)
}

func (r *countingRepo) GetHost(ctx context.Context, id string) (*database.Host, error) {
	r.getCalls++
	if r.err != nil {
		return nil, r.err
	}
	return r.HostRepository.GetHost(ctx, id)
}

type brokenStore struct {
	cache.Store
	getErr error
	setErr error
}

func (s *brokenStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if s.getErr != nil {
		return nil, false, s.getErr
	}
	return s.Store.Get(ctx, key)
}

func (s *brokenStore) Set(ctx context.Context, key string, value []byte) error {
	if s.setErr != nil {
		return s.setErr
	}
	return s.Store.Set(ctx, key, value)
}

func setup(t *testing.T) (*Cache, *countingRepo, *cache.MemoryStore) {
	t.Helper()
	repo := &countingRepo{HostRepository: database.NewHostRepository(database.NewTestDB(t))}
	store := cache.NewMemoryStore(0)
	return New(store, repo, nil), repo, store
}

func addHost(t *testing.T, repo *countingRepo, id, name string) *database.Host {
	t.Helper()
	h := &database.Host{
		ID: id, Name: name, Hostname: name + ".internal", Port: 22, Username: "root",
		AuthType: database.AuthPassword, Credential: "encrypted", IsActive: true,
		Status: database.StatusConnected,
	}
	require.NoError(t, repo.CreateHost(context.Background(), h))
	return h
}

func TestGetAllReadsThrough(t *testing.T) {
	c, repo, store := setup(t)
	ctx := context.Background()
	addHost(t, repo, "b", "web2")
	addHost(t, repo, "a", "web1")

	hosts, err := c.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, hosts, 2)
	assert.Equal(t, "web1", hosts[0].Name)
	assert.Equal(t, 1, repo.listCalls)
	assert.Equal(t, 1, store.Len())

	again, err := c.GetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, repo.listCalls, "second read is served from the cache")
	assert.Equal(t, "web1", again[0].Name)
	assert.True(t, again[0].HasCredential)
	assert.Empty(t, again[0].Credential, "credential never enters the cache")
}

func TestGetAllEmptyIsCached(t *testing.T) {
	c, repo, _ := setup(t)

	hosts, err := c.GetAll(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, hosts)
	assert.Empty(t, hosts)

	_, err = c.GetAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, repo.listCalls)
}

func TestGetOneReadsThrough(t *testing.T) {
	c, repo, _ := setup(t)
	addHost(t, repo, "a", "web1")

	h, err := c.GetOne(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "web1", h.Name)
	assert.Empty(t, h.Credential)

	_, err = c.GetOne(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 1, repo.getCalls)
}

func TestGetOneNotFoundIsNotCached(t *testing.T) {
	c, repo, store := setup(t)

	_, err := c.GetOne(context.Background(), "missing")
	assert.ErrorIs(t, err, database.ErrHostNotFound)
	assert.Zero(t, store.Len())

	_, err = c.GetOne(context.Background(), "missing")
	assert.ErrorIs(t, err, database.ErrHostNotFound)
	assert.Equal(t, 2, repo.getCalls)
}

func TestNoStaleSnapshotAfterMutation(t *testing.T) {
	c, repo, _ := setup(t)
	ctx := context.Background()
	addHost(t, repo, "a", "web1")

	_, err := c.GetAll(ctx)
	require.NoError(t, err)
	_, err = c.GetOne(ctx, "a")
	require.NoError(t, err)

	// create
	addHost(t, repo, "b", "web2")
	require.NoError(t, c.Invalidate(ctx, AllKey))
	hosts, err := c.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, hosts, 2)

	// update
	_, err = repo.UpdateHost(ctx, "a", map[string]any{"name": "web1-renamed"})
	require.NoError(t, err)
	require.NoError(t, c.InvalidateHost(ctx, "a"))
	h, err := c.GetOne(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "web1-renamed", h.Name)
	hosts, err = c.GetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, "web1-renamed", hosts[0].Name)

	// delete
	require.NoError(t, repo.DeleteHost(ctx, "a", time.Now().Add(-time.Minute)))
	require.NoError(t, c.InvalidateHost(ctx, "a"))
	_, err = c.GetOne(ctx, "a")
	assert.ErrorIs(t, err, database.ErrHostNotFound)
	hosts, err = c.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, hosts, 1)
	assert.Equal(t, "b", hosts[0].ID)
}

func TestRepositoryErrorPropagatesAndWritesNothing(t *testing.T) {
	c, repo, store := setup(t)
	boom := errors.New("database is locked")
	repo.err = boom

	_, err := c.GetAll(context.Background())
	assert.Same(t, boom, err)
	_, err = c.GetOne(context.Background(), "a")
	assert.Same(t, boom, err)
	assert.Zero(t, store.Len())
}

func TestCacheErrorsPropagate(t *testing.T) {
	repo := &countingRepo{HostRepository: database.NewHostRepository(database.NewTestDB(t))}
	addHost(t, repo, "a", "web1")
	getErr := errors.New("connection refused")
	store := &brokenStore{Store: cache.NewMemoryStore(0), getErr: getErr}
	c := New(store, repo, nil)

	_, err := c.GetAll(context.Background())
	assert.Same(t, getErr, err)
	assert.Zero(t, repo.listCalls, "a cache error is not a miss")

	setErr := errors.New("OOM command not allowed")
	store.getErr = nil
	store.setErr = setErr
	_, err = c.GetOne(context.Background(), "a")
	assert.Same(t, setErr, err)
}

func TestCorruptEntryIsAnError(t *testing.T) {
	c, _, store := setup(t)
	require.NoError(t, store.Set(context.Background(), Key(AllKey), []byte("{not json")))

	_, err := c.GetAll(context.Background())
	assert.ErrorContains(t, err, "decode cached hoststatus:all")
}

func TestInvalidateNoIDs(t *testing.T) {
	c, _, _ := setup(t)
	assert.NoError(t, c.Invalidate(context.Background()))
}
