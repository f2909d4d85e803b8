package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gluk-w/hostdeck/internal/cache"
	"github.com/gluk-w/hostdeck/internal/config"
	"github.com/gluk-w/hostdeck/internal/credentials"
	"github.com/gluk-w/hostdeck/internal/database"
	"github.com/gluk-w/hostdeck/internal/events"
	"github.com/gluk-w/hostdeck/internal/handlers"
	"github.com/gluk-w/hostdeck/internal/hosts"
	"github.com/gluk-w/hostdeck/internal/hoststatus"
	"github.com/gluk-w/hostdeck/internal/middleware"
	"github.com/gluk-w/hostdeck/internal/sshprobe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) *hosts.Service {
	t.Helper()
	db := database.NewTestDB(t)
	repo := database.NewHostRepository(db)
	return hosts.NewService(hosts.Config{
		Repo:   repo,
		Cache:  hoststatus.New(cache.NewMemoryStore(0), repo, nil),
		Prober: sshprobe.NewDialer(nil),
		Box:    credentials.NewBox(database.NewSettingStore(db)),
		Events: events.NewHub(),
	})
}

func newTestRouter(t *testing.T, cfg config.Settings) http.Handler {
	t.Helper()
	h := &handlers.Handler{
		Hosts:  newTestService(t),
		Events: events.NewHub(),
		Log:    zap.NewNop(),
		Checks: map[string]handlers.Pinger{"cache": func(context.Context) error { return nil }},
	}
	allow, err := middleware.ParseAllowList(cfg.AllowedNetworks)
	require.NoError(t, err)
	return newRouter(cfg, h, middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst), allow, zap.NewNop())
}

func get(h http.Handler, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouterRequiresToken(t *testing.T) {
	r := newTestRouter(t, config.Settings{APIToken: "secret", RateLimitRPS: 100, RateLimitBurst: 100})

	assert.Equal(t, http.StatusUnauthorized, get(r, "/api/v1/hosts", "").Code)
	assert.Equal(t, http.StatusUnauthorized, get(r, "/api/v1/hosts", "wrong").Code)

	rec := get(r, "/api/v1/hosts", "secret")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"data":[]}`, rec.Body.String())
}

func TestRouterAuthDisabled(t *testing.T) {
	r := newTestRouter(t, config.Settings{DisableAuth: true, RateLimitRPS: 100, RateLimitBurst: 100})
	assert.Equal(t, http.StatusOK, get(r, "/api/v1/hosts", "").Code)
}

func TestRouterHealthAndMetricsArePublic(t *testing.T) {
	r := newTestRouter(t, config.Settings{APIToken: "secret", RateLimitRPS: 100, RateLimitBurst: 100})

	assert.Equal(t, http.StatusOK, get(r, "/health", "").Code)
	rec := get(r, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestRouterRateLimitsAPI(t *testing.T) {
	r := newTestRouter(t, config.Settings{DisableAuth: true, RateLimitRPS: 0.001, RateLimitBurst: 1})

	assert.Equal(t, http.StatusOK, get(r, "/api/v1/hosts", "").Code)
	rec := get(r, "/api/v1/hosts", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, get(r, "/health", "").Code, "health is not rate limited")
}

func TestRouterRestrictsSources(t *testing.T) {
	// httptest requests come from 192.0.2.1.
	r := newTestRouter(t, config.Settings{DisableAuth: true, AllowedNetworks: "10.0.0.0/8", RateLimitRPS: 100, RateLimitBurst: 100})
	assert.Equal(t, http.StatusForbidden, get(r, "/api/v1/hosts", "").Code)
	assert.Equal(t, http.StatusOK, get(r, "/health", "").Code)

	r = newTestRouter(t, config.Settings{DisableAuth: true, AllowedNetworks: "192.0.2.0/24", RateLimitRPS: 100, RateLimitBurst: 100})
	assert.Equal(t, http.StatusOK, get(r, "/api/v1/hosts", "").Code)
}

func TestNewCacheStore(t *testing.T) {
	ctx := context.Background()

	store, err := newCacheStore(ctx, config.Settings{CacheBackend: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &cache.MemoryStore{}, store)

	mr := miniredis.RunT(t)
	store, err = newCacheStore(ctx, config.Settings{CacheBackend: "redis", RedisAddr: mr.Addr()})
	require.NoError(t, err)
	assert.NoError(t, store.Ping(ctx))

	_, err = newCacheStore(ctx, config.Settings{CacheBackend: "redis", RedisAddr: "127.0.0.1:1"})
	assert.ErrorContains(t, err, "redis 127.0.0.1:1")

	_, err = newCacheStore(ctx, config.Settings{CacheBackend: "memcached"})
	assert.ErrorContains(t, err, `unknown cache backend "memcached"`)
}

func TestSeed(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	path := filepath.Join(t.TempDir(), "hosts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
hosts:
  - name: web1
    hostname: 10.0.0.5
    username: ubuntu
    password: s3cret
`), 0o600))

	cfg := config.Settings{DisableAuth: true, DefaultHostUser: "admin", SeedFile: path}
	require.NoError(t, seed(ctx, cfg, svc, zap.NewNop()))

	list, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	names := []string{list[0].Name, list[1].Name}
	assert.ElementsMatch(t, []string{"localhost", "web1"}, names)

	cfg.SeedFile = filepath.Join(t.TempDir(), "missing.yaml")
	assert.Error(t, seed(ctx, cfg, svc, zap.NewNop()))
}
