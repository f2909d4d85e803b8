package hosts

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/gluk-w/hostdeck/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const seedYAML = `
hosts:
  - name: web1
    hostname: 10.0.0.5
    username: ubuntu
    password: s3cret
  - name: db1
    hostname: db1.internal
    port: 2222
    username: postgres
    is_active: false
`

func TestImportAddsAndSkips(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	existing := f.add(t, web1())

	res, err := f.svc.Import(ctx, []byte(seedYAML))
	require.NoError(t, err)
	assert.Equal(t, []string{"web1"}, res.Skipped)
	require.Len(t, res.Added, 1)
	assert.Equal(t, 1, f.prober.probeCount(), "imported hosts are not probed")

	db1, err := f.svc.Get(ctx, res.Added[0])
	require.NoError(t, err)
	assert.Equal(t, "db1", db1.Name)
	assert.Equal(t, 2222, db1.Port)
	assert.Equal(t, database.AuthKey, db1.AuthType)
	assert.Equal(t, database.StatusDisconnected, db1.Status)
	assert.False(t, db1.IsActive)

	hosts, err := f.svc.List(ctx)
	require.NoError(t, err)
	assert.Len(t, hosts, 2)
	assert.Equal(t, existing.ID, hosts[1].ID)
}

func TestImportValidatesWholeDocumentFirst(t *testing.T) {
	f := newFixture(t)
	doc := `
hosts:
  - name: ok
    hostname: ok.internal
    username: root
  - name: bad
    hostname: bad.internal
    port: 0
    username: ""
`
	_, err := f.svc.Import(context.Background(), []byte(doc))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "hosts[1].username", verr.Field)

	count, err := f.repo.CountHosts(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestImportFile(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(t.TempDir(), "hosts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0o600))

	res, err := f.svc.ImportFile(context.Background(), path)
	require.NoError(t, err)
	assert.Len(t, res.Added, 2)

	_, err = f.svc.ImportFile(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestImportRejectsMalformedYAML(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Import(context.Background(), []byte("hosts: [unterminated"))
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}
