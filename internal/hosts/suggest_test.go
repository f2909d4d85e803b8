package hosts

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sshConfigText = `
Host web
    HostName 10.0.0.5
    User ubuntu

Host staging db-backup
    HostName staging.internal
    Port 2222

Host bastion
    IdentityFile ~/.ssh/bastion

Host *.corp
    User ops

Host *
    User admin
`

func TestParseSSHConfig(t *testing.T) {
	got, err := ParseSSHConfig(strings.NewReader(sshConfigText))
	require.NoError(t, err)

	assert.Equal(t, []Suggestion{
		{Name: "web", Hostname: "10.0.0.5", Port: 22, Username: "ubuntu"},
		{Name: "staging", Hostname: "staging.internal", Port: 2222, Username: "admin"},
		{Name: "db-backup", Hostname: "staging.internal", Port: 2222, Username: "admin"},
		{Name: "bastion", Hostname: "bastion", Port: 22, Username: "admin", IdentityFile: "~/.ssh/bastion"},
	}, got)
}

func TestSuggestionsMarksManagedHosts(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(t.TempDir(), "config")
	require.NoError(t, os.WriteFile(path, []byte(sshConfigText), 0o600))
	f.svc.sshConfigPath = path

	f.add(t, web1())

	got, err := f.svc.Suggestions(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.True(t, got[0].Managed, "web points at the registered 10.0.0.5:22")
	for _, s := range got[1:] {
		assert.False(t, s.Managed, s.Name)
	}
}

func TestSuggestionsWithoutConfig(t *testing.T) {
	f := newFixture(t)

	got, err := f.svc.Suggestions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)

	f.svc.sshConfigPath = filepath.Join(t.TempDir(), "missing")
	got, err = f.svc.Suggestions(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}
