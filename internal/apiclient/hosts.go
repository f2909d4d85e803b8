package apiclient

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/gluk-w/hostdeck/internal/database"
	"github.com/gluk-w/hostdeck/internal/hosts"
)

// HostsClient wraps the /hosts endpoints.
type HostsClient struct {
	c *Client
}

func (c *Client) Hosts() *HostsClient {
	return &HostsClient{c: c}
}

func hostPath(id string, suffix string) string {
	return apiPrefix + "/hosts/" + url.PathEscape(id) + suffix
}

func (h *HostsClient) List(ctx context.Context) ([]database.Host, error) {
	return Get[[]database.Host](ctx, h.c, apiPrefix+"/hosts", nil)
}

func (h *HostsClient) Get(ctx context.Context, id string) (*database.Host, error) {
	return Get[*database.Host](ctx, h.c, hostPath(id, ""), nil)
}

func (h *HostsClient) Add(ctx context.Context, in hosts.HostInput) (*database.Host, error) {
	return Post[*database.Host](ctx, h.c, apiPrefix+"/hosts", in)
}

func (h *HostsClient) Update(ctx context.Context, id string, patch hosts.HostPatch) (*database.Host, error) {
	return Patch[*database.Host](ctx, h.c, hostPath(id, ""), patch)
}

func (h *HostsClient) Delete(ctx context.Context, id string) error {
	_, err := Delete[map[string]string](ctx, h.c, hostPath(id, ""))
	return err
}

func (h *HostsClient) Test(ctx context.Context, id string) (hosts.ConnectionResult, error) {
	return Post[hosts.ConnectionResult](ctx, h.c, hostPath(id, "/test"), nil)
}

// TestInput probes a host without saving it.
func (h *HostsClient) TestInput(ctx context.Context, in hosts.HostInput) (hosts.ConnectionResult, error) {
	return Post[hosts.ConnectionResult](ctx, h.c, apiPrefix+"/hosts/test", in)
}

func (h *HostsClient) Exec(ctx context.Context, id, command string) (hosts.ExecResult, error) {
	return Post[hosts.ExecResult](ctx, h.c, hostPath(id, "/exec"), map[string]string{"command": command})
}

func (h *HostsClient) History(ctx context.Context, id string, limit int) ([]database.CommandHistory, error) {
	var q map[string]string
	if limit > 0 {
		q = map[string]string{"limit": strconv.Itoa(limit)}
	}
	return Get[[]database.CommandHistory](ctx, h.c, hostPath(id, "/history"), q)
}

// Suggested lists ssh_config entries known to the server.
func (h *HostsClient) Suggested(ctx context.Context) ([]hosts.Suggestion, error) {
	return Get[[]hosts.Suggestion](ctx, h.c, apiPrefix+"/hosts/suggested", nil)
}

// Import uploads a YAML seed document.
func (h *HostsClient) Import(ctx context.Context, yamlDoc []byte) (hosts.ImportResult, error) {
	return Post[hosts.ImportResult](ctx, h.c, apiPrefix+"/hosts/import", rawBody{contentType: "application/yaml", data: yamlDoc})
}

// SystemMetrics returns the host's resource snapshot, possibly cached by
// the server.
func (h *HostsClient) SystemMetrics(ctx context.Context, id string) (*hosts.SystemMetrics, error) {
	return Get[*hosts.SystemMetrics](ctx, h.c, hostPath(id, "/metrics"), nil)
}

// SystemMetricsHistory lists recorded snapshots. Zero bounds are left out.
func (h *HostsClient) SystemMetricsHistory(ctx context.Context, id string, since, until time.Time) ([]hosts.SystemMetrics, error) {
	q := map[string]string{}
	if !since.IsZero() {
		q["since"] = since.UTC().Format(time.RFC3339)
	}
	if !until.IsZero() {
		q["until"] = until.UTC().Format(time.RFC3339)
	}
	return Get[[]hosts.SystemMetrics](ctx, h.c, hostPath(id, "/metrics/history"), q)
}
