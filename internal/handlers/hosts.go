package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gluk-w/hostdeck/internal/database"
	"github.com/gluk-w/hostdeck/internal/events"
	"github.com/gluk-w/hostdeck/internal/hosts"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// HostService is implemented by *hosts.Service.
type HostService interface {
	List(ctx context.Context) ([]database.Host, error)
	Get(ctx context.Context, id string) (*database.Host, error)
	Add(ctx context.Context, in hosts.HostInput) (*database.Host, error)
	Update(ctx context.Context, id string, patch hosts.HostPatch) (*database.Host, error)
	Delete(ctx context.Context, id string) error
	TestConnection(ctx context.Context, id string) (hosts.ConnectionResult, error)
	TestTarget(ctx context.Context, in hosts.HostInput) (hosts.ConnectionResult, error)
	Exec(ctx context.Context, id, command string) (hosts.ExecResult, error)
	History(ctx context.Context, id string, limit int) ([]database.CommandHistory, error)
	Suggestions(ctx context.Context) ([]hosts.Suggestion, error)
	Import(ctx context.Context, data []byte) (hosts.ImportResult, error)
	SystemMetrics(ctx context.Context, id string) (*hosts.SystemMetrics, error)
	SystemMetricsHistory(ctx context.Context, id string, since, until time.Time) ([]hosts.SystemMetrics, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger func(ctx context.Context) error

type Handler struct {
	Hosts  HostService
	Events *events.Hub
	Log    *zap.Logger

	// Checks are run by Health, keyed by component name.
	Checks map[string]Pinger
}

// HostRoutes mounts the host endpoints on r.
func (h *Handler) HostRoutes(r chi.Router) {
	r.Get("/hosts", h.ListHosts)
	r.Post("/hosts", h.CreateHost)
	r.Post("/hosts/test", h.TestNewHost)
	r.Post("/hosts/import", h.ImportHosts)
	r.Get("/hosts/suggested", h.SuggestedHosts)
	r.Get("/hosts/events", h.StreamEvents)
	r.Get("/hosts/{id}", h.GetHost)
	r.Patch("/hosts/{id}", h.UpdateHost)
	r.Delete("/hosts/{id}", h.DeleteHost)
	r.Post("/hosts/{id}/test", h.TestHost)
	r.Post("/hosts/{id}/exec", h.ExecCommand)
	r.Get("/hosts/{id}/history", h.GetHistory)
	r.Get("/hosts/{id}/events", h.GetHostEvents)
	r.Get("/hosts/{id}/metrics", h.GetSystemMetrics)
	r.Get("/hosts/{id}/metrics/history", h.GetSystemMetricsHistory)
}

func (h *Handler) ListHosts(w http.ResponseWriter, r *http.Request) {
	list, err := h.Hosts.List(r.Context())
	if err != nil {
		h.writeServiceError(w, r, "list", err)
		return
	}
	writeData(w, http.StatusOK, list)
}

func (h *Handler) GetHost(w http.ResponseWriter, r *http.Request) {
	host, err := h.Hosts.Get(r.Context(), hostID(r))
	if err != nil {
		h.writeServiceError(w, r, "get", err)
		return
	}
	writeData(w, http.StatusOK, host)
}

func (h *Handler) CreateHost(w http.ResponseWriter, r *http.Request) {
	var in hosts.HostInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	host, err := h.Hosts.Add(r.Context(), in)
	if err != nil {
		h.writeServiceError(w, r, "add", err)
		return
	}
	writeData(w, http.StatusCreated, host)
}

func (h *Handler) UpdateHost(w http.ResponseWriter, r *http.Request) {
	var patch hosts.HostPatch
	if err := decodeJSON(w, r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	host, err := h.Hosts.Update(r.Context(), hostID(r), patch)
	if err != nil {
		h.writeServiceError(w, r, "update", err)
		return
	}
	writeData(w, http.StatusOK, host)
}

func (h *Handler) DeleteHost(w http.ResponseWriter, r *http.Request) {
	id := hostID(r)
	if err := h.Hosts.Delete(r.Context(), id); err != nil {
		h.writeServiceError(w, r, "delete", err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"id": id})
}

func (h *Handler) TestHost(w http.ResponseWriter, r *http.Request) {
	res, err := h.Hosts.TestConnection(r.Context(), hostID(r))
	if err != nil {
		h.writeServiceError(w, r, "test", err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (h *Handler) TestNewHost(w http.ResponseWriter, r *http.Request) {
	var in hosts.HostInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.Hosts.TestTarget(r.Context(), in)
	if err != nil {
		h.writeServiceError(w, r, "test", err)
		return
	}
	writeData(w, http.StatusOK, res)
}

type execRequest struct {
	Command string `json:"command"`
}

func (h *Handler) ExecCommand(w http.ResponseWriter, r *http.Request) {
	var req execRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.Hosts.Exec(r.Context(), hostID(r), req.Command)
	if err != nil {
		h.writeServiceError(w, r, "exec", err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	rows, err := h.Hosts.History(r.Context(), hostID(r), limit)
	if err != nil {
		h.writeServiceError(w, r, "history", err)
		return
	}
	writeData(w, http.StatusOK, rows)
}

// GetHostEvents returns the recent status events recorded for one host.
func (h *Handler) GetHostEvents(w http.ResponseWriter, r *http.Request) {
	id := hostID(r)
	if _, err := h.Hosts.Get(r.Context(), id); err != nil {
		h.writeServiceError(w, r, "events", err)
		return
	}
	list := h.Events.History(id)
	if list == nil {
		list = []events.Event{}
	}
	writeData(w, http.StatusOK, list)
}

// SuggestedHosts lists entries of the server's ssh_config that could be
// added as hosts.
func (h *Handler) SuggestedHosts(w http.ResponseWriter, r *http.Request) {
	list, err := h.Hosts.Suggestions(r.Context())
	if err != nil {
		h.writeServiceError(w, r, "suggest", err)
		return
	}
	writeData(w, http.StatusOK, list)
}

// ImportHosts accepts a YAML seed document as the raw request body.
func (h *Handler) ImportHosts(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "could not read request body")
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "request body is empty")
		return
	}
	res, err := h.Hosts.Import(r.Context(), data)
	if err != nil {
		h.writeServiceError(w, r, "import", err)
		return
	}
	writeData(w, http.StatusOK, res)
}

// GetSystemMetrics returns the host's CPU, memory, disk and load snapshot.
func (h *Handler) GetSystemMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := h.Hosts.SystemMetrics(r.Context(), hostID(r))
	if err != nil {
		h.writeServiceError(w, r, "system_metrics", err)
		return
	}
	writeData(w, http.StatusOK, m)
}

// GetSystemMetricsHistory returns recorded snapshots, optionally bounded by
// the RFC 3339 query parameters since and until.
func (h *Handler) GetSystemMetricsHistory(w http.ResponseWriter, r *http.Request) {
	var bounds [2]time.Time
	for i, name := range []string{"since", "until"} {
		v := r.URL.Query().Get(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, name+" must be an RFC 3339 timestamp")
			return
		}
		bounds[i] = t
	}
	list, err := h.Hosts.SystemMetricsHistory(r.Context(), hostID(r), bounds[0], bounds[1])
	if err != nil {
		h.writeServiceError(w, r, "system_metrics_history", err)
		return
	}
	writeData(w, http.StatusOK, list)
}
