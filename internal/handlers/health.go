package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"
)

const healthTimeout = 2 * time.Second

type healthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	names := make([]string, 0, len(h.Checks))
	for name := range h.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := healthResponse{Status: "healthy", Components: map[string]string{}}
	for _, name := range names {
		if err := h.Checks[name](ctx); err != nil {
			resp.Components[name] = "disconnected"
			resp.Status = "unhealthy"
			continue
		}
		resp.Components[name] = "connected"
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, envelope{Success: status == http.StatusOK, Data: resp})
}
