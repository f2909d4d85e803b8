package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gluk-w/hostdeck/internal/database"
	"github.com/gluk-w/hostdeck/internal/hosts"
	"github.com/gluk-w/hostdeck/internal/logging"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// envelope is the shape of every API response.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, envelope{Error: detail})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid request body: %v", err)
	}
	return nil
}

// writeServiceError maps service and repository errors to status codes.
// Unexpected errors are logged and reported without detail.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	var verr *hosts.ValidationError
	var perr *hosts.ProbeError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, database.ErrHostNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, database.ErrHostExists), errors.Is(err, database.ErrHostActive):
		writeError(w, http.StatusConflict, err.Error())
	case r.Context().Err() != nil && errors.Is(err, r.Context().Err()):
		// client went away; nothing useful to send
		w.WriteHeader(499)
	case errors.As(err, &perr):
		writeError(w, http.StatusBadGateway, perr.Error())
	default:
		h.Log.Error("request failed", logging.Op(op),
			zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func hostID(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "id"))
}
