package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dotkom/vengeful-vineyard/internal/auth"
	"github.com/dotkom/vengeful-vineyard/internal/obs"
	"github.com/dotkom/vengeful-vineyard/internal/ow"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, code, map[string]any{
		"error":      msg,
		"request_id": requestIDFromContext(r.Context()),
	})
}

// writeDomainError maps store, auth and OW errors to a status. Forbidden
// responses never say which privilege was missing.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var ext *ow.ExternalError
	switch {
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, auth.ErrInvalidInput), errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found")
	case errors.As(err, &ext):
		writeError(w, r, http.StatusBadGateway, "upstream unavailable")
	default:
		obs.Error("request failed", err, map[string]any{
			"request_id": requestIDFromContext(r.Context()),
			"path":       r.URL.Path,
		})
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
