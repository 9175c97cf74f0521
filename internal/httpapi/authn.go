package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/dotkom/vengeful-vineyard/internal/auth"
	"github.com/dotkom/vengeful-vineyard/internal/ow"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// withAuth resolves the bearer credential into an identity. Group sync is
// left to the handlers that need it.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		credential, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="vineyard"`)
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		id, err := a.resolver.Resolve(r.Context(), credential)
		if err != nil {
			var ext *ow.ExternalError
			switch {
			case errors.Is(err, auth.ErrUnauthorized):
				w.Header().Set("WWW-Authenticate", `Bearer realm="vineyard"`)
				writeError(w, r, http.StatusUnauthorized, "missing bearer token")
			case errors.Is(err, auth.ErrNotFound):
				w.Header().Set("WWW-Authenticate", `Bearer realm="vineyard", error="invalid_token"`)
				writeError(w, r, http.StatusUnauthorized, "invalid credential")
			case errors.As(err, &ext):
				writeError(w, r, http.StatusBadGateway, "identity provider unavailable")
			default:
				writeDomainError(w, r, err)
			}
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.ContextWithIdentity(r.Context(), id)))
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
