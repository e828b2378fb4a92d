package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthMiddleware requires "Authorization: Bearer <adminToken>" on every
// request. An empty adminToken turns the check off.
func AuthMiddleware(adminToken string, next http.Handler) http.Handler {
	if adminToken == "" {
		return next
	}
	want := []byte(adminToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " ")
		switch {
		case !found && scheme == "":
			WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing Authorization header")
		case !found || !strings.EqualFold(scheme, "Bearer"):
			WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authorization must use the Bearer scheme")
		case subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), want) != 1:
			WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid admin token")
		default:
			next.ServeHTTP(w, r)
		}
	})
}

// RequestBodyLimitMiddleware caps request bodies at maxBytes. Handlers see
// *http.MaxBytesError once the cap is hit.
func RequestBodyLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	if maxBytes <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}
