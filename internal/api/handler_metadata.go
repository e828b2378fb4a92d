package api

import (
	"net/http"

	"github.com/policyengine/calcd/internal/service"
)

// HandleMetadataStatus returns a handler for GET /api/v1/metadata.
func HandleMetadataStatus(svc *service.CalcService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := svc.GetMetadataStatus()
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, st)
	}
}

// HandleGetMetadata returns a handler for GET /api/v1/metadata/{country}.
func HandleGetMetadata(svc *service.CalcService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		country, ok := requirePathParam(w, r, "country")
		if !ok {
			return
		}
		md, err := svc.GetMetadata(r.Context(), country)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, md)
	}
}

// HandleMetadataValidity returns a handler for GET /api/v1/metadata/{country}/validity.
func HandleMetadataValidity(svc *service.CalcService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		country, ok := requirePathParam(w, r, "country")
		if !ok {
			return
		}
		v, err := svc.CheckMetadataValidity(r.Context(), country)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, v)
	}
}

// HandleInvalidateMetadata returns a handler for
// POST /api/v1/metadata/{country}/actions/invalidate.
func HandleInvalidateMetadata(svc *service.CalcService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		country, ok := requirePathParam(w, r, "country")
		if !ok {
			return
		}
		if err := svc.InvalidateMetadata(country); err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleRefreshMetadataNow returns a handler for
// POST /api/v1/metadata/actions/refresh-now.
func HandleRefreshMetadataNow(svc *service.CalcService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.RefreshMetadataNow(); err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
