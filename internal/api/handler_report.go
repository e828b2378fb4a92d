package api

import (
	"net/http"

	"github.com/policyengine/calcd/internal/service"
)

// HandleCreateReport returns a handler for POST /api/v1/reports.
func HandleCreateReport(svc *service.CalcService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req service.ReportRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		rep, err := svc.CreateReport(r.Context(), req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, rep)
	}
}

// HandleGetReport returns a handler for GET /api/v1/reports/{id}.
func HandleGetReport(svc *service.CalcService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requirePathParam(w, r, "id")
		if !ok {
			return
		}
		rep, err := svc.GetReport(id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, rep)
	}
}
