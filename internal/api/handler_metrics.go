package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/policyengine/calcd/internal/service"
)

const defaultMetricsWindow = time.Hour

// parseMetricsWindow reads RFC3339 from/to query params. Missing bounds
// default to the last hour.
func parseMetricsWindow(r *http.Request) (service.MetricsWindow, error) {
	q := r.URL.Query()
	now := time.Now()
	w := service.MetricsWindow{From: now.Add(-defaultMetricsWindow), To: now}
	if raw := strings.TrimSpace(q.Get("to")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return w, &invalidQueryError{field: "to"}
		}
		w.To = t
		w.From = t.Add(-defaultMetricsWindow)
	}
	if raw := strings.TrimSpace(q.Get("from")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return w, &invalidQueryError{field: "from"}
		}
		w.From = t
	}
	return w, nil
}

type invalidQueryError struct{ field string }

func (e *invalidQueryError) Error() string {
	return e.field + ": must be an RFC3339 timestamp"
}

// HandleRealtimeMetrics returns a handler for GET /api/v1/metrics/realtime.
func HandleRealtimeMetrics(svc *service.CalcService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		win, err := parseMetricsWindow(r)
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		out, err := svc.GetRealtimeMetrics(win)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, out)
	}
}

// HandleMetricsHistory returns a handler for GET /api/v1/metrics/history.
func HandleMetricsHistory(svc *service.CalcService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		win, err := parseMetricsWindow(r)
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		out, err := svc.GetMetricsHistory(win, r.URL.Query().Get("calc_type"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, out)
	}
}

// HandleMetricsTotals returns a handler for GET /api/v1/metrics/totals.
func HandleMetricsTotals(svc *service.CalcService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := svc.GetMetricsTotals()
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, out)
	}
}
