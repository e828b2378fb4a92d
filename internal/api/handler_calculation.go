package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/policyengine/calcd/internal/service"
)

// HandleCalculateSimulation returns a handler for
// POST /api/v1/simulations/{id}/actions/calculate.
func HandleCalculateSimulation(svc *service.CalcService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requirePathParam(w, r, "id")
		if !ok {
			return
		}
		var req service.SimulationCalcRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		resp, err := svc.CalculateSimulation(r.Context(), id, req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		status := http.StatusOK
		if resp.Started {
			status = http.StatusAccepted
		}
		WriteJSON(w, status, resp)
	}
}

// HandleGetCalculation returns a handler for GET /api/v1/calculations/{id}.
func HandleGetCalculation(svc *service.CalcService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requirePathParam(w, r, "id")
		if !ok {
			return
		}
		st, err := svc.GetCalculation(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, st)
	}
}

// HandleCancelCalculation returns a handler for
// POST /api/v1/calculations/{id}/actions/cancel.
func HandleCancelCalculation(svc *service.CalcService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requirePathParam(w, r, "id")
		if !ok {
			return
		}
		if err := svc.CancelCalculation(id); err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleDeleteCalculation returns a handler for DELETE /api/v1/calculations/{id}.
func HandleDeleteCalculation(svc *service.CalcService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requirePathParam(w, r, "id")
		if !ok {
			return
		}
		svc.DeleteCalculation(id)
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleListCalculationEvents returns a handler for
// GET /api/v1/calculations/{id}/events.
func HandleListCalculationEvents(svc *service.CalcService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requirePathParam(w, r, "id")
		if !ok {
			return
		}
		limit, err := ParseLimit(r)
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		events, err := svc.ListCalculationEvents(id, limit)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteList(w, events)
	}
}

// HandleWatchCalculation returns a handler for
// GET /api/v1/calculations/{id}/watch. It streams status updates as
// server-sent events and ends after the first terminal status.
func HandleWatchCalculation(svc *service.CalcService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requirePathParam(w, r, "id")
		if !ok {
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			WriteError(w, http.StatusInternalServerError, "INTERNAL", "streaming unsupported")
			return
		}
		if _, err := svc.GetCalculation(r.Context(), id); err != nil {
			writeServiceError(w, err)
			return
		}

		updates, unsubscribe := svc.Orch.Subscribe(id)
		defer unsubscribe()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case st, open := <-updates:
				if !open {
					return
				}
				data, err := json.Marshal(st)
				if err != nil {
					return
				}
				if _, err := fmt.Fprintf(w, "event: status\ndata: %s\n\n", data); err != nil {
					return
				}
				flusher.Flush()
				if st.State.IsTerminal() {
					return
				}
			}
		}
	}
}
