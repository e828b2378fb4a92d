package api

import (
	"context"
	"net"
	"net/http"
	"strconv"

	"github.com/policyengine/calcd/internal/service"
)

// Server wraps the HTTP server and mux for the calcd API.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a new API server wired with all routes.
func NewServer(
	listenAddress string,
	port int,
	adminToken string,
	apiMaxBodyBytes int64,
	svc *service.CalcService,
) *Server {
	mux := http.NewServeMux()

	// Public (no auth)
	mux.Handle("GET /healthz", HandleHealthz())

	authed := http.NewServeMux()

	// System.
	authed.Handle("GET /api/v1/system/info", HandleSystemInfo(svc))
	authed.Handle("GET /api/v1/system/config", HandleSystemConfig(svc))
	authed.Handle("GET /api/v1/system/config/default", HandleSystemDefaultConfig())
	authed.Handle("PATCH /api/v1/system/config", HandlePatchSystemConfig(svc))

	// Calculations.
	authed.Handle("POST /api/v1/simulations/{id}/actions/calculate", HandleCalculateSimulation(svc))
	authed.Handle("GET /api/v1/calculations/{id}", HandleGetCalculation(svc))
	authed.Handle("DELETE /api/v1/calculations/{id}", HandleDeleteCalculation(svc))
	authed.Handle("POST /api/v1/calculations/{id}/actions/cancel", HandleCancelCalculation(svc))
	authed.Handle("GET /api/v1/calculations/{id}/events", HandleListCalculationEvents(svc))
	authed.Handle("GET /api/v1/calculations/{id}/watch", HandleWatchCalculation(svc))

	// Reports.
	authed.Handle("POST /api/v1/reports", HandleCreateReport(svc))
	authed.Handle("GET /api/v1/reports/{id}", HandleGetReport(svc))

	// Metadata.
	authed.Handle("GET /api/v1/metadata", HandleMetadataStatus(svc))
	authed.Handle("POST /api/v1/metadata/actions/refresh-now", HandleRefreshMetadataNow(svc))
	authed.Handle("GET /api/v1/metadata/{country}", HandleGetMetadata(svc))
	authed.Handle("GET /api/v1/metadata/{country}/validity", HandleMetadataValidity(svc))
	authed.Handle("POST /api/v1/metadata/{country}/actions/invalidate", HandleInvalidateMetadata(svc))

	// Metrics.
	authed.Handle("GET /api/v1/metrics/realtime", HandleRealtimeMetrics(svc))
	authed.Handle("GET /api/v1/metrics/history", HandleMetricsHistory(svc))
	authed.Handle("GET /api/v1/metrics/totals", HandleMetricsTotals(svc))

	// Debug.
	authed.Handle("GET /api/v1/debug/orchestrator", HandleDebugOrchestrator(svc))

	limitedAuthed := RequestBodyLimitMiddleware(apiMaxBodyBytes, authed)
	mux.Handle("/api/", AuthMiddleware(adminToken, limitedAuthed))

	srv := &http.Server{
		Addr:    net.JoinHostPort(listenAddress, strconv.Itoa(port)),
		Handler: mux,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
	}
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on ln. It blocks until the server stops.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}
