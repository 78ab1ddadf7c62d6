package httpx

import (
	"log/slog"
	"net/http"

	"github.com/target/mmk-fanout/internal/service"
)

// RouterServices holds everything the HTTP router needs.
type RouterServices struct {
	Analysis *service.AnalysisService
	// Ready lists dependencies checked by /readyz, keyed by name.
	Ready        map[string]Pinger
	MaxBodyBytes int64
	Logger       *slog.Logger // Optional
}

// NewRouter creates and configures the API router.
func NewRouter(services RouterServices) http.Handler {
	logger := services.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	registerAnalysisRoutes(mux, &AnalysisHandlers{Svc: services.Analysis, Logger: logger})
	registerCallbackRoutes(mux, &CallbackHandlers{Svc: services.Analysis, Logger: logger})
	mux.Handle("GET /healthz", http.HandlerFunc(healthHandler))
	mux.Handle("HEAD /healthz", http.HandlerFunc(healthHandler))
	mux.Handle("GET /readyz", readinessHandler(services.Ready))

	return Chain(mux,
		RequestID(),
		Recover(logger),
		Logging(logger),
		MaxBodyBytes(services.MaxBodyBytes),
	)
}

func registerAnalysisRoutes(mux *http.ServeMux, h *AnalysisHandlers) {
	mux.HandleFunc("POST /api/analyses", h.CreateJob)
	mux.HandleFunc("GET /api/analyses/{id}", h.GetJob)
	mux.HandleFunc("POST /api/analyses/{id}/retry", h.RetryJob)
}

func registerCallbackRoutes(mux *http.ServeMux, h *CallbackHandlers) {
	mux.HandleFunc("POST "+service.CallbackPath, h.Collection)
}
