package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/patrickwarner/openadreserve/internal/config"
	"github.com/patrickwarner/openadreserve/internal/logic"
	"github.com/patrickwarner/openadreserve/internal/middleware"
	"github.com/patrickwarner/openadreserve/internal/models"
	"github.com/patrickwarner/openadreserve/internal/observability"
)

var tracer = otel.Tracer("openadreserve")

// Server groups dependencies for HTTP handlers.
type Server struct {
	Logger       *zap.Logger
	Store        models.ReservationStore
	Coordinator  *logic.Coordinator
	Availability *logic.AvailabilityQuery
	Metrics      observability.MetricsRegistry
	Config       config.Config
}

// NewServer constructs a Server.
func NewServer(logger *zap.Logger, store models.ReservationStore, coordinator *logic.Coordinator, availability *logic.AvailabilityQuery, metrics observability.MetricsRegistry, cfg config.Config) *Server {
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	return &Server{
		Logger:       logger,
		Store:        store,
		Coordinator:  coordinator,
		Availability: availability,
		Metrics:      metrics,
		Config:       cfg,
	}
}

// Routes registers every handler on the router.
func (s *Server) Routes(r *mux.Router) {
	r.HandleFunc("/health", s.HealthHandler).Methods("GET")

	banner := r.PathPrefix("/api/banner").Subrouter()
	banner.HandleFunc("/slots", s.ListSlotsHandler).Methods("GET")
	banner.HandleFunc("/applications", s.CreateApplicationHandler).Methods("POST")
	banner.HandleFunc("/applications", s.ListApplicationsHandler).Methods("GET")
	banner.HandleFunc("/applications/{id}", s.GetApplicationHandler).Methods("GET")
	banner.HandleFunc("/applications/{id}/confirm", s.ConfirmApplicationHandler).Methods("POST")
	banner.HandleFunc("/applications/{id}/cancel", s.CancelApplicationHandler).Methods("POST")
}

// Handler wraps the router with tracing and trace-aware request logging.
func (s *Server) Handler(r *mux.Router) http.Handler {
	return otelhttp.NewHandler(middleware.WithTraceLogger(s.Logger)(r), "openadreserve")
}

// helper function to write JSON response
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps engine errors onto the client contract: validation 400,
// conflict 409 with the offending slot in the message, expiry race 410,
// missing entity 404, anything else a generic retryable 500.
func (s *Server) writeError(w http.ResponseWriter, logger *zap.Logger, err error) int {
	switch {
	case logic.IsValidation(err):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return http.StatusBadRequest
	case logic.IsConflict(err):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
		return http.StatusConflict
	case logic.IsExpiry(err):
		writeJSON(w, http.StatusGone, errorResponse{Error: "hold expired before payment; submit a new application"})
		return http.StatusGone
	case err == models.ErrNotFound:
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "application not found"})
		return http.StatusNotFound
	default:
		logger.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "temporary failure, retry later"})
		return http.StatusInternalServerError
	}
}
