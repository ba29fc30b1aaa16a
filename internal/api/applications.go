package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/patrickwarner/openadreserve/internal/logic"
	"github.com/patrickwarner/openadreserve/internal/middleware"
	"github.com/patrickwarner/openadreserve/internal/models"
)

// CreateApplicationHandler handles POST /api/banner/applications: one
// all-or-nothing acquisition of the requested slot set.
func (s *Server) CreateApplicationHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "CreateApplicationHandler",
		trace.WithAttributes(
			attribute.String("http.method", "POST"),
			attribute.String("http.route", "/api/banner/applications"),
		))
	defer span.End()

	logger := middleware.LoggerFromRequest(r, s.Logger)

	start := time.Now()
	const endpoint = "applications"
	const method = "POST"

	var req logic.ReserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.Metrics.IncrementRequests(endpoint, method, "400")
		s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
		return
	}

	span.SetAttributes(
		attribute.Int("event_id", req.EventID),
		attribute.String("banner_type", string(req.BannerType)),
		attribute.Int("items", len(req.Items)),
	)

	res, err := s.Coordinator.Reserve(ctx, &req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reserve")
		status := s.writeError(w, logger, err)
		s.Metrics.IncrementRequests(endpoint, method, strconv.Itoa(status))
		s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
		return
	}

	s.Metrics.IncrementRequests(endpoint, method, "201")
	s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
	writeJSON(w, http.StatusCreated, res)
}

// GetApplicationHandler handles GET /api/banner/applications/{id}.
func (s *Server) GetApplicationHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "GetApplicationHandler")
	defer span.End()

	logger := middleware.LoggerFromRequest(r, s.Logger)

	start := time.Now()
	const endpoint = "applications"
	const method = "GET"

	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		s.Metrics.IncrementRequests(endpoint, method, "400")
		s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid id"})
		return
	}

	app, err := s.Store.GetApplication(ctx, id)
	if err != nil {
		span.RecordError(err)
		status := s.writeError(w, logger, err)
		s.Metrics.IncrementRequests(endpoint, method, strconv.Itoa(status))
		s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
		return
	}

	s.Metrics.IncrementRequests(endpoint, method, "200")
	s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
	writeJSON(w, http.StatusOK, app)
}

// ListApplicationsHandler handles GET /api/banner/applications?eventId=.
func (s *Server) ListApplicationsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "ListApplicationsHandler")
	defer span.End()

	logger := middleware.LoggerFromRequest(r, s.Logger)

	start := time.Now()
	const endpoint = "applications"
	const method = "GET"

	eventID, err := strconv.Atoi(r.URL.Query().Get("eventId"))
	if err != nil || eventID <= 0 {
		s.Metrics.IncrementRequests(endpoint, method, "400")
		s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "eventId is required"})
		return
	}

	apps, err := s.Store.ListApplicationsByEvent(ctx, eventID)
	if err != nil {
		span.RecordError(err)
		status := s.writeError(w, logger, err)
		s.Metrics.IncrementRequests(endpoint, method, strconv.Itoa(status))
		s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
		return
	}
	if apps == nil {
		apps = []models.Application{}
	}

	s.Metrics.IncrementRequests(endpoint, method, "200")
	s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
	writeJSON(w, http.StatusOK, apps)
}

// ConfirmApplicationHandler handles POST /api/banner/applications/{id}/confirm.
// Called by the payment collaborator once payment has completed.
func (s *Server) ConfirmApplicationHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "ConfirmApplicationHandler")
	defer span.End()

	logger := middleware.LoggerFromRequest(r, s.Logger)

	start := time.Now()
	const endpoint = "applications_confirm"
	const method = "POST"

	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		s.Metrics.IncrementRequests(endpoint, method, "400")
		s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid id"})
		return
	}

	app, err := s.Coordinator.Confirm(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "confirm")
		status := s.writeError(w, logger, err)
		s.Metrics.IncrementRequests(endpoint, method, strconv.Itoa(status))
		s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
		return
	}

	logger.Info("application confirmed", zap.Int("application_id", id))
	s.Metrics.IncrementRequests(endpoint, method, "200")
	s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
	writeJSON(w, http.StatusOK, app)
}

// CancelApplicationHandler handles POST /api/banner/applications/{id}/cancel.
func (s *Server) CancelApplicationHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "CancelApplicationHandler")
	defer span.End()

	logger := middleware.LoggerFromRequest(r, s.Logger)

	start := time.Now()
	const endpoint = "applications_cancel"
	const method = "POST"

	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		s.Metrics.IncrementRequests(endpoint, method, "400")
		s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid id"})
		return
	}

	if err := s.Coordinator.Cancel(ctx, id); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cancel")
		status := s.writeError(w, logger, err)
		s.Metrics.IncrementRequests(endpoint, method, strconv.Itoa(status))
		s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
		return
	}

	logger.Info("application canceled", zap.Int("application_id", id))
	s.Metrics.IncrementRequests(endpoint, method, "204")
	s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
	w.WriteHeader(http.StatusNoContent)
}
