package api

import (
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/patrickwarner/openadreserve/internal/middleware"
	"github.com/patrickwarner/openadreserve/internal/models"
)

// ListSlotsHandler handles GET /api/banner/slots?type=&from=&to=.
// It returns the full slot grid for the range, one entry per (date, rank),
// with never-materialized slots reported AVAILABLE at the standard price.
func (s *Server) ListSlotsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "ListSlotsHandler",
		trace.WithAttributes(
			attribute.String("http.method", "GET"),
			attribute.String("http.route", "/api/banner/slots"),
		))
	defer span.End()

	logger := middleware.LoggerFromRequest(r, s.Logger)

	start := time.Now()
	const endpoint = "slots"
	const method = "GET"

	q := r.URL.Query()
	bt, err := models.ParseBannerType(q.Get("type"))
	if err != nil {
		s.Metrics.IncrementRequests(endpoint, method, "400")
		s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	from, to := q.Get("from"), q.Get("to")

	span.SetAttributes(
		attribute.String("banner_type", string(bt)),
		attribute.String("from", from),
		attribute.String("to", to),
	)

	slots, err := s.Availability.ListSlots(ctx, bt, from, to)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list slots")
		status := s.writeError(w, logger, err)
		s.Metrics.IncrementRequests(endpoint, method, strconv.Itoa(status))
		s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
		return
	}

	logger.Debug("slots listed",
		zap.String("banner_type", string(bt)),
		zap.String("from", from),
		zap.String("to", to),
		zap.Int("count", len(slots)))

	s.Metrics.IncrementRequests(endpoint, method, "200")
	s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
	writeJSON(w, http.StatusOK, slots)
}
