package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/patrickwarner/openadreserve/internal/config"
	"github.com/patrickwarner/openadreserve/internal/logic"
	"github.com/patrickwarner/openadreserve/internal/models"
	"github.com/patrickwarner/openadreserve/internal/observability"
)

func newTestServer(t *testing.T) (*Server, *mux.Router) {
	t.Helper()

	store := models.NewInMemoryStore()
	ladder := []int{500000, 450000, 400000, 350000, 300000, 280000, 260000, 240000, 220000, 200000}
	rc, err := logic.NewRateCard(ladder, 150000)
	require.NoError(t, err)

	metrics := observability.NewMockMetricsRegistry()
	logger := zap.NewNop()
	coordinator := logic.NewCoordinator(store, rc, metrics, logger, 2880, 10080)
	availability := logic.NewAvailabilityQuery(store, rc, metrics)

	srv := NewServer(logger, store, coordinator, availability, metrics, config.Config{})
	r := mux.NewRouter()
	srv.Routes(r)
	return srv, r
}

func doJSON(t *testing.T, r *mux.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func createApplication(t *testing.T, r *mux.Router, eventID int, bt models.BannerType, items []models.SlotItem) logic.ReserveResult {
	t.Helper()
	w := doJSON(t, r, "POST", "/api/banner/applications", logic.ReserveRequest{
		EventID:    eventID,
		BannerType: bt,
		Title:      "Launch banner",
		ImageURL:   "https://cdn.example.com/launch.png",
		Items:      items,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var res logic.ReserveResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	return res
}

func TestHealthEndpoint(t *testing.T) {
	_, r := newTestServer(t)
	w := doJSON(t, r, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestListSlotsEndpoint(t *testing.T) {
	_, r := newTestServer(t)

	w := doJSON(t, r, "GET", "/api/banner/slots?type=HERO&from=2025-03-01&to=2025-03-02", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var slots []models.Slot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &slots))
	assert.Len(t, slots, 2*models.HeroMaxPriority)
	assert.Equal(t, models.SlotAvailable, slots[0].Status)
	assert.Equal(t, 500000, slots[0].Price)

	// Holder and deadline are internal and never leave the service.
	assert.NotContains(t, w.Body.String(), "holder")
	assert.NotContains(t, w.Body.String(), "lockedUntil")
}

func TestListSlotsEndpoint_BadParams(t *testing.T) {
	_, r := newTestServer(t)

	w := doJSON(t, r, "GET", "/api/banner/slots?type=POPUP&from=2025-03-01&to=2025-03-02", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, r, "GET", "/api/banner/slots?type=HERO&from=2025-03-05&to=2025-03-01", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, r, "GET", "/api/banner/slots?type=HERO&from=2020-01-01&to=2100-01-01", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateApplicationEndpoint(t *testing.T) {
	_, r := newTestServer(t)

	res := createApplication(t, r, 1, models.BannerHero, []models.SlotItem{
		{Date: "2025-03-01", Priority: 1},
		{Date: "2025-03-02", Priority: 3},
	})
	assert.NotZero(t, res.ApplicationID)
	assert.Equal(t, 500000+400000, res.TotalAmount)

	// The slots now show LOCKED in the grid.
	w := doJSON(t, r, "GET", "/api/banner/slots?type=HERO&from=2025-03-01&to=2025-03-01", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var slots []models.Slot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &slots))
	assert.Equal(t, models.SlotLocked, slots[0].Status)
}

func TestCreateApplicationEndpoint_Conflict(t *testing.T) {
	_, r := newTestServer(t)

	item := []models.SlotItem{{Date: "2025-03-01", Priority: 1}}
	createApplication(t, r, 1, models.BannerHero, item)

	w := doJSON(t, r, "POST", "/api/banner/applications", logic.ReserveRequest{
		EventID: 2, BannerType: models.BannerHero, Title: "t", ImageURL: "i", Items: item,
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "2025-03-01")
}

func TestCreateApplicationEndpoint_Validation(t *testing.T) {
	_, r := newTestServer(t)

	w := doJSON(t, r, "POST", "/api/banner/applications", logic.ReserveRequest{
		EventID: 1, BannerType: models.BannerHero, Title: "t", ImageURL: "i",
		Items: []models.SlotItem{
			{Date: "2025-03-01", Priority: 2},
			{Date: "2025-03-01", Priority: 2},
		},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest("POST", "/api/banner/applications", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetApplicationEndpoint(t *testing.T) {
	_, r := newTestServer(t)

	res := createApplication(t, r, 9, models.BannerSearchTop, []models.SlotItem{{Date: "2025-04-01", Priority: 1}})

	w := doJSON(t, r, "GET", fmt.Sprintf("/api/banner/applications/%d", res.ApplicationID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var app models.Application
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &app))
	assert.Equal(t, 9, app.EventID)
	assert.Equal(t, models.ApplicationHeld, app.Status)

	w = doJSON(t, r, "GET", "/api/banner/applications/99999", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, r, "GET", "/api/banner/applications/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListApplicationsEndpoint(t *testing.T) {
	_, r := newTestServer(t)

	createApplication(t, r, 9, models.BannerSearchTop, []models.SlotItem{{Date: "2025-04-01", Priority: 1}})

	w := doJSON(t, r, "GET", "/api/banner/applications?eventId=9", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var apps []models.Application
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &apps))
	assert.Len(t, apps, 1)

	// An event with no applications gets an empty array, not null.
	w = doJSON(t, r, "GET", "/api/banner/applications?eventId=777", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]\n", w.Body.String())

	w = doJSON(t, r, "GET", "/api/banner/applications", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestConfirmAndCancelEndpoints(t *testing.T) {
	_, r := newTestServer(t)

	res := createApplication(t, r, 1, models.BannerHero, []models.SlotItem{{Date: "2025-03-01", Priority: 1}})

	w := doJSON(t, r, "POST", fmt.Sprintf("/api/banner/applications/%d/confirm", res.ApplicationID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var app models.Application
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &app))
	assert.Equal(t, models.ApplicationSold, app.Status)

	// A sold application refuses cancellation.
	w = doJSON(t, r, "POST", fmt.Sprintf("/api/banner/applications/%d/cancel", res.ApplicationID), nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	res2 := createApplication(t, r, 2, models.BannerHero, []models.SlotItem{{Date: "2025-03-02", Priority: 1}})
	w = doJSON(t, r, "POST", fmt.Sprintf("/api/banner/applications/%d/cancel", res2.ApplicationID), nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	// The canceled slot is open again.
	w = doJSON(t, r, "GET", "/api/banner/slots?type=HERO&from=2025-03-02&to=2025-03-02", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var slots []models.Slot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &slots))
	assert.Equal(t, models.SlotAvailable, slots[0].Status)

	w = doJSON(t, r, "POST", "/api/banner/applications/99999/confirm", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
