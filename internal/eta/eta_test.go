package eta

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dash/internal/geo"
	"github.com/example/ride-dash/internal/logging"
	"github.com/example/ride-dash/internal/models"
)

func TestEstimateMinutes(t *testing.T) {
	assert.Equal(t, 0, EstimateMinutes(0))
	assert.Equal(t, 1, EstimateMinutes(1))
	assert.Equal(t, 1, EstimateMinutes(500))
	assert.Equal(t, 3, EstimateMinutes(1315))
}

func TestFare(t *testing.T) {
	assert.Equal(t, "2.50", Fare(0, 0))
	// 10 km, 20 min: 2.50 + 12.50 + 5.00
	assert.Equal(t, "20.00", Fare(10000, 1200))
}

func TestEstimate(t *testing.T) {
	q := Estimate(models.Position{Lat: 51.05, Lng: -114.07}, models.Position{Lat: 51.06, Lng: -114.08})
	assert.Equal(t, 3, q.DurationMinutes)
	assert.Equal(t, "3 mins", q.EstimatedTime())
	assert.InDelta(t, 1313, q.DistanceMeters, 5)
	assert.Equal(t, "4.89", q.Fare)
}

func TestOSRMRoute(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "/route/v1/driving/-114.070000,51.050000;-114.080000,51.060000", r.URL.Path)
		assert.Equal(t, "geojson", r.URL.Query().Get("geometries"))
		_, _ = w.Write([]byte(`{"code":"Ok","routes":[{"distance":1800,"duration":240,
			"geometry":{"coordinates":[[-114.07,51.05],[-114.075,51.055],[-114.08,51.06]]}}]}`))
	}))
	defer srv.Close()

	c := NewOSRMClient(srv.URL, time.Second, geo.NewMemoryCache(time.Hour), logging.Discard())
	from, to := models.Position{Lat: 51.05, Lng: -114.07}, models.Position{Lat: 51.06, Lng: -114.08}
	r := c.Route(context.Background(), from, to)
	require.Len(t, r.Points, 3)
	assert.Equal(t, models.Position{Lat: 51.05, Lng: -114.07}, r.Points[0])
	assert.Equal(t, models.Position{Lat: 51.06, Lng: -114.08}, r.Points[2])
	assert.Equal(t, 1800.0, r.DistanceMeters)

	_ = c.Route(context.Background(), from, to)
	assert.Equal(t, 1, calls)
}

func TestOSRMRouteFailureIsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"NoRoute","routes":[]}`))
	}))
	defer srv.Close()

	c := NewOSRMClient(srv.URL, time.Second, nil, logging.Discard())
	r := c.Route(context.Background(), models.Position{}, models.Position{Lat: 1})
	assert.NotNil(t, r.Points)
	assert.Empty(t, r.Points)
}

func TestQuoteFor(t *testing.T) {
	from := models.Position{Lat: 51.0447, Lng: -114.0719}
	to := models.Position{Lat: 51.0547, Lng: -114.0719}

	q := QuoteFor(Route{Points: []models.Position{from, to}, DistanceMeters: 2000, DurationSeconds: 300}, from, to)
	assert.Equal(t, 5, q.DurationMinutes)
	assert.Equal(t, "6.25", q.Fare)
	assert.Equal(t, "5 mins", q.EstimatedTime())

	assert.Equal(t, Estimate(from, to), QuoteFor(Route{Points: []models.Position{}}, from, to))
}
