package eta

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/example/ride-dash/internal/geo"
	"github.com/example/ride-dash/internal/models"
	"github.com/example/ride-dash/internal/observability"
)

// Route is a driving route as an ordered polyline of lat/lng points.
type Route struct {
	Points          []models.Position `json:"points"`
	DistanceMeters  float64           `json:"distanceMeters"`
	DurationSeconds float64           `json:"durationSeconds"`
}

// OSRMClient performs route lookups against an OSRM HTTP server.
type OSRMClient struct {
	Endpoint string
	Client   *http.Client
	Cache    geo.LookupCache
	Logger   *slog.Logger
}

func NewOSRMClient(endpoint string, timeout time.Duration, cache geo.LookupCache, logger *slog.Logger) *OSRMClient {
	return &OSRMClient{
		Endpoint: strings.TrimRight(endpoint, "/"),
		Client:   &http.Client{Timeout: timeout},
		Cache:    cache,
		Logger:   logger.With("component", "osrm"),
	}
}

// Route queries OSRM /route between two points. Any failure yields an empty
// route; the error is logged.
func (o *OSRMClient) Route(ctx context.Context, from, to models.Position) Route {
	key := geo.RouteKey(from.Lat, from.Lng, to.Lat, to.Lng)
	if o.Cache != nil {
		var cached Route
		if ok, err := o.Cache.Get(ctx, key, &cached); err == nil && ok {
			return cached
		}
	}
	r, err := o.fetch(ctx, from, to)
	if err != nil {
		observability.ExternalCalls.WithLabelValues("osrm_route", "error").Inc()
		o.Logger.Warn("route_failed", "error", err)
		return Route{Points: []models.Position{}}
	}
	observability.ExternalCalls.WithLabelValues("osrm_route", "ok").Inc()
	if o.Cache != nil {
		_ = o.Cache.Set(ctx, key, r)
	}
	return r
}

func (o *OSRMClient) fetch(ctx context.Context, from, to models.Position) (Route, error) {
	// OSRM takes lon,lat pairs
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=full&geometries=geojson",
		o.Endpoint, from.Lng, from.Lat, to.Lng, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Route{}, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return Route{}, err
	}
	defer resp.Body.Close()
	var out struct {
		Code   string `json:"code"`
		Routes []struct {
			Distance float64 `json:"distance"`
			Duration float64 `json:"duration"`
			Geometry struct {
				Coordinates [][]float64 `json:"coordinates"`
			} `json:"geometry"`
		} `json:"routes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Route{}, err
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return Route{}, fmt.Errorf("osrm no route: %v", out.Code)
	}
	best := out.Routes[0]
	r := Route{
		Points:          make([]models.Position, 0, len(best.Geometry.Coordinates)),
		DistanceMeters:  best.Distance,
		DurationSeconds: best.Duration,
	}
	for _, c := range best.Geometry.Coordinates {
		if len(c) < 2 {
			continue
		}
		r.Points = append(r.Points, models.Position{Lat: c[1], Lng: c[0]})
	}
	return r, nil
}
