package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/example/ride-dash/internal/observability"
)

const (
	UnknownLocation  = "Unknown Location"
	SelectedLocation = "Location selected"

	minSearchLen  = 3
	searchResults = 5
	viewboxDeg    = 0.5
)

// Place is one address search hit.
type Place struct {
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
	DisplayName string  `json:"display_name"`
}

// Nominatim resolves addresses against an OpenStreetMap Nominatim server.
type Nominatim struct {
	Endpoint  string
	UserAgent string
	Client    *http.Client
	Cache     LookupCache
	// BiasLat/BiasLng center searches when the caller gives no position.
	BiasLat, BiasLng float64
	Logger           *slog.Logger
}

func NewNominatim(endpoint, userAgent string, timeout time.Duration, cache LookupCache, logger *slog.Logger) *Nominatim {
	return &Nominatim{
		Endpoint:  strings.TrimRight(endpoint, "/"),
		UserAgent: userAgent,
		Client:    &http.Client{Timeout: timeout},
		Cache:     cache,
		BiasLat:   51.0447,
		BiasLng:   -114.0719,
		Logger:    logger.With("component", "nominatim"),
	}
}

type nominatimAddress struct {
	Road        string `json:"road"`
	HouseNumber string `json:"house_number"`
	Suburb      string `json:"suburb"`
	City        string `json:"city"`
	Town        string `json:"town"`
	Village     string `json:"village"`
}

// Reverse returns a short street address for a point. Lookup failures
// degrade to a placeholder label instead of an error.
func (n *Nominatim) Reverse(ctx context.Context, lat, lng float64) string {
	key := ReverseKey(lat, lng)
	var cached string
	if n.Cache != nil {
		if ok, err := n.Cache.Get(ctx, key, &cached); err == nil && ok {
			return cached
		}
	}

	q := url.Values{
		"format":         {"json"},
		"lat":            {strconv.FormatFloat(lat, 'f', -1, 64)},
		"lon":            {strconv.FormatFloat(lng, 'f', -1, 64)},
		"zoom":           {"18"},
		"addressdetails": {"1"},
	}
	var out struct {
		Error       string           `json:"error"`
		DisplayName string           `json:"display_name"`
		Address     nominatimAddress `json:"address"`
	}
	if err := n.get(ctx, "/reverse", q, &out); err != nil {
		observability.ExternalCalls.WithLabelValues("nominatim_reverse", "error").Inc()
		n.Logger.Warn("reverse_geocode_failed", "error", err)
		return SelectedLocation
	}
	if out.Error != "" {
		observability.ExternalCalls.WithLabelValues("nominatim_reverse", "not_found").Inc()
		return UnknownLocation
	}
	observability.ExternalCalls.WithLabelValues("nominatim_reverse", "ok").Inc()
	label := formatAddress(out.Address, out.DisplayName)
	if n.Cache != nil {
		_ = n.Cache.Set(ctx, key, label)
	}
	return label
}

func formatAddress(a nominatimAddress, displayName string) string {
	street := ""
	if a.Road != "" {
		street = a.Road
		if a.HouseNumber != "" {
			street = a.HouseNumber + " " + a.Road
		}
	}
	area := firstNonEmpty(a.Suburb, a.City, a.Town, a.Village)
	switch {
	case street != "" && area != "":
		return street + ", " + area
	case street != "":
		return street
	case area != "":
		return area
	}
	if head, _, _ := strings.Cut(displayName, ","); head != "" {
		return head
	}
	return UnknownLocation
}

// Search finds up to five places matching query, ranked by distance from
// the bias point. Queries shorter than three characters return nothing.
func (n *Nominatim) Search(ctx context.Context, query string, lat, lng *float64) ([]Place, error) {
	query = strings.TrimSpace(query)
	if len([]rune(query)) < minSearchLen {
		return []Place{}, nil
	}
	cLat, cLng := n.BiasLat, n.BiasLng
	if lat != nil && lng != nil {
		cLat, cLng = *lat, *lng
	}

	key := SearchKey(strings.ToLower(query), cLat, cLng)
	if n.Cache != nil {
		var cached []Place
		if ok, err := n.Cache.Get(ctx, key, &cached); err == nil && ok {
			return cached, nil
		}
	}

	q := url.Values{
		"format":         {"json"},
		"q":              {query},
		"limit":          {"10"},
		"addressdetails": {"1"},
		"countrycodes":   {"ca"},
		"viewbox": {fmt.Sprintf("%.6f,%.6f,%.6f,%.6f",
			cLng-viewboxDeg, cLat+viewboxDeg, cLng+viewboxDeg, cLat-viewboxDeg)},
		"bounded": {"0"},
	}
	var raw []struct {
		Lat         string `json:"lat"`
		Lon         string `json:"lon"`
		DisplayName string `json:"display_name"`
	}
	if err := n.get(ctx, "/search", q, &raw); err != nil {
		observability.ExternalCalls.WithLabelValues("nominatim_search", "error").Inc()
		return nil, err
	}
	observability.ExternalCalls.WithLabelValues("nominatim_search", "ok").Inc()

	places := make([]Place, 0, len(raw))
	for _, r := range raw {
		pLat, err1 := strconv.ParseFloat(r.Lat, 64)
		pLng, err2 := strconv.ParseFloat(r.Lon, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		places = append(places, Place{Lat: pLat, Lng: pLng, DisplayName: r.DisplayName})
	}
	sort.SliceStable(places, func(i, j int) bool {
		return planar(places[i].Lat, places[i].Lng, cLat, cLng) < planar(places[j].Lat, places[j].Lng, cLat, cLng)
	})
	if len(places) > searchResults {
		places = places[:searchResults]
	}
	if n.Cache != nil {
		_ = n.Cache.Set(ctx, key, places)
	}
	return places, nil
}

func (n *Nominatim) get(ctx context.Context, path string, q url.Values, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.Endpoint+path+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	// Nominatim's usage policy requires an identifying agent.
	req.Header.Set("User-Agent", n.UserAgent)
	resp, err := n.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("nominatim %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}
