package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/curetrials/trialchat/internal/models"
)

// Mapbox resolves place names to coordinates through the Mapbox geocoding API. Only the first matching
// feature is used.
type Mapbox struct {
	accessToken string
	endpoint    string

	client *http.Client
}

type mapboxResponse struct {
	Features []mapboxFeature `json:"features"`
}

type mapboxFeature struct {
	Center    []float64       `json:"center"`
	PlaceName string          `json:"place_name"`
	Context   []mapboxContext `json:"context"`
}

type mapboxContext struct {
	Text string `json:"text"`
}

const (
	mapboxAPIEndpoint    = "https://api.mapbox.com/geocoding/v5/mapbox.places"
	defaultMapboxTimeout = 10 * time.Second
)

// NewMapbox creates a new Mapbox geocoder. An empty endpoint uses the public Mapbox API and a zero
// timeout caps every lookup at 10 seconds.
func NewMapbox(accessToken, endpoint string, timeout time.Duration) Mapbox {
	if endpoint == "" {
		endpoint = mapboxAPIEndpoint
	}
	if timeout == 0 {
		timeout = defaultMapboxTimeout
	}
	return Mapbox{
		accessToken: accessToken,
		endpoint:    strings.TrimSuffix(endpoint, "/"),
		client:      &http.Client{Timeout: timeout},
	}
}

// Geocode returns the first feature matching the query, or nil when the provider has no match.
func (m Mapbox) Geocode(ctx context.Context, query string) (*models.Place, error) {
	if m.accessToken == "" {
		return nil, ErrAPIKeyMissing
	}

	u := fmt.Sprintf("%s/%s.json?access_token=%s&limit=1",
		m.endpoint, url.PathEscape(query), url.QueryEscape(m.accessToken))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mapbox returned %d", resp.StatusCode)
	}

	var res mapboxResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("error unmarshaling response: %w", err)
	}

	if len(res.Features) == 0 || len(res.Features[0].Center) < 2 {
		return nil, nil
	}

	f := res.Features[0]
	ctxParts := make([]string, 0, len(f.Context))
	for _, c := range f.Context {
		if c.Text != "" {
			ctxParts = append(ctxParts, c.Text)
		}
	}

	return &models.Place{
		Longitude: f.Center[0],
		Latitude:  f.Center[1],
		PlaceName: f.PlaceName,
		Context:   strings.Join(ctxParts, ", "),
	}, nil
}
