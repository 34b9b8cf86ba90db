package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"voicebridge-server/pkg/errors"
)

// HTTPGeocoder resolves addresses against a Nominatim-compatible search
// endpoint. It is an external collaborator: failures are returned to the
// dispatcher, never allowed to take down a session.
type HTTPGeocoder struct {
	baseURL string
	client  *http.Client
}

// NewHTTPGeocoder creates a geocoder against the given search endpoint.
func NewHTTPGeocoder(baseURL string, timeout time.Duration) *HTTPGeocoder {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPGeocoder{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type nominatimResult struct {
	Lat string `json:"lat"`
	Lon string `json:"lon"`
}

// Geocode resolves a free-form address to coordinates.
func (g *HTTPGeocoder) Geocode(ctx context.Context, address string) (*Coordinates, error) {
	if address == "" {
		return nil, errors.Wrap(errors.ErrInvalidInput, "address is required")
	}

	query := url.Values{}
	query.Set("q", address)
	query.Set("format", "json")
	query.Set("limit", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"?"+query.Encode(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build geocoder request")
	}
	req.Header.Set("User-Agent", "voicebridge-server/1.0")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, errors.NewCollaboratorFailure("geocoder", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.NewCollaboratorFailure("geocoder",
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var results []nominatimResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, errors.NewCollaboratorFailure("geocoder", err)
	}
	if len(results) == 0 {
		return nil, errors.Wrap(errors.ErrCoordinatesMissing, "no geocoding result").WithField("address", address)
	}

	lat, err := strconv.ParseFloat(results[0].Lat, 64)
	if err != nil {
		return nil, errors.NewCollaboratorFailure("geocoder", err)
	}
	lon, err := strconv.ParseFloat(results[0].Lon, 64)
	if err != nil {
		return nil, errors.NewCollaboratorFailure("geocoder", err)
	}

	return &Coordinates{Lat: lat, Lon: lon}, nil
}
