package location

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/example/rider-agent/internal/query"
)

var ErrNoAddress = errors.New("no address for coordinates")

// Geocoder turns coordinates into a human-readable address.
type Geocoder interface {
	ReverseGeocode(ctx context.Context, lat, lon float64) (string, error)
}

// NominatimGeocoder performs reverse lookups against a Nominatim-compatible
// HTTP server.
type NominatimGeocoder struct {
	Endpoint  string
	UserAgent string
	Client    *http.Client
}

func NewNominatimGeocoder(endpoint string) *NominatimGeocoder {
	return &NominatimGeocoder{Endpoint: endpoint, UserAgent: "rider-agent/1.0", Client: &http.Client{Timeout: 5 * time.Second}}
}

// ReverseGeocode queries /reverse?format=jsonv2&lat=..&lon=.. and returns display_name.
func (n *NominatimGeocoder) ReverseGeocode(ctx context.Context, lat, lon float64) (string, error) {
	q := url.Values{}
	q.Set("format", "jsonv2")
	q.Set("lat", strconv.FormatFloat(lat, 'f', 6, 64))
	q.Set("lon", strconv.FormatFloat(lon, 'f', 6, 64))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.Endpoint+"/reverse?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", n.UserAgent)
	resp, err := n.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("geocoder status %d", resp.StatusCode)
	}
	var out struct {
		DisplayName string `json:"display_name"`
		Error       string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.Error != "" || out.DisplayName == "" {
		return "", fmt.Errorf("%w: %s", ErrNoAddress, out.Error)
	}
	return out.DisplayName, nil
}

// CachedGeocoder memoises lookups on a ~10 m grid so a rider idling at a
// pickup does not hit the geocoder on every cycle.
type CachedGeocoder struct {
	Geocoder Geocoder
	Cache    *query.Cache
}

func (c *CachedGeocoder) ReverseGeocode(ctx context.Context, lat, lon float64) (string, error) {
	key := fmt.Sprintf("geocode:%.4f,%.4f", lat, lon)
	v, err := c.Cache.Fetch(ctx, key, func(ctx context.Context) (any, error) {
		return c.Geocoder.ReverseGeocode(ctx, lat, lon)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
