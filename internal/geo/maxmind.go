package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultMaxMindEndpoint is the GeoIP2 Precision web service.
const DefaultMaxMindEndpoint = "https://geoip.maxmind.com"

type maxMindResponse struct {
	Country struct {
		ISOCode string `json:"iso_code"`
	} `json:"country"`
	City struct {
		Names map[string]string `json:"names"`
	} `json:"city"`
	Location struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"location"`
}

type maxMindError struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// MaxMindProvider queries the GeoIP2 City web service with an account id and
// license key.
type MaxMindProvider struct {
	endpoint   string
	accountID  string
	licenseKey string
	httpClient *http.Client
}

func NewMaxMindProvider(endpoint, accountID, licenseKey string, timeout time.Duration) *MaxMindProvider {
	if endpoint == "" {
		endpoint = DefaultMaxMindEndpoint
	}
	return &MaxMindProvider{
		endpoint:   strings.TrimRight(endpoint, "/"),
		accountID:  accountID,
		licenseKey: licenseKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (p *MaxMindProvider) Lookup(ctx context.Context, ip string) (Location, error) {
	u := fmt.Sprintf("%s/geoip/v2.1/city/%s", p.endpoint, url.PathEscape(ip))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Location{}, fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(p.accountID, p.licenseKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Location{}, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Location{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr maxMindError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Code != "" {
			return Location{}, fmt.Errorf("maxmind %s: %s", apiErr.Code, apiErr.Error)
		}
		return Location{}, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var out maxMindResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return Location{}, fmt.Errorf("decode response: %w", err)
	}

	return Location{
		CountryCode: out.Country.ISOCode,
		City:        out.City.Names["en"],
		Latitude:    out.Location.Latitude,
		Longitude:   out.Location.Longitude,
	}, nil
}
