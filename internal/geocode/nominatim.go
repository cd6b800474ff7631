package geocode

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"vehicle-blackbox/internal/domain"
)

type nominatimAddress struct {
	Road    string `json:"road"`
	City    string `json:"city"`
	Town    string `json:"town"`
	Village string `json:"village"`
	Country string `json:"country"`
}

type nominatimResponse struct {
	DisplayName string            `json:"display_name"`
	Address     *nominatimAddress `json:"address"`
	Error       string            `json:"error"`
}

// NominatimClient performs a single reverse lookup per call against an
// OpenStreetMap Nominatim compatible endpoint. Retries belong to Resolver.
type NominatimClient struct {
	http *resty.Client
}

func NewNominatimClient(baseURL, userAgent string, timeout time.Duration) *NominatimClient {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("User-Agent", userAgent).
		SetHeader("Accept", "application/json")

	return &NominatimClient{http: client}
}

func (c *NominatimClient) Reverse(ctx context.Context, lat, lng float64) (string, error) {
	var out nominatimResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"format": "json",
			"lat":    strconv.FormatFloat(lat, 'f', -1, 64),
			"lon":    strconv.FormatFloat(lng, 'f', -1, 64),
		}).
		SetResult(&out).
		Get("/reverse")
	if err != nil {
		return "", fmt.Errorf("%w: reverse geocode: %v", domain.ErrUpstreamUnavailable, err)
	}
	if !resp.IsSuccess() {
		return "", fmt.Errorf("%w: reverse geocode returned status %d", domain.ErrUpstreamUnavailable, resp.StatusCode())
	}
	if out.Error != "" {
		return "", fmt.Errorf("%w: reverse geocode: %s", domain.ErrUpstreamUnavailable, out.Error)
	}

	if out.DisplayName != "" {
		return out.DisplayName, nil
	}
	if out.Address != nil {
		if addr := out.Address.format(); addr != "" {
			return addr, nil
		}
	}
	return "", fmt.Errorf("%w: reverse geocode payload has no address", domain.ErrUpstreamUnavailable)
}

func (a *nominatimAddress) format() string {
	locality := a.City
	if locality == "" {
		locality = a.Town
	}
	if locality == "" {
		locality = a.Village
	}
	var parts []string
	for _, p := range []string{a.Road, locality, a.Country} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}
