// Package locationiq provides a [geocode.Geocoder] backed by the LocationIQ
// REST API (https://locationiq.com).
//
// Example usage:
//
//	g, err := locationiq.New(os.Getenv("LOCATIONIQ_TOKEN"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	addr, err := g.Reverse(ctx, 52.52, 13.405)
package locationiq

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/mira/pkg/geocode"
)

// DefaultBaseURL is the US region endpoint of the LocationIQ v1 API.
const DefaultBaseURL = "https://us1.locationiq.com/v1"

var _ geocode.Geocoder = (*Client)(nil)

// Client implements geocode.Geocoder against LocationIQ. It is safe for
// concurrent use.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

// Option is a functional option for Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL. A trailing slash is stripped.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithHTTPClient replaces the HTTP client used for every request.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout sets a per-request timeout on the HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient = &http.Client{Timeout: d}
		}
	}
}

// New constructs a Client. token must not be empty.
func New(token string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("locationiq: token must not be empty")
	}
	c := &Client{
		token:      token,
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

type reverseResponse struct {
	Address *struct {
		City    string `json:"city"`
		Town    string `json:"town"`
		Village string `json:"village"`
		State   string `json:"state"`
		Country string `json:"country"`
	} `json:"address"`
}

type timezoneResponse struct {
	Timezone *struct {
		Name      string `json:"name"`
		ShortName string `json:"short_name"`
		FullName  string `json:"full_name"`
		OffsetSec int    `json:"offset_sec"`
		NowInDST  int    `json:"now_in_dst"`
	} `json:"timezone"`
}

// Reverse implements geocode.Geocoder using the reverse.php endpoint. Towns
// and villages stand in for the city when no city is reported.
func (c *Client) Reverse(ctx context.Context, lat, lng float64) (*geocode.Address, error) {
	var resp reverseResponse
	if err := c.get(ctx, "/reverse.php", lat, lng, &resp); err != nil {
		return nil, fmt.Errorf("locationiq: reverse: %w", err)
	}
	if resp.Address == nil {
		return nil, fmt.Errorf("locationiq: reverse: %w", geocode.ErrNoResult)
	}
	a := resp.Address
	city := a.City
	if city == "" {
		city = a.Town
	}
	if city == "" {
		city = a.Village
	}
	return &geocode.Address{City: city, State: a.State, Country: a.Country}, nil
}

// Timezone implements geocode.Geocoder using the timezone endpoint.
func (c *Client) Timezone(ctx context.Context, lat, lng float64) (*geocode.Timezone, error) {
	var resp timezoneResponse
	if err := c.get(ctx, "/timezone", lat, lng, &resp); err != nil {
		return nil, fmt.Errorf("locationiq: timezone: %w", err)
	}
	if resp.Timezone == nil {
		return nil, fmt.Errorf("locationiq: timezone: %w", geocode.ErrNoResult)
	}
	tz := resp.Timezone
	return &geocode.Timezone{
		Name:      tz.Name,
		ShortName: tz.ShortName,
		FullName:  tz.FullName,
		OffsetSec: tz.OffsetSec,
		IsDST:     tz.NowInDST != 0,
	}, nil
}

func (c *Client) get(ctx context.Context, path string, lat, lng float64, out any) error {
	q := url.Values{}
	q.Set("key", c.token)
	q.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(lng, 'f', -1, 64))
	q.Set("format", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
