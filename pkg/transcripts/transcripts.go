// Package transcripts fetches the recent transcript of a device session from
// the cloud transcript store.
//
// The store answers GET {serverURL}/api/transcripts/{sessionID}?duration=N
// with {"segments":[{"text":"..."}]} covering the last N seconds.
package transcripts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrEmptyBody is returned when the store answered 2xx with no content.
	ErrEmptyBody = errors.New("transcripts: empty response body")

	// ErrInvalidFormat is returned when the body is valid JSON but carries no
	// segments array.
	ErrInvalidFormat = errors.New("transcripts: invalid response format")
)

// Segment is one transcribed utterance.
type Segment struct {
	Text string `json:"text"`
}

// Join concatenates the segment texts separated by single spaces.
func Join(segments []Segment) string {
	parts := make([]string, len(segments))
	for i, s := range segments {
		parts[i] = s.Text
	}
	return strings.Join(parts, " ")
}

// Client talks to the transcript store. It is safe for concurrent use.
type Client struct {
	httpClient *http.Client
}

// Option is a functional option for Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client used for every request.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout sets a per-request timeout. Default: 10s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient = &http.Client{Timeout: d}
		}
	}
}

// New constructs a Client.
func New(opts ...Option) *Client {
	c := &Client{httpClient: &http.Client{Timeout: 10 * time.Second}}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Fetch returns the segments of the last durationSec seconds of sessionID.
// Network failures, non-2xx answers, an empty body and malformed JSON are
// reported as retrieval errors; a body without a segments array wraps
// [ErrInvalidFormat]. Fetch never retries.
func (c *Client) Fetch(ctx context.Context, serverURL, sessionID string, durationSec int) ([]Segment, error) {
	u := strings.TrimRight(serverURL, "/") + "/api/transcripts/" + url.PathEscape(sessionID) +
		"?duration=" + strconv.Itoa(durationSec)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("transcripts: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transcripts: http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("transcripts: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("transcripts: read body: %w", err)
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, ErrEmptyBody
	}
	return decode(body)
}

func decode(body []byte) ([]Segment, error) {
	var top any
	if err := json.Unmarshal(body, &top); err != nil {
		return nil, fmt.Errorf("transcripts: decode response: %w", err)
	}
	obj, ok := top.(map[string]any)
	if !ok {
		return nil, ErrInvalidFormat
	}
	raw, ok := obj["segments"].([]any)
	if !ok {
		return nil, ErrInvalidFormat
	}

	segments := make([]Segment, 0, len(raw))
	for _, item := range raw {
		var s Segment
		if m, ok := item.(map[string]any); ok {
			s.Text, _ = m["text"].(string)
		}
		segments = append(segments, s)
	}
	return segments, nil
}
