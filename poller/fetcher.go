package poller

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigFastest

// StatusError is a non-success HTTP response from the analytics API.
type StatusError struct {
	Status            int
	Message           string
	RetryAfterMinutes int
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("analytics api: %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("analytics api: %d", e.Status)
}

// RateLimited reports whether the response was a 429.
func (e *StatusError) RateLimited() bool {
	return e.Status == http.StatusTooManyRequests
}

// HTTPFetcher talks to the analytics HTTP API of one service.
type HTTPFetcher struct {
	base   string
	days   int
	client *http.Client
}

// NewHTTPFetcher creates a fetcher for the window days served at baseURL
// (the URL the analytics routes are mounted under).
func NewHTTPFetcher(baseURL string, days int, client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPFetcher{
		base:   strings.TrimRight(baseURL, "/"),
		days:   days,
		client: client,
	}
}

// Fetch implements FetchFunc.
func (f *HTTPFetcher) Fetch(ctx context.Context, family Family) (*Response, error) {
	method, path := http.MethodGet, "/aggregate"
	switch family {
	case FamilySync:
		method, path = http.MethodPost, "/sync"
	case FamilyHistory:
		path = "/history"
	}

	q := url.Values{"days": {strconv.Itoa(f.days)}}
	req, err := http.NewRequestWithContext(ctx, method, f.base+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(resp, body)
	}

	var out Response
	if len(body) > 0 {
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return &out, nil
}

func statusError(resp *http.Response, body []byte) *StatusError {
	var payload struct {
		Message           string `json:"message"`
		RetryAfterMinutes *int   `json:"retry_after_minutes"`
	}
	_ = json.Unmarshal(body, &payload)

	se := &StatusError{Status: resp.StatusCode, Message: payload.Message}
	if !se.RateLimited() {
		return se
	}
	switch {
	case payload.RetryAfterMinutes != nil && *payload.RetryAfterMinutes > 0:
		se.RetryAfterMinutes = *payload.RetryAfterMinutes
	default:
		se.RetryAfterMinutes = 1
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			se.RetryAfterMinutes = int(math.Ceil(float64(secs) / 60))
		}
	}
	return se
}
