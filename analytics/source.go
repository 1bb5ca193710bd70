package analytics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/time/rate"
)

var json = jsoniter.ConfigFastest

// Source is the upstream analytics API. Calls are expensive and rate limited;
// timeouts are the implementation's responsibility.
type Source interface {
	Aggregate(ctx context.Context, days int) (*Aggregate, error)
	History(ctx context.Context, days int) (*History, error)
}

var (
	// ErrRateLimited matches any *RateLimitError.
	ErrRateLimited = errors.New("analytics: rate limited")

	// ErrUpstream wraps non-success responses from the upstream API.
	ErrUpstream = errors.New("analytics: upstream error")
)

// RateLimitError reports that the upstream quota is exhausted.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("analytics: rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// RetryAfterMinutes rounds RetryAfter up to whole minutes, at least 1.
func (e *RateLimitError) RetryAfterMinutes() int {
	m := int(math.Ceil(e.RetryAfter.Minutes()))
	if m < 1 {
		return 1
	}
	return m
}

// RateLimitedSource enforces a local quota in front of a Source so the
// service fails fast with a RateLimitError instead of spending upstream
// quota it does not have.
type RateLimitedSource struct {
	next    Source
	limiter *rate.Limiter
	every   time.Duration
	now     func() time.Time
}

var _ Source = (*RateLimitedSource)(nil)

// NewRateLimitedSource allows one call per every, with bursts of burst.
func NewRateLimitedSource(next Source, every time.Duration, burst int) *RateLimitedSource {
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedSource{
		next:    next,
		limiter: rate.NewLimiter(rate.Every(every), burst),
		every:   every,
		now:     time.Now,
	}
}

func (s *RateLimitedSource) take() error {
	now := s.now()
	r := s.limiter.ReserveN(now, 1)
	if !r.OK() {
		return &RateLimitError{RetryAfter: s.every}
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return &RateLimitError{RetryAfter: delay}
	}
	return nil
}

func (s *RateLimitedSource) Aggregate(ctx context.Context, days int) (*Aggregate, error) {
	if err := s.take(); err != nil {
		return nil, err
	}
	return s.next.Aggregate(ctx, days)
}

func (s *RateLimitedSource) History(ctx context.Context, days int) (*History, error) {
	if err := s.take(); err != nil {
		return nil, err
	}
	return s.next.History(ctx, days)
}

// HTTPSource reads aggregates from an upstream JSON API exposing
// GET {base}/aggregate?days=N and GET {base}/history?days=N.
type HTTPSource struct {
	base   string
	client *http.Client
	token  string
}

var _ Source = (*HTTPSource)(nil)

// NewHTTPSource creates a Source for baseURL. A nil client gets a 60s timeout.
func NewHTTPSource(baseURL, token string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPSource{
		base:   strings.TrimRight(baseURL, "/"),
		client: client,
		token:  token,
	}
}

func (s *HTTPSource) Aggregate(ctx context.Context, days int) (*Aggregate, error) {
	var out Aggregate
	if err := s.get(ctx, "/aggregate", days, &out); err != nil {
		return nil, err
	}
	if out.Totals == (Totals{}) {
		out.Sum()
	}
	return &out, nil
}

func (s *HTTPSource) History(ctx context.Context, days int) (*History, error) {
	var out History
	if err := s.get(ctx, "/history", days, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *HTTPSource) get(ctx context.Context, path string, days int, out any) error {
	q := url.Values{"days": {strconv.Itoa(days)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+path+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		_, _ = io.Copy(io.Discard, resp.Body)
		return &RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s %s: %d %s", ErrUpstream, req.Method, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrUpstream, path, err)
	}
	return nil
}

// parseRetryAfter reads a Retry-After header in seconds or HTTP-date form,
// defaulting to one minute.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return time.Minute
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return time.Minute
}

// StaticSource serves fixed data. It backs the development mode of the
// service and the tests.
type StaticSource struct {
	mu        sync.Mutex
	aggregate Aggregate
	history   History
	calls     int
}

var _ Source = (*StaticSource)(nil)

// NewStaticSource serves agg and hist for every window.
func NewStaticSource(agg Aggregate, hist History) *StaticSource {
	return &StaticSource{aggregate: agg, history: hist}
}

func (s *StaticSource) Aggregate(_ context.Context, days int) (*Aggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	out := s.aggregate
	out.Days = days
	out.Properties = append([]PropertyStats(nil), s.aggregate.Properties...)
	out.GeneratedAt = time.Now().UTC()
	out.Sum()
	return &out, nil
}

func (s *StaticSource) History(_ context.Context, days int) (*History, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	out := s.history
	out.Days = days
	out.Points = append([]HistoryPoint(nil), s.history.Points...)
	out.GeneratedAt = time.Now().UTC()
	return &out, nil
}

// Calls returns how many upstream calls have been served.
func (s *StaticSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
