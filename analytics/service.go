// Package analytics serves aggregated web analytics through a revalidate
// Coordinator. Dashboards read cached (possibly stale) aggregates with
// freshness metadata; refreshes run as background jobs.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aiagentinc/revalidate"
)

// Tag groups every analytics key so they can be flushed together.
const Tag = "analytics"

// Job kinds registered by RegisterJobs.
const (
	JobAggregate revalidate.JobKind = "analytics.aggregate"
	JobHistory   revalidate.JobKind = "analytics.history"
)

// Freshness policy for analytics keys.
const (
	DefaultStaleTTL = 300 * time.Second
	DefaultMaxTTL   = 3600 * time.Second
	MaxDays         = 365
)

// ErrInvalidDays is returned for a window outside 1..MaxDays.
var ErrInvalidDays = errors.New("analytics: days must be between 1 and 365")

// Options tunes a Service.
type Options struct {
	StaleTTL time.Duration
	MaxTTL   time.Duration
	Logger   revalidate.Logger
}

// Service is the cache-fronted analytics API.
type Service struct {
	coord    *revalidate.Coordinator
	source   Source
	staleTTL time.Duration
	maxTTL   time.Duration
	logger   revalidate.Logger
}

// NewService creates a Service reading from source through coord.
func NewService(coord *revalidate.Coordinator, source Source, opts Options) (*Service, error) {
	if coord == nil {
		return nil, errors.New("analytics: coordinator is required")
	}
	if source == nil {
		return nil, errors.New("analytics: source is required")
	}
	if opts.StaleTTL <= 0 {
		opts.StaleTTL = DefaultStaleTTL
	}
	if opts.MaxTTL <= 0 {
		opts.MaxTTL = DefaultMaxTTL
	}
	if opts.StaleTTL > opts.MaxTTL {
		return nil, fmt.Errorf("analytics: stale ttl %v exceeds max ttl %v", opts.StaleTTL, opts.MaxTTL)
	}
	if opts.Logger == nil {
		opts.Logger = revalidate.NewNoOpLogger()
	}
	return &Service{
		coord:    coord,
		source:   source,
		staleTTL: opts.StaleTTL,
		maxTTL:   opts.MaxTTL,
		logger:   opts.Logger.Named("Analytics"),
	}, nil
}

// AggregateKey returns the cache key of the aggregate for days.
func AggregateKey(days int) string {
	return "ga:agg:" + strconv.Itoa(days)
}

// HistoryKey returns the cache key of the daily history for days.
func HistoryKey(days int) string {
	return "ga:history:" + strconv.Itoa(days)
}

func validDays(days int) error {
	if days < 1 || days > MaxDays {
		return fmt.Errorf("%w: got %d", ErrInvalidDays, days)
	}
	return nil
}

func (s *Service) cacheKey(key string, kind revalidate.JobKind, days int) revalidate.CacheKey {
	return revalidate.CacheKey{
		Key:      key,
		Tags:     []string{Tag},
		StaleTTL: s.staleTTL,
		MaxTTL:   s.maxTTL,
		Job:      kind,
		Params:   revalidate.Params{"days": strconv.Itoa(days)},
	}
}

func (s *Service) aggregateCallback(days int) revalidate.Callback {
	return func(ctx context.Context) (any, error) {
		return s.source.Aggregate(ctx, days)
	}
}

func (s *Service) historyCallback(days int) revalidate.Callback {
	return func(ctx context.Context) (any, error) {
		return s.source.History(ctx, days)
	}
}

// RegisterJobs registers the analytics refresh tasks on reg so workers can
// rebuild callbacks from job params.
func (s *Service) RegisterJobs(reg *revalidate.Registry) error {
	err := reg.Register(JobAggregate, func(p revalidate.Params) (revalidate.Callback, error) {
		days, err := p.Int("days")
		if err != nil {
			return nil, err
		}
		if err := validDays(days); err != nil {
			return nil, err
		}
		return s.aggregateCallback(days), nil
	})
	if err != nil {
		return err
	}
	return reg.Register(JobHistory, func(p revalidate.Params) (revalidate.Callback, error) {
		days, err := p.Int("days")
		if err != nil {
			return nil, err
		}
		if err := validDays(days); err != nil {
			return nil, err
		}
		return s.historyCallback(days), nil
	})
}

// AggregateOptions selects how Aggregate behaves on a cold cache.
type AggregateOptions struct {
	// Peek returns immediately with InitialLoad set instead of waiting for the
	// upstream when nothing is cached, and starts a background refresh.
	Peek bool
}

// Aggregate returns the aggregate for the last days with its cache metadata.
func (s *Service) Aggregate(ctx context.Context, days int, opts AggregateOptions) (*Result[*Aggregate], error) {
	if err := validDays(days); err != nil {
		return nil, err
	}
	key := s.cacheKey(AggregateKey(days), JobAggregate, days)

	if opts.Peek {
		st, err := s.coord.Status(ctx, key.Key, key.Tags)
		if err != nil {
			return nil, err
		}
		if !st.Present {
			if _, err := s.coord.TriggerRefresh(ctx, key, s.aggregateCallback(days)); err != nil {
				return nil, err
			}
			s.logger.Info("initial load started", revalidate.Int("days", days))
			return &Result[*Aggregate]{
				Data:      &Aggregate{Days: days, Properties: []PropertyStats{}},
				CacheInfo: CacheInfo{IsUpdating: true, InitialLoad: true},
			}, nil
		}
	}

	var agg Aggregate
	if _, err := s.coord.RememberInto(ctx, key, &agg, s.aggregateCallback(days)); err != nil {
		return nil, err
	}
	info, err := s.info(ctx, key, len(agg.Properties))
	if err != nil {
		return nil, err
	}
	return &Result[*Aggregate]{Data: &agg, CacheInfo: info}, nil
}

// History returns the daily series for the last days.
func (s *Service) History(ctx context.Context, days int) (*Result[*History], error) {
	if err := validDays(days); err != nil {
		return nil, err
	}
	key := s.cacheKey(HistoryKey(days), JobHistory, days)

	var hist History
	if _, err := s.coord.RememberInto(ctx, key, &hist, s.historyCallback(days)); err != nil {
		return nil, err
	}
	info, err := s.info(ctx, key, 0)
	if err != nil {
		return nil, err
	}
	return &Result[*History]{Data: &hist, CacheInfo: info}, nil
}

// Sync starts a refresh of the aggregate for days regardless of freshness.
// When a refresh is already running it is left alone; either way the
// returned CacheInfo reports IsUpdating.
func (s *Service) Sync(ctx context.Context, days int) (CacheInfo, error) {
	if err := validDays(days); err != nil {
		return CacheInfo{}, err
	}
	key := s.cacheKey(AggregateKey(days), JobAggregate, days)

	started, err := s.coord.TriggerRefresh(ctx, key, s.aggregateCallback(days))
	if err != nil {
		return CacheInfo{}, err
	}
	s.logger.Info("sync requested",
		revalidate.Int("days", days),
		revalidate.Bool("started", started))

	var cached Aggregate
	if _, err := s.coord.PeekInto(ctx, key.Key, key.Tags, &cached); err != nil {
		return CacheInfo{}, err
	}
	info, err := s.info(ctx, key, len(cached.Properties))
	if err != nil {
		return CacheInfo{}, err
	}
	info.IsUpdating = true
	info.InitialLoad = info.CacheAgeMinutes == nil
	return info, nil
}

// Forget drops every cached analytics key.
func (s *Service) Forget(ctx context.Context) error {
	if err := s.coord.Flush(ctx, Tag); err != nil {
		return fmt.Errorf("flush analytics cache: %w", err)
	}
	s.logger.Info("analytics cache flushed")
	return nil
}

func (s *Service) info(ctx context.Context, key revalidate.CacheKey, properties int) (CacheInfo, error) {
	st, err := s.coord.Status(ctx, key.Key, key.Tags)
	if err != nil {
		return CacheInfo{}, err
	}
	return cacheInfo(st, properties), nil
}
