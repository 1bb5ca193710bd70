// Package poller is the client side of the analytics cache: it fetches
// aggregates, reads the cache_info that comes back and decides when to poll
// again.
//
// A Poller is one polling session. It has three request families (passive
// poll, manual sync, history) with independent cancellation: a new request
// in a family supersedes only that family's previous request, and a
// superseded request's result is discarded even if it arrives later. There
// is at most one pending poll timer per session.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/aiagentinc/revalidate"
)

// Default poll intervals.
const (
	DefaultFastInterval = 5 * time.Second
	DefaultSlowInterval = 15 * time.Second
)

// State is the user-visible state of a session.
type State int

const (
	Idle State = iota
	Loading
	HoldingFresh
	HoldingStale
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case HoldingFresh:
		return "holding_fresh"
	case HoldingStale:
		return "holding_stale"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Family identifies a request family.
type Family int

const (
	FamilyPoll Family = iota
	FamilySync
	FamilyHistory
	familyCount
)

func (f Family) String() string {
	switch f {
	case FamilyPoll:
		return "poll"
	case FamilySync:
		return "sync"
	case FamilyHistory:
		return "history"
	default:
		return "unknown"
	}
}

// CacheInfo mirrors the cache_info object of analytics responses.
type CacheInfo struct {
	IsUpdating      bool       `json:"is_updating"`
	InitialLoad     bool       `json:"initial_load"`
	CacheAgeMinutes *float64   `json:"cache_age_minutes"`
	LastUpdated     *time.Time `json:"last_updated"`
	PropertiesCount int        `json:"properties_count"`
}

// Response is a decoded analytics response. Data is kept raw; the poller
// never interprets it.
type Response struct {
	Data      jsoniter.RawMessage `json:"data"`
	CacheInfo CacheInfo           `json:"cache_info"`
}

// FetchFunc performs one request of family. It must honour ctx cancellation.
type FetchFunc func(ctx context.Context, family Family) (*Response, error)

// NextPoll returns the delay before the next poll for info, or 0 for none.
func NextPoll(info CacheInfo, fast, slow time.Duration) time.Duration {
	switch {
	case info.InitialLoad, info.IsUpdating && info.PropertiesCount == 0:
		return fast
	case info.IsUpdating:
		return slow
	default:
		return 0
	}
}

// Timer is a pending scheduled call.
type Timer interface {
	Stop() bool
}

// Scheduler creates timers. Tests inject a manual scheduler.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// Snapshot is a point-in-time copy of the session state.
type Snapshot struct {
	State       State               `json:"state"`
	Data        jsoniter.RawMessage `json:"data,omitempty"`
	History     jsoniter.RawMessage `json:"history,omitempty"`
	CacheInfo   CacheInfo           `json:"cache_info"`
	Syncing     bool                `json:"syncing"`
	Err         string              `json:"error,omitempty"`
	HistoryErr  string              `json:"history_error,omitempty"`
	RateLimited bool                `json:"rate_limited"`
	NextPollIn  time.Duration       `json:"-"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// Loading reports whether the user-visible loading indicator is on.
func (s Snapshot) Loading() bool {
	return s.State == Loading
}

// Option configures a Poller.
type Option func(*Poller)

// WithScheduler replaces the real timer source.
func WithScheduler(s Scheduler) Option {
	return func(p *Poller) {
		if s != nil {
			p.sched = s
		}
	}
}

// WithOnChange registers a listener called after every state change, outside
// the poller's lock.
func WithOnChange(fn func(Snapshot)) Option {
	return func(p *Poller) {
		p.onChange = fn
	}
}

// WithIntervals sets the fast and slow poll intervals.
func WithIntervals(fast, slow time.Duration) Option {
	return func(p *Poller) {
		if fast > 0 {
			p.fast = fast
		}
		if slow > 0 {
			p.slow = slow
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l revalidate.Logger) Option {
	return func(p *Poller) {
		if l != nil {
			p.logger = l.Named("Poller")
		}
	}
}

// WithClock sets the clock used for UpdatedAt.
func WithClock(c revalidate.Clock) Option {
	return func(p *Poller) {
		if c != nil {
			p.clock = c
		}
	}
}

type token struct {
	cancel context.CancelFunc
}

// Poller runs one polling session.
type Poller struct {
	fetch    FetchFunc
	sched    Scheduler
	onChange func(Snapshot)
	fast     time.Duration
	slow     time.Duration
	logger   revalidate.Logger
	clock    revalidate.Clock

	mu         sync.Mutex
	state      State
	data       jsoniter.RawMessage
	history    jsoniter.RawMessage
	info       CacheInfo
	errMsg     string
	historyErr string
	limited    bool
	nextPoll   time.Duration
	updatedAt  time.Time
	tokens     [familyCount]*token
	timer      Timer
	timerGen   uint64
	closed     bool
}

// New creates an idle session around fetch.
func New(fetch FetchFunc, opts ...Option) *Poller {
	p := &Poller{
		fetch:  fetch,
		sched:  realScheduler{},
		fast:   DefaultFastInterval,
		slow:   DefaultSlowInterval,
		logger: revalidate.NewNoOpLogger(),
		clock:  revalidate.SystemClock(),
		state:  Idle,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Restore seeds the session with a previously saved snapshot, so the first
// fetch runs in the background instead of showing a loading state.
func (p *Poller) Restore(s *Snapshot) {
	if s == nil || len(s.Data) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.data != nil {
		return
	}
	p.data = s.Data
	p.history = s.History
	p.info = s.CacheInfo
	p.updatedAt = s.UpdatedAt
}

// Snapshot returns the current state.
func (p *Poller) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *Poller) snapshotLocked() Snapshot {
	return Snapshot{
		State:       p.state,
		Data:        p.data,
		History:     p.history,
		CacheInfo:   p.info,
		Syncing:     p.tokens[FamilySync] != nil,
		Err:         p.errMsg,
		HistoryErr:  p.historyErr,
		RateLimited: p.limited,
		NextPollIn:  p.nextPoll,
		UpdatedAt:   p.updatedAt,
	}
}

// Fetch runs a passive poll and blocks until it completes or is superseded.
func (p *Poller) Fetch() {
	p.run(FamilyPoll)
}

// Sync runs a manual "sync now" request. A Sync in flight is cancelled by a
// newer Sync but never by a poll, and vice versa.
func (p *Poller) Sync() {
	p.run(FamilySync)
}

// RefreshHistory fetches the daily history.
func (p *Poller) RefreshHistory() {
	p.run(FamilyHistory)
}

// Close stops the pending timer and cancels every in-flight request. The
// session cannot be used afterwards; later calls do nothing.
func (p *Poller) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.stopTimerLocked()
	for i, t := range p.tokens {
		if t != nil {
			t.cancel()
			p.tokens[i] = nil
		}
	}
}

func (p *Poller) run(family Family) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if prev := p.tokens[family]; prev != nil {
		prev.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	tok := &token{cancel: cancel}
	p.tokens[family] = tok

	if family == FamilyPoll && p.data == nil {
		p.state = Loading
	}
	snap := p.snapshotLocked()
	p.mu.Unlock()
	p.notify(snap)

	resp, err := p.fetch(ctx, family)
	cancel()

	p.mu.Lock()
	if p.tokens[family] != tok {
		// Superseded or closed.
		p.mu.Unlock()
		p.logger.Debug("discarding superseded response", revalidate.String("family", family.String()))
		return
	}
	p.tokens[family] = nil

	if err != nil {
		p.failLocked(family, err)
	} else {
		p.applyLocked(family, resp)
	}
	snap = p.snapshotLocked()
	p.mu.Unlock()
	p.notify(snap)
}

func (p *Poller) applyLocked(family Family, resp *Response) {
	if resp == nil {
		resp = &Response{}
	}
	p.updatedAt = p.clock.Now()

	if family == FamilyHistory {
		if hasPayload(resp.Data) {
			p.history = resp.Data
		}
		p.historyErr = ""
		return
	}

	if hasPayload(resp.Data) {
		p.data = resp.Data
	}
	p.info = resp.CacheInfo
	p.errMsg = ""
	p.limited = false

	if d := NextPoll(resp.CacheInfo, p.fast, p.slow); d > 0 {
		p.scheduleLocked(d)
		p.state = HoldingStale
		return
	}
	p.stopTimerLocked()
	p.state = HoldingFresh
}

func (p *Poller) failLocked(family Family, err error) {
	if errors.Is(err, context.Canceled) {
		if p.state == Loading {
			p.state = Idle
		}
		return
	}

	var se *StatusError
	if errors.As(err, &se) && se.RateLimited() {
		p.limited = true
		msg := fmt.Sprintf("Too many requests. Please wait %d minute(s) and retry.", se.RetryAfterMinutes)
		if family == FamilyHistory {
			p.historyErr = msg
			return
		}
		p.errMsg = msg
		if p.data == nil {
			p.state = Error
		}
		return
	}

	if family == FamilyHistory {
		if p.history == nil {
			p.historyErr = "Failed to load history."
		}
		p.logger.Warn("history fetch failed", revalidate.Error(err))
		return
	}

	if p.data != nil {
		// Keep showing the last good data.
		p.logger.Debug("fetch failed, keeping last known data",
			revalidate.String("family", family.String()),
			revalidate.Error(err))
		if p.state == Loading {
			p.state = HoldingStale
		}
		return
	}
	p.logger.Warn("fetch failed", revalidate.String("family", family.String()), revalidate.Error(err))
	p.errMsg = "Failed to load analytics data."
	p.state = Error
}

func (p *Poller) scheduleLocked(d time.Duration) {
	p.stopTimerLocked()
	p.timerGen++
	gen := p.timerGen
	p.nextPoll = d
	p.timer = p.sched.AfterFunc(d, func() {
		p.mu.Lock()
		current := !p.closed && p.timerGen == gen
		if current {
			p.timer = nil
			p.nextPoll = 0
		}
		p.mu.Unlock()
		if current {
			p.Fetch()
		}
	})
}

func (p *Poller) stopTimerLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.timerGen++
	p.nextPoll = 0
}

func (p *Poller) notify(s Snapshot) {
	if p.onChange != nil {
		p.onChange(s)
	}
}

func hasPayload(raw jsoniter.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}
