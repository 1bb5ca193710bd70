package analytics

import (
	"math"
	"time"

	"github.com/aiagentinc/revalidate"
)

// PropertyStats is the aggregated traffic of one analytics property.
type PropertyStats struct {
	PropertyID string  `json:"property_id"`
	Name       string  `json:"name"`
	Users      int64   `json:"users"`
	Sessions   int64   `json:"sessions"`
	Pageviews  int64   `json:"pageviews"`
	BounceRate float64 `json:"bounce_rate"`
}

// Totals sums PropertyStats across properties.
type Totals struct {
	Users     int64 `json:"users"`
	Sessions  int64 `json:"sessions"`
	Pageviews int64 `json:"pageviews"`
}

// Aggregate is the expensive upstream result for a window of days.
type Aggregate struct {
	Days        int             `json:"days"`
	Properties  []PropertyStats `json:"properties"`
	Totals      Totals          `json:"totals"`
	GeneratedAt time.Time       `json:"generated_at"`
}

// Sum recomputes Totals from Properties.
func (a *Aggregate) Sum() {
	a.Totals = Totals{}
	for _, p := range a.Properties {
		a.Totals.Users += p.Users
		a.Totals.Sessions += p.Sessions
		a.Totals.Pageviews += p.Pageviews
	}
}

// HistoryPoint is one day of traffic across all properties.
type HistoryPoint struct {
	Date      string `json:"date"` // YYYY-MM-DD
	Users     int64  `json:"users"`
	Sessions  int64  `json:"sessions"`
	Pageviews int64  `json:"pageviews"`
}

// History is the daily series for a window of days.
type History struct {
	Days        int            `json:"days"`
	Points      []HistoryPoint `json:"points"`
	GeneratedAt time.Time      `json:"generated_at"`
}

// CacheInfo is the freshness metadata sent with every analytics response.
// Clients use it to decide when to poll again.
type CacheInfo struct {
	IsUpdating      bool       `json:"is_updating"`
	InitialLoad     bool       `json:"initial_load"`
	CacheAgeMinutes *float64   `json:"cache_age_minutes"`
	LastUpdated     *time.Time `json:"last_updated"`
	PropertiesCount int        `json:"properties_count"`
}

// cacheInfo builds CacheInfo from a key's status.
func cacheInfo(st revalidate.Status, propertiesCount int) CacheInfo {
	info := CacheInfo{
		IsUpdating:      st.Refreshing,
		PropertiesCount: propertiesCount,
	}
	if st.Present {
		minutes := math.Round(st.Age.Minutes()*10) / 10
		stored := st.StoredAt.UTC()
		info.CacheAgeMinutes = &minutes
		info.LastUpdated = &stored
	}
	return info
}

// Result pairs a payload with its cache metadata.
type Result[T any] struct {
	Data      T         `json:"data"`
	CacheInfo CacheInfo `json:"cache_info"`
}
