package model

import (
	"math"
	"net/netip"
	"time"

	"github.com/google/uuid"
)

// ActivityEntry is the single rolling activity row kept per address.
type ActivityEntry struct {
	Address       string    `json:"ipAddress"`
	UserAgent     string    `json:"userAgent"`
	RequestCount  int64     `json:"requestCount"`
	BehaviorScore int       `json:"behaviorScore"`
	ActivityData  Evidence  `json:"activityData"`
	DetectedAt    time.Time `json:"detectedAt"`
}

// ActivityRecord is one observation to be merged into an address's entry.
type ActivityRecord struct {
	Address       string
	UserAgent     string
	RequestCount  int64
	BehaviorScore int
	ActivityData  Evidence
}

// NewActivityEntry creates the first entry for an address.
func NewActivityEntry(rec ActivityRecord, at time.Time) *ActivityEntry {
	return &ActivityEntry{
		Address:       rec.Address,
		UserAgent:     rec.UserAgent,
		RequestCount:  AddRequestCount(0, rec.RequestCount),
		BehaviorScore: rec.BehaviorScore,
		ActivityData:  rec.ActivityData,
		DetectedAt:    at,
	}
}

// Merge folds rec into e. Request counts accumulate (saturating at
// math.MaxInt64), the behavior score keeps its maximum, and the user agent and
// activity snapshot are overwritten.
func (e *ActivityEntry) Merge(rec ActivityRecord, at time.Time) {
	e.RequestCount = AddRequestCount(e.RequestCount, rec.RequestCount)
	if rec.BehaviorScore > e.BehaviorScore {
		e.BehaviorScore = rec.BehaviorScore
	}
	e.UserAgent = rec.UserAgent
	e.ActivityData = rec.ActivityData
	e.DetectedAt = at
}

// AddRequestCount returns total+n, clamped to [total, math.MaxInt64] so the
// running count never decreases. Negative n contributes nothing.
func AddRequestCount(total, n int64) int64 {
	if n <= 0 {
		return total
	}
	if total > math.MaxInt64-n {
		return math.MaxInt64
	}
	return total + n
}

// AllowlistEntry is an organization-declared exemption for an address or range.
type AllowlistEntry struct {
	ID           uuid.UUID     `json:"id"`
	Address      *netip.Addr   `json:"ipAddress,omitempty"`
	Range        *netip.Prefix `json:"ipRange,omitempty"`
	Organization string        `json:"organization"`
	Description  string        `json:"description"`
	IsActive     bool          `json:"isActive"`
	CreatedAt    time.Time     `json:"createdAt"`
}

// Contains reports whether addr is exempted by this entry. Inactive entries
// never match.
func (e *AllowlistEntry) Contains(addr netip.Addr) bool {
	if !e.IsActive {
		return false
	}
	addr = addr.Unmap()
	if e.Address != nil && e.Address.Unmap() == addr {
		return true
	}
	return e.Range != nil && e.Range.Contains(addr)
}

// CreateAllowlistRequest is the payload for POST /allowlist.
type CreateAllowlistRequest struct {
	IPAddress    string `json:"ipAddress"`
	IPRange      string `json:"ipRange"`
	Organization string `json:"organization" binding:"required"`
	Description  string `json:"description"`
}

// ToEntry validates the request. Exactly one of ipAddress and ipRange must be set.
func (r *CreateAllowlistRequest) ToEntry() (*AllowlistEntry, error) {
	if (r.IPAddress == "") == (r.IPRange == "") {
		return nil, &ErrValidation{Msg: "exactly one of ipAddress or ipRange is required"}
	}
	e := &AllowlistEntry{
		Organization: r.Organization,
		Description:  r.Description,
		IsActive:     true,
	}
	if r.IPAddress != "" {
		addr, err := ParseAddress(r.IPAddress)
		if err != nil {
			return nil, &ErrValidation{Msg: "Invalid IP address format"}
		}
		e.Address = &addr
		return e, nil
	}
	prefix, err := netip.ParsePrefix(r.IPRange)
	if err != nil {
		return nil, &ErrValidation{Msg: "Invalid IP range format"}
	}
	prefix = prefix.Masked()
	e.Range = &prefix
	return e, nil
}

// BotTypeCount is one row of a bot-type frequency ranking.
type BotTypeCount struct {
	Type  BotType `json:"type"`
	Count int     `json:"count"`
}

// CountryCount is one row of a country ranking.
type CountryCount struct {
	Country string `json:"country"`
	Count   int    `json:"count"`
}

// Verdict is the computed answer to "is this address a bot?".
type Verdict struct {
	Address        string           `json:"ip"`
	IsBot          bool             `json:"isBot"`
	Confidence     int              `json:"confidence"`
	ReportCount    int              `json:"reportCount"`
	LastSeen       *time.Time       `json:"lastSeen"`
	CommonBotTypes []BotTypeCount   `json:"commonBotTypes"`
	RecentActivity []*ActivityEntry `json:"recentActivity"`
	IsWhitelisted  bool             `json:"isWhitelisted"`
	WhitelistInfo  *AllowlistEntry  `json:"whitelistInfo,omitempty"`
	Reports        []*BotReport     `json:"reports"`
}

// ReportRollup is the raw aggregate a store computes over a time window.
type ReportRollup struct {
	TotalReports      int
	UniqueAddresses   int
	AverageConfidence float64
	ByBotType         []BotTypeCount
	ByCountry         []CountryCount
}

// Stats is the dashboard summary returned by GET /bots/stats.
type Stats struct {
	Period              Period         `json:"period"`
	TotalReports        int            `json:"totalReports"`
	UniqueAddresses     int            `json:"uniqueIPs"`
	AverageConfidence   int            `json:"averageConfidence"`
	BotTypeDistribution []BotTypeCount `json:"botTypeDistribution"`
	TopCountries        []CountryCount `json:"topCountries"`
}

// Period is a supported statistics window.
type Period string

const (
	Period1h  Period = "1h"
	Period24h Period = "24h"
	Period7d  Period = "7d"
	Period30d Period = "30d"
)

// ParsePeriod maps s to a known Period, falling back to 24h.
func ParsePeriod(s string) Period {
	switch p := Period(s); p {
	case Period1h, Period24h, Period7d, Period30d:
		return p
	}
	return Period24h
}

// Duration returns the length of the window.
func (p Period) Duration() time.Duration {
	switch p {
	case Period1h:
		return time.Hour
	case Period7d:
		return 7 * 24 * time.Hour
	case Period30d:
		return 30 * 24 * time.Hour
	}
	return 24 * time.Hour
}
