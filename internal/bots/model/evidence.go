package model

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Evidence keys accepted in a report's evidenceData object.
const (
	EvidenceRequestFrequency  = "requestFrequency"
	EvidenceUniqueUserAgents  = "uniqueUserAgents"
	EvidenceRequestPattern    = "requestPattern"
	EvidenceResponseTime      = "responseTime"
	EvidenceHTTPErrors        = "httpErrors"
	EvidenceSuspiciousHeaders = "suspiciousHeaders"
	EvidenceGeoLocation       = "geoLocation"
	EvidenceTimeOfDay         = "timeOfDay"
	EvidenceReferrer          = "referrer"
	EvidenceSessionInfo       = "sessionInfo"
)

var allowedEvidenceKeys = map[string]struct{}{
	EvidenceRequestFrequency:  {},
	EvidenceUniqueUserAgents:  {},
	EvidenceRequestPattern:    {},
	EvidenceResponseTime:      {},
	EvidenceHTTPErrors:        {},
	EvidenceSuspiciousHeaders: {},
	EvidenceGeoLocation:       {},
	EvidenceTimeOfDay:         {},
	EvidenceReferrer:          {},
	EvidenceSessionInfo:       {},
}

// Evidence is the reporter-supplied signal bag attached to a report.
// Keys are restricted to a fixed set; values are stored verbatim.
type Evidence map[string]any

// Validate rejects any key outside the allowed evidence set.
func (e Evidence) Validate() error {
	var unknown []string
	for k := range e {
		if _, ok := allowedEvidenceKeys[k]; !ok {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return &ErrValidation{Msg: "Invalid evidence data structure: unknown field(s) " + strings.Join(unknown, ", ")}
	}
	return nil
}

// Number returns the numeric value stored under key. Numeric strings are
// accepted; NaN, infinities, and anything else report ok=false.
func (e Evidence) Number(key string) (float64, bool) {
	n, ok := e.number(key)
	if !ok || math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false
	}
	return n, true
}

func (e Evidence) number(key string) (float64, bool) {
	switch v := e[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}

// String returns the string value stored under key.
func (e Evidence) String(key string) (string, bool) {
	s, ok := e[key].(string)
	return s, ok
}

// Truthy reports whether the value under key counts as set: true, a
// non-zero number, a non-empty string, or any object or list.
func (e Evidence) Truthy(key string) bool {
	switch v := e[key].(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	case map[string]any:
		return true
	case []any:
		return true
	}
	n, ok := e.Number(key)
	return ok && n != 0
}

// RequestCount is the number of requests an evidence snapshot contributes to
// the activity log: requestFrequency when it is at least one, otherwise 1.
// Values at or beyond the int64 range saturate at math.MaxInt64.
func (e Evidence) RequestCount() int64 {
	n, ok := e.Number(EvidenceRequestFrequency)
	if !ok || n < 1 {
		return 1
	}
	// float64(math.MaxInt64) rounds up to 2^63, which int64 cannot hold.
	if n >= float64(math.MaxInt64) {
		return math.MaxInt64
	}
	return int64(n)
}
