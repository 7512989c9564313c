package model

import (
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BotType classifies what kind of automated client a report describes.
type BotType string

const (
	BotTypeScraper            BotType = "scraper"
	BotTypeCrawler            BotType = "crawler"
	BotTypeSpam               BotType = "spam"
	BotTypeMalicious          BotType = "malicious"
	BotTypeScanner            BotType = "scanner"
	BotTypeDDoS               BotType = "ddos"
	BotTypeCommentSpam        BotType = "comment_spam"
	BotTypeFormSpam           BotType = "form_spam"
	BotTypeBruteForce         BotType = "brute_force"
	BotTypeCredentialStuffing BotType = "credential_stuffing"
	BotTypeFakeAccount        BotType = "fake_account"
	BotTypeOther              BotType = "other"
)

// Valid reports whether t is one of the known bot types.
func (t BotType) Valid() bool {
	switch t {
	case BotTypeScraper, BotTypeCrawler, BotTypeSpam, BotTypeMalicious,
		BotTypeScanner, BotTypeDDoS, BotTypeCommentSpam, BotTypeFormSpam,
		BotTypeBruteForce, BotTypeCredentialStuffing, BotTypeFakeAccount,
		BotTypeOther:
		return true
	}
	return false
}

// ParseBotType converts s to a BotType. An empty string maps to BotTypeOther.
func ParseBotType(s string) (BotType, error) {
	if s == "" {
		return BotTypeOther, nil
	}
	t := BotType(s)
	if !t.Valid() {
		return "", &ErrValidation{Msg: "Invalid bot type"}
	}
	return t, nil
}

// HTTPMethod is the request method observed in a reported request.
type HTTPMethod string

const (
	MethodGet     HTTPMethod = "GET"
	MethodPost    HTTPMethod = "POST"
	MethodPut     HTTPMethod = "PUT"
	MethodDelete  HTTPMethod = "DELETE"
	MethodPatch   HTTPMethod = "PATCH"
	MethodHead    HTTPMethod = "HEAD"
	MethodOptions HTTPMethod = "OPTIONS"
)

// Valid reports whether m is one of the accepted HTTP methods.
func (m HTTPMethod) Valid() bool {
	switch m {
	case MethodGet, MethodPost, MethodPut, MethodDelete, MethodPatch, MethodHead, MethodOptions:
		return true
	}
	return false
}

// ParseHTTPMethod upper-cases s and validates it. Empty input defaults to GET.
func ParseHTTPMethod(s string) (HTTPMethod, error) {
	if s == "" {
		return MethodGet, nil
	}
	m := HTTPMethod(strings.ToUpper(s))
	if !m.Valid() {
		return "", &ErrValidation{Msg: "Invalid HTTP method"}
	}
	return m, nil
}

// ReportStatus is the moderation state of a bot report.
type ReportStatus string

const (
	ReportStatusPending   ReportStatus = "pending"
	ReportStatusConfirmed ReportStatus = "confirmed"
	ReportStatusRejected  ReportStatus = "rejected"
)

// Valid reports whether s is a known report status.
func (s ReportStatus) Valid() bool {
	switch s {
	case ReportStatusPending, ReportStatusConfirmed, ReportStatusRejected:
		return true
	}
	return false
}

// Field limits applied to free-text report fields.
const (
	MaxUserAgentLen  = 500
	MaxRequestURLLen = 1000

	DefaultConfidenceScore = 50
)

// BotReport is one submitted accusation that an address is a bot.
// Everything except Status is immutable once stored.
type BotReport struct {
	ID              uuid.UUID         `json:"id"`
	ReporterID      *uuid.UUID        `json:"reporterId,omitempty"`
	Address         string            `json:"ipAddress"`
	UserAgent       string            `json:"userAgent"`
	RequestURL      string            `json:"requestUrl"`
	RequestMethod   HTTPMethod        `json:"requestMethod"`
	RequestHeaders  map[string]string `json:"requestHeaders"`
	BotType         BotType           `json:"botType"`
	ConfidenceScore int               `json:"confidenceScore"`
	Evidence        Evidence          `json:"evidenceData"`
	CountryCode     *string           `json:"countryCode,omitempty"`
	Status          ReportStatus      `json:"status"`
	ReportedAt      time.Time         `json:"reportedAt"`
}

// SubmitReportRequest is the payload for POST /bots/report.
type SubmitReportRequest struct {
	IPAddress       string            `json:"ipAddress"       binding:"required"`
	UserAgent       string            `json:"userAgent"`
	RequestURL      string            `json:"requestUrl"`
	RequestMethod   string            `json:"requestMethod"`
	RequestHeaders  map[string]string `json:"requestHeaders"`
	BotType         string            `json:"botType"`
	ConfidenceScore *int              `json:"confidenceScore"`
	EvidenceData    Evidence          `json:"evidenceData"`
}

// ToReport validates the request shape and returns a normalised BotReport
// ready to be stored. reporterID may be nil for anonymous submissions.
func (r *SubmitReportRequest) ToReport(reporterID *uuid.UUID) (*BotReport, error) {
	addr, err := ParseAddress(r.IPAddress)
	if err != nil {
		return nil, &ErrValidation{Msg: "Valid IP address is required"}
	}

	botType, err := ParseBotType(r.BotType)
	if err != nil {
		return nil, err
	}

	score := DefaultConfidenceScore
	if r.ConfidenceScore != nil {
		score = *r.ConfidenceScore
		if score < 0 || score > 100 {
			return nil, &ErrValidation{Msg: "Confidence score must be between 0 and 100"}
		}
	}

	if r.RequestURL != "" {
		u, err := url.Parse(r.RequestURL)
		if err != nil || u.Scheme == "" {
			return nil, &ErrValidation{Msg: "Invalid request URL format"}
		}
	}

	method, err := ParseHTTPMethod(r.RequestMethod)
	if err != nil {
		return nil, err
	}

	evidence := r.EvidenceData
	if evidence == nil {
		evidence = Evidence{}
	}
	if err := evidence.Validate(); err != nil {
		return nil, err
	}

	headers := r.RequestHeaders
	if headers == nil {
		headers = map[string]string{}
	}

	return &BotReport{
		ReporterID:      reporterID,
		Address:         addr.String(),
		UserAgent:       truncate(r.UserAgent, MaxUserAgentLen),
		RequestURL:      truncate(r.RequestURL, MaxRequestURLLen),
		RequestMethod:   method,
		RequestHeaders:  headers,
		BotType:         botType,
		ConfidenceScore: score,
		Evidence:        evidence,
		Status:          ReportStatusPending,
	}, nil
}

// UpdateReportStatusRequest is the moderation payload for PATCH /reports/:id.
type UpdateReportStatusRequest struct {
	Status ReportStatus `json:"status" binding:"required"`
}

// ParseAddress parses an IPv4 or IPv6 address and returns its canonical form.
// IPv4-mapped IPv6 addresses are unmapped and zoned addresses are rejected.
func ParseAddress(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return netip.Addr{}, err
	}
	if addr.Zone() != "" {
		return netip.Addr{}, &ErrValidation{Msg: "zoned addresses are not accepted"}
	}
	return addr.Unmap(), nil
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	// Step back to a rune boundary so the stored value stays valid UTF-8.
	for max > 0 && !isRuneStart(s[max]) {
		max--
	}
	return s[:max]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
