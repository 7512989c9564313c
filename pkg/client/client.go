// Package client provides the SpotBot Go SDK for submitting bot reports and
// checking addresses against a SpotBot server.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// APIKeyHeader carries the reporter's API key.
const APIKeyHeader = "X-API-Key"

// APIError is returned for non-2xx responses.
type APIError struct {
	Status    int
	Message   string
	Retryable bool
}

func (e *APIError) Error() string {
	return fmt.Sprintf("spotbot: %d: %s", e.Status, e.Message)
}

// IsRetryable reports whether err is a server-side failure the caller may retry.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable || apiErr.Status == http.StatusTooManyRequests
	}
	return false
}

// IsNotFound reports whether err is a 404 response.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// ReportRequest is the payload for Report.
type ReportRequest struct {
	IPAddress       string            `json:"ipAddress"`
	UserAgent       string            `json:"userAgent,omitempty"`
	RequestURL      string            `json:"requestUrl,omitempty"`
	RequestMethod   string            `json:"requestMethod,omitempty"`
	RequestHeaders  map[string]string `json:"requestHeaders,omitempty"`
	BotType         string            `json:"botType,omitempty"`
	ConfidenceScore *int              `json:"confidenceScore,omitempty"`
	EvidenceData    map[string]any    `json:"evidenceData,omitempty"`
}

// Report is a stored bot report.
type Report struct {
	ID              string            `json:"id"`
	ReporterID      string            `json:"reporterId,omitempty"`
	IPAddress       string            `json:"ipAddress"`
	UserAgent       string            `json:"userAgent"`
	RequestURL      string            `json:"requestUrl"`
	RequestMethod   string            `json:"requestMethod"`
	RequestHeaders  map[string]string `json:"requestHeaders"`
	BotType         string            `json:"botType"`
	ConfidenceScore int               `json:"confidenceScore"`
	EvidenceData    map[string]any    `json:"evidenceData"`
	CountryCode     string            `json:"countryCode,omitempty"`
	Status          string            `json:"status"`
	ReportedAt      time.Time         `json:"reportedAt"`
}

// Finding is one evidence rule that fired for a report.
type Finding struct {
	Rule        string `json:"rule"`
	Description string `json:"description"`
	Points      int    `json:"points"`
}

// ReportResult is returned by Report.
type ReportResult struct {
	Message       string    `json:"message"`
	Report        Report    `json:"report"`
	BehaviorScore int       `json:"behaviorScore"`
	Severity      string    `json:"severity"`
	Findings      []Finding `json:"findings"`
}

// TypeCount is one row of a bot-type ranking.
type TypeCount struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// CountryCount is one row of a country ranking.
type CountryCount struct {
	Country string `json:"country"`
	Count   int    `json:"count"`
}

// Activity is the merged activity row for an address.
type Activity struct {
	IPAddress     string         `json:"ipAddress"`
	UserAgent     string         `json:"userAgent"`
	RequestCount  int64          `json:"requestCount"`
	BehaviorScore int            `json:"behaviorScore"`
	ActivityData  map[string]any `json:"activityData"`
	DetectedAt    time.Time      `json:"detectedAt"`
}

// AllowlistInfo describes the organization exempting an address.
type AllowlistInfo struct {
	ID           string `json:"id"`
	IPAddress    string `json:"ipAddress,omitempty"`
	IPRange      string `json:"ipRange,omitempty"`
	Organization string `json:"organization"`
	Description  string `json:"description"`
}

// Verdict is the result of Check.
type Verdict struct {
	IP             string         `json:"ip"`
	IsBot          bool           `json:"isBot"`
	Confidence     int            `json:"confidence"`
	ReportCount    int            `json:"reportCount"`
	LastSeen       *time.Time     `json:"lastSeen"`
	CommonBotTypes []TypeCount    `json:"commonBotTypes"`
	RecentActivity []Activity     `json:"recentActivity"`
	IsWhitelisted  bool           `json:"isWhitelisted"`
	WhitelistInfo  *AllowlistInfo `json:"whitelistInfo,omitempty"`
}

// Stats is the result of Stats.
type Stats struct {
	Period              string         `json:"period"`
	TotalReports        int            `json:"totalReports"`
	UniqueIPs           int            `json:"uniqueIPs"`
	AverageConfidence   int            `json:"averageConfidence"`
	BotTypeDistribution []TypeCount    `json:"botTypeDistribution"`
	TopCountries        []CountryCount `json:"topCountries"`
}

// Client is the SpotBot SDK entry point.
type Client struct {
	baseURL    string
	httpClient *http.Client
	apiKey     string
	cache      *verdictCache

	mu          sync.RWMutex
	bearerToken string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithAPIKey attaches an API key to every request.
func WithAPIKey(key string) Option {
	return func(c *Client) error {
		c.apiKey = key
		return nil
	}
}

// WithBearerToken attaches a session token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// WithCacheTTL caches Check results in memory for ttl. Report drops the
// cached verdict for the reported address.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) error {
		c.cache = newVerdictCache(ttl)
		return nil
	}
}

// WithInsecureSkipVerify disables TLS certificate verification.
// Only use this in development against a self-signed certificate.
func WithInsecureSkipVerify() Option {
	return func(c *Client) error {
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			},
			Timeout: 10 * time.Second,
		}
		return nil
	}
}

// New creates a new SpotBot client for the server at baseURL.
//
//	c, err := client.New("https://spotbot.example.com",
//	    client.WithAPIKey(os.Getenv("SPOTBOT_API_KEY")),
//	    client.WithCacheTTL(30*time.Second),
//	)
func New(baseURL string, opts ...Option) (*Client, error) {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(baseURL string, opts ...Option) *Client {
	c, err := New(baseURL, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Check returns the verdict for ip.
func (c *Client) Check(ctx context.Context, ip string) (*Verdict, error) {
	if c.cache != nil {
		if v, ok := c.cache.get(ip); ok {
			return v, nil
		}
	}

	var v Verdict
	if err := c.call(ctx, http.MethodGet, "/api/v1/bots/check/"+url.PathEscape(ip), nil, &v); err != nil {
		return nil, err
	}

	if c.cache != nil {
		c.cache.set(ip, &v)
	}
	return &v, nil
}

// Report submits a bot report. Requires an API key or session token.
func (c *Client) Report(ctx context.Context, req ReportRequest) (*ReportResult, error) {
	var res ReportResult
	if err := c.call(ctx, http.MethodPost, "/api/v1/bots/report", req, &res); err != nil {
		return nil, err
	}
	if c.cache != nil {
		c.cache.delete(req.IPAddress)
		c.cache.delete(res.Report.IPAddress)
	}
	return &res, nil
}

// Stats returns report statistics for period ("1h", "24h", "7d", "30d").
func (c *Client) Stats(ctx context.Context, period string) (*Stats, error) {
	path := "/api/v1/bots/stats"
	if period != "" {
		path += "?period=" + url.QueryEscape(period)
	}
	var s Stats
	if err := c.call(ctx, http.MethodGet, path, nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Login exchanges credentials for a session token, stores it on the client,
// and returns it along with the account's API key.
func (c *Client) Login(ctx context.Context, email, password string) (token, apiKey string, err error) {
	var res struct {
		Token string `json:"token"`
		User  struct {
			APIKey string `json:"apiKey"`
		} `json:"user"`
	}
	body := map[string]string{"email": email, "password": password}
	if err := c.call(ctx, http.MethodPost, "/api/v1/auth/login", body, &res); err != nil {
		return "", "", err
	}
	c.mu.Lock()
	c.bearerToken = res.Token
	c.mu.Unlock()
	return res.Token, res.User.APIKey, nil
}

// Health returns the server's health status string.
func (c *Client) Health(ctx context.Context) (string, error) {
	var res struct {
		Status string `json:"status"`
	}
	if err := c.call(ctx, http.MethodGet, "/health", nil, &res); err != nil {
		return "", err
	}
	return res.Status, nil
}

// call executes a JSON request and decodes a 2xx response into out.
func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	respBody, err := c.do(req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// do executes an HTTP request, attaching credentials if present.
func (c *Client) do(req *http.Request) ([]byte, error) {
	c.mu.RLock()
	token := c.bearerToken
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	} else if c.apiKey != "" {
		req.Header.Set(APIKeyHeader, c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var payload struct {
			Error     string `json:"error"`
			Retryable bool   `json:"retryable"`
		}
		_ = json.Unmarshal(body, &payload)
		if payload.Error == "" {
			payload.Error = strings.TrimSpace(string(body))
		}
		return nil, &APIError{Status: resp.StatusCode, Message: payload.Error, Retryable: payload.Retryable}
	}
	return body, nil
}

// --- simple in-memory verdict cache ---

type cacheEntry struct {
	verdict   *Verdict
	expiresAt time.Time
}

type verdictCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
}

func newVerdictCache(ttl time.Duration) *verdictCache {
	return &verdictCache{entries: make(map[string]*cacheEntry), ttl: ttl}
}

func (vc *verdictCache) get(key string) (*Verdict, bool) {
	vc.mu.RLock()
	defer vc.mu.RUnlock()
	e, ok := vc.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	cp := *e.verdict
	return &cp, true
}

func (vc *verdictCache) set(key string, v *Verdict) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	cp := *v
	vc.entries[key] = &cacheEntry{verdict: &cp, expiresAt: time.Now().Add(vc.ttl)}
}

func (vc *verdictCache) delete(key string) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	delete(vc.entries, key)
}
