package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/spotbot-io/spotbot/internal/accounts"
	"github.com/spotbot-io/spotbot/internal/bots/handler"
	"github.com/spotbot-io/spotbot/internal/bots/memstore"
	"github.com/spotbot-io/spotbot/internal/bots/model"
	"github.com/spotbot-io/spotbot/internal/bots/service"
	"github.com/spotbot-io/spotbot/internal/health"
	"github.com/spotbot-io/spotbot/internal/identity"
	"github.com/spotbot-io/spotbot/internal/scoring"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/crypto/bcrypt"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// ── Stubs ────────────────────────────────────────────────────────────────

type failingReports struct {
	service.ReportStore
}

func (failingReports) Append(context.Context, *model.BotReport) error {
	return model.Infra("append report", errors.New("connection refused"))
}

// blockingReports holds every ListByAddress call until release is closed.
type blockingReports struct {
	service.ReportStore
	release chan struct{}
}

func (r *blockingReports) ListByAddress(ctx context.Context, addr string, limit int) ([]*model.BotReport, error) {
	<-r.release
	return r.ReportStore.ListByAddress(ctx, addr, limit)
}

// ── Harness ──────────────────────────────────────────────────────────────

type testEnv struct {
	router *gin.Engine
	users  *accounts.MemoryRepository
	acct   *accounts.Service
	tokens *identity.SessionTokenIssuer
}

func newTestEnv(t *testing.T, reports service.ReportStore) *testEnv {
	t.Helper()
	return newTestEnvWithLogger(t, reports, zap.NewNop())
}

func newTestEnvWithLogger(t *testing.T, reports service.ReportStore, logger *zap.Logger) *testEnv {
	t.Helper()
	store := memstore.New()
	if reports == nil {
		reports = store.Reports
	}

	users := accounts.NewMemoryRepository()
	acct := accounts.NewService(users, logger)
	acct.SetBcryptCost(bcrypt.MinCost)

	tokens, err := identity.NewSessionTokenIssuer("handler-test-secret", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	auth := identity.NewAuthenticator(acct, tokens)

	svc := service.NewBotService(reports, store.Activity, store.Allowlist, store.Stats, scoring.NewRuleBasedScorer(), logger)
	svc.SetMetricsRecorder(handler.RecordServiceEvent)

	r := gin.New()
	handler.NewSystemHandler(nil).Register(r)
	v1 := r.Group("/api/v1")
	handler.NewBotHandler(svc, auth, logger).Register(v1)
	handler.NewAuthHandler(acct, auth, tokens, logger).Register(v1)

	return &testEnv{router: r, users: users, acct: acct, tokens: tokens}
}

// user registers an account with role and returns its API key and ID.
func (e *testEnv) user(t *testing.T, name string, role identity.Role) (string, uuid.UUID) {
	t.Helper()
	u, err := e.acct.Register(context.Background(), accounts.RegisterRequest{
		Email:    name + "@example.com",
		Password: "Sup3r$ecret",
		Username: name,
	})
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	e.users.SetRole(u.ID, role)
	return u.APIKey, u.ID
}

func (e *testEnv) do(method, path, apiKey string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set(identity.APIKeyHeader, apiKey)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func report(ip string, confidence int) map[string]any {
	return map[string]any{
		"ipAddress":       ip,
		"botType":         "scraper",
		"confidenceScore": confidence,
		"evidenceData":    map[string]any{"requestFrequency": 15, "httpErrors": 0.5},
	}
}

// ── Report intake ────────────────────────────────────────────────────────

func TestSubmitReport_RequiresCredential(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(http.MethodPost, "/api/v1/bots/report", "", report("203.0.113.5", 80))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status: got %d, want 401", w.Code)
	}
}

func TestSubmitReport_Created(t *testing.T) {
	env := newTestEnv(t, nil)
	key, id := env.user(t, "reporter", identity.RoleUser)

	w := env.do(http.MethodPost, "/api/v1/bots/report", key, report("203.0.113.5", 80))
	if w.Code != http.StatusCreated {
		t.Fatalf("status: got %d (%s)", w.Code, w.Body.String())
	}

	var resp struct {
		Message       string          `json:"message"`
		Report        model.BotReport `json:"report"`
		BehaviorScore int             `json:"behaviorScore"`
		Severity      string          `json:"severity"`
	}
	decode(t, w, &resp)
	if resp.Message != "Bot reported successfully" {
		t.Errorf("message: %q", resp.Message)
	}
	if resp.BehaviorScore != 45 || resp.Severity != "medium" {
		t.Errorf("behavior: %d %q", resp.BehaviorScore, resp.Severity)
	}
	if resp.Report.ReporterID == nil || *resp.Report.ReporterID != id {
		t.Errorf("reporter: %v, want %s", resp.Report.ReporterID, id)
	}
	if resp.Report.Status != model.ReportStatusPending {
		t.Errorf("status: %q", resp.Report.Status)
	}
}

func TestSubmitReport_Validation(t *testing.T) {
	env := newTestEnv(t, nil)
	key, _ := env.user(t, "reporter", identity.RoleUser)

	tests := []struct {
		name string
		body map[string]any
		msg  string
	}{
		{"bad ip", map[string]any{"ipAddress": "999.1.1.1"}, "Valid IP address is required"},
		{"bad bot type", map[string]any{"ipAddress": "203.0.113.5", "botType": "robot"}, "Invalid bot type"},
		{"score too high", map[string]any{"ipAddress": "203.0.113.5", "confidenceScore": 101}, "Confidence score must be between 0 and 100"},
		{"bad method", map[string]any{"ipAddress": "203.0.113.5", "requestMethod": "TRACE"}, "Invalid HTTP method"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := env.do(http.MethodPost, "/api/v1/bots/report", key, tc.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status: got %d (%s)", w.Code, w.Body.String())
			}
			var resp map[string]any
			decode(t, w, &resp)
			if resp["error"] != tc.msg {
				t.Errorf("error: got %q, want %q", resp["error"], tc.msg)
			}
		})
	}
}

func TestSubmitReport_StoreFailureIsRetryable(t *testing.T) {
	env := newTestEnv(t, failingReports{memstore.New().Reports})
	key, _ := env.user(t, "reporter", identity.RoleUser)

	w := env.do(http.MethodPost, "/api/v1/bots/report", key, report("203.0.113.5", 80))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status: got %d, want 503", w.Code)
	}
	var resp map[string]any
	decode(t, w, &resp)
	if resp["retryable"] != true {
		t.Errorf("expected retryable=true, got %v", resp)
	}
}

// ── Verdicts and stats ───────────────────────────────────────────────────

func TestCheckAddress(t *testing.T) {
	env := newTestEnv(t, nil)
	key, _ := env.user(t, "reporter", identity.RoleUser)

	for _, c := range []int{40, 60, 80} {
		if w := env.do(http.MethodPost, "/api/v1/bots/report", key, report("203.0.113.7", c)); w.Code != http.StatusCreated {
			t.Fatalf("submit: %d", w.Code)
		}
	}

	w := env.do(http.MethodGet, "/api/v1/bots/check/203.0.113.7", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var v model.Verdict
	decode(t, w, &v)
	if !v.IsBot || v.Confidence != 66 || v.ReportCount != 3 {
		t.Errorf("verdict: %+v", v)
	}
	if len(v.RecentActivity) != 1 || v.RecentActivity[0].RequestCount != 45 {
		t.Errorf("recent activity: %+v", v.RecentActivity)
	}
}

func TestCheckAddress_InvalidAddress(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(http.MethodGet, "/api/v1/bots/check/not-an-ip", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400", w.Code)
	}
}

func TestCheckAddress_ClientGone(t *testing.T) {
	gate := &blockingReports{ReportStore: memstore.New().Reports, release: make(chan struct{})}
	t.Cleanup(func() { close(gate.release) })
	core, logs := observer.New(zapcore.DebugLevel)
	env := newTestEnvWithLogger(t, gate, zap.New(core))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/bots/check/203.0.113.9", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != 499 {
		t.Fatalf("status: got %d, want 499", w.Code)
	}
	if n := logs.FilterLevelExact(zapcore.ErrorLevel).Len(); n != 0 {
		t.Errorf("error logs: got %d, want 0", n)
	}
}

func TestStats(t *testing.T) {
	env := newTestEnv(t, nil)
	key, _ := env.user(t, "reporter", identity.RoleUser)
	env.do(http.MethodPost, "/api/v1/bots/report", key, report("203.0.113.7", 40))
	env.do(http.MethodPost, "/api/v1/bots/report", key, report("203.0.113.8", 60))

	w := env.do(http.MethodGet, "/api/v1/bots/stats?period=bogus", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var s model.Stats
	decode(t, w, &s)
	if s.Period != model.Period24h || s.TotalReports != 2 || s.UniqueAddresses != 2 || s.AverageConfidence != 50 {
		t.Errorf("stats: %+v", s)
	}
}

// ── Moderation ───────────────────────────────────────────────────────────

func TestReports_RequireModerator(t *testing.T) {
	env := newTestEnv(t, nil)
	userKey, _ := env.user(t, "reporter", identity.RoleUser)
	modKey, _ := env.user(t, "moderator", identity.RoleModerator)

	if w := env.do(http.MethodGet, "/api/v1/reports", userKey, nil); w.Code != http.StatusForbidden {
		t.Errorf("user: got %d, want 403", w.Code)
	}
	if w := env.do(http.MethodGet, "/api/v1/reports", modKey, nil); w.Code != http.StatusOK {
		t.Errorf("moderator: got %d, want 200", w.Code)
	}
}

func TestRejectReport_ChangesVerdict(t *testing.T) {
	env := newTestEnv(t, nil)
	userKey, _ := env.user(t, "reporter", identity.RoleUser)
	modKey, _ := env.user(t, "moderator", identity.RoleModerator)

	env.do(http.MethodPost, "/api/v1/bots/report", userKey, report("198.51.100.9", 80))
	w := env.do(http.MethodPost, "/api/v1/bots/report", userKey, report("198.51.100.9", 40))
	var created struct {
		Report model.BotReport `json:"report"`
	}
	decode(t, w, &created)

	w = env.do(http.MethodPatch, "/api/v1/reports/"+created.Report.ID.String(), modKey, map[string]string{"status": "rejected"})
	if w.Code != http.StatusOK {
		t.Fatalf("patch: got %d (%s)", w.Code, w.Body.String())
	}

	w = env.do(http.MethodGet, "/api/v1/bots/check/198.51.100.9", "", nil)
	var v model.Verdict
	decode(t, w, &v)
	if v.Confidence != 82 || v.ReportCount != 1 {
		t.Errorf("verdict after rejection: %+v", v)
	}

	w = env.do(http.MethodGet, "/api/v1/reports?status=rejected", modKey, nil)
	var list struct {
		Count int `json:"count"`
	}
	decode(t, w, &list)
	if list.Count != 1 {
		t.Errorf("rejected count: %d", list.Count)
	}
}

func TestUpdateReportStatus_Errors(t *testing.T) {
	env := newTestEnv(t, nil)
	modKey, _ := env.user(t, "moderator", identity.RoleModerator)

	if w := env.do(http.MethodPatch, "/api/v1/reports/nope", modKey, map[string]string{"status": "confirmed"}); w.Code != http.StatusBadRequest {
		t.Errorf("bad id: got %d", w.Code)
	}
	if w := env.do(http.MethodPatch, "/api/v1/reports/"+uuid.NewString(), modKey, map[string]string{"status": "confirmed"}); w.Code != http.StatusNotFound {
		t.Errorf("unknown id: got %d", w.Code)
	}
	if w := env.do(http.MethodPatch, "/api/v1/reports/"+uuid.NewString(), modKey, map[string]string{"status": "maybe"}); w.Code != http.StatusBadRequest {
		t.Errorf("bad status: got %d", w.Code)
	}
}

// ── Allow-list ───────────────────────────────────────────────────────────

func TestAllowlist_ExemptsAddress(t *testing.T) {
	env := newTestEnv(t, nil)
	userKey, _ := env.user(t, "reporter", identity.RoleUser)
	adminKey, _ := env.user(t, "admin", identity.RoleAdmin)

	env.do(http.MethodPost, "/api/v1/bots/report", userKey, report("192.0.2.44", 90))

	body := map[string]string{"ipRange": "192.0.2.0/24", "organization": "Example Search"}
	if w := env.do(http.MethodPost, "/api/v1/allowlist", userKey, body); w.Code != http.StatusForbidden {
		t.Errorf("non-admin create: got %d, want 403", w.Code)
	}
	w := env.do(http.MethodPost, "/api/v1/allowlist", adminKey, body)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: got %d (%s)", w.Code, w.Body.String())
	}
	var created struct {
		Entry model.AllowlistEntry `json:"entry"`
	}
	decode(t, w, &created)

	w = env.do(http.MethodGet, "/api/v1/bots/check/192.0.2.44", "", nil)
	var v model.Verdict
	decode(t, w, &v)
	if !v.IsWhitelisted || v.IsBot || v.Confidence != 0 || v.WhitelistInfo == nil {
		t.Errorf("allowlisted verdict: %+v", v)
	}
	var raw map[string]json.RawMessage
	decode(t, w, &raw)
	if got := string(raw["reports"]); got != "[]" {
		t.Errorf("allowlisted verdict reports: got %q, want []", got)
	}

	if w := env.do(http.MethodDelete, "/api/v1/allowlist/"+created.Entry.ID.String(), adminKey, nil); w.Code != http.StatusNoContent {
		t.Fatalf("deactivate: got %d", w.Code)
	}
	w = env.do(http.MethodGet, "/api/v1/bots/check/192.0.2.44", "", nil)
	v = model.Verdict{}
	decode(t, w, &v)
	if v.IsWhitelisted || !v.IsBot {
		t.Errorf("verdict after deactivation: %+v", v)
	}
}

func TestAllowlist_RejectsBothAddressAndRange(t *testing.T) {
	env := newTestEnv(t, nil)
	adminKey, _ := env.user(t, "admin", identity.RoleAdmin)

	body := map[string]string{"ipAddress": "192.0.2.1", "ipRange": "192.0.2.0/24", "organization": "Example"}
	if w := env.do(http.MethodPost, "/api/v1/allowlist", adminKey, body); w.Code != http.StatusBadRequest {
		t.Errorf("got %d, want 400", w.Code)
	}
}

// ── Accounts ─────────────────────────────────────────────────────────────

func TestAuthFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	signup := map[string]string{"email": "ops@example.com", "password": "Sup3r$ecret", "username": "ops"}

	w := env.do(http.MethodPost, "/api/v1/auth/register", "", signup)
	if w.Code != http.StatusCreated {
		t.Fatalf("register: got %d (%s)", w.Code, w.Body.String())
	}
	var reg struct {
		User  accounts.User `json:"user"`
		Token string        `json:"token"`
	}
	decode(t, w, &reg)
	if reg.Token == "" || reg.User.APIKey == "" {
		t.Fatalf("register response: %+v", reg)
	}

	if w := env.do(http.MethodPost, "/api/v1/auth/register", "", signup); w.Code != http.StatusConflict {
		t.Errorf("duplicate register: got %d, want 409", w.Code)
	}

	w = env.do(http.MethodPost, "/api/v1/auth/login", "", map[string]string{"email": "ops@example.com", "password": "wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("bad login: got %d, want 401", w.Code)
	}
	w = env.do(http.MethodPost, "/api/v1/auth/login", "", map[string]string{"email": "ops@example.com", "password": "Sup3r$ecret"})
	if w.Code != http.StatusOK {
		t.Fatalf("login: got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/profile", nil)
	req.Header.Set("Authorization", "Bearer "+reg.Token)
	pw := httptest.NewRecorder()
	env.router.ServeHTTP(pw, req)
	if pw.Code != http.StatusOK {
		t.Fatalf("profile with bearer: got %d", pw.Code)
	}

	w = env.do(http.MethodPost, "/api/v1/auth/regenerate-api-key", reg.User.APIKey, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("regenerate: got %d", w.Code)
	}
	var regen struct {
		APIKey string `json:"apiKey"`
	}
	decode(t, w, &regen)

	if w := env.do(http.MethodGet, "/api/v1/auth/profile", reg.User.APIKey, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("old key: got %d, want 401", w.Code)
	}
	if w := env.do(http.MethodGet, "/api/v1/auth/profile", regen.APIKey, nil); w.Code != http.StatusOK {
		t.Errorf("new key: got %d, want 200", w.Code)
	}
}

func TestUpdateProfile(t *testing.T) {
	env := newTestEnv(t, nil)
	key, _ := env.user(t, "alice", identity.RoleUser)
	env.user(t, "bobby", identity.RoleUser)

	w := env.do(http.MethodPut, "/api/v1/auth/profile", key, map[string]string{"organization": "Acme"})
	if w.Code != http.StatusOK {
		t.Fatalf("update: got %d (%s)", w.Code, w.Body.String())
	}
	if w := env.do(http.MethodPut, "/api/v1/auth/profile", key, map[string]string{"username": "bobby"}); w.Code != http.StatusConflict {
		t.Errorf("taken username: got %d, want 409", w.Code)
	}
}

// ── System ───────────────────────────────────────────────────────────────

type stubHealth struct{ report health.Report }

func (s stubHealth) Report() health.Report { return s.report }

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	if w := env.do(http.MethodGet, "/health", "", nil); w.Code != http.StatusOK {
		t.Errorf("health: got %d", w.Code)
	}
	if w := env.do(http.MethodGet, "/api", "", nil); w.Code != http.StatusOK {
		t.Errorf("index: got %d", w.Code)
	}

	r := gin.New()
	handler.NewSystemHandler(stubHealth{health.Report{
		Status:       health.StatusDegraded,
		Dependencies: map[string]string{"postgres": health.StatusDegraded},
	}}).Register(r)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("degraded health: got %d, want 503", w.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := gin.New()
	r.Use(handler.RateLimiter(ctx, 1, 2))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 3)
	for i := range codes {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		codes[i] = w.Code
		if w.Code == http.StatusTooManyRequests && w.Header().Get("Retry-After") == "" {
			t.Error("missing Retry-After header")
		}
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes: %v", codes)
	}
}
