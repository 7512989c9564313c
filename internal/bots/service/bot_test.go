package service_test

import (
	"context"
	"errors"
	"math"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/spotbot-io/spotbot/internal/bots/memstore"
	"github.com/spotbot-io/spotbot/internal/bots/model"
	"github.com/spotbot-io/spotbot/internal/bots/service"
	"github.com/spotbot-io/spotbot/internal/cache"
	"github.com/spotbot-io/spotbot/internal/scoring"
	"go.uber.org/zap"
)

// ── Stubs ────────────────────────────────────────────────────────────────────

type fixedLocator map[string]string

func (l fixedLocator) LookupCountry(addr string) string { return l[addr] }

type failingActivity struct{}

func (failingActivity) Record(context.Context, model.ActivityRecord, time.Time) (*model.ActivityEntry, error) {
	return nil, model.Infra("record activity", errors.New("connection reset"))
}

func (failingActivity) Recent(context.Context, string, time.Time, int) ([]*model.ActivityEntry, error) {
	return nil, nil
}

// failingReports wraps a real store but fails every append.
type failingReports struct {
	service.ReportStore
}

func (failingReports) Append(context.Context, *model.BotReport) error {
	return model.Infra("append report", errors.New("connection refused"))
}

// ctxCheckingReports records whether Append saw a cancelled context.
type ctxCheckingReports struct {
	service.ReportStore
	mu        sync.Mutex
	cancelled bool
}

func (r *ctxCheckingReports) Append(ctx context.Context, report *model.BotReport) error {
	r.mu.Lock()
	r.cancelled = ctx.Err() != nil
	r.mu.Unlock()
	return r.ReportStore.Append(ctx, report)
}

// gatedReports reads through to the wrapped store, then parks the first
// ListByAddress caller until release is closed.
type gatedReports struct {
	service.ReportStore
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (r *gatedReports) ListByAddress(ctx context.Context, addr string, limit int) ([]*model.BotReport, error) {
	reports, err := r.ReportStore.ListByAddress(ctx, addr, limit)
	r.once.Do(func() {
		close(r.entered)
		<-r.release
	})
	return reports, err
}

type eventLog struct {
	mu     sync.Mutex
	events map[string]int
}

func (e *eventLog) record(event string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.events == nil {
		e.events = make(map[string]int)
	}
	e.events[event]++
}

func (e *eventLog) count(event string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.events[event]
}

// ── Helpers ──────────────────────────────────────────────────────────────────

type fixture struct {
	svc   *service.BotService
	store *memstore.Store
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memstore.New()
	f := &fixture{
		store: st,
		now:   time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC),
	}
	f.svc = service.NewBotService(st.Reports, st.Activity, st.Allowlist, st.Stats, scoring.NewRuleBasedScorer(), zap.NewNop())
	f.svc.SetClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) submit(t *testing.T, req model.SubmitReportRequest) *service.SubmitResult {
	t.Helper()
	report, err := req.ToReport(nil)
	if err != nil {
		t.Fatalf("ToReport: %v", err)
	}
	res, err := f.svc.Submit(context.Background(), report)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return res
}

func score(n int) *int { return &n }

// ── Submit ───────────────────────────────────────────────────────────────────

func TestSubmit_ScoresEvidenceAndRecordsActivity(t *testing.T) {
	f := newFixture(t)
	res := f.submit(t, model.SubmitReportRequest{
		IPAddress:    "203.0.113.5",
		UserAgent:    "curl/8.0",
		EvidenceData: model.Evidence{"requestFrequency": 15.0, "httpErrors": 0.5},
	})

	if res.BehaviorScore != 45 {
		t.Errorf("behaviorScore: got %d, want 45", res.BehaviorScore)
	}
	if res.Report.ID == uuid.Nil {
		t.Error("report id not assigned")
	}
	if res.Report.Status != model.ReportStatusPending {
		t.Errorf("status: got %q", res.Report.Status)
	}

	activity, _ := f.store.Activity.Recent(context.Background(), "203.0.113.5", f.now.Add(-time.Hour), 10)
	if len(activity) != 1 {
		t.Fatalf("activity rows: got %d, want 1", len(activity))
	}
	if activity[0].RequestCount != 15 || activity[0].BehaviorScore != 45 {
		t.Errorf("activity: got count=%d score=%d", activity[0].RequestCount, activity[0].BehaviorScore)
	}
	if activity[0].UserAgent != "curl/8.0" {
		t.Errorf("userAgent: got %q", activity[0].UserAgent)
	}
}

func TestSubmit_ConcurrentActivityMergeLosesNothing(t *testing.T) {
	f := newFixture(t)
	var wg sync.WaitGroup
	for _, freq := range []float64{3, 4} {
		wg.Add(1)
		go func(freq float64) {
			defer wg.Done()
			report, _ := (&model.SubmitReportRequest{
				IPAddress:    "198.51.100.9",
				EvidenceData: model.Evidence{"requestFrequency": freq},
			}).ToReport(nil)
			if _, err := f.svc.Submit(context.Background(), report); err != nil {
				t.Errorf("Submit: %v", err)
			}
		}(freq)
	}
	wg.Wait()

	activity, _ := f.store.Activity.Recent(context.Background(), "198.51.100.9", f.now.Add(-time.Hour), 10)
	if len(activity) != 1 {
		t.Fatalf("activity rows: got %d, want 1", len(activity))
	}
	if activity[0].RequestCount != 7 {
		t.Errorf("requestCount: got %d, want 7", activity[0].RequestCount)
	}
}

func TestSubmit_ActivityFailureIsSwallowed(t *testing.T) {
	st := memstore.New()
	events := &eventLog{}
	svc := service.NewBotService(st.Reports, failingActivity{}, st.Allowlist, st.Stats, scoring.NewRuleBasedScorer(), zap.NewNop())
	svc.SetMetricsRecorder(events.record)

	report, _ := (&model.SubmitReportRequest{IPAddress: "192.0.2.77"}).ToReport(nil)
	if _, err := svc.Submit(context.Background(), report); err != nil {
		t.Fatalf("Submit should succeed when activity fails: %v", err)
	}
	if events.count(service.EventActivityFailure) != 1 {
		t.Errorf("activity failure not recorded")
	}

	stored, _ := st.Reports.ListByAddress(context.Background(), "192.0.2.77", 10)
	if len(stored) != 1 {
		t.Errorf("report not stored: %d", len(stored))
	}
}

func TestSubmit_StoreFailureIsRetryable(t *testing.T) {
	st := memstore.New()
	svc := service.NewBotService(failingReports{st.Reports}, st.Activity, st.Allowlist, st.Stats, scoring.NewRuleBasedScorer(), zap.NewNop())

	report, _ := (&model.SubmitReportRequest{IPAddress: "192.0.2.78"}).ToReport(nil)
	_, err := svc.Submit(context.Background(), report)
	if !errors.Is(err, model.ErrInfrastructure) {
		t.Fatalf("expected ErrInfrastructure, got %v", err)
	}

	activity, _ := st.Activity.Recent(context.Background(), "192.0.2.78", time.Time{}, 10)
	if len(activity) != 0 {
		t.Error("activity recorded for a report that was not stored")
	}
}

func TestSubmit_SurvivesCallerCancellation(t *testing.T) {
	st := memstore.New()
	reports := &ctxCheckingReports{ReportStore: st.Reports}
	svc := service.NewBotService(reports, st.Activity, st.Allowlist, st.Stats, scoring.NewRuleBasedScorer(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, _ := (&model.SubmitReportRequest{IPAddress: "192.0.2.79"}).ToReport(nil)
	if _, err := svc.Submit(ctx, report); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if reports.cancelled {
		t.Error("append saw the caller's cancellation")
	}
}

func TestSubmit_SetsCountryFromLocator(t *testing.T) {
	f := newFixture(t)
	f.svc.SetGeoLocator(fixedLocator{"81.2.69.142": "GB"})

	res := f.submit(t, model.SubmitReportRequest{IPAddress: "81.2.69.142"})
	if res.Report.CountryCode == nil || *res.Report.CountryCode != "GB" {
		t.Errorf("countryCode: got %v", res.Report.CountryCode)
	}

	res = f.submit(t, model.SubmitReportRequest{IPAddress: "192.0.2.1"})
	if res.Report.CountryCode != nil {
		t.Errorf("unknown country should stay nil, got %q", *res.Report.CountryCode)
	}
}

// ── Check ────────────────────────────────────────────────────────────────────

func TestCheck_AggregatesReports(t *testing.T) {
	f := newFixture(t)
	for i, s := range []int{40, 60, 80} {
		f.now = f.now.Add(time.Minute)
		f.submit(t, model.SubmitReportRequest{
			IPAddress:       "203.0.113.10",
			ConfidenceScore: score(s),
			BotType:         []string{"scraper", "scraper", "crawler"}[i],
		})
	}

	v, err := f.svc.Check(context.Background(), "203.0.113.10")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if v.Confidence != 66 || !v.IsBot || v.ReportCount != 3 {
		t.Errorf("verdict: confidence=%d isBot=%v count=%d", v.Confidence, v.IsBot, v.ReportCount)
	}
	if v.LastSeen == nil || !v.LastSeen.Equal(f.now) {
		t.Errorf("lastSeen: got %v, want %v", v.LastSeen, f.now)
	}
	if len(v.CommonBotTypes) != 2 || v.CommonBotTypes[0].Type != model.BotTypeScraper || v.CommonBotTypes[0].Count != 2 {
		t.Errorf("commonBotTypes: %+v", v.CommonBotTypes)
	}
	if len(v.RecentActivity) != 1 {
		t.Errorf("recentActivity: got %d rows, want 1", len(v.RecentActivity))
	}
	if v.IsWhitelisted {
		t.Error("address should not be allow-listed")
	}
}

func TestCheck_UnknownAddressIsNotABot(t *testing.T) {
	f := newFixture(t)
	v, err := f.svc.Check(context.Background(), "192.0.2.200")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if v.IsBot || v.Confidence != 0 || v.ReportCount != 0 || v.LastSeen != nil {
		t.Errorf("unexpected verdict: %+v", v)
	}
	if v.CommonBotTypes == nil || v.RecentActivity == nil {
		t.Error("lists should be empty, not nil")
	}
}

func TestCheck_InvalidAddress(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Check(context.Background(), "999.1.1.1")
	if !model.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestCheck_CanonicalisesAddress(t *testing.T) {
	f := newFixture(t)
	f.submit(t, model.SubmitReportRequest{IPAddress: "2001:db8::1", ConfidenceScore: score(90)})

	v, err := f.svc.Check(context.Background(), "2001:DB8:0:0::1")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if v.ReportCount != 1 || v.Address != "2001:db8::1" {
		t.Errorf("verdict: %+v", v)
	}
}

func TestCheck_AllowlistTakesPrecedence(t *testing.T) {
	f := newFixture(t)
	for range 5 {
		f.submit(t, model.SubmitReportRequest{IPAddress: "10.4.5.6", ConfidenceScore: score(100)})
	}
	prefix := netip.MustParsePrefix("10.0.0.0/8")
	if err := f.svc.AddAllowlist(context.Background(), &model.AllowlistEntry{Range: &prefix, Organization: "Acme Monitoring"}); err != nil {
		t.Fatalf("AddAllowlist: %v", err)
	}

	v, err := f.svc.Check(context.Background(), "10.4.5.6")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !v.IsWhitelisted || v.IsBot || v.Confidence != 0 || v.ReportCount != 0 {
		t.Errorf("allow-listed verdict: %+v", v)
	}
	if v.Reports == nil || len(v.Reports) != 0 {
		t.Errorf("reports should be an empty list, got %v", v.Reports)
	}
	if v.WhitelistInfo == nil || v.WhitelistInfo.Organization != "Acme Monitoring" {
		t.Errorf("whitelistInfo: %+v", v.WhitelistInfo)
	}
}

func TestCheck_InactiveAllowlistIgnored(t *testing.T) {
	f := newFixture(t)
	f.submit(t, model.SubmitReportRequest{IPAddress: "10.4.5.7", ConfidenceScore: score(100)})
	addr := netip.MustParseAddr("10.4.5.7")
	entry := &model.AllowlistEntry{Address: &addr, Organization: "Acme"}
	_ = f.svc.AddAllowlist(context.Background(), entry)
	if err := f.svc.DeactivateAllowlist(context.Background(), entry.ID); err != nil {
		t.Fatalf("DeactivateAllowlist: %v", err)
	}

	v, _ := f.svc.Check(context.Background(), "10.4.5.7")
	if v.IsWhitelisted || !v.IsBot {
		t.Errorf("inactive entry still applied: %+v", v)
	}
}

func TestCheck_RejectedReportsExcluded(t *testing.T) {
	f := newFixture(t)
	bad := f.submit(t, model.SubmitReportRequest{IPAddress: "198.51.100.20", ConfidenceScore: score(100)})
	f.submit(t, model.SubmitReportRequest{IPAddress: "198.51.100.20", ConfidenceScore: score(20)})

	if _, err := f.svc.UpdateReportStatus(context.Background(), bad.Report.ID, model.ReportStatusRejected, uuid.New()); err != nil {
		t.Fatalf("UpdateReportStatus: %v", err)
	}

	v, _ := f.svc.Check(context.Background(), "198.51.100.20")
	// 20 + 2 = 22
	if v.ReportCount != 1 || v.Confidence != 22 || v.IsBot {
		t.Errorf("verdict: count=%d confidence=%d isBot=%v", v.ReportCount, v.Confidence, v.IsBot)
	}

	stats, _ := f.svc.Stats(context.Background(), "24h")
	if stats.TotalReports != 2 {
		t.Errorf("stats should include rejected reports: total=%d", stats.TotalReports)
	}
}

func TestCheck_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.submit(t, model.SubmitReportRequest{IPAddress: "192.0.2.50", ConfidenceScore: score(70)})

	a, _ := f.svc.Check(context.Background(), "192.0.2.50")
	b, _ := f.svc.Check(context.Background(), "192.0.2.50")
	if a.Confidence != b.Confidence || a.IsBot != b.IsBot || a.ReportCount != b.ReportCount {
		t.Errorf("repeated checks differ: %+v vs %+v", a, b)
	}
}

func TestCheck_Boundary(t *testing.T) {
	f := newFixture(t)
	f.submit(t, model.SubmitReportRequest{IPAddress: "192.0.2.30", ConfidenceScore: score(28)})
	f.submit(t, model.SubmitReportRequest{IPAddress: "192.0.2.31", ConfidenceScore: score(29)})

	v30, _ := f.svc.Check(context.Background(), "192.0.2.30")
	v31, _ := f.svc.Check(context.Background(), "192.0.2.31")
	if v30.Confidence != 30 || v30.IsBot {
		t.Errorf("30: %+v", v30)
	}
	if v31.Confidence != 31 || !v31.IsBot {
		t.Errorf("31: %+v", v31)
	}
}

func TestCheck_CacheHitAndInvalidation(t *testing.T) {
	f := newFixture(t)
	events := &eventLog{}
	f.svc.SetVerdictCache(cache.NewMemoryCache(time.Minute))
	f.svc.SetMetricsRecorder(events.record)

	f.submit(t, model.SubmitReportRequest{IPAddress: "192.0.2.60", ConfidenceScore: score(10)})
	first, _ := f.svc.Check(context.Background(), "192.0.2.60")
	second, _ := f.svc.Check(context.Background(), "192.0.2.60")
	if events.count(service.EventCacheMiss) != 1 || events.count(service.EventCacheHit) != 1 {
		t.Errorf("cache events: miss=%d hit=%d", events.count(service.EventCacheMiss), events.count(service.EventCacheHit))
	}
	if first.Confidence != second.Confidence {
		t.Errorf("cached verdict differs")
	}

	f.submit(t, model.SubmitReportRequest{IPAddress: "192.0.2.60", ConfidenceScore: score(90)})
	third, _ := f.svc.Check(context.Background(), "192.0.2.60")
	if third.ReportCount != 2 {
		t.Errorf("stale verdict after submit: count=%d", third.ReportCount)
	}
}

func TestCheck_SubmitDuringComputeIsNotCached(t *testing.T) {
	st := memstore.New()
	gate := &gatedReports{ReportStore: st.Reports, entered: make(chan struct{}), release: make(chan struct{})}
	svc := service.NewBotService(gate, st.Activity, st.Allowlist, st.Stats, scoring.NewRuleBasedScorer(), zap.NewNop())
	events := &eventLog{}
	svc.SetVerdictCache(cache.NewMemoryCache(time.Minute))
	svc.SetMetricsRecorder(events.record)

	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.Check(context.Background(), "203.0.113.5")
	}()
	<-gate.entered

	req := model.SubmitReportRequest{IPAddress: "203.0.113.5", ConfidenceScore: score(80)}
	report, err := req.ToReport(nil)
	if err != nil {
		t.Fatalf("ToReport: %v", err)
	}
	if _, err := svc.Submit(context.Background(), report); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	close(gate.release)
	<-done

	if got := events.count(service.EventCacheStale); got != 1 {
		t.Errorf("stale events: got %d, want 1", got)
	}
	v, err := svc.Check(context.Background(), "203.0.113.5")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if v.ReportCount != 1 {
		t.Errorf("verdict after submit: count=%d", v.ReportCount)
	}
}

func TestCheck_RequestCountSaturates(t *testing.T) {
	f := newFixture(t)
	f.submit(t, model.SubmitReportRequest{IPAddress: "198.51.100.4", EvidenceData: model.Evidence{"requestFrequency": 5.0}})
	f.submit(t, model.SubmitReportRequest{IPAddress: "198.51.100.4", EvidenceData: model.Evidence{"requestFrequency": 1e19}})
	f.submit(t, model.SubmitReportRequest{IPAddress: "198.51.100.4", EvidenceData: model.Evidence{"requestFrequency": "Infinity"}})

	v, err := f.svc.Check(context.Background(), "198.51.100.4")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(v.RecentActivity) != 1 || v.RecentActivity[0].RequestCount != math.MaxInt64 {
		t.Errorf("recent activity: %+v", v.RecentActivity)
	}
}

// ── Stats ────────────────────────────────────────────────────────────────────

func TestStats_PeriodsAndRankings(t *testing.T) {
	f := newFixture(t)
	f.svc.SetGeoLocator(fixedLocator{"192.0.2.1": "US", "192.0.2.2": "US", "192.0.2.3": "DE"})
	start := f.now

	f.now = start.Add(-3 * time.Hour)
	f.submit(t, model.SubmitReportRequest{IPAddress: "192.0.2.3", BotType: "spam", ConfidenceScore: score(10)})

	f.now = start.Add(-10 * time.Minute)
	f.submit(t, model.SubmitReportRequest{IPAddress: "192.0.2.1", BotType: "scraper", ConfidenceScore: score(50)})
	f.submit(t, model.SubmitReportRequest{IPAddress: "192.0.2.1", BotType: "scraper", ConfidenceScore: score(61)})
	f.submit(t, model.SubmitReportRequest{IPAddress: "192.0.2.2", BotType: "crawler", ConfidenceScore: score(40)})
	f.submit(t, model.SubmitReportRequest{IPAddress: "192.0.2.9", BotType: "crawler", ConfidenceScore: score(40)})

	f.now = start
	hour, err := f.svc.Stats(context.Background(), "1h")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if hour.Period != model.Period1h || hour.TotalReports != 4 || hour.UniqueAddresses != 3 {
		t.Errorf("1h: %+v", hour)
	}
	// (50+61+40+40)/4 = 47.75
	if hour.AverageConfidence != 48 {
		t.Errorf("averageConfidence: got %d, want 48", hour.AverageConfidence)
	}
	if len(hour.BotTypeDistribution) != 2 || hour.BotTypeDistribution[0].Count != 2 {
		t.Errorf("botTypeDistribution: %+v", hour.BotTypeDistribution)
	}
	if len(hour.TopCountries) != 1 || hour.TopCountries[0] != (model.CountryCount{Country: "US", Count: 3}) {
		t.Errorf("topCountries: %+v", hour.TopCountries)
	}

	day, _ := f.svc.Stats(context.Background(), "bogus")
	if day.Period != model.Period24h || day.TotalReports != 5 || day.UniqueAddresses != 4 {
		t.Errorf("24h fallback: %+v", day)
	}
}

func TestStats_Empty(t *testing.T) {
	f := newFixture(t)
	s, err := f.svc.Stats(context.Background(), "")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if s.TotalReports != 0 || s.AverageConfidence != 0 || s.BotTypeDistribution == nil || s.TopCountries == nil {
		t.Errorf("empty stats: %+v", s)
	}
}

// ── Moderation ───────────────────────────────────────────────────────────────

func TestModeration(t *testing.T) {
	f := newFixture(t)
	res := f.submit(t, model.SubmitReportRequest{IPAddress: "192.0.2.90"})

	if _, err := f.svc.UpdateReportStatus(context.Background(), res.Report.ID, "bogus", uuid.New()); !model.IsValidation(err) {
		t.Errorf("invalid status: got %v", err)
	}
	if _, err := f.svc.UpdateReportStatus(context.Background(), uuid.New(), model.ReportStatusConfirmed, uuid.New()); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("unknown report: got %v", err)
	}

	updated, err := f.svc.UpdateReportStatus(context.Background(), res.Report.ID, model.ReportStatusConfirmed, uuid.New())
	if err != nil {
		t.Fatalf("UpdateReportStatus: %v", err)
	}
	if updated.Status != model.ReportStatusConfirmed {
		t.Errorf("status: %q", updated.Status)
	}

	got, err := f.svc.GetReport(context.Background(), res.Report.ID)
	if err != nil || got.Status != model.ReportStatusConfirmed {
		t.Errorf("GetReport: %+v, %v", got, err)
	}

	confirmed, _ := f.svc.ListReports(context.Background(), "confirmed", 10, 0)
	if len(confirmed) != 1 {
		t.Errorf("ListReports(confirmed): got %d", len(confirmed))
	}
	if _, err := f.svc.ListReports(context.Background(), "bogus", 10, 0); !model.IsValidation(err) {
		t.Errorf("ListReports(bogus): got %v", err)
	}
}
