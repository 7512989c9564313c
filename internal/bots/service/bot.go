package service

import (
	"context"
	"errors"
	"hash/maphash"
	"math"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spotbot-io/spotbot/internal/bots/model"
	"github.com/spotbot-io/spotbot/internal/cache"
	"github.com/spotbot-io/spotbot/internal/geo"
	"github.com/spotbot-io/spotbot/internal/scoring"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	// RecentActivityWindow bounds which activity rows appear in a verdict.
	RecentActivityWindow = 24 * time.Hour

	recentActivityLimit = 10

	defaultWriteTimeout = 5 * time.Second
)

// Service events passed to the metrics hook.
const (
	EventActivityFailure = "activity_failure"
	EventCacheHit        = "cache_hit"
	EventCacheMiss       = "cache_miss"
	EventCacheFailure    = "cache_failure"
	EventCacheStale      = "cache_stale"
)

const generationStripes = 256

// generations counts writes per address stripe. A check reads its stripe
// before touching the stores; if the count moved by the time the verdict is
// ready, a write overlapped the computation and the verdict is not cached.
// Two addresses sharing a stripe only cost an occasional skipped Set.
type generations struct {
	seed    maphash.Seed
	stripes [generationStripes]atomic.Uint64
}

func (g *generations) slot(addr string) *atomic.Uint64 {
	return &g.stripes[maphash.String(g.seed, addr)%generationStripes]
}

// ReportStore is the append-only report log.
// *repository.ReportRepository and *memstore.ReportStore satisfy it.
type ReportStore interface {
	Append(ctx context.Context, report *model.BotReport) error
	ListByAddress(ctx context.Context, addr string, limit int) ([]*model.BotReport, error)
	Get(ctx context.Context, id uuid.UUID) (*model.BotReport, error)
	List(ctx context.Context, status model.ReportStatus, limit, offset int) ([]*model.BotReport, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status model.ReportStatus) (*model.BotReport, error)
}

// ActivityLog keeps one merged activity row per address.
type ActivityLog interface {
	Record(ctx context.Context, rec model.ActivityRecord, at time.Time) (*model.ActivityEntry, error)
	Recent(ctx context.Context, addr string, since time.Time, limit int) ([]*model.ActivityEntry, error)
}

// AllowlistStore holds organization exemptions. Match returns nil, nil when
// no active entry covers the address.
type AllowlistStore interface {
	Match(ctx context.Context, addr netip.Addr) (*model.AllowlistEntry, error)
	List(ctx context.Context, includeInactive bool) ([]*model.AllowlistEntry, error)
	Create(ctx context.Context, e *model.AllowlistEntry) error
	Deactivate(ctx context.Context, id uuid.UUID) error
}

// StatsStore computes report rollups over a time window.
type StatsStore interface {
	Summarize(ctx context.Context, since time.Time) (*model.ReportRollup, error)
}

// SubmitResult is returned by Submit.
type SubmitResult struct {
	Report        *model.BotReport  `json:"report"`
	BehaviorScore int               `json:"behaviorScore"`
	Severity      string            `json:"severity"`
	Findings      []scoring.Finding `json:"findings"`
}

// BotService implements report intake, verdicts, moderation, and stats.
type BotService struct {
	reports   ReportStore
	activity  ActivityLog
	allowlist AllowlistStore
	stats     StatsStore
	scorer    scoring.Scorer
	locator   geo.Locator        // nil = no country lookup
	verdicts  cache.VerdictCache // nil = always read the stores
	record    func(event string) // nil = no metrics
	logger    *zap.Logger

	writeTimeout time.Duration
	now          func() time.Time
	checks       singleflight.Group
	gens         generations
}

// NewBotService creates a new BotService.
func NewBotService(reports ReportStore, activity ActivityLog, allowlist AllowlistStore, stats StatsStore, scorer scoring.Scorer, logger *zap.Logger) *BotService {
	s := &BotService{
		reports:      reports,
		activity:     activity,
		allowlist:    allowlist,
		stats:        stats,
		scorer:       scorer,
		logger:       logger,
		writeTimeout: defaultWriteTimeout,
		now:          func() time.Time { return time.Now().UTC() },
	}
	s.gens.seed = maphash.MakeSeed()
	return s
}

// SetGeoLocator configures country lookup for submitted reports.
func (s *BotService) SetGeoLocator(l geo.Locator) {
	s.locator = l
}

// SetVerdictCache configures a read-through cache for Check.
func (s *BotService) SetVerdictCache(c cache.VerdictCache) {
	s.verdicts = c
}

// SetMetricsRecorder registers a hook that receives service events.
func (s *BotService) SetMetricsRecorder(fn func(event string)) {
	s.record = fn
}

// SetWriteTimeout bounds how long an accepted report may take to persist.
func (s *BotService) SetWriteTimeout(d time.Duration) {
	if d > 0 {
		s.writeTimeout = d
	}
}

// SetClock replaces the service's time source.
func (s *BotService) SetClock(now func() time.Time) {
	s.now = now
}

func (s *BotService) emit(event string) {
	if s.record != nil {
		s.record(event)
	}
}

// Submit stores a validated report and folds its evidence into the address's
// activity row. The store write survives caller cancellation once started;
// activity failures are logged and do not fail the submission.
func (s *BotService) Submit(ctx context.Context, report *model.BotReport) (*SubmitResult, error) {
	if report.CountryCode == nil && s.locator != nil {
		if cc := s.locator.LookupCountry(report.Address); cc != "" {
			report.CountryCode = &cc
		}
	}
	report.ReportedAt = s.now()

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.writeTimeout)
	defer cancel()

	if err := s.reports.Append(wctx, report); err != nil {
		return nil, err
	}

	result := s.scorer.Evaluate(report.Evidence)

	rec := model.ActivityRecord{
		Address:       report.Address,
		UserAgent:     report.UserAgent,
		RequestCount:  report.Evidence.RequestCount(),
		BehaviorScore: result.Score,
		ActivityData:  report.Evidence,
	}
	if _, err := s.activity.Record(wctx, rec, report.ReportedAt); err != nil {
		s.emit(EventActivityFailure)
		s.logger.Warn("record activity failed",
			zap.String("ip", report.Address),
			zap.String("report_id", report.ID.String()),
			zap.Error(err),
		)
	}

	s.invalidate(wctx, report.Address)

	s.logger.Info("bot report stored",
		zap.String("report_id", report.ID.String()),
		zap.String("ip", report.Address),
		zap.String("bot_type", string(report.BotType)),
		zap.Int("confidence", report.ConfidenceScore),
		zap.Int("behavior_score", result.Score),
	)

	return &SubmitResult{
		Report:        report,
		BehaviorScore: result.Score,
		Severity:      result.Severity,
		Findings:      result.Findings,
	}, nil
}

// Check computes the verdict for raw. Concurrent checks for the same address
// share one computation; a caller that gives up does not cancel the others.
func (s *BotService) Check(ctx context.Context, raw string) (*model.Verdict, error) {
	addr, err := model.ParseAddress(raw)
	if err != nil {
		return nil, &model.ErrValidation{Msg: "Invalid IP address format"}
	}
	key := addr.String()

	ch := s.checks.DoChan(key, func() (any, error) {
		return s.check(context.WithoutCancel(ctx), addr)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		v := *res.Val.(*model.Verdict)
		return &v, nil
	}
}

func (s *BotService) check(ctx context.Context, addr netip.Addr) (*model.Verdict, error) {
	key := addr.String()

	entry, err := s.allowlist.Match(ctx, addr)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		return &model.Verdict{
			Address:        key,
			CommonBotTypes: []model.BotTypeCount{},
			RecentActivity: []*model.ActivityEntry{},
			IsWhitelisted:  true,
			WhitelistInfo:  entry,
			Reports:        []*model.BotReport{},
		}, nil
	}

	gen := s.gens.slot(key).Load()
	if s.verdicts != nil {
		v, ok, err := s.verdicts.Get(ctx, key)
		switch {
		case err != nil:
			s.emit(EventCacheFailure)
			s.logger.Warn("verdict cache read failed", zap.String("ip", key), zap.Error(err))
		case ok:
			s.emit(EventCacheHit)
			return v, nil
		default:
			s.emit(EventCacheMiss)
		}
	}

	var (
		reports  []*model.BotReport
		activity []*model.ActivityEntry
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		reports, err = s.reports.ListByAddress(gctx, key, scoring.MaxReportsConsidered)
		return err
	})
	g.Go(func() error {
		var err error
		activity, err = s.activity.Recent(gctx, key, s.now().Add(-RecentActivityWindow), recentActivityLimit)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	agg := scoring.Aggregate(reports)
	v := &model.Verdict{
		Address:        key,
		IsBot:          agg.IsBot,
		Confidence:     agg.Confidence,
		ReportCount:    agg.ReportCount,
		CommonBotTypes: agg.CommonBotTypes,
		RecentActivity: activity,
		Reports:        []*model.BotReport{},
	}
	if v.RecentActivity == nil {
		v.RecentActivity = []*model.ActivityEntry{}
	}
	if len(reports) > 0 {
		seen := reports[0].ReportedAt
		v.LastSeen = &seen
	}

	if s.verdicts != nil {
		s.storeVerdict(ctx, key, gen, v)
	}
	return v, nil
}

// storeVerdict caches v unless a write for key landed after gen was read. A
// write that lands between the comparison and the Set is caught by the second
// comparison and the entry is dropped again.
func (s *BotService) storeVerdict(ctx context.Context, key string, gen uint64, v *model.Verdict) {
	slot := s.gens.slot(key)
	if slot.Load() != gen {
		s.emit(EventCacheStale)
		return
	}
	if err := s.verdicts.Set(ctx, key, v); err != nil {
		s.emit(EventCacheFailure)
		s.logger.Warn("verdict cache write failed", zap.String("ip", key), zap.Error(err))
		return
	}
	if slot.Load() != gen {
		s.emit(EventCacheStale)
		if err := s.verdicts.Invalidate(ctx, key); err != nil {
			s.emit(EventCacheFailure)
			s.logger.Warn("verdict cache invalidate failed", zap.String("ip", key), zap.Error(err))
		}
	}
}

// Stats summarizes reports received within period. Unknown periods fall back to 24h.
func (s *BotService) Stats(ctx context.Context, period string) (*model.Stats, error) {
	p := model.ParsePeriod(period)
	rollup, err := s.stats.Summarize(ctx, s.now().Add(-p.Duration()))
	if err != nil {
		return nil, err
	}
	return &model.Stats{
		Period:              p,
		TotalReports:        rollup.TotalReports,
		UniqueAddresses:     rollup.UniqueAddresses,
		AverageConfidence:   int(math.Round(rollup.AverageConfidence)),
		BotTypeDistribution: rollup.ByBotType,
		TopCountries:        rollup.ByCountry,
	}, nil
}

// GetReport retrieves a single report.
func (s *BotService) GetReport(ctx context.Context, id uuid.UUID) (*model.BotReport, error) {
	return s.reports.Get(ctx, id)
}

// ListReports returns paginated reports, optionally filtered by status.
func (s *BotService) ListReports(ctx context.Context, status string, limit, offset int) ([]*model.BotReport, error) {
	st := model.ReportStatus(status)
	if status != "" && !st.Valid() {
		return nil, &model.ErrValidation{Msg: "Invalid report status"}
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.reports.List(ctx, st, limit, offset)
}

// UpdateReportStatus moderates a report and drops any cached verdict for its address.
func (s *BotService) UpdateReportStatus(ctx context.Context, id uuid.UUID, status model.ReportStatus, moderator uuid.UUID) (*model.BotReport, error) {
	if !status.Valid() {
		return nil, &model.ErrValidation{Msg: "Invalid report status"}
	}
	report, err := s.reports.UpdateStatus(ctx, id, status)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, report.Address)
	s.logger.Info("report status changed",
		zap.String("report_id", id.String()),
		zap.String("status", string(status)),
		zap.String("moderator", moderator.String()),
	)
	return report, nil
}

// ListAllowlist returns allow-list entries.
func (s *BotService) ListAllowlist(ctx context.Context, includeInactive bool) ([]*model.AllowlistEntry, error) {
	return s.allowlist.List(ctx, includeInactive)
}

// AddAllowlist stores a new allow-list entry.
func (s *BotService) AddAllowlist(ctx context.Context, e *model.AllowlistEntry) error {
	if e.Organization == "" {
		return &model.ErrValidation{Msg: "organization is required"}
	}
	if (e.Address == nil) == (e.Range == nil) {
		return &model.ErrValidation{Msg: "exactly one of ipAddress or ipRange is required"}
	}
	e.IsActive = true
	if err := s.allowlist.Create(ctx, e); err != nil {
		return err
	}
	if e.Address != nil {
		s.invalidate(ctx, e.Address.String())
	}
	return nil
}

// DeactivateAllowlist disables an allow-list entry.
func (s *BotService) DeactivateAllowlist(ctx context.Context, id uuid.UUID) error {
	return s.allowlist.Deactivate(ctx, id)
}

// invalidate marks addr as written: in-flight checks will not cache their
// result, later checks do not join them, and any cached verdict is dropped.
func (s *BotService) invalidate(ctx context.Context, addr string) {
	s.gens.slot(addr).Add(1)
	s.checks.Forget(addr)
	if s.verdicts == nil {
		return
	}
	if err := s.verdicts.Invalidate(ctx, addr); err != nil && !errors.Is(err, context.Canceled) {
		s.emit(EventCacheFailure)
		s.logger.Warn("verdict cache invalidate failed", zap.String("ip", addr), zap.Error(err))
	}
}
