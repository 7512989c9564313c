// Package memstore provides in-memory, thread-safe implementations of the
// SpotBot stores. It backs tests and single-process deployments that do not
// need durability across restarts (storage.driver=memory).
package memstore

import (
	"cmp"
	"context"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spotbot-io/spotbot/internal/bots/model"
)

// maxListByAddress mirrors the PostgreSQL store's cap.
const maxListByAddress = 50

const topCountriesLimit = 10

// Store bundles the four in-memory stores. The stats store reads the same
// report data the report store writes.
type Store struct {
	Reports   *ReportStore
	Activity  *ActivityStore
	Allowlist *AllowlistStore
	Stats     *StatsStore
}

// New creates an empty Store.
func New() *Store {
	reports := &ReportStore{byID: make(map[uuid.UUID]*model.BotReport)}
	return &Store{
		Reports:   reports,
		Activity:  &ActivityStore{},
		Allowlist: &AllowlistStore{},
		Stats:     &StatsStore{reports: reports},
	}
}

// ── Reports ──────────────────────────────────────────────────────────────────

// ReportStore keeps reports in insertion order.
type ReportStore struct {
	mu      sync.RWMutex
	reports []*model.BotReport
	byID    map[uuid.UUID]*model.BotReport
}

// Append stores a copy of report. ID and Status are assigned, and ReportedAt
// when the caller has not set it.
func (s *ReportStore) Append(_ context.Context, report *model.BotReport) error {
	report.ID = uuid.New()
	report.Status = model.ReportStatusPending
	if report.ReportedAt.IsZero() {
		report.ReportedAt = time.Now().UTC()
	}

	cp := *report
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, &cp)
	s.byID[cp.ID] = &cp
	return nil
}

// ListByAddress returns up to limit reports for addr, newest first.
func (s *ReportStore) ListByAddress(_ context.Context, addr string, limit int) ([]*model.BotReport, error) {
	if limit <= 0 || limit > maxListByAddress {
		limit = maxListByAddress
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*model.BotReport{}
	for _, r := range s.newestFirst() {
		if r.Address != addr {
			continue
		}
		cp := *r
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Get retrieves a report by ID.
func (s *ReportStore) Get(_ context.Context, id uuid.UUID) (*model.BotReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// List returns paginated reports, newest first, optionally filtered by status.
func (s *ReportStore) List(_ context.Context, status model.ReportStatus, limit, offset int) ([]*model.BotReport, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*model.BotReport{}
	skipped := 0
	for _, r := range s.newestFirst() {
		if status != "" && r.Status != status {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		cp := *r
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// UpdateStatus changes a report's moderation status.
func (s *ReportStore) UpdateStatus(_ context.Context, id uuid.UUID, status model.ReportStatus) (*model.BotReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	r.Status = status
	cp := *r
	return &cp, nil
}

// newestFirst orders by ReportedAt descending; equal timestamps keep the
// later insertion first. Callers hold s.mu.
func (s *ReportStore) newestFirst() []*model.BotReport {
	out := make([]*model.BotReport, len(s.reports))
	for i, r := range s.reports {
		out[len(s.reports)-1-i] = r
	}
	slices.SortStableFunc(out, func(a, b *model.BotReport) int {
		return b.ReportedAt.Compare(a.ReportedAt)
	})
	return out
}

// ── Activity ─────────────────────────────────────────────────────────────────

// ActivityStore keeps one entry per address. Each address has its own lock,
// so writers for different addresses never contend.
type ActivityStore struct {
	cells sync.Map // string → *activityCell
}

type activityCell struct {
	mu    sync.Mutex
	entry *model.ActivityEntry
}

// Record merges rec into the entry for rec.Address.
func (s *ActivityStore) Record(_ context.Context, rec model.ActivityRecord, at time.Time) (*model.ActivityEntry, error) {
	v, _ := s.cells.LoadOrStore(rec.Address, &activityCell{})
	c := v.(*activityCell)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entry == nil {
		c.entry = model.NewActivityEntry(rec, at)
	} else {
		c.entry.Merge(rec, at)
	}
	cp := *c.entry
	return &cp, nil
}

// Recent returns the entry for addr when it was updated after since.
func (s *ActivityStore) Recent(_ context.Context, addr string, since time.Time, limit int) ([]*model.ActivityEntry, error) {
	out := []*model.ActivityEntry{}
	if limit == 0 {
		return out, nil
	}
	v, ok := s.cells.Load(addr)
	if !ok {
		return out, nil
	}
	c := v.(*activityCell)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entry != nil && c.entry.DetectedAt.After(since) {
		cp := *c.entry
		out = append(out, &cp)
	}
	return out, nil
}

// ── Allow-list ───────────────────────────────────────────────────────────────

// AllowlistStore keeps allow-list entries in creation order.
type AllowlistStore struct {
	mu      sync.RWMutex
	entries []*model.AllowlistEntry
}

// Match returns the oldest active entry that exempts addr, or nil.
func (s *AllowlistStore) Match(_ context.Context, addr netip.Addr) (*model.AllowlistEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.Contains(addr) {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

// List returns entries, newest first.
func (s *AllowlistStore) List(_ context.Context, includeInactive bool) ([]*model.AllowlistEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*model.AllowlistEntry{}
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if !includeInactive && !e.IsActive {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// Create stores a new entry. Sets ID and CreatedAt.
func (s *AllowlistStore) Create(_ context.Context, e *model.AllowlistEntry) error {
	e.ID = uuid.New()
	e.CreatedAt = time.Now().UTC()
	cp := *e
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, &cp)
	return nil
}

// Deactivate marks an entry inactive.
func (s *AllowlistStore) Deactivate(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.ID == id {
			e.IsActive = false
			return nil
		}
	}
	return model.ErrNotFound
}

// ── Stats ────────────────────────────────────────────────────────────────────

// StatsStore computes rollups over a ReportStore.
type StatsStore struct {
	reports *ReportStore
}

// Summarize aggregates every report received after since, rejected ones included.
func (s *StatsStore) Summarize(_ context.Context, since time.Time) (*model.ReportRollup, error) {
	s.reports.mu.RLock()
	defer s.reports.mu.RUnlock()

	out := &model.ReportRollup{
		ByBotType: []model.BotTypeCount{},
		ByCountry: []model.CountryCount{},
	}
	addrs := make(map[string]struct{})
	types := make(map[model.BotType]int)
	countries := make(map[string]int)
	sum := 0

	for _, r := range s.reports.reports {
		if !r.ReportedAt.After(since) {
			continue
		}
		out.TotalReports++
		sum += r.ConfidenceScore
		addrs[r.Address] = struct{}{}
		types[r.BotType]++
		if r.CountryCode != nil {
			countries[*r.CountryCode]++
		}
	}
	out.UniqueAddresses = len(addrs)
	if out.TotalReports > 0 {
		out.AverageConfidence = float64(sum) / float64(out.TotalReports)
	}

	for t, n := range types {
		out.ByBotType = append(out.ByBotType, model.BotTypeCount{Type: t, Count: n})
	}
	slices.SortFunc(out.ByBotType, func(a, b model.BotTypeCount) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Type, b.Type)
	})

	for c, n := range countries {
		out.ByCountry = append(out.ByCountry, model.CountryCount{Country: c, Count: n})
	}
	slices.SortFunc(out.ByCountry, func(a, b model.CountryCount) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Country, b.Country)
	})
	if len(out.ByCountry) > topCountriesLimit {
		out.ByCountry = out.ByCountry[:topCountriesLimit]
	}
	return out, nil
}
