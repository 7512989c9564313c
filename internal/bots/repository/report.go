// Package repository implements SpotBot's PostgreSQL stores with pgx.
//
// Addresses are written as text and cast to INET in SQL; reads use host() so
// the returned string is the bare canonical address without a prefix length.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spotbot-io/spotbot/internal/bots/model"
)

// MaxListByAddress caps how many reports ListByAddress returns.
const MaxListByAddress = 50

const reportColumns = `id, reporter_id, host(ip_address), user_agent, request_url,
	request_method, request_headers, bot_type, confidence_score, evidence_data,
	country_code, status, reported_at`

// ReportRepository is the append-only store of bot reports.
type ReportRepository struct {
	db *pgxpool.Pool
}

// NewReportRepository creates a new ReportRepository.
func NewReportRepository(db *pgxpool.Pool) *ReportRepository {
	return &ReportRepository{db: db}
}

// Append stores a new report. It assigns ID and Status, and ReportedAt when
// the caller has not set it. Duplicate reports are stored independently.
func (r *ReportRepository) Append(ctx context.Context, report *model.BotReport) error {
	report.ID = uuid.New()
	report.Status = model.ReportStatusPending
	if report.ReportedAt.IsZero() {
		report.ReportedAt = time.Now().UTC()
	}

	headers, err := json.Marshal(report.RequestHeaders)
	if err != nil {
		return fmt.Errorf("marshal request headers: %w", err)
	}
	evidence, err := json.Marshal(report.Evidence)
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}

	query := `
		INSERT INTO bot_reports (
			id, reporter_id, ip_address, user_agent, request_url,
			request_method, request_headers, bot_type, confidence_score,
			evidence_data, country_code, status, reported_at
		) VALUES (
			$1, $2, $3::inet, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13
		)`

	_, err = r.db.Exec(ctx, query,
		report.ID, report.ReporterID, report.Address, report.UserAgent, report.RequestURL,
		report.RequestMethod, headers, report.BotType, report.ConfidenceScore,
		evidence, report.CountryCode, report.Status, report.ReportedAt,
	)
	if err != nil {
		return model.Infra("append report", err)
	}
	return nil
}

// ListByAddress returns up to limit reports for addr, newest first. A limit
// outside (0, MaxListByAddress] is treated as MaxListByAddress.
func (r *ReportRepository) ListByAddress(ctx context.Context, addr string, limit int) ([]*model.BotReport, error) {
	if limit <= 0 || limit > MaxListByAddress {
		limit = MaxListByAddress
	}
	query := `SELECT ` + reportColumns + `
		FROM bot_reports
		WHERE ip_address = $1::inet
		ORDER BY reported_at DESC
		LIMIT $2`

	reports, err := r.queryMany(ctx, query, addr, limit)
	if err != nil {
		return nil, model.Infra("list reports by address", err)
	}
	return reports, nil
}

// Get retrieves a report by ID.
func (r *ReportRepository) Get(ctx context.Context, id uuid.UUID) (*model.BotReport, error) {
	query := `SELECT ` + reportColumns + ` FROM bot_reports WHERE id = $1`
	rows, err := r.db.Query(ctx, query, id)
	if err != nil {
		return nil, model.Infra("get report", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, model.Infra("get report", err)
		}
		return nil, model.ErrNotFound
	}
	rpt, err := scanReport(rows)
	if err != nil {
		return nil, model.Infra("get report", err)
	}
	return rpt, nil
}

// List returns paginated reports, optionally filtered by status.
func (r *ReportRepository) List(ctx context.Context, status model.ReportStatus, limit, offset int) ([]*model.BotReport, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + reportColumns + `
		FROM bot_reports
		WHERE ($1 = '' OR status = $1)
		ORDER BY reported_at DESC
		LIMIT $2 OFFSET $3`

	reports, err := r.queryMany(ctx, query, string(status), limit, offset)
	if err != nil {
		return nil, model.Infra("list reports", err)
	}
	return reports, nil
}

// UpdateStatus changes a report's moderation status and returns the updated row.
func (r *ReportRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status model.ReportStatus) (*model.BotReport, error) {
	query := `UPDATE bot_reports SET status = $2 WHERE id = $1 RETURNING ` + reportColumns
	rows, err := r.db.Query(ctx, query, id, status)
	if err != nil {
		return nil, model.Infra("update report status", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, model.Infra("update report status", err)
		}
		return nil, model.ErrNotFound
	}
	rpt, err := scanReport(rows)
	if err != nil {
		return nil, model.Infra("update report status", err)
	}
	return rpt, nil
}

func (r *ReportRepository) queryMany(ctx context.Context, query string, args ...any) ([]*model.BotReport, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reports := []*model.BotReport{}
	for rows.Next() {
		rpt, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, rpt)
	}
	return reports, rows.Err()
}

// scanReport reads one row selected with reportColumns.
func scanReport(rows pgx.Rows) (*model.BotReport, error) {
	var (
		rpt               model.BotReport
		headers, evidence []byte
		userAgent, reqURL *string
	)
	err := rows.Scan(
		&rpt.ID, &rpt.ReporterID, &rpt.Address, &userAgent, &reqURL,
		&rpt.RequestMethod, &headers, &rpt.BotType, &rpt.ConfidenceScore, &evidence,
		&rpt.CountryCode, &rpt.Status, &rpt.ReportedAt,
	)
	if err != nil {
		return nil, err
	}
	if userAgent != nil {
		rpt.UserAgent = *userAgent
	}
	if reqURL != nil {
		rpt.RequestURL = *reqURL
	}

	rpt.RequestHeaders = map[string]string{}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &rpt.RequestHeaders); err != nil {
			return nil, fmt.Errorf("unmarshal request headers: %w", err)
		}
	}
	rpt.Evidence = model.Evidence{}
	if len(evidence) > 0 {
		if err := json.Unmarshal(evidence, &rpt.Evidence); err != nil {
			return nil, fmt.Errorf("unmarshal evidence: %w", err)
		}
	}
	return &rpt, nil
}
