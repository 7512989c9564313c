package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spotbot-io/spotbot/internal/bots/model"
)

// TopCountriesLimit bounds the country ranking in a rollup.
const TopCountriesLimit = 10

// StatsRepository computes report rollups. Rejected reports are counted.
type StatsRepository struct {
	db *pgxpool.Pool
}

// NewStatsRepository creates a new StatsRepository.
func NewStatsRepository(db *pgxpool.Pool) *StatsRepository {
	return &StatsRepository{db: db}
}

// Summarize aggregates every report received after since.
func (r *StatsRepository) Summarize(ctx context.Context, since time.Time) (*model.ReportRollup, error) {
	out := &model.ReportRollup{
		ByBotType: []model.BotTypeCount{},
		ByCountry: []model.CountryCount{},
	}

	totals := `
		SELECT COUNT(*),
		       COUNT(DISTINCT ip_address),
		       COALESCE(AVG(confidence_score), 0)::float8
		FROM bot_reports
		WHERE reported_at > $1`
	if err := r.db.QueryRow(ctx, totals, since).Scan(
		&out.TotalReports, &out.UniqueAddresses, &out.AverageConfidence,
	); err != nil {
		return nil, model.Infra("summarize totals", err)
	}

	byType := `
		SELECT bot_type, COUNT(*) AS n
		FROM bot_reports
		WHERE reported_at > $1
		GROUP BY bot_type
		ORDER BY n DESC, bot_type`
	rows, err := r.db.Query(ctx, byType, since)
	if err != nil {
		return nil, model.Infra("summarize bot types", err)
	}
	for rows.Next() {
		var c model.BotTypeCount
		if err := rows.Scan(&c.Type, &c.Count); err != nil {
			rows.Close()
			return nil, model.Infra("summarize bot types", err)
		}
		out.ByBotType = append(out.ByBotType, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, model.Infra("summarize bot types", err)
	}

	byCountry := `
		SELECT country_code, COUNT(*) AS n
		FROM bot_reports
		WHERE reported_at > $1 AND country_code IS NOT NULL
		GROUP BY country_code
		ORDER BY n DESC, country_code
		LIMIT $2`
	rows, err = r.db.Query(ctx, byCountry, since, TopCountriesLimit)
	if err != nil {
		return nil, model.Infra("summarize countries", err)
	}
	defer rows.Close()
	for rows.Next() {
		var c model.CountryCount
		if err := rows.Scan(&c.Country, &c.Count); err != nil {
			return nil, model.Infra("summarize countries", err)
		}
		out.ByCountry = append(out.ByCountry, c)
	}
	if err := rows.Err(); err != nil {
		return nil, model.Infra("summarize countries", err)
	}
	return out, nil
}
