package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spotbot-io/spotbot/internal/bots/model"
)

const activityColumns = `host(ip_address), user_agent, request_count, behavior_score, activity_data, detected_at`

// ActivityRepository keeps one rolling activity row per address.
type ActivityRepository struct {
	db *pgxpool.Pool
}

// NewActivityRepository creates a new ActivityRepository.
func NewActivityRepository(db *pgxpool.Pool) *ActivityRepository {
	return &ActivityRepository{db: db}
}

// Record merges rec into the row for rec.Address in a single statement. The
// row lock taken by ON CONFLICT serialises concurrent writers for the same
// address, so no increment is lost. The sum is taken in numeric and clamped to
// the bigint maximum, so request_count saturates instead of overflowing.
func (r *ActivityRepository) Record(ctx context.Context, rec model.ActivityRecord, at time.Time) (*model.ActivityEntry, error) {
	data, err := json.Marshal(rec.ActivityData)
	if err != nil {
		return nil, fmt.Errorf("marshal activity data: %w", err)
	}

	query := `
		INSERT INTO bot_activity_logs (
			ip_address, user_agent, request_count, behavior_score, activity_data, detected_at
		) VALUES ($1::inet, $2, GREATEST($3::bigint, 0), $4, $5, $6)
		ON CONFLICT (ip_address) DO UPDATE SET
			user_agent     = EXCLUDED.user_agent,
			request_count  = LEAST(
				bot_activity_logs.request_count::numeric + EXCLUDED.request_count,
				9223372036854775807
			)::bigint,
			behavior_score = GREATEST(bot_activity_logs.behavior_score, EXCLUDED.behavior_score),
			activity_data  = EXCLUDED.activity_data,
			detected_at    = EXCLUDED.detected_at
		RETURNING ` + activityColumns

	rows, err := r.db.Query(ctx, query,
		rec.Address, rec.UserAgent, rec.RequestCount, rec.BehaviorScore, data, at,
	)
	if err != nil {
		return nil, model.Infra("record activity", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, model.Infra("record activity", err)
		}
		return nil, model.Infra("record activity", pgx.ErrNoRows)
	}
	entry, err := scanActivity(rows)
	if err != nil {
		return nil, model.Infra("record activity", err)
	}
	return entry, nil
}

// Recent returns the activity rows for addr updated after since.
func (r *ActivityRepository) Recent(ctx context.Context, addr string, since time.Time, limit int) ([]*model.ActivityEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `SELECT ` + activityColumns + `
		FROM bot_activity_logs
		WHERE ip_address = $1::inet AND detected_at > $2
		ORDER BY detected_at DESC
		LIMIT $3`

	rows, err := r.db.Query(ctx, query, addr, since, limit)
	if err != nil {
		return nil, model.Infra("recent activity", err)
	}
	defer rows.Close()

	entries := []*model.ActivityEntry{}
	for rows.Next() {
		e, err := scanActivity(rows)
		if err != nil {
			return nil, model.Infra("recent activity", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, model.Infra("recent activity", err)
	}
	return entries, nil
}

func scanActivity(rows pgx.Rows) (*model.ActivityEntry, error) {
	var (
		e         model.ActivityEntry
		userAgent *string
		data      []byte
	)
	if err := rows.Scan(&e.Address, &userAgent, &e.RequestCount, &e.BehaviorScore, &data, &e.DetectedAt); err != nil {
		return nil, err
	}
	if userAgent != nil {
		e.UserAgent = *userAgent
	}
	e.ActivityData = model.Evidence{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &e.ActivityData); err != nil {
			return nil, fmt.Errorf("unmarshal activity data: %w", err)
		}
	}
	return &e, nil
}
