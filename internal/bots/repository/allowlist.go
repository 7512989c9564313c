package repository

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spotbot-io/spotbot/internal/bots/model"
)

const allowlistColumns = `id, host(ip_address), ip_range::text, organization, description, is_active, created_at`

// AllowlistRepository stores organization exemptions in bot_whitelist.
type AllowlistRepository struct {
	db *pgxpool.Pool
}

// NewAllowlistRepository creates a new AllowlistRepository.
func NewAllowlistRepository(db *pgxpool.Pool) *AllowlistRepository {
	return &AllowlistRepository{db: db}
}

// Match returns an active entry that exempts addr, or nil when none does.
func (r *AllowlistRepository) Match(ctx context.Context, addr netip.Addr) (*model.AllowlistEntry, error) {
	query := `SELECT ` + allowlistColumns + `
		FROM bot_whitelist
		WHERE is_active
		  AND (ip_address = $1::inet OR $1::inet <<= ip_range)
		ORDER BY created_at
		LIMIT 1`

	rows, err := r.db.Query(ctx, query, addr.String())
	if err != nil {
		return nil, model.Infra("match allowlist", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, model.Infra("match allowlist", err)
		}
		return nil, nil
	}
	e, err := scanAllowlist(rows)
	if err != nil {
		return nil, model.Infra("match allowlist", err)
	}
	return e, nil
}

// List returns allow-list entries, newest first. Inactive entries are
// included only when includeInactive is set.
func (r *AllowlistRepository) List(ctx context.Context, includeInactive bool) ([]*model.AllowlistEntry, error) {
	query := `SELECT ` + allowlistColumns + `
		FROM bot_whitelist
		WHERE ($1 OR is_active)
		ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, query, includeInactive)
	if err != nil {
		return nil, model.Infra("list allowlist", err)
	}
	defer rows.Close()

	entries := []*model.AllowlistEntry{}
	for rows.Next() {
		e, err := scanAllowlist(rows)
		if err != nil {
			return nil, model.Infra("list allowlist", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, model.Infra("list allowlist", err)
	}
	return entries, nil
}

// Create inserts a new entry. Sets ID and CreatedAt.
func (r *AllowlistRepository) Create(ctx context.Context, e *model.AllowlistEntry) error {
	e.ID = uuid.New()
	e.CreatedAt = time.Now().UTC()

	var addr, prefix *string
	if e.Address != nil {
		s := e.Address.String()
		addr = &s
	}
	if e.Range != nil {
		s := e.Range.String()
		prefix = &s
	}

	query := `
		INSERT INTO bot_whitelist (id, ip_address, ip_range, organization, description, is_active, created_at)
		VALUES ($1, $2::inet, $3::cidr, $4, $5, $6, $7)`
	_, err := r.db.Exec(ctx, query,
		e.ID, addr, prefix, e.Organization, e.Description, e.IsActive, e.CreatedAt,
	)
	if err != nil {
		return model.Infra("create allowlist entry", err)
	}
	return nil
}

// Deactivate marks an entry inactive. Entries are never hard-deleted.
func (r *AllowlistRepository) Deactivate(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `UPDATE bot_whitelist SET is_active = false WHERE id = $1`, id)
	if err != nil {
		return model.Infra("deactivate allowlist entry", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

func scanAllowlist(rows pgx.Rows) (*model.AllowlistEntry, error) {
	var (
		e            model.AllowlistEntry
		addr, prefix *string
		description  *string
	)
	if err := rows.Scan(&e.ID, &addr, &prefix, &e.Organization, &description, &e.IsActive, &e.CreatedAt); err != nil {
		return nil, err
	}
	if description != nil {
		e.Description = *description
	}
	if addr != nil {
		a, err := netip.ParseAddr(*addr)
		if err != nil {
			return nil, fmt.Errorf("parse allowlist address %q: %w", *addr, err)
		}
		e.Address = &a
	}
	if prefix != nil {
		p, err := netip.ParsePrefix(*prefix)
		if err != nil {
			return nil, fmt.Errorf("parse allowlist range %q: %w", *prefix, err)
		}
		e.Range = &p
	}
	return &e, nil
}
