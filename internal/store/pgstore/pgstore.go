// Package pgstore implements store.Store on PostgreSQL with pgx.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skypass/fleetwatch/internal/store"
	"github.com/skypass/fleetwatch/internal/types"
)

// Postgres is a pgx-backed store.Store.
type Postgres struct {
	Pool *pgxpool.Pool
}

var _ store.Store = (*Postgres)(nil)

// NewPostgresPool connects to dsn and verifies the connection.
func NewPostgresPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return pool, nil
}

// Open connects and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := NewPostgresPool(ctx, dsn)
	if err != nil {
		return nil, err
	}
	db := &Postgres{Pool: pool}
	if err := db.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}
	return db, nil
}

func (db *Postgres) EnsureSchema(ctx context.Context) error {
	queries := []string{
		`
		CREATE TABLE IF NOT EXISTS endpoints (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			vm_address TEXT NOT NULL UNIQUE,
			address TEXT NOT NULL,
			device_limit INTEGER NOT NULL,
			alert_email TEXT NOT NULL DEFAULT '',
			device_count INTEGER NOT NULL DEFAULT 0,
			last_probe_at TIMESTAMPTZ,
			last_alert_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
		`,
		`
		CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			endpoint_id BIGINT NOT NULL REFERENCES endpoints(id) ON DELETE CASCADE,
			kind TEXT NOT NULL,
			message TEXT NOT NULL,
			count INTEGER NOT NULL,
			device_limit INTEGER NOT NULL,
			sent_at TIMESTAMPTZ NOT NULL,
			delivered BOOLEAN NOT NULL DEFAULT FALSE,
			resent_at TIMESTAMPTZ
		)
		`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_endpoint_sent ON alerts(endpoint_id, sent_at)`,
		`
		CREATE TABLE IF NOT EXISTS admins (
			id BIGSERIAL PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
		`,
	}

	for _, query := range queries {
		if _, err := db.Pool.Exec(ctx, query); err != nil {
			return err
		}
	}
	return nil
}

func (db *Postgres) Close() error {
	db.Pool.Close()
	return nil
}

const endpointColumns = `id, name, vm_address, address, device_limit, alert_email,
	device_count, last_probe_at, last_alert_at, created_at`

func scanEndpoint(row pgx.Row) (*types.TrackedEndpoint, error) {
	var (
		ep types.TrackedEndpoint
		id int64
	)
	err := row.Scan(
		&id,
		&ep.Name,
		&ep.VMAddress,
		&ep.Address,
		&ep.Limit,
		&ep.AlertEmail,
		&ep.DeviceCount,
		&ep.LastProbeAt,
		&ep.LastAlertAt,
		&ep.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	ep.ID = uint(id)
	return &ep, nil
}

func (db *Postgres) ListEndpoints(ctx context.Context) ([]types.TrackedEndpoint, error) {
	rows, err := db.Pool.Query(ctx, `SELECT `+endpointColumns+` FROM endpoints ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	defer rows.Close()

	var eps []types.TrackedEndpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("list endpoints: %w", err)
		}
		eps = append(eps, *ep)
	}
	return eps, rows.Err()
}

func (db *Postgres) GetEndpoint(ctx context.Context, id uint) (*types.TrackedEndpoint, error) {
	return getEndpoint(ctx, db.Pool, id)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getEndpoint(ctx context.Context, q querier, id uint) (*types.TrackedEndpoint, error) {
	ep, err := scanEndpoint(q.QueryRow(ctx, `SELECT `+endpointColumns+` FROM endpoints WHERE id = $1`, int64(id)))
	if err != nil {
		return nil, translate(err, "endpoint %d", id)
	}
	return ep, nil
}

func (db *Postgres) CreateEndpoint(ctx context.Context, ep *types.TrackedEndpoint) error {
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO endpoints (name, vm_address, address, device_limit, alert_email, device_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`
	var id int64
	err := db.Pool.QueryRow(ctx, query,
		ep.Name, ep.VMAddress, ep.Address, ep.Limit, ep.AlertEmail, ep.DeviceCount, ep.CreatedAt,
	).Scan(&id)
	if err != nil {
		return translate(err, "endpoint %q", ep.Name)
	}
	ep.ID = uint(id)
	return nil
}

func (db *Postgres) UpdateEndpoint(ctx context.Context, ep *types.TrackedEndpoint) error {
	query := `
		UPDATE endpoints
		SET name = $2, vm_address = $3, address = $4, device_limit = $5, alert_email = $6
		WHERE id = $1
	`
	tag, err := db.Pool.Exec(ctx, query, int64(ep.ID), ep.Name, ep.VMAddress, ep.Address, ep.Limit, ep.AlertEmail)
	if err != nil {
		return translate(err, "endpoint %d", ep.ID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("endpoint %d: %w", ep.ID, store.ErrNotFound)
	}
	return nil
}

func (db *Postgres) DeleteEndpoint(ctx context.Context, id uint) error {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM endpoints WHERE id = $1`, int64(id))
	if err != nil {
		return fmt.Errorf("delete endpoint %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("endpoint %d: %w", id, store.ErrNotFound)
	}
	return nil
}

func (db *Postgres) RecordProbe(ctx context.Context, id uint, count int, at time.Time) (*types.TrackedEndpoint, error) {
	query := `
		UPDATE endpoints
		SET device_count = $2, last_probe_at = $3
		WHERE id = $1
		RETURNING ` + endpointColumns
	ep, err := scanEndpoint(db.Pool.QueryRow(ctx, query, int64(id), count, at.UTC()))
	if err != nil {
		return nil, translate(err, "endpoint %d", id)
	}
	return ep, nil
}

func (db *Postgres) RecordAlert(ctx context.Context, rec *types.AlertRecord) error {
	return pgx.BeginFunc(ctx, db.Pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE endpoints SET last_alert_at = $2 WHERE id = $1`,
			int64(rec.EndpointID), rec.SentAt.UTC())
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("endpoint %d: %w", rec.EndpointID, store.ErrNotFound)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO alerts (id, endpoint_id, kind, message, count, device_limit, sent_at, delivered, resent_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, rec.ID, int64(rec.EndpointID), string(rec.Kind), rec.Message, rec.Count, rec.Limit,
			rec.SentAt.UTC(), rec.Delivered, rec.ResentAt)
		if err != nil {
			return translate(err, "alert %s", rec.ID)
		}
		return nil
	})
}

const alertColumns = `id, endpoint_id, kind, message, count, device_limit, sent_at, delivered, resent_at`

func scanAlert(row pgx.Row) (*types.AlertRecord, error) {
	var (
		rec  types.AlertRecord
		epID int64
		kind string
	)
	err := row.Scan(
		&rec.ID,
		&epID,
		&kind,
		&rec.Message,
		&rec.Count,
		&rec.Limit,
		&rec.SentAt,
		&rec.Delivered,
		&rec.ResentAt,
	)
	if err != nil {
		return nil, err
	}
	rec.EndpointID = uint(epID)
	rec.Kind = types.AlertKind(kind)
	return &rec, nil
}

func (db *Postgres) GetAlert(ctx context.Context, id string) (*types.AlertRecord, error) {
	rec, err := scanAlert(db.Pool.QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id))
	if err != nil {
		return nil, translate(err, "alert %s", id)
	}
	return rec, nil
}

func (db *Postgres) ListAlerts(ctx context.Context, endpointID uint, limit int) ([]types.AlertRecord, error) {
	query := `
		SELECT ` + alertColumns + `
		FROM alerts
		WHERE ($1 = 0 OR endpoint_id = $1)
		ORDER BY sent_at DESC, id
	`
	args := []any{int64(endpointID)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var recs []types.AlertRecord
	for rows.Next() {
		rec, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("list alerts: %w", err)
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

func (db *Postgres) MarkAlertResent(ctx context.Context, id string, at time.Time) error {
	tag, err := db.Pool.Exec(ctx,
		`UPDATE alerts SET delivered = TRUE, resent_at = $2 WHERE id = $1`, id, at.UTC())
	if err != nil {
		return fmt.Errorf("mark alert %s resent: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("alert %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (db *Postgres) GetAdmin(ctx context.Context, username string) (*types.Admin, error) {
	var (
		admin types.Admin
		id    int64
	)
	err := db.Pool.QueryRow(ctx, `
		SELECT id, username, password_hash, updated_at
		FROM admins
		WHERE username = $1
	`, username).Scan(&id, &admin.Username, &admin.PasswordHash, &admin.UpdatedAt)
	if err != nil {
		return nil, translate(err, "admin %q", username)
	}
	admin.ID = uint(id)
	return &admin, nil
}

func (db *Postgres) SaveAdmin(ctx context.Context, admin *types.Admin) error {
	query := `
		INSERT INTO admins (username, password_hash, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (username) DO UPDATE
		SET password_hash = EXCLUDED.password_hash, updated_at = NOW()
		RETURNING id, updated_at
	`
	var id int64
	if err := db.Pool.QueryRow(ctx, query, admin.Username, admin.PasswordHash).Scan(&id, &admin.UpdatedAt); err != nil {
		return fmt.Errorf("save admin %q: %w", admin.Username, err)
	}
	admin.ID = uint(id)
	return nil
}

func translate(err error, format string, args ...any) error {
	what := fmt.Sprintf(format, args...)
	var pgErr *pgconn.PgError
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	case errors.As(err, &pgErr) && pgErr.Code == "23505":
		return fmt.Errorf("%s: %w", what, store.ErrConflict)
	default:
		return fmt.Errorf("%s: %w", what, err)
	}
}
