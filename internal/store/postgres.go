package store

import (
	"context"
	_ "embed"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/PratikDhanave/scan-ingest-service/internal/models"
)

// schemaSQL is embedded so the service can self-bootstrap its database schema.
//
//go:embed schema.sql
var schemaSQL string

// PostgresStore is the row-store alternative to ClickHouse, selected with STORAGE_DRIVER=postgres.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a connection pool and fails fast if DB is unreachable.
func NewPostgresStore(ctx context.Context, dbURL string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, errors.WithMessage(err, "creating postgres pool")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.WithMessage(err, "pinging postgres")
	}

	return &PostgresStore{pool: pool}, nil
}

// InitSchema applies schema.sql. Safe to run multiple times.
func (p *PostgresStore) InitSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schemaSQL); err != nil {
		return errors.WithMessage(err, "applying postgres schema")
	}
	return nil
}

// Insert is idempotent on id: a redelivered job finds its row already stored.
func (p *PostgresStore) Insert(ctx context.Context, rec models.ScanRecord) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO scans(id, ts, source, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`, rec.ID, rec.Timestamp.UTC(), rec.Source, string(rec.Payload))
	if err != nil {
		return writeErr("insert scan "+rec.ID, err)
	}
	return nil
}

func (p *PostgresStore) QueryRecent(ctx context.Context, limit int) ([]models.ScanRecord, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, ts, source, payload
		FROM scans
		ORDER BY ts DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, readErr("query recent scans", err)
	}
	defer rows.Close()

	scans := make([]models.ScanRecord, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, readErr("query recent scans", err)
		}
		scans = append(scans, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, readErr("query recent scans", err)
	}
	return scans, nil
}

func (p *PostgresStore) GetByID(ctx context.Context, id string) (*models.ScanRecord, error) {
	rec, err := scanRecord(p.pool.QueryRow(ctx, `
		SELECT id, ts, source, payload
		FROM scans
		WHERE id = $1
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, readErr("get scan "+id, err)
	}
	return &rec, nil
}

// Ping is used by readiness endpoint to validate DB connectivity.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
