package store

import (
	"context"
	"crypto/tls"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/pkg/errors"

	"github.com/PratikDhanave/scan-ingest-service/internal/config"
	"github.com/PratikDhanave/scan-ingest-service/internal/models"
)

// ClickHouseStore keeps scans in a ReplacingMergeTree table keyed by id. A redelivered
// job writes the same id again; reads use FINAL so the duplicate is never returned.
type ClickHouseStore struct {
	db       *sql.DB
	database string
}

// OpenClickHouse builds the shared connection pool. The pool connects without a default
// database because the database may not exist until InitSchema runs; every statement
// qualifies the table name instead.
func OpenClickHouse(cfg config.ClickHouseConfig) (*ClickHouseStore, error) {
	opts := &clickhouse.Options{
		Addr: []string{cfg.Addr()},
		Auth: clickhouse.Auth{
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: cfg.DialTimeout,
		Protocol:    clickhouse.HTTP,
	}
	if cfg.Protocol == "native" {
		opts.Protocol = clickhouse.Native
		opts.Compression = &clickhouse.Compression{Method: clickhouse.CompressionLZ4}
	}
	if cfg.UseSSL {
		opts.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	db := clickhouse.OpenDB(opts)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	return NewClickHouseStore(db, cfg.Database), nil
}

// NewClickHouseStore wraps an existing pool. database must be a plain identifier.
func NewClickHouseStore(db *sql.DB, database string) *ClickHouseStore {
	return &ClickHouseStore{db: db, database: database}
}

func (s *ClickHouseStore) table() string {
	return s.database + ".scans"
}

// InitSchema creates the database and scans table. Safe to run multiple times.
func (s *ClickHouseStore) InitSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", s.database)); err != nil {
		return errors.WithMessagef(err, "creating clickhouse database %s", s.database)
	}

	// payload holds the caller's JSON text verbatim.
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id        String,
			timestamp DateTime64(3, 'UTC'),
			source    String,
			payload   String
		)
		ENGINE = ReplacingMergeTree()
		ORDER BY (id)
	`, s.table())
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return errors.WithMessagef(err, "creating clickhouse table %s", s.table())
	}
	return nil
}

// Insert binds the timestamp as epoch milliseconds. The driver formats a positional
// time.Time argument with second precision.
func (s *ClickHouseStore) Insert(ctx context.Context, rec models.ScanRecord) error {
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (id, timestamp, source, payload) VALUES (?, fromUnixTimestamp64Milli(toInt64(?), 'UTC'), ?, ?)", s.table()),
		rec.ID, rec.Timestamp.UnixMilli(), rec.Source, string(rec.Payload),
	)
	if err != nil {
		return writeErr("insert scan "+rec.ID, err)
	}
	return nil
}

func (s *ClickHouseStore) QueryRecent(ctx context.Context, limit int) ([]models.ScanRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT id, timestamp, source, payload FROM %s FINAL ORDER BY timestamp DESC LIMIT ?", s.table()),
		limit,
	)
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

func (s *ClickHouseStore) GetByID(ctx context.Context, id string) (*models.ScanRecord, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT id, timestamp, source, payload FROM %s FINAL WHERE id = ? LIMIT 1", s.table()),
		id,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, readErr("get scan "+id, err)
	}
	return &rec, nil
}

// Ping is used by the readiness endpoint and at startup.
func (s *ClickHouseStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *ClickHouseStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (models.ScanRecord, error) {
	var (
		rec     models.ScanRecord
		payload string
	)
	if err := row.Scan(&rec.ID, &rec.Timestamp, &rec.Source, &payload); err != nil {
		return models.ScanRecord{}, err
	}
	rec.Timestamp = rec.Timestamp.UTC()
	rec.Payload = json.RawMessage(payload)
	return rec, nil
}
