package store

import (
	"context"

	"github.com/pkg/errors"

	"github.com/PratikDhanave/scan-ingest-service/internal/config"
	"github.com/PratikDhanave/scan-ingest-service/internal/models"
)

var (
	// ErrNotFound is returned by GetByID when no record matches. It is not a failure.
	ErrNotFound = errors.New("scan not found")
	// ErrWrite classifies backend failures on insert.
	ErrWrite = errors.New("storage write error")
	// ErrRead classifies backend failures on query.
	ErrRead = errors.New("storage read error")
)

// Gateway is the storage contract shared by the HTTP endpoint and the queue worker.
// Implementations wrap a pooled connection and are safe for concurrent use.
type Gateway interface {
	// InitSchema creates the database and scans table if absent. Safe to call on every start.
	InitSchema(ctx context.Context) error
	Insert(ctx context.Context, rec models.ScanRecord) error
	// QueryRecent returns at most limit records, newest first. Callers clamp limit.
	QueryRecent(ctx context.Context, limit int) ([]models.ScanRecord, error)
	GetByID(ctx context.Context, id string) (*models.ScanRecord, error)
	Ping(ctx context.Context) error
	Close() error
}

// Open connects to the configured backend. It does not bootstrap the schema.
func Open(ctx context.Context, cfg config.StorageConfig) (Gateway, error) {
	switch cfg.Driver {
	case config.DriverClickHouse:
		return OpenClickHouse(cfg.ClickHouse)
	case config.DriverPostgres:
		return NewPostgresStore(ctx, cfg.Postgres.URL)
	default:
		return nil, errors.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}

// opError tags a backend error with its class (ErrWrite / ErrRead) and the operation.
type opError struct {
	kind error
	op   string
	err  error
}

func (e *opError) Error() string {
	return e.op + ": " + e.kind.Error() + ": " + e.err.Error()
}

func (e *opError) Unwrap() []error {
	return []error{e.kind, e.err}
}

func writeErr(op string, err error) error {
	return &opError{kind: ErrWrite, op: op, err: err}
}

func readErr(op string, err error) error {
	return &opError{kind: ErrRead, op: op, err: err}
}
