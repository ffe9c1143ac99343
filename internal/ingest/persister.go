package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/PratikDhanave/scan-ingest-service/internal/config"
	"github.com/PratikDhanave/scan-ingest-service/internal/dispatch"
	"github.com/PratikDhanave/scan-ingest-service/internal/models"
	"github.com/PratikDhanave/scan-ingest-service/internal/queue"
	"github.com/PratikDhanave/scan-ingest-service/internal/tenant"
)

// Submission is an authenticated scan ready to be persisted.
type Submission struct {
	Payload json.RawMessage
	Tenant  tenant.Identity
	Client  dispatch.ClientContext
}

// Receipt tells the caller where the scan went.
type Receipt struct {
	Mode     string
	ID       string
	JobID    string
	QueuedAt time.Time
}

// Persister is the ingestion strategy behind POST /api/scan.
type Persister interface {
	Persist(ctx context.Context, s Submission) (Receipt, error)
}

// Inserter is the storage operation Direct needs.
type Inserter interface {
	Insert(ctx context.Context, rec models.ScanRecord) error
}

// Direct writes the scan to storage inside the request.
type Direct struct {
	store Inserter
	now   func() time.Time
}

func NewDirect(st Inserter) *Direct {
	return &Direct{store: st, now: time.Now}
}

func (d *Direct) Persist(ctx context.Context, s Submission) (Receipt, error) {
	rec := models.ScanRecord{
		ID:        uuid.NewString(),
		Timestamp: d.now().UTC().Truncate(time.Millisecond),
		Source:    models.SourceOf(s.Payload),
		Payload:   s.Payload,
	}
	if err := d.store.Insert(ctx, rec); err != nil {
		return Receipt{}, err
	}
	return Receipt{Mode: config.ModeSync, ID: rec.ID}, nil
}

// Dispatcher is the enqueue operation Queued needs.
type Dispatcher interface {
	Enqueue(ctx context.Context, payload json.RawMessage, id tenant.Identity, client dispatch.ClientContext) (queue.Handle, error)
}

// Queued hands the scan to the job queue and returns before it is stored.
type Queued struct {
	dispatcher Dispatcher
}

func NewQueued(d Dispatcher) *Queued {
	return &Queued{dispatcher: d}
}

func (q *Queued) Persist(ctx context.Context, s Submission) (Receipt, error) {
	h, err := q.dispatcher.Enqueue(ctx, s.Payload, s.Tenant, s.Client)
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{Mode: config.ModeAsync, JobID: h.ID, QueuedAt: h.QueuedAt}, nil
}
