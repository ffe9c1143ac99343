package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/PratikDhanave/scan-ingest-service/internal/queue"
	"github.com/PratikDhanave/scan-ingest-service/internal/tenant"
)

// Job contract shared with the worker.
const (
	QueueName    = "client-stats"
	JobName      = "scan"
	MaxAttempts  = 3
	BackoffDelay = 5 * time.Second
)

// ErrEnqueue is returned when the broker does not accept a job.
var ErrEnqueue = errors.New("enqueue failed")

// ClientContext describes the HTTP caller that submitted the scan.
type ClientContext struct {
	IP        string
	UserAgent string
}

// Metadata is attached to every job for tracing and audit.
type Metadata struct {
	ReceivedAt time.Time `json:"received_at"`
	ClientIP   string    `json:"client_ip"`
	UserAgent  string    `json:"user_agent"`
	TenantID   string    `json:"tenant_id"`
	HostID     string    `json:"host_id"`
}

// IngestJob is the unit of work consumed by the worker.
type IngestJob struct {
	Tenant   tenant.Identity `json:"tenant"`
	Payload  json.RawMessage `json:"payload"`
	Metadata Metadata        `json:"metadata"`
}

// Enqueuer is the part of the queue the dispatcher needs.
type Enqueuer interface {
	Add(ctx context.Context, name string, data []byte, opts queue.JobOptions) (queue.Handle, error)
}

// Dispatcher turns accepted scans into queue jobs. It keeps no per-request state.
type Dispatcher struct {
	queue            Enqueuer
	removeOnComplete bool
	now              func() time.Time
}

func New(q Enqueuer, removeOnComplete bool) *Dispatcher {
	return &Dispatcher{queue: q, removeOnComplete: removeOnComplete, now: time.Now}
}

// JobOptions is the retry policy every scan job is submitted with.
func (d *Dispatcher) JobOptions() queue.JobOptions {
	return queue.JobOptions{
		Attempts: MaxAttempts,
		Backoff: queue.Backoff{
			Type:  queue.BackoffExponential,
			Delay: BackoffDelay,
		},
		RemoveOnComplete: d.removeOnComplete,
	}
}

// Enqueue builds the complete job and submits it. Nothing is submitted if the job
// cannot be encoded, and a broker failure is returned to the caller as ErrEnqueue.
func (d *Dispatcher) Enqueue(ctx context.Context, payload json.RawMessage, id tenant.Identity, client ClientContext) (queue.Handle, error) {
	job := IngestJob{
		Tenant:  id,
		Payload: payload,
		Metadata: Metadata{
			ReceivedAt: d.now().UTC().Truncate(time.Millisecond),
			ClientIP:   client.IP,
			UserAgent:  client.UserAgent,
			TenantID:   id.TenantID,
			HostID:     id.HostID,
		},
	}

	data, err := json.Marshal(job)
	if err != nil {
		return queue.Handle{}, &enqueueError{err: err}
	}

	h, err := d.queue.Add(ctx, JobName, data, d.JobOptions())
	if err != nil {
		log.WithError(err).
			WithField("tenant_id", id.TenantID).
			WithField("host_id", id.HostID).
			Error("failed to enqueue scan")
		return queue.Handle{}, &enqueueError{err: err}
	}

	log.WithFields(log.Fields{
		"job_id":    h.ID,
		"tenant_id": id.TenantID,
		"host_id":   id.HostID,
	}).Debug("scan queued")
	return h, nil
}

// enqueueError classifies a failure as ErrEnqueue and keeps the cause reachable.
type enqueueError struct {
	err error
}

func (e *enqueueError) Error() string {
	return ErrEnqueue.Error() + ": " + e.err.Error()
}

func (e *enqueueError) Unwrap() []error {
	return []error{ErrEnqueue, e.err}
}

// Decode parses a job body written by Enqueue.
func Decode(data []byte) (IngestJob, error) {
	var job IngestJob
	if err := json.Unmarshal(data, &job); err != nil {
		return IngestJob{}, errors.WithMessage(err, "decoding ingest job")
	}
	if len(job.Payload) == 0 {
		return IngestJob{}, errors.New("decoding ingest job: missing payload")
	}
	return job, nil
}
