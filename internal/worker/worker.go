package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/PratikDhanave/scan-ingest-service/internal/dispatch"
	"github.com/PratikDhanave/scan-ingest-service/internal/ingest"
	"github.com/PratikDhanave/scan-ingest-service/internal/models"
	"github.com/PratikDhanave/scan-ingest-service/internal/queue"
)

// jobTimeout bounds one job, so a hung insert cannot block shutdown forever.
const jobTimeout = 30 * time.Second

// Consumer is the consumer side of the job queue.
type Consumer interface {
	Reserve(ctx context.Context) (*queue.Job, error)
	Complete(ctx context.Context, job *queue.Job) error
	Fail(ctx context.Context, job *queue.Job, reason string) (queue.State, error)
	Extend(ctx context.Context, job *queue.Job) error
	LockDuration() time.Duration
}

// Recorder receives the final state of every processed job.
type Recorder interface {
	RecordJob(state string)
}

type nopRecorder struct{}

func (nopRecorder) RecordJob(string) {}

// Worker moves queued scans into storage.
type Worker struct {
	queue    Consumer
	store    ingest.Inserter
	poll     time.Duration
	recorder Recorder
}

func New(q Consumer, st ingest.Inserter, poll time.Duration, rec Recorder) *Worker {
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Worker{queue: q, store: st, poll: poll, recorder: rec}
}

// Run processes jobs until ctx is cancelled. A job already reserved is finished
// before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	log.WithField("poll_interval", w.poll).Info("worker started")
	for {
		if ctx.Err() != nil {
			log.Info("worker stopped")
			return nil
		}

		job, err := w.queue.Reserve(ctx)
		switch {
		case err == nil:
			w.handle(context.WithoutCancel(ctx), job)
			continue
		case errors.Is(err, queue.ErrNoJobs):
		case ctx.Err() != nil:
			continue
		default:
			log.WithError(err).Error("failed to reserve job")
		}

		select {
		case <-ctx.Done():
		case <-time.After(w.poll):
		}
	}
}

func (w *Worker) handle(ctx context.Context, job *queue.Job) {
	ctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	logger := log.WithFields(log.Fields{
		"job_id":  job.ID,
		"attempt": job.AttemptsMade + 1,
	})

	stopRenew := w.renewLease(ctx, job, logger)
	err := w.Process(ctx, job)
	stopRenew()

	if err != nil {
		state, ferr := w.queue.Fail(ctx, job, err.Error())
		if ferr != nil {
			logger.WithError(ferr).Error("failed to record job failure")
			return
		}
		w.recorder.RecordJob(string(state))
		logger.WithError(err).WithField("state", state).Warn("scan job failed")
		return
	}

	if err := w.queue.Complete(ctx, job); err != nil {
		logger.WithError(err).Error("failed to complete job")
		return
	}
	w.recorder.RecordJob(string(queue.StateCompleted))
	logger.Info("scan job completed")
}

// renewLease extends the job's lease at half its duration until the returned
// func is called.
func (w *Worker) renewLease(ctx context.Context, job *queue.Job, logger *log.Entry) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(w.queue.LockDuration() / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.queue.Extend(ctx, job); err != nil && ctx.Err() == nil {
					logger.WithError(err).Warn("failed to extend job lease")
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// Process stores the scan carried by one job. The record id is derived from the
// job id, so a redelivered job writes the same id.
func (w *Worker) Process(ctx context.Context, job *queue.Job) error {
	in, err := dispatch.Decode(job.Data)
	if err != nil {
		return err
	}

	ts := in.Metadata.ReceivedAt
	if ts.IsZero() {
		ts = job.Timestamp
	}
	rec := models.ScanRecord{
		ID:        RecordID(job.ID),
		Timestamp: ts.UTC().Truncate(time.Millisecond),
		Source:    models.SourceOf(in.Payload),
		Payload:   in.Payload,
	}
	return w.store.Insert(ctx, rec)
}

// RecordID maps a job id to the id of the scan it produces.
func RecordID(jobID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(jobID)).String()
}
