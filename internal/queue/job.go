package queue

import (
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid"
)

// State is where a job sits in its lifecycle.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// BackoffType selects how the retry delay grows between attempts.
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// Backoff is the delay policy applied after a consumer reports failure.
type Backoff struct {
	Type  BackoffType
	Delay time.Duration
}

// After returns the delay before the next attempt once `failures` attempts have failed.
// Exponential backoff doubles per failure: Delay, 2*Delay, 4*Delay, ...
func (b Backoff) After(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	if b.Type == BackoffExponential {
		return b.Delay << (failures - 1)
	}
	return b.Delay
}

// JobOptions control delivery of one job.
type JobOptions struct {
	// Attempts is the total number of deliveries, the first one included.
	Attempts int
	Backoff  Backoff
	// RemoveOnComplete drops the job hash on success instead of keeping it for audit.
	RemoveOnComplete bool
}

func (o JobOptions) withDefaults() JobOptions {
	if o.Attempts < 1 {
		o.Attempts = 1
	}
	if o.Backoff.Type == "" {
		o.Backoff.Type = BackoffFixed
	}
	return o
}

// Handle identifies an accepted job for client-side tracking.
type Handle struct {
	ID       string    `json:"jobId"`
	QueuedAt time.Time `json:"queuedAt"`
}

// Job is a snapshot of a job hash.
type Job struct {
	ID           string
	Name         string
	Data         []byte
	Opts         JobOptions
	State        State
	AttemptsMade int
	Timestamp    time.Time
	ProcessedOn  time.Time
	FinishedOn   time.Time
	DelayUntil   time.Time
	FailedReason string
	// Token identifies the reservation that produced this snapshot. Complete,
	// Fail and Extend are refused once the job has been reserved again.
	Token string
}

// job hash fields
const (
	fieldName             = "name"
	fieldData             = "data"
	fieldAttempts         = "attempts"
	fieldBackoffType      = "backoff_type"
	fieldBackoffDelay     = "backoff_delay"
	fieldRemoveOnComplete = "remove_on_complete"
	fieldState            = "state"
	fieldAttemptsMade     = "attempts_made"
	fieldTimestamp        = "timestamp"
	fieldProcessedOn      = "processed_on"
	fieldFinishedOn       = "finished_on"
	fieldDelayUntil       = "delay_until"
	fieldFailedReason     = "failed_reason"
	fieldLockToken        = "lock_token"
)

func (j *Job) fields() map[string]any {
	return map[string]any{
		fieldName:             j.Name,
		fieldData:             j.Data,
		fieldAttempts:         j.Opts.Attempts,
		fieldBackoffType:      string(j.Opts.Backoff.Type),
		fieldBackoffDelay:     j.Opts.Backoff.Delay.Milliseconds(),
		fieldRemoveOnComplete: boolField(j.Opts.RemoveOnComplete),
		fieldState:            string(j.State),
		fieldAttemptsMade:     j.AttemptsMade,
		fieldTimestamp:        j.Timestamp.UnixMilli(),
	}
}

func jobFromHash(id string, h map[string]string) *Job {
	return &Job{
		ID:   id,
		Name: h[fieldName],
		Data: []byte(h[fieldData]),
		Opts: JobOptions{
			Attempts: atoi(h[fieldAttempts]),
			Backoff: Backoff{
				Type:  BackoffType(h[fieldBackoffType]),
				Delay: time.Duration(atoi64(h[fieldBackoffDelay])) * time.Millisecond,
			},
			RemoveOnComplete: h[fieldRemoveOnComplete] == "1",
		},
		State:        State(h[fieldState]),
		AttemptsMade: atoi(h[fieldAttemptsMade]),
		Timestamp:    millis(h[fieldTimestamp]),
		ProcessedOn:  millis(h[fieldProcessedOn]),
		FinishedOn:   millis(h[fieldFinishedOn]),
		DelayUntil:   millis(h[fieldDelayUntil]),
		FailedReason: h[fieldFailedReason],
		Token:        h[fieldLockToken],
	}
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func millis(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	return time.UnixMilli(atoi64(s)).UTC()
}

var (
	entropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
	idMu    sync.Mutex
)

// newJobID returns a lower-case ULID, sortable by creation time.
func newJobID(t time.Time) string {
	idMu.Lock()
	defer idMu.Unlock()
	return strings.ToLower(ulid.MustNew(ulid.Timestamp(t), entropy).String())
}
