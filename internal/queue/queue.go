package queue

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrSubmit wraps broker failures while adding a job.
	ErrSubmit = errors.New("job submission failed")
	// ErrNoJobs is returned by Reserve when nothing is eligible to run.
	ErrNoJobs = errors.New("no jobs available")
	// ErrJobNotFound is returned by GetJob for unknown or removed jobs.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobNotActive is returned when completing or failing a job that is not reserved.
	ErrJobNotActive = errors.New("job not active")
)

const (
	waitKey      = "wait"
	activeKey    = "active"
	delayedKey   = "delayed"
	completedKey = "completed"
	failedKey    = "failed"
	stalledKey   = "stalled"
)

// DefaultLockDuration is the lease a worker holds on a reserved job.
const DefaultLockDuration = 30 * time.Second

// stalledReason is recorded on jobs whose lease expired while active.
const stalledReason = "job stalled more than allowable limit"

// Queue is a durable at-least-once job queue stored in Redis.
//
// A job is a hash plus its id in exactly one state container: the wait list, the active
// list, or the delayed/completed/failed sorted sets. Every state change is a single
// MULTI/EXEC or Lua script, so a job is never visible half-written.
//
// An active job also has an entry in the stalled sorted set scored by its lease
// expiry. Reserve reclaims active jobs whose lease ran out and counts the lost run
// as an attempt.
type Queue struct {
	client redis.UniversalClient
	name   string
	base   string
	lock   time.Duration
	now    func() time.Time
}

type Option func(*Queue)

// WithClock replaces time.Now, which lets tests step through backoff windows.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithLockDuration sets how long a reservation lasts without a call to Extend.
func WithLockDuration(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.lock = d
		}
	}
}

func New(client redis.UniversalClient, prefix, name string, opts ...Option) *Queue {
	q := &Queue{
		client: client,
		name:   name,
		base:   prefix + ":" + name + ":",
		lock:   DefaultLockDuration,
		now:    time.Now,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Connect creates a Redis client and fails fast if the broker is unreachable.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.WithMessagef(err, "failed to connect to redis at %s", addr)
	}
	return client, nil
}

func (q *Queue) Name() string {
	return q.name
}

// LockDuration is the lease granted by Reserve and renewed by Extend.
func (q *Queue) LockDuration() time.Duration {
	return q.lock
}

func (q *Queue) key(k string) string {
	return q.base + k
}

func (q *Queue) jobKey(id string) string {
	return q.base + "job:" + id
}

// Add stores the job and appends it to the wait list in one transaction.
func (q *Queue) Add(ctx context.Context, name string, data []byte, opts JobOptions) (Handle, error) {
	now := q.now().UTC()
	job := &Job{
		ID:        newJobID(now),
		Name:      name,
		Data:      data,
		Opts:      opts.withDefaults(),
		State:     StateWaiting,
		Timestamp: now,
	}

	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobKey(job.ID), job.fields())
		pipe.LPush(ctx, q.key(waitKey), job.ID)
		return nil
	})
	if err != nil {
		return Handle{}, &submitError{err: err}
	}
	return Handle{ID: job.ID, QueuedAt: now.Truncate(time.Millisecond)}, nil
}

type submitError struct {
	err error
}

func (e *submitError) Error() string {
	return ErrSubmit.Error() + ": " + e.err.Error()
}

func (e *submitError) Unwrap() []error {
	return []error{ErrSubmit, e.err}
}

// reserveScript reclaims stalled jobs, promotes due delayed jobs, then moves the
// oldest waiting job to active under a fresh lease.
//
// KEYS: delayed, wait, active, stalled, failed.
// ARGV: now (ms), job key prefix, lease expiry (ms), stalled reason, lock token.
var reserveScript = redis.NewScript(`
local stalled = redis.call('ZRANGEBYSCORE', KEYS[4], '-inf', ARGV[1])
for _, id in ipairs(stalled) do
	redis.call('ZREM', KEYS[4], id)
	if redis.call('LREM', KEYS[3], 1, id) > 0 then
		local jk = ARGV[2] .. id
		local made = tonumber(redis.call('HGET', jk, 'attempts_made') or '0') + 1
		local attempts = tonumber(redis.call('HGET', jk, 'attempts') or '1')
		redis.call('HSET', jk, 'attempts_made', tostring(made), 'failed_reason', ARGV[4])
		if made >= attempts then
			redis.call('ZADD', KEYS[5], ARGV[1], id)
			redis.call('HSET', jk, 'state', 'failed', 'finished_on', ARGV[1])
		else
			redis.call('LPUSH', KEYS[2], id)
			redis.call('HSET', jk, 'state', 'waiting')
		end
	end
end
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(due) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('LPUSH', KEYS[2], id)
	redis.call('HSET', ARGV[2] .. id, 'state', 'waiting')
end
local id = redis.call('RPOPLPUSH', KEYS[2], KEYS[3])
if not id then
	return false
end
redis.call('ZADD', KEYS[4], ARGV[3], id)
redis.call('HSET', ARGV[2] .. id, 'state', 'active', 'processed_on', ARGV[1], 'lock_token', ARGV[5])
return id
`)

// Reserve claims the next eligible job under a lease of LockDuration. It returns
// ErrNoJobs when the queue is idle.
func (q *Queue) Reserve(ctx context.Context) (*Job, error) {
	now := q.now()
	id, err := reserveScript.Run(ctx, q.client,
		[]string{q.key(delayedKey), q.key(waitKey), q.key(activeKey), q.key(stalledKey), q.key(failedKey)},
		strconv.FormatInt(now.UnixMilli(), 10),
		q.base+"job:",
		strconv.FormatInt(now.Add(q.lock).UnixMilli(), 10),
		stalledReason,
		uuid.NewString(),
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoJobs
	}
	if err != nil {
		return nil, errors.WithMessage(err, "reserving job")
	}
	return q.GetJob(ctx, id)
}

// extendScript renews the lease of a job that is still active.
//
// KEYS: stalled, job. ARGV: id, lease expiry (ms), lock token.
var extendScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'lock_token') ~= ARGV[3] then
	return false
end
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
	return false
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
return 1
`)

// Extend pushes the lease of a reserved job LockDuration into the future. It returns
// ErrJobNotActive when the job was already reclaimed or finished.
func (q *Queue) Extend(ctx context.Context, job *Job) error {
	until := strconv.FormatInt(q.now().Add(q.lock).UnixMilli(), 10)
	err := extendScript.Run(ctx, q.client,
		[]string{q.key(stalledKey), q.jobKey(job.ID)},
		job.ID, until, job.Token,
	).Err()
	if errors.Is(err, redis.Nil) {
		return ErrJobNotActive
	}
	return errors.WithMessagef(err, "extending lease of job %s", job.ID)
}

// completeScript moves an active job to completed, or deletes it when asked to.
//
// KEYS: active, completed, job, stalled. ARGV: id, now (ms), lock token.
var completeScript = redis.NewScript(`
if redis.call('HGET', KEYS[3], 'lock_token') ~= ARGV[3] then
	return false
end
if redis.call('LREM', KEYS[1], 1, ARGV[1]) == 0 then
	return false
end
redis.call('ZREM', KEYS[4], ARGV[1])
if redis.call('HGET', KEYS[3], 'remove_on_complete') == '1' then
	redis.call('DEL', KEYS[3])
else
	redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
	redis.call('HSET', KEYS[3], 'state', 'completed', 'finished_on', ARGV[2])
end
return 1
`)

// Complete acknowledges successful processing of a reserved job. It returns
// ErrJobNotActive when the reservation was lost to a stall.
func (q *Queue) Complete(ctx context.Context, job *Job) error {
	now := strconv.FormatInt(q.now().UnixMilli(), 10)
	err := completeScript.Run(ctx, q.client,
		[]string{q.key(activeKey), q.key(completedKey), q.jobKey(job.ID), q.key(stalledKey)},
		job.ID, now, job.Token,
	).Err()
	if errors.Is(err, redis.Nil) {
		return ErrJobNotActive
	}
	return errors.WithMessagef(err, "completing job %s", job.ID)
}

// failScript records a failed attempt and either schedules a retry or parks the job.
//
// KEYS: active, delayed, failed, job, stalled.
// ARGV: id, now (ms), attempts made, reason, retry at (ms) or "" when exhausted,
// lock token.
var failScript = redis.NewScript(`
if redis.call('HGET', KEYS[4], 'lock_token') ~= ARGV[6] then
	return false
end
if redis.call('LREM', KEYS[1], 1, ARGV[1]) == 0 then
	return false
end
redis.call('ZREM', KEYS[5], ARGV[1])
redis.call('HSET', KEYS[4], 'attempts_made', ARGV[3], 'failed_reason', ARGV[4])
if ARGV[5] ~= '' then
	redis.call('ZADD', KEYS[2], ARGV[5], ARGV[1])
	redis.call('HSET', KEYS[4], 'state', 'delayed', 'delay_until', ARGV[5])
	return 'delayed'
end
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
redis.call('HSET', KEYS[4], 'state', 'failed', 'finished_on', ARGV[2])
return 'failed'
`)

// Fail records a failed attempt of a reserved job. While attempts remain the job is
// delayed by its backoff; after the last attempt it becomes terminally failed.
// The returned state is StateDelayed or StateFailed.
func (q *Queue) Fail(ctx context.Context, job *Job, reason string) (State, error) {
	now := q.now()
	made := job.AttemptsMade + 1

	retryAt := ""
	if made < job.Opts.Attempts {
		at := now.Add(job.Opts.Backoff.After(made))
		retryAt = strconv.FormatInt(at.UnixMilli(), 10)
	}

	state, err := failScript.Run(ctx, q.client,
		[]string{q.key(activeKey), q.key(delayedKey), q.key(failedKey), q.jobKey(job.ID), q.key(stalledKey)},
		job.ID, strconv.FormatInt(now.UnixMilli(), 10), made, reason, retryAt, job.Token,
	).Text()
	if errors.Is(err, redis.Nil) {
		return "", ErrJobNotActive
	}
	if err != nil {
		return "", errors.WithMessagef(err, "failing job %s", job.ID)
	}
	return State(state), nil
}

// GetJob reads the current snapshot of a job.
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	h, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, errors.WithMessagef(err, "reading job %s", id)
	}
	if len(h) == 0 {
		return nil, ErrJobNotFound
	}
	return jobFromHash(id, h), nil
}

// Counts reports how many jobs are in each state.
func (q *Queue) Counts(ctx context.Context) (map[State]int64, error) {
	pipe := q.client.Pipeline()
	wait := pipe.LLen(ctx, q.key(waitKey))
	active := pipe.LLen(ctx, q.key(activeKey))
	delayed := pipe.ZCard(ctx, q.key(delayedKey))
	completed := pipe.ZCard(ctx, q.key(completedKey))
	failed := pipe.ZCard(ctx, q.key(failedKey))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.WithMessage(err, "counting jobs")
	}
	return map[State]int64{
		StateWaiting:   wait.Val(),
		StateActive:    active.Val(),
		StateDelayed:   delayed.Val(),
		StateCompleted: completed.Val(),
		StateFailed:    failed.Val(),
	}, nil
}

// Ping checks the broker connection.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}
