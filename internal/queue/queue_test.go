package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestQueue(t *testing.T, opts ...Option) (*Queue, *miniredis.Miniredis, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return New(client, "bull", "client-stats", opts...), mr, clock
}

var retryOpts = JobOptions{
	Attempts: 3,
	Backoff:  Backoff{Type: BackoffExponential, Delay: 5 * time.Second},
}

func TestBackoff_After(t *testing.T) {
	exp := Backoff{Type: BackoffExponential, Delay: 5 * time.Second}
	assert.Equal(t, 5*time.Second, exp.After(1))
	assert.Equal(t, 10*time.Second, exp.After(2))
	assert.Equal(t, 20*time.Second, exp.After(3))

	fixed := Backoff{Type: BackoffFixed, Delay: time.Second}
	assert.Equal(t, time.Second, fixed.After(4))
}

func TestAdd_StoresJobAndWaits(t *testing.T) {
	q, mr, clock := newTestQueue(t)
	ctx := context.Background()

	h, err := q.Add(ctx, "scan", []byte(`{"x":1}`), retryOpts)
	require.NoError(t, err)
	assert.NotEmpty(t, h.ID)
	assert.True(t, clock.Now().Equal(h.QueuedAt))

	job, err := q.GetJob(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, "scan", job.Name)
	assert.Equal(t, `{"x":1}`, string(job.Data))
	assert.Equal(t, StateWaiting, job.State)
	assert.Equal(t, 3, job.Opts.Attempts)
	assert.Equal(t, BackoffExponential, job.Opts.Backoff.Type)
	assert.Equal(t, 5*time.Second, job.Opts.Backoff.Delay)
	assert.False(t, job.Opts.RemoveOnComplete)

	waiting, err := mr.List("bull:client-stats:wait")
	require.NoError(t, err)
	assert.Equal(t, []string{h.ID}, waiting)
}

func TestAdd_DistinctIDs(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		h, err := q.Add(ctx, "scan", []byte(`{}`), retryOpts)
		require.NoError(t, err)
		assert.False(t, seen[h.ID], "duplicate job id %s", h.ID)
		seen[h.ID] = true
	}
}

func TestAdd_BrokerDown(t *testing.T) {
	q, mr, _ := newTestQueue(t)
	mr.Close()

	_, err := q.Add(context.Background(), "scan", []byte(`{}`), retryOpts)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSubmit)
}

func TestReserve_Empty(t *testing.T) {
	q, _, _ := newTestQueue(t)

	job, err := q.Reserve(context.Background())
	assert.Nil(t, job)
	assert.ErrorIs(t, err, ErrNoJobs)
}

func TestReserve_FIFO(t *testing.T) {
	q, _, clock := newTestQueue(t)
	ctx := context.Background()

	first, err := q.Add(ctx, "scan", []byte(`1`), retryOpts)
	require.NoError(t, err)
	clock.Advance(time.Millisecond)
	second, err := q.Add(ctx, "scan", []byte(`2`), retryOpts)
	require.NoError(t, err)

	job, err := q.Reserve(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, job.ID)
	assert.Equal(t, StateActive, job.State)

	job, err = q.Reserve(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, job.ID)

	_, err = q.Reserve(ctx)
	assert.ErrorIs(t, err, ErrNoJobs)
}

func TestComplete_RetainsJob(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	h, err := q.Add(ctx, "scan", []byte(`{}`), retryOpts)
	require.NoError(t, err)
	job, err := q.Reserve(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Complete(ctx, job))

	got, err := q.GetJob(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, got.State)
	assert.False(t, got.FinishedOn.IsZero())

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[StateCompleted])
	assert.Equal(t, int64(0), counts[StateActive])

	assert.ErrorIs(t, q.Complete(ctx, job), ErrJobNotActive)
}

func TestComplete_RemoveOnComplete(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	opts := retryOpts
	opts.RemoveOnComplete = true
	h, err := q.Add(ctx, "scan", []byte(`{}`), opts)
	require.NoError(t, err)
	job, err := q.Reserve(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, job))

	_, err = q.GetJob(ctx, h.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestFail_ExponentialBackoffThenTerminal(t *testing.T) {
	q, _, clock := newTestQueue(t)
	ctx := context.Background()

	h, err := q.Add(ctx, "scan", []byte(`{}`), retryOpts)
	require.NoError(t, err)

	// attempt 1
	job, err := q.Reserve(ctx)
	require.NoError(t, err)
	state, err := q.Fail(ctx, job, "clickhouse down")
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, state)

	clock.Advance(4999 * time.Millisecond)
	_, err = q.Reserve(ctx)
	assert.ErrorIs(t, err, ErrNoJobs, "job must not run before the first 5s backoff")

	clock.Advance(time.Millisecond)
	// attempt 2
	job, err = q.Reserve(ctx)
	require.NoError(t, err)
	assert.Equal(t, h.ID, job.ID)
	assert.Equal(t, 1, job.AttemptsMade)

	state, err = q.Fail(ctx, job, "clickhouse down")
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, state)

	clock.Advance(9999 * time.Millisecond)
	_, err = q.Reserve(ctx)
	assert.ErrorIs(t, err, ErrNoJobs, "second backoff is 10s")

	clock.Advance(time.Millisecond)
	// attempt 3
	job, err = q.Reserve(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, job.AttemptsMade)

	state, err = q.Fail(ctx, job, "still down")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, state)

	clock.Advance(time.Hour)
	_, err = q.Reserve(ctx)
	assert.ErrorIs(t, err, ErrNoJobs)

	got, err := q.GetJob(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, 3, got.AttemptsMade)
	assert.Equal(t, "still down", got.FailedReason)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[StateFailed])
	assert.Equal(t, int64(0), counts[StateDelayed])
}

func TestReserve_ReclaimsStalledJob(t *testing.T) {
	q, _, clock := newTestQueue(t)
	ctx := context.Background()

	h, err := q.Add(ctx, "scan", []byte(`{}`), retryOpts)
	require.NoError(t, err)

	// the first holder reserves and then disappears without Complete or Fail
	lost, err := q.Reserve(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, lost.Token)

	clock.Advance(DefaultLockDuration - time.Millisecond)
	_, err = q.Reserve(ctx)
	assert.ErrorIs(t, err, ErrNoJobs, "lease still held")

	clock.Advance(time.Millisecond)
	job, err := q.Reserve(ctx)
	require.NoError(t, err)
	assert.Equal(t, h.ID, job.ID)
	assert.Equal(t, StateActive, job.State)
	assert.Equal(t, 1, job.AttemptsMade)
	assert.Equal(t, stalledReason, job.FailedReason)
	assert.NotEqual(t, lost.Token, job.Token)

	assert.ErrorIs(t, q.Complete(ctx, lost), ErrJobNotActive, "stale holder must not ack")
	_, err = q.Fail(ctx, lost, "late failure")
	assert.ErrorIs(t, err, ErrJobNotActive)

	require.NoError(t, q.Complete(ctx, job))
	got, err := q.GetJob(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, got.State)
}

func TestReserve_StalledJobFailsWhenAttemptsRunOut(t *testing.T) {
	q, _, clock := newTestQueue(t)
	ctx := context.Background()

	h, err := q.Add(ctx, "scan", []byte(`{}`), retryOpts)
	require.NoError(t, err)

	for made := 0; made < retryOpts.Attempts; made++ {
		job, err := q.Reserve(ctx)
		require.NoError(t, err)
		assert.Equal(t, made, job.AttemptsMade)
		clock.Advance(DefaultLockDuration)
	}

	_, err = q.Reserve(ctx)
	assert.ErrorIs(t, err, ErrNoJobs)

	got, err := q.GetJob(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, 3, got.AttemptsMade)
	assert.Equal(t, stalledReason, got.FailedReason)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[StateFailed])
	assert.Equal(t, int64(0), counts[StateActive])
	assert.Equal(t, int64(0), counts[StateWaiting])
}

func TestExtend_KeepsLease(t *testing.T) {
	q, _, clock := newTestQueue(t, WithLockDuration(10*time.Second))
	ctx := context.Background()
	assert.Equal(t, 10*time.Second, q.LockDuration())

	h, err := q.Add(ctx, "scan", []byte(`{}`), retryOpts)
	require.NoError(t, err)
	job, err := q.Reserve(ctx)
	require.NoError(t, err)

	clock.Advance(8 * time.Second)
	require.NoError(t, q.Extend(ctx, job))

	clock.Advance(8 * time.Second)
	_, err = q.Reserve(ctx)
	assert.ErrorIs(t, err, ErrNoJobs, "renewed lease runs until 18s")

	clock.Advance(2 * time.Second)
	again, err := q.Reserve(ctx)
	require.NoError(t, err)
	assert.Equal(t, h.ID, again.ID)

	assert.ErrorIs(t, q.Extend(ctx, job), ErrJobNotActive)
	require.NoError(t, q.Extend(ctx, again))
}

func TestExtend_FinishedJob(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Add(ctx, "scan", []byte(`{}`), retryOpts)
	require.NoError(t, err)
	job, err := q.Reserve(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, job))

	assert.ErrorIs(t, q.Extend(ctx, job), ErrJobNotActive)
}

func TestFail_NotActive(t *testing.T) {
	q, _, _ := newTestQueue(t)

	_, err := q.Fail(context.Background(), &Job{ID: "nope", Opts: retryOpts}, "x")
	assert.ErrorIs(t, err, ErrJobNotActive)
}

func TestGetJob_Unknown(t *testing.T) {
	q, _, _ := newTestQueue(t)

	_, err := q.GetJob(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestConnect(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := Connect(context.Background(), mr.Addr(), "", 0)
	require.NoError(t, err)
	_ = client.Close()

	addr := mr.Addr()
	mr.Close()
	_, err = Connect(context.Background(), addr, "", 0)
	assert.Error(t, err)
}
