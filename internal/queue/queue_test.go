package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookrelay/hookrelay/internal/clock"
	"github.com/hookrelay/hookrelay/model"
)

func setupQueue(t *testing.T, opts Options) (*Queue, *clock.MockClock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	clk := clock.NewMockClock(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	opts.Clock = clk
	return New(client, opts), clk, mr
}

func newJob(priority model.Priority) *model.Job {
	n := &model.Notification{
		Topic:    "questions",
		Resource: fmt.Sprintf("/questions/%d", gofakeit.Number(1, 1_000_000_000)),
		UserID:   model.FlexibleID(fmt.Sprint(gofakeit.Number(1, 100000))),
	}
	key := model.IdempotencyKey("mercadolibre", n)
	return model.NewJob(key, "mercadolibre", n, priority, 0, time.Now())
}

func TestEnqueueIsInsertIfAbsent(t *testing.T) {
	q, _, _ := setupQueue(t, Options{})
	ctx := context.Background()
	job := newJob(model.PriorityBackground)

	ok, err := q.Enqueue(ctx, job)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.Enqueue(ctx, job)
	require.NoError(t, err)
	assert.False(t, ok)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestDequeueOrderAndPriority(t *testing.T) {
	q, _, _ := setupQueue(t, Options{})
	ctx := context.Background()

	b1, b2 := newJob(model.PriorityBackground), newJob(model.PriorityBackground)
	i1 := newJob(model.PriorityInteractive)
	for _, j := range []*model.Job{b1, b2, i1} {
		_, err := q.Enqueue(ctx, j)
		require.NoError(t, err)
	}

	var order []string
	for i := 0; i < 3; i++ {
		job, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, model.JobProcessing, job.Status)
		order = append(order, job.ID)
	}
	assert.Equal(t, []string{i1.ID, b1.ID, b2.ID}, order)

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestCompleteRetainsRecord(t *testing.T) {
	q, _, mr := setupQueue(t, Options{CompletedRetention: time.Hour})
	ctx := context.Background()
	job := newJob(model.PriorityBackground)

	_, err := q.Enqueue(ctx, job)
	require.NoError(t, err)
	_, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, job.ID))

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, got.Status)

	ok, err := q.Enqueue(ctx, job)
	require.NoError(t, err)
	assert.False(t, ok, "completed job must not be enqueued again while retained")

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.CompletedTotal)
	assert.Equal(t, int64(0), stats.InFlight)

	mr.FastForward(2 * time.Hour)
	_, err = q.Get(ctx, job.ID)
	assert.ErrorIs(t, err, model.ErrJobNotFound)
}

func TestFailRetriesWithIncreasingBackoffThenDeadLetters(t *testing.T) {
	q, clk, _ := setupQueue(t, Options{MaxAttempts: 4, BaseBackoff: time.Second, MaxBackoff: time.Minute})
	ctx := context.Background()
	job := newJob(model.PriorityBackground)

	_, err := q.Enqueue(ctx, job)
	require.NoError(t, err)

	var delays []time.Duration
	executions := 0
	for {
		got, err := q.Dequeue(ctx)
		require.NoError(t, err)
		if got == nil {
			clk.Add(time.Minute)
			got, err = q.Dequeue(ctx)
			require.NoError(t, err)
			if got == nil {
				break
			}
		}
		executions++

		outcome, err := q.Fail(ctx, got.ID, errors.New("upstream 503"), false)
		require.NoError(t, err)
		if outcome.DeadLettered {
			assert.Equal(t, 4, outcome.Attempts)
			break
		}
		delays = append(delays, outcome.RetryIn)

		// not due until the backoff elapses
		none, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Nil(t, none)
		clk.Add(outcome.RetryIn)
	}

	assert.Equal(t, 4, executions)
	require.Len(t, delays, 3)
	for i := 1; i < len(delays); i++ {
		assert.Greater(t, delays[i], delays[i-1])
	}

	dead, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, model.JobDeadLettered, dead[0].Status)
	assert.Equal(t, "upstream 503", dead[0].LastError)
}

func TestBackoffIsCapped(t *testing.T) {
	q, clk, _ := setupQueue(t, Options{MaxAttempts: 10, BaseBackoff: time.Second, MaxBackoff: 3 * time.Second})
	ctx := context.Background()
	job := newJob(model.PriorityBackground)
	_, err := q.Enqueue(ctx, job)
	require.NoError(t, err)

	var last time.Duration
	for i := 0; i < 4; i++ {
		got, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, got)
		outcome, err := q.Fail(ctx, got.ID, errors.New("boom"), false)
		require.NoError(t, err)
		last = outcome.RetryIn
		clk.Add(outcome.RetryIn)
	}
	assert.Equal(t, 3*time.Second, last)
}

func TestPermanentFailureDeadLettersImmediately(t *testing.T) {
	q, _, _ := setupQueue(t, Options{MaxAttempts: 5})
	ctx := context.Background()
	job := newJob(model.PriorityInteractive)
	_, err := q.Enqueue(ctx, job)
	require.NoError(t, err)
	_, err = q.Dequeue(ctx)
	require.NoError(t, err)

	outcome, err := q.Fail(ctx, job.ID, model.Permanent(errors.New("bad input")), true)
	require.NoError(t, err)
	assert.True(t, outcome.DeadLettered)
	assert.Equal(t, 1, outcome.Attempts)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.DeadLettered)
}

func TestReleaseDoesNotConsumeAttempt(t *testing.T) {
	q, clk, _ := setupQueue(t, Options{})
	ctx := context.Background()
	job := newJob(model.PriorityBackground)
	_, err := q.Enqueue(ctx, job)
	require.NoError(t, err)
	_, err = q.Dequeue(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Release(ctx, job.ID, 30*time.Second))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	clk.Add(31 * time.Second)
	got, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 0, got.Attempts)
}

func TestVisibilityTimeoutRedelivers(t *testing.T) {
	q, clk, _ := setupQueue(t, Options{VisibilityTimeout: 10 * time.Second})
	ctx := context.Background()
	job := newJob(model.PriorityBackground)
	_, err := q.Enqueue(ctx, job)
	require.NoError(t, err)

	_, err = q.Dequeue(ctx)
	require.NoError(t, err)

	clk.Add(5 * time.Second)
	require.NoError(t, q.Touch(ctx, job.ID))
	clk.Add(8 * time.Second)
	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, got, "touched job must stay invisible")

	clk.Add(5 * time.Second)
	got, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "visibility timeout expired", got.LastError)
}

func TestRequeueDeadLetter(t *testing.T) {
	q, _, _ := setupQueue(t, Options{MaxAttempts: 1})
	ctx := context.Background()
	job := newJob(model.PriorityBackground)
	_, err := q.Enqueue(ctx, job)
	require.NoError(t, err)
	_, err = q.Dequeue(ctx)
	require.NoError(t, err)
	outcome, err := q.Fail(ctx, job.ID, errors.New("boom"), false)
	require.NoError(t, err)
	require.True(t, outcome.DeadLettered)

	require.NoError(t, q.RequeueDeadLetter(ctx, job.ID))
	assert.ErrorIs(t, q.RequeueDeadLetter(ctx, job.ID), model.ErrNotDeadLettered)

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 0, got.Attempts)
}

func TestOldestAgeAndWait(t *testing.T) {
	q, clk, _ := setupQueue(t, Options{})
	ctx := context.Background()

	age, err := q.OldestAge(ctx)
	require.NoError(t, err)
	assert.Zero(t, age)

	_, err = q.Enqueue(ctx, newJob(model.PriorityBackground))
	require.NoError(t, err)
	clk.Add(90 * time.Second)

	age, err = q.OldestAge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, age)

	start := time.Now()
	require.NoError(t, q.Wait(ctx, time.Second))
	assert.Less(t, time.Since(start), 500*time.Millisecond, "a pending signal must wake the waiter")
}

func TestCompleteUnknownJob(t *testing.T) {
	q, _, _ := setupQueue(t, Options{})
	assert.ErrorIs(t, q.Complete(context.Background(), "nope"), model.ErrJobNotFound)
	_, err := q.Fail(context.Background(), "nope", errors.New("x"), false)
	assert.ErrorIs(t, err, model.ErrJobNotFound)
}

func TestHashTaggedPrefix(t *testing.T) {
	assert.Equal(t, "{hookrelay}", HashTagged(""))
	assert.Equal(t, "{hookrelay}", HashTagged("{hookrelay}"))
	assert.Equal(t, "app:{relay}", HashTagged("app:{relay}"))
	assert.Equal(t, "{myapp}", HashTagged("myapp"))
	assert.Equal(t, "{{}}", HashTagged("{}"))
}

func TestUntaggedPrefixKeepsKeysInOneSlot(t *testing.T) {
	q, _, mr := setupQueue(t, Options{Prefix: "relay"})
	ctx := context.Background()
	job := newJob(model.PriorityInteractive)

	_, err := q.Enqueue(ctx, job)
	require.NoError(t, err)
	assert.True(t, mr.Exists("{relay}:job:"+job.ID))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, job.ID, got.ID)
}
