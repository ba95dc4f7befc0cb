package hookrelay

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookrelay/hookrelay/internal/alerts"
	"github.com/hookrelay/hookrelay/internal/breaker"
	"github.com/hookrelay/hookrelay/internal/outbound"
	"github.com/hookrelay/hookrelay/model"
)

// enqueueJob puts a job for user straight on the queue, optionally resolved.
func enqueueJob(t *testing.T, tr *testRelay, topic, user string, resolved bool) *model.Job {
	t.Helper()
	n, err := model.ParseNotification(notificationBody(topic, randomResource(), user))
	require.NoError(t, err)
	job := model.NewJob(model.IdempotencyKey(testSource, n), testSource, n, tr.priorityFor(topic), tr.queue.MaxAttempts(), tr.clock.Now())
	if resolved {
		job.Attach(account(user))
	}
	ok, err := tr.queue.Enqueue(context.Background(), job)
	require.NoError(t, err)
	require.True(t, ok)
	return job
}

func settled(t *testing.T, tr *testRelay, id string) *model.Job {
	t.Helper()
	job, err := tr.Job(context.Background(), id)
	require.NoError(t, err)
	return job
}

func TestProcessCompletesJob(t *testing.T) {
	tr := newTestRelay(t, newStubResolver(account("100")), nil)
	job := enqueueJob(t, tr, "questions", "100", true)

	var seenAccount string
	tr.Handle("questions", HandlerFunc(func(ctx context.Context, j *model.Job, c *outbound.GuardedClient) error {
		seenAccount = c.AccountID()
		return nil
	}))

	ok, err := tr.ProcessNext(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, "acc_100", seenAccount)
	assert.Equal(t, model.JobCompleted, settled(t, tr, job.ID).Status)
	assert.Equal(t, int64(1), tr.metrics.processed.Load())

	ok, err = tr.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProcessResolvesUnresolvedJob(t *testing.T) {
	tr := newTestRelay(t, newStubResolver(account("200")), nil)
	enqueueJob(t, tr, "questions", "200", false)

	var tenant string
	tr.HandleDefault(HandlerFunc(func(ctx context.Context, j *model.Job, c *outbound.GuardedClient) error {
		tenant = j.TenantID
		return nil
	}))

	_, err := tr.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ten_1", tenant)
}

func TestProcessUnknownAccountIsDropped(t *testing.T) {
	tr := newTestRelay(t, newStubResolver(), nil)
	job := enqueueJob(t, tr, "questions", "999", false)

	called := false
	tr.HandleDefault(HandlerFunc(func(context.Context, *model.Job, *outbound.GuardedClient) error {
		called = true
		return nil
	}))

	_, err := tr.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.False(t, called)
	assert.Equal(t, model.JobCompleted, settled(t, tr, job.ID).Status)
	assert.Equal(t, int64(1), tr.metrics.droppedUnknownAccount.Load())
}

func TestProcessRetriesThenDeadLetters(t *testing.T) {
	tr := newTestRelay(t, newStubResolver(account("100")), nil)
	job := enqueueJob(t, tr, "questions", "100", true)
	ctx := context.Background()

	var calls atomic.Int32
	tr.Handle("questions", HandlerFunc(func(context.Context, *model.Job, *outbound.GuardedClient) error {
		calls.Add(1)
		return model.Transient(errors.New("upstream 503"))
	}))

	var delays []time.Duration
	for i := 0; i < 10; i++ {
		ok, err := tr.ProcessNext(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		j := settled(t, tr, job.ID)
		if j.Status == model.JobDeadLettered {
			break
		}
		delays = append(delays, j.AvailableAt.Sub(tr.clock.Now()))
		tr.clock.Add(10 * time.Minute)
	}

	assert.Equal(t, int32(3), calls.Load())
	require.Len(t, delays, 2)
	assert.Less(t, delays[0], delays[1])

	final := settled(t, tr, job.ID)
	assert.Equal(t, model.JobDeadLettered, final.Status)
	assert.Contains(t, final.LastError, "upstream 503")

	dead, err := tr.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, job.ID, dead[0].ID)

	assert.Eventually(t, func() bool {
		types := tr.alerts.types()
		return len(types) == 1 && types[0] == alerts.JobDeadLettered
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, tr.RequeueDeadLetter(ctx, job.ID))
	assert.Equal(t, model.JobPending, settled(t, tr, job.ID).Status)
}

func TestProcessPermanentErrorDeadLettersImmediately(t *testing.T) {
	tr := newTestRelay(t, newStubResolver(account("100")), nil)
	job := enqueueJob(t, tr, "questions", "100", true)

	tr.HandleDefault(HandlerFunc(func(context.Context, *model.Job, *outbound.GuardedClient) error {
		return model.Permanent(errors.New("question was deleted"))
	}))

	_, err := tr.ProcessNext(context.Background())
	require.NoError(t, err)
	got := settled(t, tr, job.ID)
	assert.Equal(t, model.JobDeadLettered, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestProcessWithoutHandlerDeadLetters(t *testing.T) {
	tr := newTestRelay(t, newStubResolver(account("100")), nil)
	job := enqueueJob(t, tr, "items", "100", true)

	_, err := tr.ProcessNext(context.Background())
	require.NoError(t, err)
	got := settled(t, tr, job.ID)
	assert.Equal(t, model.JobDeadLettered, got.Status)
	assert.Contains(t, got.LastError, model.ErrNoHandlerForType.Error())
}

func TestProcessCircuitOpenReleasesWithoutAttempt(t *testing.T) {
	tr := newTestRelay(t, newStubResolver(account("100")), nil)
	job := enqueueJob(t, tr, "questions", "100", true)

	tr.HandleDefault(HandlerFunc(func(context.Context, *model.Job, *outbound.GuardedClient) error {
		return &breaker.CircuitOpenError{Operation: "GET /questions", State: "open", RetryAfter: 30 * time.Second}
	}))

	_, err := tr.ProcessNext(context.Background())
	require.NoError(t, err)

	got := settled(t, tr, job.ID)
	assert.Equal(t, model.JobPending, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.Equal(t, tr.clock.Now().Add(30*time.Second).UnixMilli(), got.AvailableAt.UnixMilli())
	assert.Equal(t, int64(1), tr.metrics.released.Load())
}

func TestProcessHandlerTimeout(t *testing.T) {
	tr := newTestRelay(t, newStubResolver(account("100")), nil)
	job := enqueueJob(t, tr, "questions", "100", true)

	tr.HandleDefault(HandlerFunc(func(ctx context.Context, _ *model.Job, _ *outbound.GuardedClient) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	start := time.Now()
	_, err := tr.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)

	got := settled(t, tr, job.ID)
	assert.Equal(t, model.JobFailed, got.Status)
	assert.Contains(t, got.LastError, model.ErrHandlerTimeout.Error())
	assert.Equal(t, int64(1), tr.metrics.timeouts.Load())
}

func TestProcessRecoversHandlerPanic(t *testing.T) {
	tr := newTestRelay(t, newStubResolver(account("100")), nil)
	job := enqueueJob(t, tr, "questions", "100", true)

	tr.HandleDefault(HandlerFunc(func(context.Context, *model.Job, *outbound.GuardedClient) error {
		panic("nil map write")
	}))

	_, err := tr.ProcessNext(context.Background())
	require.NoError(t, err)
	got := settled(t, tr, job.ID)
	assert.Equal(t, model.JobFailed, got.Status)
	assert.Contains(t, got.LastError, "handler panicked")
}

func TestProcessSkipsJobRunningElsewhere(t *testing.T) {
	tr := newTestRelay(t, newStubResolver(account("100")), nil)
	job := enqueueJob(t, tr, "questions", "100", true)
	require.NoError(t, tr.mr.Set("{hookrelay}:lock:job:"+job.ID, "other-worker"))

	called := false
	tr.HandleDefault(HandlerFunc(func(context.Context, *model.Job, *outbound.GuardedClient) error {
		called = true
		return nil
	}))

	_, err := tr.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.False(t, called)
	assert.Equal(t, model.JobPending, settled(t, tr, job.ID).Status)
}

func TestRunWorkersDrainsQueue(t *testing.T) {
	tr := newTestRelay(t, newStubResolver(account("100"), account("200")), nil)

	var handled atomic.Int32
	tr.HandleDefault(HandlerFunc(func(context.Context, *model.Job, *outbound.GuardedClient) error {
		handled.Add(1)
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.RunWorkers(ctx) }()

	for i := 0; i < 6; i++ {
		user := "100"
		if i%2 == 1 {
			user = "200"
		}
		enqueueJob(t, tr, "questions", user, i%3 != 0)
	}

	assert.Eventually(t, func() bool { return handled.Load() == 6 }, 5*time.Second, 20*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("worker loop did not stop")
	}

	stats, err := tr.Queue().Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(6), stats.CompletedTotal)
}
