package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream 503")

func TestOpensAfterThresholdFailures(t *testing.T) {
	r := New(Config{FailureThreshold: 3, Window: time.Minute, Cooldown: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := r.Execute(ctx, "get_question", func(context.Context) error { return errUpstream })
		assert.ErrorIs(t, err, errUpstream)
	}

	called := false
	err := r.Execute(ctx, "get_question", func(context.Context) error {
		called = true
		return nil
	})
	var open *CircuitOpenError
	require.True(t, errors.As(err, &open))
	assert.False(t, called)
	assert.Equal(t, "get_question", open.Operation)
	assert.Equal(t, "open", open.State)
	assert.Greater(t, open.RetryAfter, 50*time.Second)

	snap := r.State("get_question")
	assert.Equal(t, "open", snap.State)
	assert.False(t, snap.OpenedAt.IsZero())
}

func TestHalfOpenAllowsSingleTrialRequest(t *testing.T) {
	r := New(Config{FailureThreshold: 1, Window: time.Minute, Cooldown: 50 * time.Millisecond})
	ctx := context.Background()

	_ = r.Execute(ctx, "op", func(context.Context) error { return errUpstream })
	assert.Equal(t, "open", r.State("op").State)

	time.Sleep(80 * time.Millisecond)

	release := make(chan struct{})
	trialStarted := make(chan struct{})
	var trials int32
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = r.Execute(ctx, "op", func(context.Context) error {
			atomic.AddInt32(&trials, 1)
			close(trialStarted)
			<-release
			return nil
		})
	}()
	<-trialStarted

	for i := 0; i < 5; i++ {
		err := r.Execute(ctx, "op", func(context.Context) error {
			atomic.AddInt32(&trials, 1)
			return nil
		})
		var open *CircuitOpenError
		require.True(t, errors.As(err, &open))
		assert.Equal(t, "half-open", open.State)
	}

	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&trials))
	assert.Equal(t, "closed", r.State("op").State)
}

func TestFailedTrialRequestReopens(t *testing.T) {
	r := New(Config{FailureThreshold: 1, Window: time.Minute, Cooldown: 50 * time.Millisecond})
	ctx := context.Background()

	_ = r.Execute(ctx, "op", func(context.Context) error { return errUpstream })
	time.Sleep(80 * time.Millisecond)
	_ = r.Execute(ctx, "op", func(context.Context) error { return errUpstream })

	assert.Equal(t, "open", r.State("op").State)
}

func TestIgnoredErrorsDoNotTrip(t *testing.T) {
	errNotFound := errors.New("404")
	r := New(Config{
		FailureThreshold: 2,
		IsFailure:        func(err error) bool { return err != nil && !errors.Is(err, errNotFound) },
	})
	for i := 0; i < 10; i++ {
		err := r.Execute(context.Background(), "op", func(context.Context) error { return errNotFound })
		assert.ErrorIs(t, err, errNotFound)
	}
	assert.Equal(t, "closed", r.State("op").State)
}

func TestOperationsAreIsolated(t *testing.T) {
	var transitions []string
	var mu sync.Mutex
	r := New(Config{
		FailureThreshold: 1,
		OnStateChange: func(op, from, to string) {
			mu.Lock()
			transitions = append(transitions, op+":"+from+"->"+to)
			mu.Unlock()
		},
	})
	_ = r.Execute(context.Background(), Key("get_item", "acc1"), func(context.Context) error { return errUpstream })

	v, err := Call(context.Background(), r, Key("get_item", "acc2"), func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	states := r.States()
	require.Len(t, states, 2)
	assert.Equal(t, "get_item:acc1", states[0].Operation)
	assert.Equal(t, "open", states[0].State)
	assert.Equal(t, "closed", states[1].State)
	assert.Equal(t, []string{"get_item:acc1:closed->open"}, transitions)
}
