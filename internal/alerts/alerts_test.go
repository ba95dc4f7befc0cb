package alerts

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/jarcoal/httpmock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const hookURL = "https://ops.example.test/alerts"

func newNotifier(t *testing.T, url string) (*Notifier, *miniredis.Miniredis, *http.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	httpClient := &http.Client{}
	n := NewNotifier(rdb, Options{Queue: "alerts_test", URL: url, Headers: map[string]string{"X-Token": "s3cret"}, HTTPClient: httpClient})
	t.Cleanup(func() {
		_ = n.Close()
		_ = rdb.Close()
	})
	return n, mr, httpClient
}

func TestSendEnqueuesTask(t *testing.T) {
	n, mr, _ := newNotifier(t, hookURL)

	ev := NewEvent(JobDeadLettered, map[string]interface{}{"job_id": "job_1"})
	require.NoError(t, n.Send(context.Background(), ev))

	pending, err := mr.List("asynq:{alerts_test}:pending")
	require.NoError(t, err)
	assert.Equal(t, []string{ev.ID}, pending)
}

func TestSendWithoutURLIsNoop(t *testing.T) {
	n, mr, _ := newNotifier(t, "")

	require.NoError(t, n.Send(context.Background(), NewEvent(CircuitOpened, nil)))
	assert.False(t, mr.Exists("asynq:{alerts_test}:pending"))
}

func TestProcessTaskPostsEvent(t *testing.T) {
	n, _, httpClient := newNotifier(t, hookURL)
	httpmock.ActivateNonDefault(httpClient)
	defer httpmock.DeactivateAndReset()

	var got Event
	httpmock.RegisterResponder("POST", hookURL, func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "s3cret", req.Header.Get("X-Token"))
		assert.Equal(t, NotificationDropped, req.Header.Get("X-Hookrelay-Event"))
		raw, _ := io.ReadAll(req.Body)
		require.NoError(t, json.Unmarshal(raw, &got))
		return httpmock.NewStringResponse(204, ""), nil
	})

	ev := NewEvent(NotificationDropped, map[string]interface{}{"reason": "account not found"})
	payload, err := json.Marshal(ev)
	require.NoError(t, err)

	require.NoError(t, n.ProcessTask(context.Background(), asynq.NewTask(TaskType, payload)))
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, "account not found", got.Data["reason"])
}

func TestProcessTaskReturnsErrorForRetry(t *testing.T) {
	n, _, httpClient := newNotifier(t, hookURL)
	httpmock.ActivateNonDefault(httpClient)
	defer httpmock.DeactivateAndReset()
	httpmock.RegisterResponder("POST", hookURL, httpmock.NewStringResponder(502, "bad gateway"))

	payload, _ := json.Marshal(NewEvent(CircuitOpened, nil))
	assert.Error(t, n.ProcessTask(context.Background(), asynq.NewTask(TaskType, payload)))
}

func TestProcessTaskSkipsRetryOnBadPayload(t *testing.T) {
	n, _, _ := newNotifier(t, hookURL)
	err := n.ProcessTask(context.Background(), asynq.NewTask(TaskType, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}
