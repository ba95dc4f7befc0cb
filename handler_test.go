package hookrelay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookrelay/hookrelay/model"
)

const downstreamURL = "https://downstream.test/hooks"

func forwardingJob(t *testing.T) *model.Job {
	t.Helper()
	n, err := model.ParseNotification(notificationBody("questions", "/questions/42", "100"))
	require.NoError(t, err)
	job := model.NewJob(model.IdempotencyKey(testSource, n), testSource, n, model.PriorityInteractive, 3, time.Now())
	job.Attach(account("100"))
	return job
}

func TestForwardingHandlerPostsResource(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	tr := newTestRelay(t, newStubResolver(account("100")), nil)
	job := forwardingJob(t)

	httpmock.RegisterResponder("GET", upstreamURL+"/questions/42", httpmock.NewStringResponder(200, `{"id":42,"text":"is it new?"}`))

	var got forwardedJob
	httpmock.RegisterResponder("POST", downstreamURL, func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, job.ID, req.Header.Get("X-Hookrelay-Job"))
		assert.Equal(t, "questions", req.Header.Get("X-Hookrelay-Topic"))
		assert.Equal(t, "secret", req.Header.Get("X-Downstream-Key"))
		raw, _ := io.ReadAll(req.Body)
		require.NoError(t, json.Unmarshal(raw, &got))
		return httpmock.NewStringResponse(202, ""), nil
	})

	h := NewForwardingHandler(downstreamURL, map[string]string{"X-Downstream-Key": "secret"})
	require.NoError(t, h.Handle(context.Background(), job, tr.Client(account("100"))))

	assert.Equal(t, "acc_100", got.AccountID)
	assert.Equal(t, "ten_1", got.TenantID)
	assert.Equal(t, 1, got.Attempt)
	assert.JSONEq(t, `{"id":42,"text":"is it new?"}`, string(got.Data))
}

func TestForwardingHandlerClassifiesDownstreamErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		permanent bool
	}{
		{name: "server error retries", status: 503},
		{name: "throttled retries", status: 429},
		{name: "rejected is permanent", status: 422, permanent: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			httpmock.Activate()
			defer httpmock.DeactivateAndReset()

			tr := newTestRelay(t, newStubResolver(account("100")), nil)
			httpmock.RegisterResponder("GET", upstreamURL+"/questions/42", httpmock.NewStringResponder(200, `{}`))
			httpmock.RegisterResponder("POST", downstreamURL, httpmock.NewStringResponder(tt.status, `{}`))

			err := NewForwardingHandler(downstreamURL, nil).Handle(context.Background(), forwardingJob(t), tr.Client(account("100")))
			require.Error(t, err)
			assert.Equal(t, tt.permanent, model.IsPermanent(err))
		})
	}
}

func TestForwardingHandlerSurfacesUpstreamFailure(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	tr := newTestRelay(t, newStubResolver(account("100")), nil)
	httpmock.RegisterResponder("GET", upstreamURL+"/questions/42", httpmock.NewStringResponder(404, `{"message":"not found"}`))

	err := NewForwardingHandler(downstreamURL, nil).Handle(context.Background(), forwardingJob(t), tr.Client(account("100")))
	assert.ErrorIs(t, err, model.ErrPermanent)
	assert.Equal(t, 0, httpmock.GetCallCountInfo()["POST "+downstreamURL])
}
