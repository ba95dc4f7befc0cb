/*
Copyright 2024 Hookrelay Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package notification

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookrelay/hookrelay/config"
)

func TestSlackNotification(t *testing.T) {
	httpmock.ActivateNonDefault(slackClient)
	defer httpmock.DeactivateAndReset()

	config.MockConfig(&config.Configuration{
		ProjectName:  "Hookrelay",
		Notification: config.Notification{Slack: config.SlackWebhook{WebhookUrl: "https://hooks.slack.test/T000"}},
	})

	var body map[string]interface{}
	httpmock.RegisterResponder("POST", "https://hooks.slack.test/T000", func(req *http.Request) (*http.Response, error) {
		raw, _ := io.ReadAll(req.Body)
		require.NoError(t, json.Unmarshal(raw, &body))
		return httpmock.NewStringResponse(200, `{"ok":true}`), nil
	})

	err := SlackNotification(context.Background(), errors.New("queue unreachable"))
	require.NoError(t, err)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
	assert.Contains(t, string(mustJSON(t, body)), "queue unreachable")
}

func TestSlackNotificationSkippedWithoutURL(t *testing.T) {
	httpmock.ActivateNonDefault(slackClient)
	defer httpmock.DeactivateAndReset()

	config.MockConfig(&config.Configuration{})
	require.NoError(t, SlackNotification(context.Background(), errors.New("x")))
	assert.Equal(t, 0, httpmock.GetTotalCallCount())
}

func mustJSON(t *testing.T, v interface{}) []byte {
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
