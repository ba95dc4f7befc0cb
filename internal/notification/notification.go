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
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hookrelay/hookrelay/config"
	"github.com/hookrelay/hookrelay/internal/request"
)

var slackClient = &http.Client{Timeout: 10 * time.Second}

func slackPayload(project string, err error, at time.Time) map[string]interface{} {
	return map[string]interface{}{
		"blocks": []interface{}{
			map[string]interface{}{
				"type": "header",
				"text": map[string]interface{}{"type": "plain_text", "text": fmt.Sprintf("Error From %s 🐞", project), "emoji": true},
			},
			map[string]interface{}{
				"type":   "section",
				"fields": []interface{}{map[string]interface{}{"type": "mrkdwn", "text": fmt.Sprintf("*Error:*\n%v", err)}},
			},
			map[string]interface{}{
				"type":   "section",
				"fields": []interface{}{map[string]interface{}{"type": "mrkdwn", "text": fmt.Sprintf("*Time:*\n%v", at.Format(time.RFC822))}},
			},
		},
	}
}

// SlackNotification posts err to the configured Slack webhook.
func SlackNotification(ctx context.Context, err error) error {
	conf, cerr := config.Fetch()
	if cerr != nil {
		return cerr
	}
	if conf.Notification.Slack.WebhookUrl == "" {
		return nil
	}

	payload := slackPayload(conf.ProjectName, err, time.Now())
	var response json.RawMessage
	_, rerr := request.Do(ctx, slackClient, http.MethodPost, conf.Notification.Slack.WebhookUrl, nil, payload, &response)
	return rerr
}

// NotifyError logs a system error and forwards it to Slack when configured.
// It never blocks the caller.
func NotifyError(systemError error) {
	go func(systemError error) {
		logrus.Error(systemError)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := SlackNotification(ctx, systemError); err != nil {
			logrus.WithError(err).Warn("failed to send slack notification")
		}
	}(systemError)
}
