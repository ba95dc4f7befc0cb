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

package hookrelay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/hookrelay/hookrelay/internal/outbound"
	"github.com/hookrelay/hookrelay/internal/request"
	"github.com/hookrelay/hookrelay/model"
)

// ForwardingHandler reads the notified resource through the guarded client and
// posts it, with the job's routing data, to a downstream service. It is the
// handler the binary runs when nothing else is registered.
type ForwardingHandler struct {
	URL     string
	Headers map[string]string
	Client  *http.Client
}

// NewForwardingHandler posts every job it handles to url with the given extra headers.
func NewForwardingHandler(url string, headers map[string]string) *ForwardingHandler {
	return &ForwardingHandler{URL: url, Headers: headers, Client: &http.Client{Timeout: 30 * time.Second}}
}

type forwardedJob struct {
	ID           string          `json:"id"`
	Source       string          `json:"source"`
	Topic        string          `json:"topic"`
	Resource     string          `json:"resource"`
	AccountID    string          `json:"account_id"`
	TenantID     string          `json:"tenant_id"`
	Attempt      int             `json:"attempt"`
	Data         json.RawMessage `json:"data"`
	Notification json.RawMessage `json:"notification,omitempty"`
}

func (f *ForwardingHandler) Handle(ctx context.Context, job *model.Job, client *outbound.GuardedClient) error {
	var data json.RawMessage
	if err := client.Get(ctx, job.Resource, 0, &data); err != nil {
		return err
	}

	body := forwardedJob{
		ID:           job.ID,
		Source:       job.Source,
		Topic:        job.Topic,
		Resource:     job.Resource,
		AccountID:    client.AccountID(),
		TenantID:     client.TenantID(),
		Attempt:      job.Attempts + 1,
		Data:         data,
		Notification: job.Payload,
	}
	headers := map[string]string{"X-Hookrelay-Job": job.ID, "X-Hookrelay-Topic": job.Topic}
	for k, v := range f.Headers {
		headers[k] = v
	}

	_, err := request.Do(ctx, f.Client, http.MethodPost, f.URL, headers, body, nil)
	if err == nil {
		return nil
	}
	var statusErr *request.StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusTooManyRequests,
			statusErr.StatusCode == http.StatusRequestTimeout,
			statusErr.StatusCode >= 500:
			return model.Transient(err)
		default:
			return model.Permanent(err)
		}
	}
	return model.Transient(err)
}
