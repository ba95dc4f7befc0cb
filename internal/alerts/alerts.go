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

// Package alerts delivers operational events (dead letters, opened circuits,
// dropped notifications) to an operator webhook through an asynq queue.
package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/hookrelay/hookrelay/internal/request"
	"github.com/hookrelay/hookrelay/model"
)

// TaskType is the asynq task type alert deliveries are enqueued under.
const TaskType = "hookrelay:alert"

const (
	JobDeadLettered     = "job.dead_lettered"
	CircuitOpened       = "circuit.opened"
	NotificationDropped = "notification.dropped"
)

// Event is the document posted to the alert webhook.
type Event struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"event"`
	OccurredAt time.Time              `json:"occurred_at"`
	Data       map[string]interface{} `json:"data"`
}

// NewEvent stamps an event with an id and the current time.
func NewEvent(eventType string, data map[string]interface{}) Event {
	return Event{
		ID:         model.GenerateUUIDWithSuffix("alert"),
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}
}

// Sender is what the pipeline uses to raise alerts.
type Sender interface {
	Send(ctx context.Context, ev Event) error
}

// Discard drops every alert.
type Discard struct{}

func (Discard) Send(context.Context, Event) error { return nil }

// Options configures the asynq queue and the delivery webhook.
type Options struct {
	Queue      string
	MaxRetry   int
	URL        string
	Headers    map[string]string
	HTTPClient *http.Client
}

// Notifier enqueues alerts and delivers them when the alert task is processed.
type Notifier struct {
	client *asynq.Client
	opts   Options
}

// NewNotifier enqueues alerts through an asynq client sharing rdb.
func NewNotifier(rdb redis.UniversalClient, opts Options) *Notifier {
	if opts.Queue == "" {
		opts.Queue = "hookrelay_alerts"
	}
	if opts.MaxRetry <= 0 {
		opts.MaxRetry = 5
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Notifier{client: asynq.NewClientFromRedisClient(rdb), opts: opts}
}

// Queue is the asynq queue name alert tasks land on.
func (n *Notifier) Queue() string { return n.opts.Queue }

// Send enqueues ev. Without a webhook URL configured it only logs the event.
func (n *Notifier) Send(ctx context.Context, ev Event) error {
	logrus.WithFields(logrus.Fields{"alert_id": ev.ID, "event": ev.Type, "data": ev.Data}).Warn("alert raised")
	if n.opts.URL == "" {
		return nil
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	task := asynq.NewTask(TaskType, payload, asynq.Queue(n.opts.Queue), asynq.MaxRetry(n.opts.MaxRetry), asynq.TaskID(ev.ID))
	if _, err := n.client.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("failed to enqueue alert %s: %w", ev.ID, err)
	}
	return nil
}

// ProcessTask posts one alert to the webhook. Returning an error lets asynq retry it.
func (n *Notifier) ProcessTask(ctx context.Context, task *asynq.Task) error {
	var ev Event
	if err := json.Unmarshal(task.Payload(), &ev); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if n.opts.URL == "" {
		return nil
	}

	headers := map[string]string{"X-Hookrelay-Event": ev.Type}
	for k, v := range n.opts.Headers {
		headers[k] = v
	}
	if _, err := request.Do(ctx, n.opts.HTTPClient, http.MethodPost, n.opts.URL, headers, ev, nil); err != nil {
		logrus.WithFields(logrus.Fields{"alert_id": ev.ID, "event": ev.Type, "error": err}).Error("alert delivery failed")
		return err
	}
	logrus.WithFields(logrus.Fields{"alert_id": ev.ID, "event": ev.Type}).Info("alert delivered")
	return nil
}

// Close releases the asynq client.
func (n *Notifier) Close() error {
	return n.client.Close()
}
