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

// Package queue is a durable, Redis backed job queue with at-least-once delivery.
//
// Jobs move between a ready list per priority class, a delayed set for retry
// backoff, an in-flight set guarded by a visibility timeout and a dead-letter set.
// Every transition is a single Lua script so multiple worker processes can share
// one queue.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/hookrelay/hookrelay/internal/clock"
	"github.com/hookrelay/hookrelay/model"
)

// Options tunes retry, visibility and retention. Zero values take defaults.
type Options struct {
	Prefix             string
	MaxAttempts        int
	BaseBackoff        time.Duration
	MaxBackoff         time.Duration
	VisibilityTimeout  time.Duration
	CompletedRetention time.Duration
	Clock              clock.Clock
}

// HashTagged returns prefix unchanged when it carries a Redis Cluster hash tag
// and wraps it in braces otherwise. The dequeue script reaches job hashes it
// cannot declare up front, which is only safe when every key shares one slot.
func HashTagged(prefix string) string {
	if prefix == "" {
		return "{hookrelay}"
	}
	if open := strings.IndexByte(prefix, '{'); open >= 0 {
		if end := strings.IndexByte(prefix[open+1:], '}'); end > 0 {
			return prefix
		}
	}
	return "{" + prefix + "}"
}

func (o *Options) setDefaults() {
	o.Prefix = HashTagged(o.Prefix)
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 5 * time.Minute
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 2 * time.Minute
	}
	if o.CompletedRetention <= 0 {
		o.CompletedRetention = 24 * time.Hour
	}
	if o.Clock == nil {
		o.Clock = clock.NewRealClock()
	}
}

// Queue is a Redis backed job queue with two priority classes. Every state
// change is a single Lua script, so any number of workers may share it.
type Queue struct {
	client redis.UniversalClient
	opts   Options
}

// FailOutcome describes what Fail did with a job.
type FailOutcome struct {
	DeadLettered bool
	Attempts     int
	RetryIn      time.Duration
}

// Stats is a point in time view of the queue.
type Stats struct {
	Ready             int64 `json:"ready"`
	Delayed           int64 `json:"delayed"`
	InFlight          int64 `json:"in_flight"`
	DeadLettered      int64 `json:"dead_lettered"`
	CompletedTotal    int64 `json:"completed_total"`
	FailedTotal       int64 `json:"failed_total"`
	DeadLetteredTotal int64 `json:"dead_lettered_total"`
}

// New returns a queue over client. All keys live under opts.Prefix, which
// should carry a hash tag so a cluster keeps them in one slot.
func New(client redis.UniversalClient, opts Options) *Queue {
	opts.setDefaults()
	return &Queue{client: client, opts: opts}
}

// MaxAttempts is the execution budget given to newly enqueued jobs.
func (q *Queue) MaxAttempts() int {
	return q.opts.MaxAttempts
}

func (q *Queue) jobPrefix() string       { return q.opts.Prefix + ":job:" }
func (q *Queue) jobKey(id string) string { return q.jobPrefix() + id }
func (q *Queue) readyKey(p model.Priority) string {
	if p == model.PriorityInteractive {
		return q.opts.Prefix + ":ready:interactive"
	}
	return q.opts.Prefix + ":ready:background"
}
func (q *Queue) delayedKey() string  { return q.opts.Prefix + ":delayed" }
func (q *Queue) inflightKey() string { return q.opts.Prefix + ":inflight" }
func (q *Queue) deadKey() string     { return q.opts.Prefix + ":dead" }
func (q *Queue) signalKey() string   { return q.opts.Prefix + ":signal" }
func (q *Queue) statsKey() string    { return q.opts.Prefix + ":stats" }

func (q *Queue) nowMs() int64 {
	return q.opts.Clock.Now().UnixMilli()
}

// Enqueue stores the job if no job with the same id exists. It returns false
// for an id that is already known, including completed and dead-lettered jobs.
func (q *Queue) Enqueue(ctx context.Context, job *model.Job) (bool, error) {
	if job.ID == "" {
		return false, errors.New("job id is required")
	}
	if job.Priority == "" {
		job.Priority = model.PriorityBackground
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.opts.MaxAttempts
	}
	data, err := json.Marshal(job)
	if err != nil {
		return false, err
	}

	res, err := enqueueScript.Run(ctx, q.client,
		[]string{q.jobKey(job.ID), q.readyKey(job.Priority), q.signalKey()},
		data, string(job.Priority), job.MaxAttempts, q.nowMs(), job.ID,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", job.ID, err)
	}
	return res == 1, nil
}

// Dequeue claims the next job, interactive before background, oldest first.
// It returns nil when nothing is ready.
func (q *Queue) Dequeue(ctx context.Context) (*model.Job, error) {
	id, err := dequeueScript.Run(ctx, q.client,
		[]string{
			q.readyKey(model.PriorityInteractive), q.readyKey(model.PriorityBackground),
			q.delayedKey(), q.inflightKey(), q.deadKey(), q.statsKey(),
		},
		q.nowMs(), q.opts.VisibilityTimeout.Milliseconds(), q.jobPrefix(),
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	return q.Get(ctx, id)
}

// Complete marks a job done. The record is kept for the retention period so a
// late redelivery of the same notification cannot enqueue it again.
func (q *Queue) Complete(ctx context.Context, id string) error {
	res, err := completeScript.Run(ctx, q.client,
		[]string{q.jobKey(id), q.inflightKey(), q.statsKey()},
		id, q.nowMs(), int64(q.opts.CompletedRetention.Seconds()),
	).Int64()
	if err != nil {
		return fmt.Errorf("complete %s: %w", id, err)
	}
	if res == -1 {
		return model.ErrJobNotFound
	}
	return nil
}

// Fail records a failed attempt. The job is retried after an exponential
// backoff until it reaches its attempt limit, then dead-lettered. A permanent
// failure is dead-lettered immediately.
func (q *Queue) Fail(ctx context.Context, id string, cause error, permanent bool) (FailOutcome, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	perm := "0"
	if permanent {
		perm = "1"
	}

	res, err := failScript.Run(ctx, q.client,
		[]string{q.jobKey(id), q.inflightKey(), q.delayedKey(), q.deadKey(), q.statsKey()},
		id, q.nowMs(), msg, perm, q.opts.BaseBackoff.Milliseconds(), q.opts.MaxBackoff.Milliseconds(),
	).StringSlice()
	if err != nil {
		return FailOutcome{}, fmt.Errorf("fail %s: %w", id, err)
	}
	if len(res) != 3 {
		return FailOutcome{}, fmt.Errorf("fail %s: unexpected reply %v", id, res)
	}

	attempts, _ := strconv.Atoi(res[1])
	delay, _ := strconv.ParseInt(res[2], 10, 64)
	switch res[0] {
	case "missing":
		return FailOutcome{}, model.ErrJobNotFound
	case "dead":
		return FailOutcome{DeadLettered: true, Attempts: attempts}, nil
	case "settled":
		logrus.WithField("job_id", id).Warn("fail called on a settled job")
		return FailOutcome{Attempts: attempts}, nil
	default:
		return FailOutcome{Attempts: attempts, RetryIn: time.Duration(delay) * time.Millisecond}, nil
	}
}

// Release puts an in-flight job back after delay without consuming an attempt.
func (q *Queue) Release(ctx context.Context, id string, delay time.Duration) error {
	_, err := releaseScript.Run(ctx, q.client,
		[]string{q.jobKey(id), q.inflightKey(), q.delayedKey()},
		id, q.nowMs(), delay.Milliseconds(),
	).Int64()
	if err != nil {
		return fmt.Errorf("release %s: %w", id, err)
	}
	return nil
}

// Touch extends the visibility deadline of an in-flight job.
func (q *Queue) Touch(ctx context.Context, id string) error {
	deadline := q.nowMs() + q.opts.VisibilityTimeout.Milliseconds()
	return q.client.ZAddXX(ctx, q.inflightKey(), redis.Z{Score: float64(deadline), Member: id}).Err()
}

// Wait blocks until a job is enqueued or timeout elapses.
func (q *Queue) Wait(ctx context.Context, timeout time.Duration) error {
	err := q.client.BRPop(ctx, timeout, q.signalKey()).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

// RequeueDeadLetter moves a dead-lettered job back to its ready list with a fresh attempt budget.
func (q *Queue) RequeueDeadLetter(ctx context.Context, id string) error {
	res, err := requeueScript.Run(ctx, q.client,
		[]string{
			q.jobKey(id), q.deadKey(),
			q.readyKey(model.PriorityInteractive), q.readyKey(model.PriorityBackground), q.signalKey(),
		},
		id, q.nowMs(),
	).Int64()
	if err != nil {
		return fmt.Errorf("requeue %s: %w", id, err)
	}
	if res == 0 {
		return model.ErrNotDeadLettered
	}
	return nil
}

// Get loads a job with its current status and attempt count.
func (q *Queue) Get(ctx context.Context, id string) (*model.Job, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, model.ErrJobNotFound
	}
	return decodeJob(fields)
}

func decodeJob(fields map[string]string) (*model.Job, error) {
	var job model.Job
	if err := json.Unmarshal([]byte(fields["data"]), &job); err != nil {
		return nil, fmt.Errorf("corrupt job record: %w", err)
	}
	job.Status = model.JobStatus(fields["status"])
	job.Priority = model.Priority(fields["priority"])
	job.LastError = fields["last_error"]
	if n, err := strconv.Atoi(fields["attempts"]); err == nil {
		job.Attempts = n
	}
	if n, err := strconv.Atoi(fields["max_attempts"]); err == nil {
		job.MaxAttempts = n
	}
	job.UpdatedAt = msToTime(fields["updated_at"], job.UpdatedAt)
	job.AvailableAt = msToTime(fields["available_at"], job.AvailableAt)
	return &job, nil
}

func msToTime(v string, fallback time.Time) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return time.UnixMilli(ms).UTC()
}
