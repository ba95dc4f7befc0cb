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
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hookrelay/hookrelay/internal/alerts"
	"github.com/hookrelay/hookrelay/model"
)

const (
	ReasonInvalid     = "invalid"
	ReasonUnavailable = "unavailable"
)

// Ack is the body returned to the marketplace for every delivery.
type Ack struct {
	Received  bool   `json:"received"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Key       string `json:"key,omitempty"`
}

// OriginAllowed reports whether ip may deliver notifications. Always true
// when origin enforcement is off.
func (r *Relay) OriginAllowed(ip string) bool {
	if !r.cfg.Receiver.EnforceOrigin {
		return true
	}
	_, ok := r.origins[strings.TrimSpace(ip)]
	if !ok {
		r.metrics.rejectedOrigin.Add(1)
		logrus.WithField("ip", ip).Warn("notification from origin outside the allow-list rejected")
	}
	return ok
}

func (r *Relay) priorityFor(topic string) model.Priority {
	if _, ok := r.interactive[strings.ToLower(topic)]; ok {
		return model.PriorityInteractive
	}
	return model.PriorityBackground
}

// Receive acknowledges one delivery. The only I/O on this path is the
// idempotency claim; account resolution and enqueueing run detached. Failures
// never surface as errors so the marketplace has no reason to hot-retry.
func (r *Relay) Receive(ctx context.Context, source string, body []byte) Ack {
	ctx, span := tracer.Start(ctx, "hookrelay.receive", trace.WithAttributes(attribute.String("source", source)))
	defer span.End()
	r.metrics.received.Add(1)

	n, err := model.ParseNotification(body)
	if err != nil {
		r.metrics.invalid.Add(1)
		logrus.WithFields(logrus.Fields{"source": source, "error": err}).Warn("invalid notification acknowledged")
		return Ack{Received: false, Reason: ReasonInvalid}
	}

	key := model.IdempotencyKey(source, n)
	fields := logrus.Fields{"source": source, "topic": n.Topic, "resource": n.Resource, "user_id": n.UserID.String(), "key": key}
	span.SetAttributes(attribute.String("topic", n.Topic), attribute.String("key", key))

	owner := uuid.NewString()
	seen, err := r.idem.SeenAndRecord(ctx, key, owner)
	if err != nil {
		r.metrics.unavailable.Add(1)
		logrus.WithFields(fields).WithError(err).Error("idempotency store unavailable, notification not accepted")
		return Ack{Received: false, Reason: ReasonUnavailable}
	}
	if seen {
		r.metrics.duplicates.Add(1)
		logrus.WithFields(fields).Debug("duplicate notification")
		return Ack{Received: true, Duplicate: true, Key: key}
	}

	job := model.NewJob(key, source, n, r.priorityFor(n.Topic), r.queue.MaxAttempts(), r.clock.Now())
	if r.dispatch.Submit(func(ctx context.Context) { r.resolveAndEnqueue(ctx, job, owner) }) {
		return Ack{Received: true, Key: key}
	}

	// dispatcher saturated: enqueue unresolved and let the worker resolve it
	r.metrics.dispatchOverflow.Add(1)
	logrus.WithFields(fields).Warn("dispatcher full, enqueueing unresolved job")
	if err := r.enqueue(ctx, job, owner); err != nil {
		return Ack{Received: false, Reason: ReasonUnavailable}
	}
	return Ack{Received: true, Key: key}
}

// resolveAndEnqueue is the detached half of Receive.
func (r *Relay) resolveAndEnqueue(ctx context.Context, job *model.Job, owner string) {
	ctx, span := tracer.Start(ctx, "hookrelay.dispatch", trace.WithAttributes(attribute.String("job_id", job.ID)))
	defer span.End()

	rctx, cancel := context.WithTimeout(ctx, r.cfg.Receiver.ResolveTimeout())
	account, err := r.resolver.Resolve(rctx, job.OriginAccountID)
	cancel()

	switch {
	case errors.Is(err, model.ErrAccountNotFound):
		r.dropUnknownAccount(job, "receiver")
		return
	case err != nil:
		// the worker retries resolution with its own backoff
		logrus.WithFields(logrus.Fields{"job_id": job.ID, "user_id": job.OriginAccountID, "error": err}).
			Warn("account resolution failed, enqueueing unresolved")
	default:
		job.Attach(account)
	}

	_ = r.enqueue(ctx, job, owner)
}

// enqueue stores job. On failure the idempotency claim is released so a
// redelivery of the same notification can succeed.
func (r *Relay) enqueue(ctx context.Context, job *model.Job, owner string) error {
	inserted, err := r.queue.Enqueue(ctx, job)
	if err != nil {
		logrus.WithFields(logrus.Fields{"job_id": job.ID, "error": err}).Error("enqueue failed, releasing idempotency claim")
		if ferr := r.idem.Forget(context.WithoutCancel(ctx), job.ID, owner); ferr != nil {
			logrus.WithFields(logrus.Fields{"job_id": job.ID, "error": ferr}).Error("failed to release idempotency claim")
		}
		return err
	}
	if !inserted {
		logrus.WithField("job_id", job.ID).Debug("job already queued")
		return nil
	}
	r.metrics.enqueued.Add(1)
	logrus.WithFields(logrus.Fields{"job_id": job.ID, "topic": job.Topic, "priority": job.Priority, "resolved": job.Resolved()}).Info("job enqueued")
	return nil
}

// dropUnknownAccount counts and reports a notification for an account nobody owns.
func (r *Relay) dropUnknownAccount(job *model.Job, stage string) {
	r.metrics.droppedUnknownAccount.Add(1)
	logrus.WithFields(logrus.Fields{
		"job_id":  job.ID,
		"user_id": job.OriginAccountID,
		"topic":   job.Topic,
		"stage":   stage,
	}).Warn("notification dropped: no active account for user")
	go r.alert(alerts.NotificationDropped, map[string]interface{}{
		"job_id":   job.ID,
		"user_id":  job.OriginAccountID,
		"topic":    job.Topic,
		"resource": job.Resource,
		"reason":   model.ErrAccountNotFound.Error(),
	})
}
