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
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/hookrelay/hookrelay/internal/alerts"
	"github.com/hookrelay/hookrelay/internal/breaker"
	redlock "github.com/hookrelay/hookrelay/internal/lock"
	"github.com/hookrelay/hookrelay/internal/outbound"
	"github.com/hookrelay/hookrelay/model"
)

// Handler owns the business semantics of a job. The client it receives is
// already scoped to the job's account. Returning an error wrapping
// model.ErrPermanent dead-letters the job immediately; any other error is retried.
type Handler interface {
	Handle(ctx context.Context, job *model.Job, client *outbound.GuardedClient) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, job *model.Job, client *outbound.GuardedClient) error

func (f HandlerFunc) Handle(ctx context.Context, job *model.Job, client *outbound.GuardedClient) error {
	return f(ctx, job, client)
}

// Handle registers h for a notification topic.
func (r *Relay) Handle(topic string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[strings.ToLower(topic)] = h
}

// HandleDefault registers the handler used for topics without their own.
func (r *Relay) HandleDefault(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultHandler = h
}

func (r *Relay) handlerFor(topic string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[strings.ToLower(topic)]; ok {
		return h, true
	}
	return r.defaultHandler, r.defaultHandler != nil
}

// RunWorkers consumes the queue with up to worker.concurrency jobs in flight
// until ctx is cancelled, then waits for running jobs to settle.
func (r *Relay) RunWorkers(ctx context.Context) error {
	wc := r.cfg.Worker
	slots := semaphore.NewWeighted(int64(wc.Concurrency))
	var running sync.WaitGroup
	defer running.Wait()

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 500 * time.Millisecond
	retry.MaxInterval = 30 * time.Second
	retry.MaxElapsedTime = 0

	var (
		lastDepthCheck time.Time
		throttled      bool
	)

	logrus.WithFields(logrus.Fields{"concurrency": wc.Concurrency, "instance": r.instanceID}).Info("worker loop started")
	for {
		if err := slots.Acquire(ctx, 1); err != nil {
			logrus.Info("worker loop stopping")
			return nil
		}

		if time.Since(lastDepthCheck) >= wc.PollInterval() {
			lastDepthCheck = time.Now()
			throttled = r.underBackpressure(ctx, throttled)
		}
		if throttled && !sleepCtx(ctx, wc.BackpressureInterval()) {
			slots.Release(1)
			return nil
		}

		job, err := r.queue.Dequeue(ctx)
		if err != nil {
			slots.Release(1)
			if ctx.Err() != nil {
				return nil
			}
			wait := retry.NextBackOff()
			logrus.WithFields(logrus.Fields{"error": err, "retry_in": wait}).Error("dequeue failed")
			if !sleepCtx(ctx, wait) {
				return nil
			}
			continue
		}
		retry.Reset()

		if job == nil {
			slots.Release(1)
			if err := r.queue.Wait(ctx, wc.PollInterval()); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logrus.WithError(err).Warn("queue wait failed")
				if !sleepCtx(ctx, wc.PollInterval()) {
					return nil
				}
			}
			continue
		}

		running.Add(1)
		go func(job *model.Job) {
			defer running.Done()
			defer slots.Release(1)
			// in-flight jobs finish even when the loop is being stopped
			r.Process(context.WithoutCancel(ctx), job)
		}(job)
	}
}

// underBackpressure slows polling rather than adding load to a struggling downstream.
func (r *Relay) underBackpressure(ctx context.Context, was bool) bool {
	depth, err := r.queue.Depth(ctx)
	if err != nil {
		return was
	}
	now := depth > int64(r.cfg.Worker.BackpressureThreshold)
	if now != was {
		logrus.WithFields(logrus.Fields{
			"depth":     depth,
			"threshold": r.cfg.Worker.BackpressureThreshold,
			"throttled": now,
		}).Warn("worker backpressure changed")
	}
	return now
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// ProcessNext dequeues and processes one job. It reports false when the queue was empty.
func (r *Relay) ProcessNext(ctx context.Context) (bool, error) {
	job, err := r.queue.Dequeue(ctx)
	if err != nil || job == nil {
		return false, err
	}
	r.Process(ctx, job)
	return true, nil
}

// Process runs one dequeued job to a settled queue state. It never panics and
// never returns an error: every outcome becomes a queue transition.
func (r *Relay) Process(ctx context.Context, job *model.Job) {
	ctx, span := tracer.Start(ctx, "hookrelay.process", trace.WithAttributes(
		attribute.String("job_id", job.ID),
		attribute.String("topic", job.Topic),
		attribute.Int("attempt", job.Attempts+1),
	))
	defer span.End()

	log := logrus.WithFields(logrus.Fields{"job_id": job.ID, "topic": job.Topic, "attempt": job.Attempts + 1})

	// a visibility-timeout redelivery must not run next to the original execution
	lock := redlock.ForJob(r.redis, r.cfg.Queue.Prefix, job.ID, r.instanceID)
	if err := lock.Lock(ctx, r.cfg.Worker.HandlerTimeout()+30*time.Second); err != nil {
		if errors.Is(err, redlock.ErrLockHeld) {
			log.Warn("job is still running elsewhere, postponing")
			r.release(ctx, job, r.cfg.Worker.HandlerTimeout())
			return
		}
		log.WithError(err).Warn("job lock unavailable, processing without it")
	} else {
		defer func() {
			if err := lock.Unlock(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redlock.ErrNotHolder) {
				log.WithError(err).Warn("failed to release job lock")
			}
		}()
	}

	if !job.Resolved() {
		account, err := r.resolver.Resolve(ctx, job.OriginAccountID)
		switch {
		case errors.Is(err, model.ErrAccountNotFound):
			r.dropUnknownAccount(job, "worker")
			if err := r.queue.Complete(ctx, job.ID); err != nil {
				log.WithError(err).Error("failed to settle dropped job")
			}
			return
		case err != nil:
			r.fail(ctx, job, model.Transient(fmt.Errorf("resolve account: %w", err)), false)
			return
		}
		job.Attach(account)
		log = log.WithFields(logrus.Fields{"account_id": job.AccountID, "tenant_id": job.TenantID})
	}

	handler, ok := r.handlerFor(job.Topic)
	if !ok {
		r.fail(ctx, job, fmt.Errorf("%w: %s", model.ErrNoHandlerForType, job.Topic), true)
		return
	}

	started := time.Now()
	err := r.invoke(ctx, handler, job)
	elapsed := time.Since(started)

	var open *breaker.CircuitOpenError
	switch {
	case err == nil:
		if cerr := r.queue.Complete(ctx, job.ID); cerr != nil {
			log.WithError(cerr).Error("failed to complete job")
			return
		}
		r.metrics.processed.Add(1)
		log.WithField("elapsed", elapsed).Info("job completed")
	case errors.As(err, &open):
		span.SetStatus(codes.Error, err.Error())
		log.WithFields(logrus.Fields{"operation": open.Operation, "retry_after": open.RetryAfter}).Warn("circuit open, job postponed")
		r.release(ctx, job, open.RetryAfter)
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, model.ErrHandlerTimeout) {
			r.metrics.timeouts.Add(1)
		}
		r.fail(ctx, job, err, model.IsPermanent(err))
	}
}

// invoke runs the handler bounded by the handler timeout. A handler that
// ignores its context is abandoned once the timeout fires.
func (r *Relay) invoke(ctx context.Context, h Handler, job *model.Job) error {
	timeout := r.cfg.Worker.HandlerTimeout()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := r.guard.For(&model.Account{AccountID: job.AccountID, TenantID: job.TenantID, OriginAccountID: job.OriginAccountID})
	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("handler panicked: %v", rec)
			}
		}()
		done <- h.Handle(ctx, job, client)
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", model.ErrHandlerTimeout, timeout)
		}
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w after %s", model.ErrHandlerTimeout, timeout)
	}
}

func (r *Relay) release(ctx context.Context, job *model.Job, delay time.Duration) {
	if err := r.queue.Release(ctx, job.ID, delay); err != nil {
		logrus.WithFields(logrus.Fields{"job_id": job.ID, "error": err}).Error("failed to release job")
		return
	}
	r.metrics.released.Add(1)
}

func (r *Relay) fail(ctx context.Context, job *model.Job, cause error, permanent bool) {
	log := logrus.WithFields(logrus.Fields{"job_id": job.ID, "topic": job.Topic, "error": cause})
	outcome, err := r.queue.Fail(ctx, job.ID, cause, permanent)
	if err != nil {
		log.WithField("fail_error", err).Error("failed to record job failure")
		return
	}
	if !outcome.DeadLettered {
		r.metrics.failed.Add(1)
		log.WithFields(logrus.Fields{"attempts": outcome.Attempts, "retry_in": outcome.RetryIn}).Warn("job failed, retry scheduled")
		return
	}

	r.metrics.deadLettered.Add(1)
	log.WithFields(logrus.Fields{"attempts": outcome.Attempts, "permanent": permanent}).Error("job dead-lettered")
	go r.alert(alerts.JobDeadLettered, map[string]interface{}{
		"job_id":     job.ID,
		"topic":      job.Topic,
		"resource":   job.Resource,
		"account_id": job.AccountID,
		"tenant_id":  job.TenantID,
		"attempts":   outcome.Attempts,
		"error":      cause.Error(),
	})
}
