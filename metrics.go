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
	"sync/atomic"
	"time"

	"github.com/hookrelay/hookrelay/internal/breaker"
	"github.com/hookrelay/hookrelay/internal/queue"
	"github.com/hookrelay/hookrelay/internal/ratelimit"
)

// Metrics are process local counters. Queue figures come from Redis and are
// shared by every process.
type Metrics struct {
	received              atomic.Int64
	duplicates            atomic.Int64
	invalid               atomic.Int64
	rejectedOrigin        atomic.Int64
	unavailable           atomic.Int64
	droppedUnknownAccount atomic.Int64
	enqueued              atomic.Int64
	dispatchOverflow      atomic.Int64

	processed    atomic.Int64
	failed       atomic.Int64
	deadLettered atomic.Int64
	released     atomic.Int64
	timeouts     atomic.Int64
}

// ReceiverMetrics counts intake outcomes in this process.
type ReceiverMetrics struct {
	Received              int64 `json:"received"`
	Duplicates            int64 `json:"duplicates"`
	Invalid               int64 `json:"invalid"`
	RejectedOrigin        int64 `json:"rejected_origin"`
	Unavailable           int64 `json:"unavailable"`
	DroppedUnknownAccount int64 `json:"dropped_unknown_account"`
	Enqueued              int64 `json:"enqueued"`
	DispatchOverflow      int64 `json:"dispatch_overflow"`
	DispatchPending       int   `json:"dispatch_pending"`
}

// WorkerMetrics counts job outcomes in this process.
type WorkerMetrics struct {
	Processed    int64 `json:"processed"`
	Failed       int64 `json:"failed"`
	DeadLettered int64 `json:"dead_lettered"`
	Released     int64 `json:"released"`
	Timeouts     int64 `json:"timeouts"`
}

// QueueMetrics are read from Redis and shared by every process.
type QueueMetrics struct {
	Depth       int64       `json:"depth"`
	OldestAgeMs int64       `json:"oldest_age_ms"`
	Counts      queue.Stats `json:"counts"`
}

// Snapshot is what the monitoring surface reads.
type Snapshot struct {
	Queue       QueueMetrics       `json:"queue"`
	DeadLetters int64              `json:"dead_letters"`
	Circuits    []breaker.Snapshot `json:"circuits"`
	RateScopes  []ratelimit.State  `json:"rate_scopes"`
	Receiver    ReceiverMetrics    `json:"receiver"`
	Worker      WorkerMetrics      `json:"worker"`
	CollectedAt time.Time          `json:"collected_at"`
}

// Metrics collects the queue figures, the circuit and rate states and the local counters.
func (r *Relay) Metrics(ctx context.Context) (Snapshot, error) {
	stats, err := r.queue.Stats(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	depth, err := r.queue.Depth(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	oldest, err := r.queue.OldestAge(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	m := r.metrics
	return Snapshot{
		Queue:       QueueMetrics{Depth: depth, OldestAgeMs: oldest.Milliseconds(), Counts: stats},
		DeadLetters: stats.DeadLettered,
		Circuits:    r.breakers.States(),
		RateScopes:  r.limiter.States(),
		Receiver: ReceiverMetrics{
			Received:              m.received.Load(),
			Duplicates:            m.duplicates.Load(),
			Invalid:               m.invalid.Load(),
			RejectedOrigin:        m.rejectedOrigin.Load(),
			Unavailable:           m.unavailable.Load(),
			DroppedUnknownAccount: m.droppedUnknownAccount.Load(),
			Enqueued:              m.enqueued.Load(),
			DispatchOverflow:      m.dispatchOverflow.Load(),
			DispatchPending:       r.dispatch.Pending(),
		},
		Worker: WorkerMetrics{
			Processed:    m.processed.Load(),
			Failed:       m.failed.Load(),
			DeadLettered: m.deadLettered.Load(),
			Released:     m.released.Load(),
			Timeouts:     m.timeouts.Load(),
		},
		CollectedAt: r.clock.Now().UTC(),
	}, nil
}
