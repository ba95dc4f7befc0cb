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

package queue

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/hookrelay/hookrelay/model"
)

// Depth is the number of jobs waiting to run, ready or delayed.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	interactive := pipe.LLen(ctx, q.readyKey(model.PriorityInteractive))
	background := pipe.LLen(ctx, q.readyKey(model.PriorityBackground))
	delayed := pipe.ZCard(ctx, q.delayedKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return interactive.Val() + background.Val() + delayed.Val(), nil
}

// OldestAge is the age of the oldest ready job, zero when both lists are empty.
func (q *Queue) OldestAge(ctx context.Context) (time.Duration, error) {
	var oldest time.Duration
	for _, p := range []model.Priority{model.PriorityInteractive, model.PriorityBackground} {
		id, err := q.client.LIndex(ctx, q.readyKey(p), -1).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return 0, err
		}
		created, err := q.client.HGet(ctx, q.jobKey(id), "created_at").Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return 0, err
		}
		ms, err := strconv.ParseInt(created, 10, 64)
		if err != nil {
			continue
		}
		if age := q.opts.Clock.Now().Sub(time.UnixMilli(ms)); age > oldest {
			oldest = age
		}
	}
	return oldest, nil
}

// Stats reports job counts by status.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	interactive := pipe.LLen(ctx, q.readyKey(model.PriorityInteractive))
	background := pipe.LLen(ctx, q.readyKey(model.PriorityBackground))
	delayed := pipe.ZCard(ctx, q.delayedKey())
	inflight := pipe.ZCard(ctx, q.inflightKey())
	dead := pipe.ZCard(ctx, q.deadKey())
	counters := pipe.HGetAll(ctx, q.statsKey())
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, err
	}

	c := counters.Val()
	return Stats{
		Ready:             interactive.Val() + background.Val(),
		Delayed:           delayed.Val(),
		InFlight:          inflight.Val(),
		DeadLettered:      dead.Val(),
		CompletedTotal:    atoi64(c["completed"]),
		FailedTotal:       atoi64(c["failed"]),
		DeadLetteredTotal: atoi64(c["dead_lettered"]),
	}, nil
}

// DeadLetters lists the most recently dead-lettered jobs, newest first.
func (q *Queue) DeadLetters(ctx context.Context, limit int64) ([]*model.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := q.client.ZRevRange(ctx, q.deadKey(), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]*model.Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.Get(ctx, id)
		if err != nil {
			logrus.WithFields(logrus.Fields{"job_id": id, "error": err}).Warn("skipping unreadable dead letter")
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
