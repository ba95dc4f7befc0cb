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
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// dispatcher runs detached receiver work on a bounded pool. Submissions never
// block: when the buffer is full Submit reports false and the caller decides.
type dispatcher struct {
	tasks chan func(context.Context)
	sem   *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool

	running sync.WaitGroup
	pumped  chan struct{}
}

func newDispatcher(workers, buffer int) *dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &dispatcher{
		tasks:  make(chan func(context.Context), buffer),
		sem:    semaphore.NewWeighted(int64(workers)),
		ctx:    ctx,
		cancel: cancel,
		pumped: make(chan struct{}),
	}
	go d.pump()
	return d
}

func (d *dispatcher) pump() {
	defer close(d.pumped)
	for task := range d.tasks {
		// only fails once the dispatcher was force stopped; the task still
		// runs, with a cancelled context, so it can release what it claimed
		if err := d.sem.Acquire(d.ctx, 1); err != nil {
			d.run(task)
			continue
		}
		d.running.Add(1)
		go func(task func(context.Context)) {
			defer d.running.Done()
			defer d.sem.Release(1)
			d.run(task)
		}(task)
	}
}

func (d *dispatcher) run(task func(context.Context)) {
	defer func() {
		if rec := recover(); rec != nil {
			logrus.WithField("panic", rec).Error("detached receiver task panicked")
		}
	}()
	task(d.ctx)
}

// Submit queues task. It returns false when the buffer is full or the
// dispatcher is closed.
func (d *dispatcher) Submit(task func(context.Context)) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.tasks <- task:
		return true
	default:
		return false
	}
}

// Pending is the number of buffered tasks not yet started.
func (d *dispatcher) Pending() int {
	return len(d.tasks)
}

// Close drains accepted tasks. When ctx ends first every remaining task,
// started or still buffered, runs to completion with a cancelled context.
func (d *dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.tasks)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		<-d.pumped
		d.running.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
