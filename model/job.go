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

package model

import (
	"encoding/json"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// JobStatus is the lifecycle state of a queued job.
type JobStatus string

const (
	JobPending      JobStatus = "pending"
	JobProcessing   JobStatus = "processing"
	JobCompleted    JobStatus = "completed"
	JobFailed       JobStatus = "failed"
	JobDeadLettered JobStatus = "dead_lettered"
)

// Priority selects the queue class a job is served from.
type Priority string

const (
	PriorityInteractive Priority = "interactive"
	PriorityBackground  Priority = "background"
)

// Job is one unit of durable work derived from a notification.
// ID is the notification's idempotency key.
type Job struct {
	ID              string          `json:"id"`
	Source          string          `json:"source"`
	Topic           string          `json:"topic"`
	Resource        string          `json:"resource"`
	OriginAccountID string          `json:"origin_account_id"`
	AccountID       string          `json:"account_id,omitempty"`
	TenantID        string          `json:"tenant_id,omitempty"`
	Priority        Priority        `json:"priority"`
	Attempts        int             `json:"attempts"`
	MaxAttempts     int             `json:"max_attempts"`
	Status          JobStatus       `json:"status"`
	LastError       string          `json:"last_error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	AvailableAt     time.Time       `json:"available_at"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

// NewJob builds a pending job for a validated notification.
func NewJob(key, source string, n *Notification, priority Priority, maxAttempts int, now time.Time) *Job {
	payload, _ := json.Marshal(n)
	return &Job{
		ID:              key,
		Source:          source,
		Topic:           n.Topic,
		Resource:        n.Resource,
		OriginAccountID: n.UserID.String(),
		Priority:        priority,
		MaxAttempts:     maxAttempts,
		Status:          JobPending,
		CreatedAt:       now,
		UpdatedAt:       now,
		AvailableAt:     now,
		Payload:         payload,
	}
}

// Resolved reports whether the job already carries its internal account.
func (j *Job) Resolved() bool {
	return j.AccountID != ""
}

// Attach copies the resolved account onto the job.
func (j *Job) Attach(a *Account) {
	j.AccountID = a.AccountID
	j.TenantID = a.TenantID
}

// Account maps a marketplace user id to an internal account of a tenant.
type Account struct {
	AccountID       string    `json:"account_id"`
	TenantID        string    `json:"tenant_id"`
	OriginAccountID string    `json:"origin_account_id"`
	Active          bool      `json:"active"`
	CreatedAt       time.Time `json:"created_at"`
}

func (a Account) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.AccountID, validation.Required),
		validation.Field(&a.TenantID, validation.Required),
		validation.Field(&a.OriginAccountID, validation.Required),
	)
}
