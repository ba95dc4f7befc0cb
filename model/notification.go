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
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// FlexibleID accepts both JSON numbers and JSON strings.
// The marketplace sends user ids as integers but some sandboxes send them quoted.
type FlexibleID string

func (f *FlexibleID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexibleID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexibleID(n.String())
	return nil
}

func (f FlexibleID) String() string {
	return string(f)
}

// FlexibleTime accepts RFC3339 strings and unix timestamps.
type FlexibleTime struct {
	time.Time
}

func (t *FlexibleTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
			t.Time = time.Unix(unix, 0).UTC()
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return err
		}
		t.Time = parsed
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	unix, err := n.Int64()
	if err != nil {
		return err
	}
	t.Time = time.Unix(unix, 0).UTC()
	return nil
}

func (t FlexibleTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time)
}

// Notification is the change notification posted by the marketplace.
type Notification struct {
	Topic         string       `json:"topic"`
	Resource      string       `json:"resource"`
	UserID        FlexibleID   `json:"user_id"`
	ApplicationID FlexibleID   `json:"application_id,omitempty"`
	Attempts      int          `json:"attempts,omitempty"`
	Sent          FlexibleTime `json:"sent,omitempty"`
	Received      FlexibleTime `json:"received,omitempty"`
}

// ParseNotification decodes and validates a raw webhook body.
func ParseNotification(body []byte) (*Notification, error) {
	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, &ValidationError{Reason: "malformed json", Err: err}
	}
	n.Topic = strings.TrimSpace(n.Topic)
	n.Resource = strings.TrimSpace(n.Resource)
	if err := n.Validate(); err != nil {
		return nil, &ValidationError{Reason: "invalid notification", Err: err}
	}
	return &n, nil
}

func (n *Notification) Validate() error {
	return validation.ValidateStruct(n,
		validation.Field(&n.Topic, validation.Required, validation.Length(1, 128)),
		validation.Field(&n.Resource, validation.Required, validation.By(startsWithSlash)),
		validation.Field(&n.UserID, validation.Required),
	)
}

func startsWithSlash(value interface{}) error {
	s, _ := value.(string)
	if !strings.HasPrefix(s, "/") {
		return validation.NewError("validation_resource_path", "must be a path starting with /")
	}
	return nil
}

const keySeparator = "\x1f"

// IdempotencyKey derives the deduplication key for a notification.
// Only the identifying fields participate; delivery attempts and timestamps never do,
// so every redelivery of the same change maps to the same key.
func IdempotencyKey(source string, n *Notification) string {
	parts := []string{
		strings.TrimSpace(source),
		strings.ToLower(strings.TrimSpace(n.Topic)),
		strings.TrimSpace(n.Resource),
		strings.TrimSpace(n.UserID.String()),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, keySeparator)))
	return hex.EncodeToString(sum[:])
}
