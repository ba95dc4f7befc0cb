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
	"errors"
	"fmt"
)

var (
	ErrDuplicateEvent   = errors.New("duplicate event")
	ErrAccountNotFound  = errors.New("account not found")
	ErrTransient        = errors.New("transient downstream error")
	ErrPermanent        = errors.New("permanent handler error")
	ErrHandlerTimeout   = errors.New("handler timed out")
	ErrJobNotFound      = errors.New("job not found")
	ErrNotDeadLettered  = errors.New("job is not dead-lettered")
	ErrNoHandlerForType = errors.New("no handler registered for topic")
)

// ValidationError is returned for malformed payloads. It is never retried.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Is makes every validation error count as permanent.
func (e *ValidationError) Is(target error) bool {
	return target == ErrPermanent
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// Transient marks err as a retryable downstream failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// IsPermanent reports whether retrying err can never succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}
