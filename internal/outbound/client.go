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

// Package outbound talks to the marketplace API on behalf of an account.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hookrelay/hookrelay/internal/ratelimit"
	"github.com/hookrelay/hookrelay/internal/request"
	"github.com/hookrelay/hookrelay/model"
)

// TokenSource supplies the access token used for an account's calls.
type TokenSource interface {
	Token(ctx context.Context, accountID string) (string, error)
}

// StaticToken uses the same token for every account.
type StaticToken string

func (s StaticToken) Token(context.Context, string) (string, error) {
	return string(s), nil
}

// APIError is a non-2xx response from the upstream API.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: upstream returned %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Is classifies the response: 429 is a rate-limit signal, 429/408/401/5xx are
// transient, any other status is permanent.
func (e *APIError) Is(target error) bool {
	switch target {
	case ratelimit.ErrRateLimited:
		return e.StatusCode == http.StatusTooManyRequests
	case model.ErrTransient:
		return e.transient()
	case model.ErrPermanent:
		return !e.transient()
	}
	return false
}

func (e *APIError) transient() bool {
	switch {
	case e.StatusCode == http.StatusTooManyRequests,
		e.StatusCode == http.StatusRequestTimeout,
		e.StatusCode == http.StatusUnauthorized,
		e.StatusCode >= 500:
		return true
	}
	return false
}

// Client makes single, unguarded calls to the marketplace API.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
}

// NewClient returns a client rooted at baseURL. A nil token source sends no Authorization header.
func NewClient(baseURL string, timeout time.Duration, tokens TokenSource) *Client {
	if tokens == nil {
		tokens = StaticToken("")
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		tokens:  tokens,
	}
}

// Do performs one call. Network failures are wrapped as transient.
func (c *Client) Do(ctx context.Context, accountID, method, path string, body, out interface{}) error {
	token, err := c.tokens.Token(ctx, accountID)
	if err != nil {
		return model.Transient(fmt.Errorf("token for account %s: %w", accountID, err))
	}
	headers := map[string]string{}
	if token != "" {
		headers["Authorization"] = "Bearer " + token
	}

	_, err = request.Do(ctx, c.http, method, c.baseURL+path, headers, body, out)
	if err == nil {
		return nil
	}

	var statusErr *request.StatusError
	if errors.As(err, &statusErr) {
		apiErr := &APIError{Method: method, Path: path, StatusCode: statusErr.StatusCode, Body: statusErr.Body}
		logrus.WithFields(logrus.Fields{
			"account_id":  accountID,
			"method":      method,
			"path":        path,
			"status_code": statusErr.StatusCode,
		}).Debug("upstream call failed")
		return apiErr
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return model.Transient(fmt.Errorf("%s %s: %w", method, path, err))
}

// IsBreakerFailure reports whether err says something about upstream health.
// Rate limits, client errors and cancellations do not count.
func IsBreakerFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ratelimit.ErrRateLimited) {
		return false
	}
	return errors.Is(err, model.ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}
