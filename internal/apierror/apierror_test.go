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

package apierror_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hookrelay/hookrelay/internal/apierror"
	"github.com/hookrelay/hookrelay/model"
)

func TestNewAPIError(t *testing.T) {
	details := "queue unreachable"
	apiErr := apierror.NewAPIError(apierror.ErrInternalServer, "Something went wrong", details)

	assert.Equal(t, apierror.ErrInternalServer, apiErr.Code)
	assert.Equal(t, "Something went wrong", apiErr.Message)
	assert.Equal(t, details, apiErr.Details)
	assert.Equal(t, "INTERNAL_SERVER_ERROR: Something went wrong", apiErr.Error())
}

func TestMapErrorToHTTPStatus(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"NotFound", apierror.NewAPIError(apierror.ErrNotFound, "job not found", nil), http.StatusNotFound},
		{"Conflict", apierror.NewAPIError(apierror.ErrConflict, "not dead lettered", nil), http.StatusConflict},
		{"InvalidInput", apierror.NewAPIError(apierror.ErrInvalidInput, "bad body", nil), http.StatusBadRequest},
		{"Forbidden", apierror.NewAPIError(apierror.ErrForbidden, "origin not allowed", nil), http.StatusForbidden},
		{"Unauthorized", apierror.NewAPIError(apierror.ErrUnauthorized, "missing key", nil), http.StatusUnauthorized},
		{"Unavailable", apierror.NewAPIError(apierror.ErrUnavailable, "redis down", nil), http.StatusServiceUnavailable},
		{"Wrapped", fmt.Errorf("handler: %w", apierror.NewAPIError(apierror.ErrNotFound, "x", nil)), http.StatusNotFound},
		{"Unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, apierror.MapErrorToHTTPStatus(tt.err))
		})
	}
}

func TestFromError(t *testing.T) {
	assert.Equal(t, apierror.ErrNotFound, apierror.FromError(fmt.Errorf("job_1: %w", model.ErrJobNotFound)).Code)
	assert.Equal(t, apierror.ErrConflict, apierror.FromError(model.ErrNotDeadLettered).Code)
	assert.Equal(t, apierror.ErrInvalidInput, apierror.FromError(model.Permanent(errors.New("bad"))).Code)

	internal := apierror.FromError(errors.New("dial tcp: refused"))
	assert.Equal(t, apierror.ErrInternalServer, internal.Code)
	assert.Equal(t, "internal server error", internal.Message)
}
