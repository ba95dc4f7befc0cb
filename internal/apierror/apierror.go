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

package apierror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/hookrelay/hookrelay/model"
)

type ErrorCode string

const (
	ErrNotFound       ErrorCode = "NOT_FOUND"
	ErrConflict       ErrorCode = "CONFLICT"
	ErrBadRequest     ErrorCode = "BAD_REQUEST"
	ErrInvalidInput   ErrorCode = "INVALID_INPUT"
	ErrForbidden      ErrorCode = "FORBIDDEN"
	ErrUnauthorized   ErrorCode = "UNAUTHORIZED"
	ErrUnavailable    ErrorCode = "SERVICE_UNAVAILABLE"
	ErrInternalServer ErrorCode = "INTERNAL_SERVER_ERROR"
)

// APIError is the error body returned by the admin API.
type APIError struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (e APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewAPIError creates a new APIError.
func NewAPIError(code ErrorCode, message string, details interface{}) APIError {
	if details != nil {
		logrus.WithFields(logrus.Fields{"code": code, "details": details}).Error(message)
	}
	return APIError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// FromError maps pipeline errors onto API errors. Unknown errors become
// internal errors and their text is not exposed.
func FromError(err error) APIError {
	var apiErr APIError
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, model.ErrJobNotFound):
		return APIError{Code: ErrNotFound, Message: err.Error()}
	case errors.Is(err, model.ErrNotDeadLettered):
		return APIError{Code: ErrConflict, Message: err.Error()}
	case errors.Is(err, model.ErrPermanent):
		return APIError{Code: ErrInvalidInput, Message: err.Error()}
	}
	return NewAPIError(ErrInternalServer, "internal server error", err.Error())
}

// MapErrorToHTTPStatus picks the status code for err, 500 for anything unknown.
func MapErrorToHTTPStatus(err error) int {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case ErrNotFound:
			return http.StatusNotFound
		case ErrConflict:
			return http.StatusConflict
		case ErrInvalidInput, ErrBadRequest:
			return http.StatusBadRequest
		case ErrForbidden:
			return http.StatusForbidden
		case ErrUnauthorized:
			return http.StatusUnauthorized
		case ErrUnavailable:
			return http.StatusServiceUnavailable
		default:
			return http.StatusInternalServerError
		}
	}
	return http.StatusInternalServerError
}
