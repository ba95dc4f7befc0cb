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

package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/hookrelay/hookrelay/internal/apierror"
)

const defaultDeadLetterLimit = 100

func respondError(c *gin.Context, err error) {
	apiErr := apierror.FromError(err)
	c.JSON(apierror.MapErrorToHTTPStatus(apiErr), apiErr)
}

// GetMetrics returns the queue, circuit, rate limiter and intake counters.
func (a *Api) GetMetrics(c *gin.Context) {
	snap, err := a.relay.Metrics(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (a *Api) GetJob(c *gin.Context) {
	job, err := a.relay.Job(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// ListDeadLetters returns the most recent dead-lettered jobs, newest first.
func (a *Api) ListDeadLetters(c *gin.Context) {
	limit := int64(defaultDeadLetterLimit)
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, apierror.NewAPIError(apierror.ErrInvalidInput, "limit must be a positive integer", nil))
			return
		}
		limit = n
	}

	jobs, err := a.relay.DeadLetters(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobs)
}

func (a *Api) RequeueDeadLetter(c *gin.Context) {
	id := c.Param("id")
	if err := a.relay.RequeueDeadLetter(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "job requeued", "id": id})
}

func (a *Api) InvalidateCacheNamespace(c *gin.Context) {
	namespace := c.Param("namespace")
	removed, err := a.relay.InvalidateNamespace(c.Request.Context(), namespace)
	if err != nil {
		respondError(c, err)
		return
	}
	logrus.WithFields(logrus.Fields{"namespace": namespace, "removed": removed}).Info("cache namespace invalidated")
	c.JSON(http.StatusOK, gin.H{"namespace": namespace, "removed": removed})
}

func (a *Api) InvalidateTenantCache(c *gin.Context) {
	tenant := c.Param("tenant")
	removed, err := a.relay.InvalidateTenant(c.Request.Context(), tenant)
	if err != nil {
		respondError(c, err)
		return
	}
	logrus.WithFields(logrus.Fields{"tenant_id": tenant, "removed": removed}).Info("tenant cache invalidated")
	c.JSON(http.StatusOK, gin.H{"tenant_id": tenant, "removed": removed})
}
