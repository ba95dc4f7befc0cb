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

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/hookrelay/hookrelay"
	"github.com/hookrelay/hookrelay/api/middleware"
	"github.com/hookrelay/hookrelay/config"
)

type Api struct {
	relay  *hookrelay.Relay
	router *gin.Engine
	conf   *config.Configuration
}

// Router registers the webhook and admin routes.
func (a Api) Router() *gin.Engine {
	router := a.router

	webhooks := router.Group("/webhooks", middleware.ProcessingTime())
	webhooks.POST("/:source", a.ReceiveWebhook)
	webhooks.GET("/:source/health", a.WebhookHealth)

	admin := router.Group("/admin", middleware.RateLimitMiddleware(a.conf), middleware.SecretKeyAuthMiddleware())
	admin.GET("/metrics", a.GetMetrics)
	admin.GET("/jobs/:id", a.GetJob)
	admin.GET("/dead-letters", a.ListDeadLetters)
	admin.POST("/dead-letters/:id/requeue", a.RequeueDeadLetter)
	admin.DELETE("/cache/tenants/:tenant", a.InvalidateTenantCache)
	admin.DELETE("/cache/:namespace", a.InvalidateCacheNamespace)

	return a.router
}

// NewAPI builds the engine with the base routes. Only the configured trusted
// proxies may set the client IP through forwarded headers.
func NewAPI(relay *hookrelay.Relay) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf := relay.Config()

	r := gin.New()
	if err := r.SetTrustedProxies(conf.Server.TrustedProxies); err != nil {
		logrus.WithError(err).Error("invalid trusted proxies, forwarded headers are ignored")
		_ = r.SetTrustedProxies(nil)
	}
	r.Use(gin.Recovery(), otelgin.Middleware(conf.ProjectName), middleware.RequestLogger())

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, "server running...")
	})

	r.GET("/health", func(c *gin.Context) {
		if err := relay.Health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return &Api{relay: relay, router: r, conf: conf}
}
