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
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/hookrelay/hookrelay"
)

var webhookCapabilities = []string{
	"idempotent-intake",
	"async-account-resolution",
	"priority-queueing",
	"adaptive-rate-limiting",
	"circuit-breaking",
}

// ReceiveWebhook acknowledges a marketplace notification. Anything except an
// origin outside the allow-list is answered with 200 so the platform never
// hot-retries; the body says whether the notification was taken.
func (a *Api) ReceiveWebhook(c *gin.Context) {
	source := c.Param("source")

	if !a.relay.OriginAllowed(c.ClientIP()) {
		c.JSON(http.StatusForbidden, gin.H{"received": false, "error": "origin not allowed"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, a.conf.Receiver.MaxBodyBytes))
	if err != nil {
		logrus.WithFields(logrus.Fields{"source": source, "error": err}).Warn("notification body rejected")
		c.JSON(http.StatusOK, hookrelay.Ack{Received: false, Reason: hookrelay.ReasonInvalid})
		return
	}

	c.JSON(http.StatusOK, a.relay.Receive(c.Request.Context(), source, body))
}

func (a *Api) WebhookHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"source":       c.Param("source"),
		"capabilities": webhookCapabilities,
	})
}
