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

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caddyserver/certmagic"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/posthog/posthog-go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/hookrelay/hookrelay/api"
	"github.com/hookrelay/hookrelay/config"
	trace "github.com/hookrelay/hookrelay/internal/traces"
)

const version = "0.1.0"

/*
serveTLS starts an HTTPS server using CertMagic for automatic certificate management.
If no domain is specified the certificate is issued for localhost.
*/
func serveTLS(ctx context.Context, r *gin.Engine, conf config.ServerConfig) error {
	certmagic.DefaultACME.Agreed = true
	certmagic.DefaultACME.Email = conf.Email
	cfg := certmagic.NewDefault()
	cfg.Storage = &certmagic.FileStorage{Path: "certmagic"}

	domains := []string{conf.Domain}
	if conf.Domain == "" {
		log.Println("No domain specified, defaulting to localhost")
		domains = []string{"localhost"}
	}

	if err := cfg.ManageSync(ctx, domains); err != nil {
		return err
	}

	server := &http.Server{
		Addr:      ":" + conf.Port,
		Handler:   r,
		TLSConfig: cfg.TLSConfig(),
	}

	log.Printf("Starting HTTPS server on %s\n", conf.Port)
	return runUntilDone(ctx, server, func() error { return server.ListenAndServeTLS("", "") })
}

// runUntilDone serves until ctx ends, then drains in-flight requests.
func runUntilDone(ctx context.Context, server *http.Server, serve func() error) error {
	errCh := make(chan error, 1)
	go func() { errCh <- serve() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// sendHeartbeat initializes and maintains a periodic heartbeat to PostHog
func sendHeartbeat(ctx context.Context, client posthog.Client, heartbeatID, process string) {
	ticker := time.NewTicker(5 * time.Minute)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if err := client.Enqueue(posthog.Capture{
				DistinctId: heartbeatID,
				Event:      "server_heartbeat",
				Properties: map[string]interface{}{
					"timestamp": time.Now().UTC(),
					"process":   process,
					"version":   version,
				},
			}); err != nil {
				log.Printf("Failed to send heartbeat: %v", err)
			}
		}
	}()
}

func initializeTracing(ctx context.Context, cfg *config.Configuration) (func(context.Context) error, error) {
	shutdown, err := trace.SetupOTelSDK(ctx, cfg.ProjectName, trace.Options{
		Endpoint: cfg.Telemetry.OtelURL,
		Version:  version,
	})
	if err != nil {
		return nil, fmt.Errorf("error setting up OTel SDK: %v", err)
	}
	return shutdown, nil
}

func initializePostHog(ctx context.Context, key, process string) posthog.Client {
	if key == "" {
		return nil
	}
	client, err := posthog.NewWithConfig(key, posthog.Config{Endpoint: "https://us.i.posthog.com"})
	if err != nil {
		log.Printf("PostHog disabled: %v", err)
		return nil
	}
	sendHeartbeat(ctx, client, uuid.New().String(), process)
	return client
}

func initializeObservability(ctx context.Context, cfg *config.Configuration, process string) (posthog.Client, func(context.Context) error, error) {
	if !cfg.Telemetry.Enabled {
		return nil, func(context.Context) error { return nil }, nil
	}

	shutdown, err := initializeTracing(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	return initializePostHog(ctx, cfg.Telemetry.PosthogKey, process), shutdown, nil
}

func startServer(ctx context.Context, router *gin.Engine, cfg config.ServerConfig) error {
	if cfg.SSL {
		return serveTLS(ctx, router, cfg)
	}
	server := &http.Server{Addr: ":" + cfg.Port, Handler: router}
	log.Printf("Starting server on http://localhost:%s", cfg.Port)
	return runUntilDone(ctx, server, server.ListenAndServe)
}

// serverCommands returns the command that serves the webhook intake and admin API.
func serverCommands(h *hookrelayInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start hookrelay server",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			phClient, shutdown, err := initializeObservability(ctx, h.cnf, "server")
			if err != nil {
				log.Fatal(err)
			}
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					log.Printf("Error during shutdown: %v", err)
				}
			}()
			if phClient != nil {
				defer phClient.Close()
			}

			router := api.NewAPI(h.relay).Router()
			if err := startServer(ctx, router, h.cnf.Server); err != nil {
				log.Fatal(err)
			}

			// accepted notifications still waiting on account resolution get a chance to land
			drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := h.relay.Close(drainCtx); err != nil {
				logrus.WithError(err).Warn("detached receives did not finish before shutdown")
			}
			_ = h.alerts.Close()
			_ = h.redis.Close()
		},
	}

	return cmd
}
