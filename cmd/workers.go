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

	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.elastic.co/apm/module/apmlogrus/v2"

	"github.com/hookrelay/hookrelay/config"
	"github.com/hookrelay/hookrelay/internal/alerts"
	redis_db "github.com/hookrelay/hookrelay/internal/redis-db"
)

func init() {
	logrus.AddHook(&apmlogrus.Hook{})
}

func redisConnOpt(conf *config.Configuration) (asynq.RedisClientOpt, error) {
	addrs := redis_db.SplitAddresses(conf.Redis.Dns)
	if len(addrs) == 0 {
		return asynq.RedisClientOpt{}, errors.New("redis DNS is required")
	}
	redisOption, err := redis_db.ParseRedisURL(addrs[0])
	if err != nil {
		return asynq.RedisClientOpt{}, fmt.Errorf("error parsing Redis URL: %v", err)
	}
	return asynq.RedisClientOpt{
		Addr:      redisOption.Addr,
		Password:  redisOption.Password,
		DB:        redisOption.DB,
		TLSConfig: redisOption.TLSConfig,
	}, nil
}

// initializeAlertServer builds the asynq server that delivers queued alerts.
func initializeAlertServer(conf *config.Configuration, notifier *alerts.Notifier) (*asynq.Server, *asynq.ServeMux, error) {
	connOpt, err := redisConnOpt(conf)
	if err != nil {
		return nil, nil, err
	}

	srv := asynq.NewServer(connOpt, asynq.Config{
		Concurrency: conf.Queue.AlertWorkerPoolSize,
		Queues:      map[string]int{notifier.Queue(): 1},
		Logger:      logrus.StandardLogger(),
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(alerts.TaskType, notifier.ProcessTask)
	return srv, mux, nil
}

func startMonitoring(conf *config.Configuration) (*http.Server, error) {
	connOpt, err := redisConnOpt(conf)
	if err != nil {
		return nil, err
	}
	h := asynqmon.New(asynqmon.Options{
		RootPath:     "/monitoring",
		RedisConnOpt: connOpt,
	})

	server := &http.Server{Addr: fmt.Sprintf(":%s", conf.Queue.MonitoringPort), Handler: h}
	go func() {
		log.Printf("Asynqmon server listening on %s/monitoring", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Error("could not start asynqmon server")
		}
	}()
	return server, nil
}

// workerCommands defines the "workers" command: the job worker loop plus the
// alert delivery server.
func workerCommands(h *hookrelayInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start hookrelay workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			conf := h.cnf

			phClient, shutdown, err := initializeObservability(ctx, conf, "workers")
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

			srv, mux, err := initializeAlertServer(conf, h.alerts)
			if err != nil {
				log.Fatal(err)
			}
			if err := srv.Start(mux); err != nil {
				log.Fatalf("could not start alert server: %v", err)
			}
			defer srv.Shutdown()

			monitor, err := startMonitoring(conf)
			if err != nil {
				log.Fatal(err)
			}
			defer monitor.Close()

			if err := h.relay.RunWorkers(ctx); err != nil {
				logrus.WithError(err).Error("worker loop stopped")
			}

			_ = h.alerts.Close()
			_ = h.redis.Close()
		},
	}

	return cmd
}
