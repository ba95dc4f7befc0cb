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
	"fmt"
	"log"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/hookrelay/hookrelay"
	"github.com/hookrelay/hookrelay/config"
	"github.com/hookrelay/hookrelay/database"
	"github.com/hookrelay/hookrelay/internal/alerts"
	"github.com/hookrelay/hookrelay/internal/clock"
	"github.com/hookrelay/hookrelay/internal/notification"
	redis_db "github.com/hookrelay/hookrelay/internal/redis-db"
)

// Hookrelay represents the CLI application, encapsulating the root Cobra command.
type Hookrelay struct {
	cmd *cobra.Command
}

// hookrelayInstance holds everything the commands share at runtime.
type hookrelayInstance struct {
	relay    *hookrelay.Relay
	redis    *redis_db.Redis
	db       *database.Datasource
	resolver *database.Resolver
	alerts   *alerts.Notifier
	cnf      *config.Configuration
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration and wires the relay before any command runs.
func preRun(app *hookrelayInstance, configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig(*configFile)
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		if err := setupRelay(app, cnf); err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}
		app.cnf = cnf
		return nil
	}
}

// setupRelay connects to Redis and the account database and builds the relay on top of them.
func setupRelay(app *hookrelayInstance, cnf *config.Configuration) error {
	rdb, err := redis_db.NewRedisClient(redis_db.SplitAddresses(cnf.Redis.Dns), 30*time.Second)
	if err != nil {
		return fmt.Errorf("error connecting to redis: %v", err)
	}

	db, err := database.NewDataSource(cnf)
	if err != nil {
		return fmt.Errorf("error getting datasource: %v", err)
	}

	clk := clock.NewRealClock()
	store := hookrelay.NewCache(cnf, rdb.Client(), clk)
	resolver := database.NewResolver(db, store, 0)

	notifier := alerts.NewNotifier(rdb.Client(), alerts.Options{
		Queue:    cnf.Queue.AlertQueue,
		MaxRetry: cnf.Queue.AlertMaxRetry,
		URL:      cnf.Notification.Webhook.Url,
		Headers:  cnf.Notification.Webhook.Headers,
	})

	relay, err := hookrelay.NewRelay(cnf, rdb.Client(), hookrelay.Options{
		Resolver: resolver,
		Alerts:   notifier,
		Cache:    store,
		Clock:    clk,
	})
	if err != nil {
		return fmt.Errorf("error creating relay: %v", err)
	}
	if cnf.Handler.ForwardURL != "" {
		relay.HandleDefault(hookrelay.NewForwardingHandler(cnf.Handler.ForwardURL, cnf.Handler.Headers))
	}

	app.relay = relay
	app.redis = rdb
	app.db = db
	app.resolver = resolver
	app.alerts = notifier
	return nil
}

// NewCLI creates the root command and registers every subcommand.
func NewCLI() *Hookrelay {
	var configFile string
	h := &hookrelayInstance{}

	var rootCmd = &cobra.Command{
		Use:   "hookrelay",
		Short: "Multi-tenant marketplace webhook relay",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./hookrelay.json", "Configuration file for hookrelay")
	rootCmd.PersistentPreRunE = preRun(h, &configFile)

	rootCmd.AddCommand(serverCommands(h))
	rootCmd.AddCommand(workerCommands(h))
	rootCmd.AddCommand(migrateCommands(h))
	rootCmd.AddCommand(deadLetterCommands(h))
	rootCmd.AddCommand(accountCommands(h))
	rootCmd.AddCommand(configCommands())

	return &Hookrelay{cmd: rootCmd}
}

func (w Hookrelay) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
