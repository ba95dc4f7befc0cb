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

	migrate "github.com/rubenv/sql-migrate"
	"github.com/spf13/cobra"

	"github.com/hookrelay/hookrelay/database"
)

// migrateCommands creates the root command for migration-related operations.
func migrateCommands(h *hookrelayInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "manage the account database schema",
	}

	cmd.AddCommand(migrateRunCommand(h, "up", migrate.Up))
	cmd.AddCommand(migrateRunCommand(h, "down", migrate.Down))
	cmd.AddCommand(migrateStatusCommand(h))

	return cmd
}

func migrateRunCommand(h *hookrelayInstance, use string, direction migrate.MigrationDirection) *cobra.Command {
	return &cobra.Command{
		Use: use,
		Run: func(cmd *cobra.Command, args []string) {
			n, err := database.Migrate(h.db.Conn, h.db.Driver, direction)
			if err != nil {
				log.Printf("Error migrating %s: %v", use, err)
				return
			}
			if direction == migrate.Up {
				fmt.Printf("Applied %d migrations!\n", n)
			} else {
				fmt.Printf("Rolled back %d migrations!\n", n)
			}
		},
	}
}

func migrateStatusCommand(h *hookrelayInstance) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "list migrations that have not been applied",
		Run: func(cmd *cobra.Command, args []string) {
			pending, err := database.PendingMigrations(h.db.Conn, h.db.Driver)
			if err != nil {
				log.Printf("Error planning migrations: %v", err)
				return
			}
			if len(pending) == 0 {
				fmt.Println("Schema is up to date")
				return
			}
			for _, id := range pending {
				fmt.Println("pending:", id)
			}
		},
	}
}
