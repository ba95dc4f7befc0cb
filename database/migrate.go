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

package database

import (
	"database/sql"
	"embed"

	"github.com/pkg/errors"
	migrate "github.com/rubenv/sql-migrate"
)

//go:embed sql/*.sql
var SQLFiles embed.FS

const migrationTable = "hookrelay_migrations"

func migrationSource() migrate.MigrationSource {
	return migrate.EmbedFileSystemMigrationSource{
		FileSystem: SQLFiles,
		Root:       "sql",
	}
}

// Migrate applies (up) or rolls back (down) the embedded migrations and returns
// how many ran.
func Migrate(db *sql.DB, driver string, direction migrate.MigrationDirection) (int, error) {
	if driver == "" {
		driver = "postgres"
	}
	ms := migrate.MigrationSet{TableName: migrationTable}
	n, err := ms.Exec(db, driver, migrationSource(), direction)
	if err != nil {
		return n, errors.Wrap(err, "run migrations")
	}
	return n, nil
}

// PendingMigrations lists migrations not yet applied.
func PendingMigrations(db *sql.DB, driver string) ([]string, error) {
	ms := migrate.MigrationSet{TableName: migrationTable}
	planned, _, err := ms.PlanMigration(db, driver, migrationSource(), migrate.Up, 0)
	if err != nil {
		return nil, errors.Wrap(err, "plan migrations")
	}
	ids := make([]string, 0, len(planned))
	for _, m := range planned {
		ids = append(ids, m.Id)
	}
	return ids, nil
}
