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

// Package database holds the SQL side of the relay: the marketplace account
// mapping the resolver reads and the migrations that create it.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hookrelay/hookrelay/config"
)

var (
	instance *Datasource
	once     sync.Once
)

// Datasource is the SQL connection the resolver and the migrations share.
type Datasource struct {
	Conn   *sql.DB
	Driver string
}

// NewDataSource returns the process wide datasource, connecting on first use.
func NewDataSource(configuration *config.Configuration) (*Datasource, error) {
	var err error
	once.Do(func() {
		con, errConn := ConnectDB(configuration.DataSource.Driver, configuration.DataSource.Dns)
		if errConn != nil {
			err = errConn
			return
		}
		instance = &Datasource{Conn: con, Driver: configuration.DataSource.Driver}
	})
	if err != nil {
		// allow the next call to retry
		once = sync.Once{}
		return nil, err
	}
	return instance, nil
}

// ConnectDB opens and pings a pool for driver, postgres when empty.
func ConnectDB(driver, dns string) (*sql.DB, error) {
	if driver == "" {
		driver = "postgres"
	}
	db, err := sql.Open(driver, dns)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s connection", driver)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		logrus.WithFields(logrus.Fields{"driver": driver, "error": err}).Error("database connection error")
		_ = db.Close()
		return nil, errors.Wrap(err, "ping database")
	}
	return db, nil
}

// rebind rewrites $n placeholders into the form the driver expects.
func rebind(driver, query string) string {
	if driver != "mysql" {
		return query
	}
	var b strings.Builder
	for i := 0; i < len(query); i++ {
		if query[i] == '$' && i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
			b.WriteByte('?')
			for i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
				i++
			}
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (d *Datasource) query(q string) string {
	return rebind(d.Driver, q)
}

func (d *Datasource) Close() error {
	return d.Conn.Close()
}

// Ping is used by the health check.
func (d *Datasource) Ping(ctx context.Context) error {
	if err := d.Conn.PingContext(ctx); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	return nil
}
