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
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hookrelay/hookrelay/internal/cache"
	"github.com/hookrelay/hookrelay/model"
)

// AccountNamespace is the cache namespace resolved accounts are kept under.
const AccountNamespace = "accounts"

// Resolver maps a marketplace user id to the internal account that owns it.
type Resolver struct {
	ds    *Datasource
	cache *cache.Store
	ttl   time.Duration
}

// NewResolver fronts the account table with the cache. A nil cache always reads SQL.
func NewResolver(ds *Datasource, c *cache.Store, ttl time.Duration) *Resolver {
	return &Resolver{ds: ds, cache: c, ttl: ttl}
}

// Resolve returns the active account for originAccountID or model.ErrAccountNotFound.
// Misses are not cached so a newly linked account is seen on the next delivery.
func (r *Resolver) Resolve(ctx context.Context, originAccountID string) (*model.Account, error) {
	if r.cache == nil {
		return r.lookup(ctx, originAccountID)
	}
	return cache.GetOrFetch(ctx, r.cache, AccountNamespace, originAccountID, r.ttl, func(ctx context.Context) (*model.Account, error) {
		return r.lookup(ctx, originAccountID)
	})
}

func (r *Resolver) lookup(ctx context.Context, originAccountID string) (*model.Account, error) {
	var acc model.Account
	row := r.ds.Conn.QueryRowContext(ctx, r.ds.query(`
		SELECT account_id, tenant_id, origin_account_id, active, created_at
		FROM marketplace_accounts
		WHERE origin_account_id = $1 AND active = TRUE
	`), originAccountID)
	err := row.Scan(&acc.AccountID, &acc.TenantID, &acc.OriginAccountID, &acc.Active, &acc.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(model.ErrAccountNotFound, "origin account %s", originAccountID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "query marketplace account")
	}
	return &acc, nil
}

// LinkAccount creates or updates the mapping for acc.OriginAccountID and drops
// any cached copy.
func (r *Resolver) LinkAccount(ctx context.Context, acc model.Account) error {
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = time.Now().UTC()
	}
	tx, err := r.ds.Conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin link account")
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			logrus.WithError(err).Error("rollback link account")
		}
	}()

	res, err := tx.ExecContext(ctx, r.ds.query(`
		UPDATE marketplace_accounts SET account_id = $1, tenant_id = $2, active = $3
		WHERE origin_account_id = $4
	`), acc.AccountID, acc.TenantID, acc.Active, acc.OriginAccountID)
	if err != nil {
		return errors.Wrap(err, "update marketplace account")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := tx.ExecContext(ctx, r.ds.query(`
			INSERT INTO marketplace_accounts (origin_account_id, account_id, tenant_id, active, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`), acc.OriginAccountID, acc.AccountID, acc.TenantID, acc.Active, acc.CreatedAt); err != nil {
			return errors.Wrap(err, "insert marketplace account")
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit link account")
	}
	return r.forget(ctx, acc.OriginAccountID)
}

// UnlinkAccount deactivates the mapping so future notifications for it are dropped.
func (r *Resolver) UnlinkAccount(ctx context.Context, originAccountID string) error {
	res, err := r.ds.Conn.ExecContext(ctx, r.ds.query(`
		UPDATE marketplace_accounts SET active = FALSE WHERE origin_account_id = $1
	`), originAccountID)
	if err != nil {
		return errors.Wrap(err, "deactivate marketplace account")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(model.ErrAccountNotFound, "origin account %s", originAccountID)
	}
	return r.forget(ctx, originAccountID)
}

func (r *Resolver) forget(ctx context.Context, originAccountID string) error {
	if r.cache == nil {
		return nil
	}
	return r.cache.Invalidate(ctx, AccountNamespace, originAccountID)
}
