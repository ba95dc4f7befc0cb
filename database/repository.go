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

	"github.com/hookrelay/hookrelay/model"
)

// AccountRepository is the account mapping as the relay and the CLI see it.
type AccountRepository interface {
	Resolve(ctx context.Context, originAccountID string) (*model.Account, error)
	LinkAccount(ctx context.Context, acc model.Account) error
	UnlinkAccount(ctx context.Context, originAccountID string) error
}

var _ AccountRepository = (*Resolver)(nil)
