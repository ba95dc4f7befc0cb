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

	"github.com/spf13/cobra"

	"github.com/hookrelay/hookrelay/model"
)

func accountCommands(h *hookrelayInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "manage marketplace account links",
	}

	cmd.AddCommand(accountLinkCommand(h))
	cmd.AddCommand(accountUnlinkCommand(h))
	cmd.AddCommand(accountResolveCommand(h))

	return cmd
}

func accountLinkCommand(h *hookrelayInstance) *cobra.Command {
	var acc model.Account
	cmd := &cobra.Command{
		Use:   "link",
		Short: "link a marketplace user id to an internal account",
		RunE: func(cmd *cobra.Command, args []string) error {
			acc.Active = true
			if err := acc.Validate(); err != nil {
				return err
			}
			if err := h.resolver.LinkAccount(cmd.Context(), acc); err != nil {
				return err
			}
			fmt.Printf("linked %s -> %s (tenant %s)\n", acc.OriginAccountID, acc.AccountID, acc.TenantID)
			return nil
		},
	}
	cmd.Flags().StringVar(&acc.OriginAccountID, "origin", "", "marketplace user id")
	cmd.Flags().StringVar(&acc.AccountID, "account", "", "internal account id")
	cmd.Flags().StringVar(&acc.TenantID, "tenant", "", "tenant id")
	return cmd
}

func accountUnlinkCommand(h *hookrelayInstance) *cobra.Command {
	return &cobra.Command{
		Use:   "unlink [origin-id]",
		Short: "deactivate a marketplace user id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := h.resolver.UnlinkAccount(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("unlinked", args[0])
			return nil
		},
	}
}

func accountResolveCommand(h *hookrelayInstance) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve [origin-id]",
		Short: "show the account a marketplace user id resolves to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			acc, err := h.resolver.Resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s -> %s (tenant %s)\n", acc.OriginAccountID, acc.AccountID, acc.TenantID)
			return nil
		},
	}
}
