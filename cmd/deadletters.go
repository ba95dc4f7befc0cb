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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/hookrelay/hookrelay/internal/backups"
)

func deadLetterCommands(h *hookrelayInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadletters",
		Short: "inspect and recover dead-lettered jobs",
	}

	cmd.AddCommand(deadLetterListCommand(h))
	cmd.AddCommand(deadLetterRequeueCommand(h))
	cmd.AddCommand(deadLetterExportCommand(h))

	return cmd
}

func deadLetterListCommand(h *hookrelayInstance) *cobra.Command {
	var limit int64
	cmd := &cobra.Command{
		Use:   "list",
		Short: "print the most recent dead-lettered jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := h.relay.DeadLetters(cmd.Context(), limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(jobs)
		},
	}
	cmd.Flags().Int64Var(&limit, "limit", 100, "maximum number of jobs to print")
	return cmd
}

func deadLetterRequeueCommand(h *hookrelayInstance) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue [job-id...]",
		Short: "move dead-lettered jobs back to their ready queue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, id := range args {
				if err := h.relay.RequeueDeadLetter(cmd.Context(), id); err != nil {
					return fmt.Errorf("requeue %s: %w", id, err)
				}
				fmt.Println("requeued", id)
			}
			return nil
		},
	}
}

func deadLetterExportCommand(h *hookrelayInstance) *cobra.Command {
	var (
		dir    string
		limit  int64
		upload bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "write dead-lettered jobs to disk and optionally upload them to S3",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			jobs, err := h.relay.DeadLetters(ctx, limit)
			if err != nil {
				return err
			}

			now := time.Now().UTC()
			path, err := backups.WriteDeadLetters(dir, jobs, now)
			if err != nil {
				return err
			}
			fmt.Printf("Exported %d jobs to %s\n", len(jobs), path)
			if !upload {
				return nil
			}

			uploader, err := backups.NewUploader(h.cnf.Backup)
			if err != nil {
				return err
			}
			key, err := backups.ZipUploadToS3(ctx, uploader, h.cnf.Backup.S3BucketName, filepath.Dir(path))
			if err != nil {
				logrus.WithError(err).Error("dead letter upload failed")
				return err
			}
			fmt.Printf("Uploaded to s3://%s/%s\n", h.cnf.Backup.S3BucketName, key)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "./backups", "directory exports are written under")
	cmd.Flags().Int64Var(&limit, "limit", 10000, "maximum number of jobs to export")
	cmd.Flags().BoolVar(&upload, "s3", false, "zip the day's exports and upload them to the backup bucket")
	return cmd
}
