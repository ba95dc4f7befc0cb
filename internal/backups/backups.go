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

// Package backups exports dead-lettered jobs to disk and ships the exports to S3.
package backups

import (
	"archive/zip"
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hookrelay/hookrelay/config"
	"github.com/hookrelay/hookrelay/model"
)

// WriteDeadLetters writes jobs as JSON lines under dir/<date>/ and returns the file path.
func WriteDeadLetters(dir string, jobs []*model.Job, at time.Time) (string, error) {
	dayDir := filepath.Join(dir, at.Format("2006-01-02"))
	if err := os.MkdirAll(dayDir, os.ModePerm); err != nil {
		return "", err
	}

	path := filepath.Join(dayDir, fmt.Sprintf("dead-letters-%s.jsonl", at.Format("150405")))
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, job := range jobs {
		if err := enc.Encode(job); err != nil {
			return "", errors.Wrapf(err, "encode job %s", job.ID)
		}
	}
	if err := w.Flush(); err != nil {
		return "", err
	}

	logrus.WithFields(logrus.Fields{"path": path, "jobs": len(jobs)}).Info("dead letters exported")
	return path, nil
}

// NewUploader builds an S3 uploader from the backup settings. A custom
// endpoint switches to path-style addressing for S3 compatible stores.
func NewUploader(conf config.BackupConfig) (s3manageriface.UploaderAPI, error) {
	awsConf := &aws.Config{
		Region:      aws.String(conf.S3Region),
		Credentials: credentials.NewStaticCredentials(conf.AwsAccessKeyId, conf.AwsSecretAccessKey, ""),
	}
	if conf.S3Endpoint != "" {
		awsConf.Endpoint = aws.String(conf.S3Endpoint)
		awsConf.S3ForcePathStyle = aws.Bool(true)
	}
	sess, err := session.NewSession(awsConf)
	if err != nil {
		return nil, errors.Wrap(err, "aws session")
	}
	return s3manager.NewUploader(sess), nil
}

// ZipUploadToS3 zips dir and uploads the archive to the backup bucket. The
// local archive is removed once uploaded. It returns the object key.
func ZipUploadToS3(ctx context.Context, up s3manageriface.UploaderAPI, bucket, dir string) (string, error) {
	if bucket == "" {
		return "", errors.New("backup.s3_bucket_name is not configured")
	}
	key := filepath.Base(filepath.Clean(dir)) + ".zip"
	zipFile := filepath.Join(os.TempDir(), fmt.Sprintf("hookrelay-%d-%s", time.Now().UnixNano(), key))

	if err := zipDir(dir, zipFile); err != nil {
		return "", err
	}
	defer os.Remove(zipFile)

	file, err := os.Open(zipFile)
	if err != nil {
		return "", err
	}
	defer file.Close()

	_, err = up.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   file,
	})
	if err != nil {
		return "", errors.Wrapf(err, "upload %s to %s", key, bucket)
	}

	logrus.WithFields(logrus.Fields{"bucket": bucket, "key": key}).Info("dead letter export uploaded")
	return key, nil
}

func zipDir(srcDir, destZip string) error {
	zipFile, err := os.Create(destZip)
	if err != nil {
		return err
	}
	defer zipFile.Close()

	writer := zip.NewWriter(zipFile)
	defer writer.Close()

	return filepath.Walk(srcDir, func(filePath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.IsDir() {
			return nil
		}

		relPath, err := filepath.Rel(srcDir, filePath)
		if err != nil {
			return err
		}
		zipFileWriter, err := writer.Create(relPath)
		if err != nil {
			return err
		}

		srcFile, err := os.Open(filePath)
		if err != nil {
			return err
		}
		defer srcFile.Close()

		_, err = io.Copy(zipFileWriter, srcFile)
		return err
	})
}
