// Package archive uploads transferred captures to S3 or an S3-compatible
// store.
package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"github.com/OpenTraceLab/OpenTraceScope/pkg/scope"
)

// PutObjectAPI is the part of the S3 client the uploader needs.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// FileFailure is one file that could not be uploaded.
type FileFailure struct {
	Name string
	Key  string
	Err  error
}

// UploadError lists every failed file of an Archive call.
type UploadError struct {
	Failures []FileFailure
}

func (e *UploadError) Error() string {
	names := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		names[i] = f.Name
	}
	return fmt.Sprintf("archive: %d upload(s) failed: %s", len(e.Failures), strings.Join(names, ", "))
}

func (e *UploadError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

// Uploader copies the successful files of a transfer report to
// s3://bucket/prefix/<run-id>/<name>.
type Uploader struct {
	client PutObjectAPI
	bucket string
	prefix string
	logger *logrus.Entry
}

// New builds an Uploader from the AWS default credential chain (env vars,
// shared config, IAM role) with optional region, endpoint and path-style
// overrides.
func New(ctx context.Context, cfg scope.ArchiveConfig) (*Uploader, error) {
	if !cfg.Enabled() {
		return nil, errors.New("archive: bucket is required")
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	return NewWithClient(s3.NewFromConfig(awsConfig, s3Opts...), cfg), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client PutObjectAPI, cfg scope.ArchiveConfig) *Uploader {
	return &Uploader{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: logrus.WithFields(logrus.Fields{"component": "Archive", "bucket": cfg.Bucket}),
	}
}

// Key returns the object key for name within run runID.
func (u *Uploader) Key(runID, name string) string {
	return path.Join(u.prefix, runID, name)
}

// Archive uploads every successful outcome of report, then the manifest at
// manifestPath if there is one. It tries all files and returns an
// *UploadError naming the ones that failed.
func (u *Uploader) Archive(ctx context.Context, runID string, report scope.TransferReport, manifestPath string) error {
	type upload struct{ name, path string }
	var uploads []upload
	for _, o := range report.Outcomes {
		if o.Succeeded() {
			uploads = append(uploads, upload{o.Name, o.Path})
		}
	}
	if manifestPath != "" {
		uploads = append(uploads, upload{filepath.Base(manifestPath), manifestPath})
	}

	var failures []FileFailure
	uploaded := 0
	for _, up := range uploads {
		if err := ctx.Err(); err != nil {
			return err
		}
		key := u.Key(runID, up.name)
		if err := u.put(ctx, key, up.path); err != nil {
			u.logger.WithError(err).WithField("key", key).Error("Upload failed")
			failures = append(failures, FileFailure{Name: up.name, Key: key, Err: err})
			continue
		}
		uploaded++
		u.logger.WithField("key", key).Debug("Uploaded")
	}

	u.logger.WithFields(logrus.Fields{
		"run":      runID,
		"uploaded": uploaded,
		"failed":   len(failures),
	}).Info("Archive finished")
	if len(failures) > 0 {
		return &UploadError{Failures: failures}
	}
	return nil
}

func (u *Uploader) put(ctx context.Context, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(contentType(localPath)),
	})
	return err
}

func contentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".csv":
		return "text/csv"
	case ".yaml", ".yml":
		return "application/yaml"
	}
	return "application/octet-stream"
}
