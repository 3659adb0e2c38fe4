// Package objstore optionally mirrors a completed run's outputs/ and
// RO-Crate document to an S3-compatible bucket, for deployments that don't
// want to keep every run directory on local disk forever (SPEC_FULL.md
// domain stack). The local run directory is authoritative while it exists;
// Fetch serves an output whose file is missing from a run directory that
// still exists. A run directory already deleted by the retention sweep
// (spec §4.6) is rejected by the handler before Fetch is reached.
package objstore

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config configures the optional archive target. Endpoint == "" disables
// archiving entirely.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Archiver uploads run artifacts to an S3-compatible bucket.
type Archiver struct {
	mc     *minio.Client
	bucket string
}

// New builds an Archiver, or (nil, nil) when cfg.Endpoint is empty — callers
// should treat a nil *Archiver as "archiving disabled" and skip it.
func New(cfg Config) (*Archiver, error) {
	if cfg.Endpoint == "" {
		return nil, nil
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("objstore: access_key and secret_key are required when endpoint is set")
	}
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("objstore: create client: %w", err)
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "sapporo-runs"
	}
	return &Archiver{mc: mc, bucket: bucket}, nil
}

// EnsureBucket creates the archive bucket if it does not already exist.
func (a *Archiver) EnsureBucket(ctx context.Context) error {
	if a == nil {
		return nil
	}
	exists, err := a.mc.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("objstore: check bucket: %w", err)
	}
	if !exists {
		if err := a.mc.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("objstore: create bucket: %w", err)
		}
	}
	return nil
}

// ArchiveObject uploads a single file under run_id/relpath.
func (a *Archiver) ArchiveObject(ctx context.Context, runID, relpath string, r io.Reader, size int64, contentType string) error {
	if a == nil {
		return nil
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	key := runID + "/" + relpath
	_, err := a.mc.PutObject(ctx, a.bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("objstore: upload %s: %w", key, err)
	}
	return nil
}

// Fetch downloads a previously archived object; the caller must close it.
func (a *Archiver) Fetch(ctx context.Context, runID, relpath string) (io.ReadCloser, error) {
	if a == nil {
		return nil, fmt.Errorf("objstore: archiving is not configured")
	}
	key := runID + "/" + relpath
	obj, err := a.mc.GetObject(ctx, a.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("objstore: download %s: %w", key, err)
	}
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, fmt.Errorf("objstore: stat %s: %w", key, err)
	}
	return obj, nil
}
