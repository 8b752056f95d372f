package storage

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ArchiveConfig locates the S3-compatible bucket that receives table snapshots.
type ArchiveConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// ObjectArchive uploads each merged canonical file, and the backup taken before it,
// to object storage.
type ObjectArchive struct {
	client *minio.Client
	bucket string
	prefix string
}

func NewObjectArchive(ctx context.Context, cfg ArchiveConfig) (*ObjectArchive, error) {
	cli, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("archive: client: %w", err)
	}

	exists, err := cli.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("archive: bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := cli.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("archive: make bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &ObjectArchive{client: cli, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (a *ObjectArchive) Name() string { return "minio" }

func (a *ObjectArchive) Publish(ctx context.Context, name string, res *UpsertResult, _ []string) error {
	if res == nil {
		return nil
	}
	files := []string{res.Path}
	if res.BackupPath != "" {
		files = append(files, res.BackupPath)
	}
	for _, f := range files {
		key := objectKey(a.prefix, name, f)
		_, err := a.client.FPutObject(ctx, a.bucket, key, f, minio.PutObjectOptions{
			ContentType:  "text/csv",
			UserMetadata: map[string]string{"report": name},
		})
		if err != nil {
			return fmt.Errorf("archive: put %s: %w", key, err)
		}
	}
	return nil
}

func (a *ObjectArchive) Close() error { return nil }

// objectKey places files under <prefix>/<report>/<file name>.
func objectKey(prefix, report, file string) string {
	return path.Join(strings.Trim(prefix, "/"), report, filepath.Base(file))
}
