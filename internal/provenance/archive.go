package provenance

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/pgip-dev/pgip/internal/domain"
)

// ArchiveConfig configures the S3-compatible output archive.
type ArchiveConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Archive copies run outputs and logs into an object store so they
// survive workspace cleanup.
type Archive struct {
	client *minio.Client
	bucket string
}

// NewArchive connects to the object store.
func NewArchive(cfg ArchiveConfig) (*Archive, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("object store client: %w", err)
	}
	return &Archive{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket creates the archive bucket if it does not exist.
func (a *Archive) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("bucket exists %s: %w", a.bucket, err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("make bucket %s: %w", a.bucket, err)
	}
	return nil
}

// StoreOutputs uploads every output artifact and the container log of
// a sealed run under runs/<run_id>/.
func (a *Archive) StoreOutputs(ctx context.Context, run domain.ExecutionRun) error {
	for port, paths := range run.OutputArtifacts {
		for _, path := range paths {
			key := fmt.Sprintf("runs/%s/%s/%s", run.RunID, port, filepath.Base(path))
			if _, err := a.client.FPutObject(ctx, a.bucket, key, path, minio.PutObjectOptions{
				ContentType: "application/octet-stream",
			}); err != nil {
				return fmt.Errorf("archive %s: %w", key, err)
			}
		}
	}
	if run.LogLocation != "" {
		key := fmt.Sprintf("runs/%s/logs/%s", run.RunID, filepath.Base(run.LogLocation))
		if _, err := a.client.FPutObject(ctx, a.bucket, key, run.LogLocation, minio.PutObjectOptions{
			ContentType: "text/plain",
		}); err != nil {
			return fmt.Errorf("archive %s: %w", key, err)
		}
	}
	return nil
}
