package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// StoreType selects the pack storage backend.
type StoreType string

const (
	StoreTypeFS  StoreType = "fs"
	StoreTypeS3  StoreType = "s3"
	StoreTypeGCS StoreType = "gcs"
)

// NewStoreFromEnv creates a pack store based on environment variables.
//
// Environment variables:
//   - PACK_STORAGE_TYPE: "fs" (default), "s3", or "gcs"
//   - DATA_DIR: Base directory for filesystem store (default: "data")
//
// For S3:
//   - AWS_REGION or PACK_S3_REGION
//   - PACK_S3_BUCKET (required)
//   - PACK_S3_ENDPOINT (optional, for MinIO/LocalStack)
//   - PACK_S3_PREFIX (optional)
//
// For GCS (requires the gcp build tag):
//   - PACK_GCS_BUCKET (required)
//   - PACK_GCS_PREFIX (optional)
func NewStoreFromEnv(ctx context.Context) (ObjectStore, error) {
	storeType := StoreType(os.Getenv("PACK_STORAGE_TYPE"))
	if storeType == "" {
		storeType = StoreTypeFS
	}

	switch storeType {
	case StoreTypeFS:
		return newFileStoreFromEnv()
	case StoreTypeS3:
		return newS3StoreFromEnv(ctx)
	case StoreTypeGCS:
		return newGCSStoreFromEnv(ctx)
	default:
		return nil, fmt.Errorf("unsupported pack storage type: %s", storeType)
	}
}

func newFileStoreFromEnv() (ObjectStore, error) {
	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = "data"
	}
	return NewFileStore(filepath.Join(dataDir, "packs"))
}

func newS3StoreFromEnv(ctx context.Context) (ObjectStore, error) {
	bucket := os.Getenv("PACK_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("PACK_S3_BUCKET is required for S3 storage")
	}
	region := os.Getenv("PACK_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	return NewS3Store(ctx, S3StoreConfig{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("PACK_S3_ENDPOINT"),
		Prefix:   os.Getenv("PACK_S3_PREFIX"),
	})
}
