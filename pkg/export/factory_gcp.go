//go:build gcp

package export

import (
	"context"
	"fmt"
	"os"
)

func newGCSStoreFromEnv(ctx context.Context) (ObjectStore, error) {
	bucket := os.Getenv("PACK_GCS_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("PACK_GCS_BUCKET is required for GCS storage")
	}
	return NewGCSStore(ctx, GCSStoreConfig{
		Bucket: bucket,
		Prefix: os.Getenv("PACK_GCS_PREFIX"),
	})
}
