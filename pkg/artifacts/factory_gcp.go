//go:build gcp

package artifacts

import (
	"context"
	"fmt"
)

func newGCSStore(ctx context.Context, cfg Config) (Store, error) {
	if cfg.GCSBucket == "" {
		return nil, fmt.Errorf("ARTIFACT_GCS_BUCKET is required for GCS storage")
	}
	return NewGCSStore(ctx, GCSStoreConfig{Bucket: cfg.GCSBucket, Prefix: cfg.GCSPrefix})
}
