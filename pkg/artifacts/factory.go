package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeFS     StoreType = "fs"
	StoreTypeS3     StoreType = "s3"
	StoreTypeGCS    StoreType = "gcs"
)

// Config selects and configures an artifact backend.
type Config struct {
	Type    StoreType
	DataDir string

	S3Bucket   string
	S3Region   string
	S3Endpoint string
	S3Prefix   string

	GCSBucket string
	GCSPrefix string
}

// ConfigFromEnv reads:
//   - ARTIFACT_STORAGE_TYPE: "fs" (default), "memory", "s3", or "gcs"
//   - DATA_DIR: base directory for the filesystem store (default "data")
//   - ARTIFACT_S3_BUCKET, ARTIFACT_S3_REGION (or AWS_REGION), ARTIFACT_S3_ENDPOINT, ARTIFACT_S3_PREFIX
//   - ARTIFACT_GCS_BUCKET, ARTIFACT_GCS_PREFIX
func ConfigFromEnv() Config {
	cfg := Config{
		Type:       StoreType(os.Getenv("ARTIFACT_STORAGE_TYPE")),
		DataDir:    os.Getenv("DATA_DIR"),
		S3Bucket:   os.Getenv("ARTIFACT_S3_BUCKET"),
		S3Region:   os.Getenv("ARTIFACT_S3_REGION"),
		S3Endpoint: os.Getenv("ARTIFACT_S3_ENDPOINT"),
		S3Prefix:   os.Getenv("ARTIFACT_S3_PREFIX"),
		GCSBucket:  os.Getenv("ARTIFACT_GCS_BUCKET"),
		GCSPrefix:  os.Getenv("ARTIFACT_GCS_PREFIX"),
	}
	if cfg.S3Region == "" {
		cfg.S3Region = os.Getenv("AWS_REGION")
	}
	return cfg
}

// NewStore builds the backend named by cfg.Type.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Type {
	case "", StoreTypeFS:
		dataDir := cfg.DataDir
		if dataDir == "" {
			dataDir = "data"
		}
		return NewFileStore(filepath.Join(dataDir, "artifacts"))
	case StoreTypeMemory:
		return NewMemoryStore(), nil
	case StoreTypeS3:
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("ARTIFACT_S3_BUCKET is required for S3 storage")
		}
		region := cfg.S3Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3StoreConfig{
			Bucket:   cfg.S3Bucket,
			Region:   region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.S3Prefix,
		})
	case StoreTypeGCS:
		return newGCSStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported artifact storage type: %s", cfg.Type)
	}
}

// NewStoreFromEnv is NewStore(ctx, ConfigFromEnv()).
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	return NewStore(ctx, ConfigFromEnv())
}
