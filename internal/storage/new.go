package storage

import (
	"fmt"

	"github.com/bobarin/adreel/internal/config"
)

// New builds the backend selected by STORAGE_BACKEND.
func New(cfg *config.Config) (ObjectStore, error) {
	switch cfg.StorageBackend {
	case "s3":
		return NewS3(S3Config{
			Bucket:        cfg.S3Bucket,
			Region:        cfg.AWSRegion,
			Endpoint:      cfg.S3Endpoint,
			AccessKeyID:   cfg.AWSAccessKeyID,
			SecretKey:     cfg.AWSSecretKey,
			PublicBaseURL: cfg.S3PublicBaseURL,
		})
	case "supabase", "":
		return NewSupabase(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseStorageBucket), nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
}
