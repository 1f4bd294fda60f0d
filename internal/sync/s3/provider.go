package s3

import (
	"fmt"

	"github.com/solarcrm/fieldsync/internal/config"
	"github.com/solarcrm/fieldsync/internal/sync"
)

// FromConfig builds the blob store client selected by cfg.Provider.
func FromConfig(cfg config.BlobConfig) (*sync.S3Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("blob bucket is required")
	}

	switch cfg.Provider {
	case "minio":
		return NewMinIOClient(&MinIOConfig{
			Endpoint:      cfg.Endpoint,
			BucketName:    cfg.Bucket,
			AccessKey:     cfg.AccessKey,
			SecretKey:     cfg.SecretKey,
			UseSSL:        cfg.UseSSL,
			PublicBaseURL: cfg.PublicBaseURL,
		})
	case "aws":
		return NewAWSClient(&AWSConfig{
			BucketName:    cfg.Bucket,
			AccessKey:     cfg.AccessKey,
			SecretKey:     cfg.SecretKey,
			Region:        cfg.Region,
			PublicBaseURL: cfg.PublicBaseURL,
		})
	case "r2":
		return NewR2Client(&R2Config{
			AccountID:     cfg.AccountID,
			BucketName:    cfg.Bucket,
			AccessKey:     cfg.AccessKey,
			SecretKey:     cfg.SecretKey,
			PublicBaseURL: cfg.PublicBaseURL,
		})
	case "s3", "":
		// Generic S3-compatible endpoint, e.g. a hosted backend's storage API.
		endpoint, err := ParseEndpoint(cfg.Endpoint, cfg.UseSSL)
		if err != nil {
			return nil, err
		}
		return sync.NewS3Client(&sync.S3Config{
			Endpoint:       endpoint,
			BucketName:     cfg.Bucket,
			AccessKey:      cfg.AccessKey,
			SecretKey:      cfg.SecretKey,
			Region:         cfg.Region,
			ForcePathStyle: true,
			PublicBaseURL:  cfg.PublicBaseURL,
			Timeout:        cfg.Timeout,
		}), nil
	default:
		return nil, fmt.Errorf("unknown blob provider %q", cfg.Provider)
	}
}
