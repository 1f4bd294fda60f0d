package s3

import (
	"fmt"

	"github.com/solarcrm/fieldsync/internal/sync"
)

// R2Config holds Cloudflare R2-specific configuration.
type R2Config struct {
	AccountID  string
	BucketName string
	AccessKey  string
	SecretKey  string
	// PublicBaseURL is the custom domain or r2.dev URL bound to the bucket;
	// the S3 API endpoint itself is not publicly readable.
	PublicBaseURL string
}

// NewR2Client creates an S3 client configured for Cloudflare R2.
func NewR2Client(config *R2Config) (*sync.S3Client, error) {
	if config.AccountID == "" {
		return nil, fmt.Errorf("R2 account id is required")
	}

	return sync.NewS3Client(&sync.S3Config{
		Endpoint:       "https://" + R2EndpointForAccount(config.AccountID),
		BucketName:     config.BucketName,
		AccessKey:      config.AccessKey,
		SecretKey:      config.SecretKey,
		Region:         "auto",
		ForcePathStyle: false,
		PublicBaseURL:  config.PublicBaseURL,
	}), nil
}

// R2EndpointForAccount returns the R2 endpoint for a given account ID.
func R2EndpointForAccount(accountID string) string {
	return fmt.Sprintf("%s.r2.cloudflarestorage.com", accountID)
}
