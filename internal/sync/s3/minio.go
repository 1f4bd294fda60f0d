// Package s3 builds blob store clients for the S3-compatible providers
// attachments can be uploaded to.
package s3

import (
	"fmt"
	"strings"

	"github.com/solarcrm/fieldsync/internal/sync"
)

// MinIOConfig holds MinIO-specific configuration.
type MinIOConfig struct {
	Endpoint      string // "localhost:9000" or "https://minio.example.com"
	BucketName    string
	AccessKey     string
	SecretKey     string
	UseSSL        bool
	PublicBaseURL string
}

// NewMinIOClient creates an S3 client configured for MinIO, which requires
// path-style URLs (endpoint/bucket/key).
func NewMinIOClient(config *MinIOConfig) (*sync.S3Client, error) {
	endpoint, err := ParseEndpoint(config.Endpoint, config.UseSSL)
	if err != nil {
		return nil, err
	}

	return sync.NewS3Client(&sync.S3Config{
		Endpoint:       endpoint,
		BucketName:     config.BucketName,
		AccessKey:      config.AccessKey,
		SecretKey:      config.SecretKey,
		Region:         "us-east-1", // MinIO ignores regions but signing needs one
		ForcePathStyle: true,
		PublicBaseURL:  config.PublicBaseURL,
	}), nil
}

// MinIOHealthCheckURL returns the liveness URL of a MinIO server.
func MinIOHealthCheckURL(endpoint string, useSSL bool) string {
	base, err := ParseEndpoint(endpoint, useSSL)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%s/minio/health/live", base)
}

// ParseEndpoint adds a scheme when missing and drops trailing slashes.
func ParseEndpoint(endpoint string, useSSL bool) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("endpoint cannot be empty")
	}

	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if useSSL {
			endpoint = "https://" + endpoint
		} else {
			endpoint = "http://" + endpoint
		}
	}

	return strings.TrimRight(endpoint, "/"), nil
}
