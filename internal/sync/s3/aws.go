package s3

import (
	"fmt"

	"github.com/solarcrm/fieldsync/internal/sync"
)

// Default AWS S3 endpoints by region.
var awsEndpoints = map[string]string{
	"us-east-1":      "s3.amazonaws.com",
	"us-east-2":      "s3.us-east-2.amazonaws.com",
	"us-west-1":      "s3.us-west-1.amazonaws.com",
	"us-west-2":      "s3.us-west-2.amazonaws.com",
	"eu-west-1":      "s3.eu-west-1.amazonaws.com",
	"eu-central-1":   "s3.eu-central-1.amazonaws.com",
	"ap-northeast-1": "s3.ap-northeast-1.amazonaws.com",
	"ap-southeast-1": "s3.ap-southeast-1.amazonaws.com",
	"ca-central-1":   "s3.ca-central-1.amazonaws.com",
	"sa-east-1":      "s3.sa-east-1.amazonaws.com",
}

// AWSConfig holds AWS S3-specific configuration.
type AWSConfig struct {
	BucketName    string
	AccessKey     string
	SecretKey     string
	Region        string // Default: us-east-1
	PublicBaseURL string
}

// NewAWSClient creates an S3 client configured for AWS S3 using
// virtual-host style URLs (bucket.s3.amazonaws.com).
func NewAWSClient(config *AWSConfig) (*sync.S3Client, error) {
	region := config.Region
	if region == "" {
		region = "us-east-1"
	}

	endpoint, err := AWSEndpointForRegion(region)
	if err != nil {
		// Regions newer than the table follow the regional naming scheme.
		endpoint = fmt.Sprintf("s3.%s.amazonaws.com", region)
	}

	return sync.NewS3Client(&sync.S3Config{
		Endpoint:       "https://" + endpoint,
		BucketName:     config.BucketName,
		AccessKey:      config.AccessKey,
		SecretKey:      config.SecretKey,
		Region:         region,
		ForcePathStyle: false,
		PublicBaseURL:  config.PublicBaseURL,
	}), nil
}

// AWSEndpointForRegion returns the S3 endpoint for a given region.
func AWSEndpointForRegion(region string) (string, error) {
	endpoint, ok := awsEndpoints[region]
	if !ok {
		return "", fmt.Errorf("unknown AWS region: %s", region)
	}
	return endpoint, nil
}
