package sync

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// S3Config holds S3 connection configuration.
type S3Config struct {
	// Endpoint includes the scheme, e.g. "https://s3.amazonaws.com".
	Endpoint       string
	BucketName     string
	AccessKey      string
	SecretKey      string
	Region         string
	ForcePathStyle bool // Use path-style URLs (minio, localstack)
	// PublicBaseURL prefixes stored keys to form public URLs. When empty the
	// object URL on the endpoint is used.
	PublicBaseURL string
	Timeout       time.Duration
}

// S3Client implements BlobStore for S3-compatible storage.
type S3Client struct {
	config     *S3Config
	httpClient *http.Client
	now        func() time.Time
}

// NewS3Client creates a new S3Client.
func NewS3Client(config *S3Config) *S3Client {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if config.Region == "" {
		config.Region = "us-east-1"
	}
	config.Endpoint = strings.TrimSuffix(config.Endpoint, "/")
	return &S3Client{
		config: config,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		now: time.Now,
	}
}

// Config returns the client configuration.
func (c *S3Client) Config() S3Config {
	return *c.config
}

// Upload stores data under key and returns the stored key.
func (c *S3Client) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req, err := c.createRequest(ctx, http.MethodPut, key, data, map[string]string{
		"Content-Type": contentType,
	})
	if err != nil {
		return "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return key, nil
}

// Delete deletes an object.
func (c *S3Client) Delete(ctx context.Context, key string) error {
	req, err := c.createRequest(ctx, http.MethodDelete, key, nil, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("delete request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("delete failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return nil
}

// TestConnection issues a HEAD on the bucket.
func (c *S3Client) TestConnection(ctx context.Context) error {
	req, err := c.createRequest(ctx, http.MethodHead, "", nil, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("bucket check failed: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bucket check returned status %d", resp.StatusCode)
	}
	return nil
}

// PublicURL returns the URL at which a stored key can be read.
func (c *S3Client) PublicURL(storedPath string) string {
	if c.config.PublicBaseURL != "" {
		return strings.TrimSuffix(c.config.PublicBaseURL, "/") + "/" + escapeKey(storedPath)
	}
	u, err := c.objectURL(storedPath)
	if err != nil {
		return storedPath
	}
	return u.String()
}

// escapeKey escapes each path segment of an object key.
func escapeKey(key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

// objectURL builds the request URL for key; an empty key addresses the bucket.
func (c *S3Client) objectURL(key string) (*url.URL, error) {
	base, err := url.Parse(c.config.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", c.config.Endpoint, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid endpoint %q: scheme and host are required", c.config.Endpoint)
	}

	u := &url.URL{Scheme: base.Scheme}
	if c.config.ForcePathStyle {
		// Path-style: http://endpoint/bucket/key
		u.Host = base.Host
		u.Path = "/" + c.config.BucketName
		if key != "" {
			u.Path += "/" + key
		}
	} else {
		// Virtual-host-style: http://bucket.endpoint/key
		u.Host = c.config.BucketName + "." + base.Host
		u.Path = "/" + key
	}
	return u, nil
}

// createRequest creates an S3 request signed with AWS Signature V4.
func (c *S3Client) createRequest(ctx context.Context, method, key string, body []byte, headers map[string]string) (*http.Request, error) {
	u, err := c.objectURL(key)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if body == nil {
		req.Body = http.NoBody
		req.ContentLength = 0
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	amzDate := c.now().UTC().Format("20060102T150405Z")
	payloadHash := hex.EncodeToString(hashSHA256(body))

	req.Header.Set("X-Amz-Date", amzDate)
	req.Header.Set("X-Amz-Content-Sha256", payloadHash)
	req.Header.Set("Authorization", c.calculateAuthorization(req, amzDate, payloadHash))

	return req, nil
}

// calculateAuthorization calculates the AWS V4 signature authorization header.
// Signed headers: host, content-type (when present) and the x-amz-* headers.
func (c *S3Client) calculateAuthorization(req *http.Request, amzDate, payloadHash string) string {
	dateStamp := amzDate[:8]
	scope := fmt.Sprintf("%s/%s/s3/aws4_request", dateStamp, c.config.Region)

	signed := map[string]string{
		"host":                 req.URL.Host,
		"x-amz-date":           amzDate,
		"x-amz-content-sha256": payloadHash,
	}
	if ct := req.Header.Get("Content-Type"); ct != "" {
		signed["content-type"] = ct
	}
	names := make([]string, 0, len(signed))
	for name := range signed {
		names = append(names, name)
	}
	sort.Strings(names)

	var canonicalHeaders strings.Builder
	for _, name := range names {
		canonicalHeaders.WriteString(name + ":" + strings.TrimSpace(signed[name]) + "\n")
	}
	signedHeaders := strings.Join(names, ";")

	canonicalURI := req.URL.EscapedPath()
	if canonicalURI == "" {
		canonicalURI = "/"
	}

	canonicalRequest := strings.Join([]string{
		req.Method,
		canonicalURI,
		req.URL.RawQuery,
		canonicalHeaders.String(),
		signedHeaders,
		payloadHash,
	}, "\n")

	algorithm := "AWS4-HMAC-SHA256"
	stringToSign := fmt.Sprintf("%s\n%s\n%s\n%s",
		algorithm, amzDate, scope, hex.EncodeToString(hashSHA256([]byte(canonicalRequest))))

	kSecret := []byte("AWS4" + c.config.SecretKey)
	kDate := hmacSHA256(kSecret, dateStamp)
	kRegion := hmacSHA256(kDate, c.config.Region)
	kService := hmacSHA256(kRegion, "s3")
	kSigning := hmacSHA256(kService, "aws4_request")
	signature := hex.EncodeToString(hmacSHA256(kSigning, stringToSign))

	return fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		algorithm, c.config.AccessKey, scope, signedHeaders, signature)
}

// hmacSHA256 calculates HMAC-SHA256.
func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

// hashSHA256 calculates SHA256 hash.
func hashSHA256(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}
