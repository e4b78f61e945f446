package upload

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioProvider stores objects in a MinIO or S3 bucket
type MinioProvider struct {
	client       *minio.Client
	endpoint     string
	secure       bool
	region       string
	bucket       string
	prefix       string
	createBucket bool
}

// NewMinioProvider creates a new MinioProvider
func NewMinioProvider() *MinioProvider {
	return &MinioProvider{}
}

// Name returns the provider name
func (m *MinioProvider) Name() string {
	return "minio"
}

// Configure sets up the MinIO client. An http:// or https:// scheme on the
// endpoint decides TLS and overrides the secure setting.
func (m *MinioProvider) Configure(settings map[string]string) error {
	endpoint, ok := required(settings, "endpoint")
	if !ok {
		return fmt.Errorf("minio: endpoint is required")
	}
	accessKey, ok := required(settings, "access_key")
	if !ok {
		return fmt.Errorf("minio: access_key is required")
	}
	secretKey, ok := required(settings, "secret_key")
	if !ok {
		return fmt.Errorf("minio: secret_key is required")
	}
	bucket, ok := required(settings, "bucket")
	if !ok {
		return fmt.Errorf("minio: bucket is required")
	}

	secure, err := boolSetting(settings, "secure", true)
	if err != nil {
		return err
	}
	createBucket, err := boolSetting(settings, "create_bucket", false)
	if err != nil {
		return err
	}

	if strings.Contains(endpoint, "://") {
		u, err := url.Parse(endpoint)
		if err != nil || u.Host == "" {
			return fmt.Errorf("minio: invalid endpoint URL %q", endpoint)
		}
		switch u.Scheme {
		case "http":
			secure = false
		case "https":
			secure = true
		default:
			return fmt.Errorf("minio: invalid endpoint URL %q: unsupported scheme %s", endpoint, u.Scheme)
		}
		endpoint = u.Host
	}

	region := settings["region"]
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
		Region: region,
	})
	if err != nil {
		return fmt.Errorf("minio: failed to create client: %w", err)
	}

	m.client = client
	m.endpoint = endpoint
	m.secure = secure
	m.region = region
	m.bucket = bucket
	m.prefix = strings.Trim(settings["prefix"], "/")
	m.createBucket = createBucket
	return nil
}

// Prepare checks the bucket exists, creating it when create_bucket is set
func (m *MinioProvider) Prepare(ctx context.Context) error {
	if m.client == nil {
		return fmt.Errorf("minio: provider not configured")
	}
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("minio: failed to check bucket existence: %w", err)
	}
	if exists {
		return nil
	}
	if !m.createBucket {
		return fmt.Errorf("minio: bucket %s does not exist", m.bucket)
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{Region: m.region}); err != nil {
		return fmt.Errorf("minio: failed to create bucket %s: %w", m.bucket, err)
	}
	return nil
}

// Upload streams reader into the bucket
func (m *MinioProvider) Upload(ctx context.Context, reader io.Reader, key string) error {
	if m.client == nil {
		return fmt.Errorf("minio: provider not configured")
	}

	objectName := m.objectName(key)
	// -1 means unknown size, MinIO will handle streaming
	_, err := m.client.PutObject(ctx, m.bucket, objectName, reader, -1, minio.PutObjectOptions{
		ContentType: ContentType(key),
	})
	if err != nil {
		return fmt.Errorf("minio: failed to upload to %s: %w", objectName, err)
	}
	return nil
}

// Location returns the s3:// URL of key
func (m *MinioProvider) Location(key string) string {
	return "s3://" + m.bucket + "/" + m.objectName(key)
}

func (m *MinioProvider) objectName(key string) string {
	if m.prefix == "" {
		return key
	}
	return path.Join(m.prefix, key)
}

func required(settings map[string]string, key string) (string, bool) {
	v := strings.TrimSpace(settings[key])
	return v, v != ""
}

func boolSetting(settings map[string]string, key string, fallback bool) (bool, error) {
	v, ok := settings[key]
	if !ok || v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, v, err)
	}
	return b, nil
}
