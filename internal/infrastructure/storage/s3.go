package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/htmltopdf/backend/internal/domain/conversion"
	infraconfig "github.com/htmltopdf/backend/internal/infrastructure/config"
	"go.uber.org/zap"
)

const (
	defaultS3Region          = "us-east-1"
	defaultS3Prefix          = "pdfs/"
	defaultPresignExpiration = time.Hour
)

// S3Driver stores PDFs in an S3-compatible bucket (AWS S3, MinIO, RustFS)
type S3Driver struct {
	client            *s3.Client
	presignClient     *s3.PresignClient
	bucket            string
	prefix            string
	presignExpiration time.Duration
	logger            *zap.Logger
}

// S3DriverOption is a functional option for configuring S3Driver
type S3DriverOption func(*S3Driver)

// WithLogger sets a custom logger for S3Driver
func WithLogger(logger *zap.Logger) S3DriverOption {
	return func(d *S3Driver) {
		d.logger = logger
	}
}

// WithPresignExpiration sets the link lifetime used when callers pass none
func WithPresignExpiration(ttl time.Duration) S3DriverOption {
	return func(d *S3Driver) {
		d.presignExpiration = ttl
	}
}

// NewS3Driver creates an S3Driver from configuration. With no endpoint the
// SDK resolves the regional AWS endpoint.
func NewS3Driver(cfg infraconfig.S3StorageConfig, opts ...S3DriverOption) (*S3Driver, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("storage bucket is required")
	}
	if cfg.AccessKey == "" {
		return nil, errors.New("storage access key is required")
	}
	if cfg.SecretKey == "" {
		return nil, errors.New("storage secret key is required")
	}

	endpoint := cfg.Endpoint
	if endpoint != "" {
		if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
			if cfg.UseSSL {
				endpoint = "https://" + endpoint
			} else {
				endpoint = "http://" + endpoint
			}
		}
		if _, err := url.Parse(endpoint); err != nil {
			return nil, fmt.Errorf("invalid storage endpoint: %w", err)
		}
	}

	region := cfg.Region
	if region == "" {
		region = defaultS3Region
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultS3Prefix
	}

	d := &S3Driver{
		client:            client,
		presignClient:     s3.NewPresignClient(client),
		bucket:            cfg.Bucket,
		prefix:            prefix,
		presignExpiration: cfg.PresignExpiration,
		logger:            zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.presignExpiration <= 0 {
		d.presignExpiration = defaultPresignExpiration
	}
	return d, nil
}

// Type returns DriverTypeS3
func (d *S3Driver) Type() conversion.DriverType { return conversion.DriverTypeS3 }

// Supports reports presign support
func (d *S3Driver) Supports(c conversion.Capability) bool {
	return c == conversion.CapabilityPresign
}

// Bucket returns the bucket name
func (d *S3Driver) Bucket() string { return d.bucket }

// Init creates the bucket if it doesn't exist
func (d *S3Driver) Init(ctx context.Context) error {
	_, err := d.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(d.bucket),
	})
	if err == nil {
		d.logger.Info("S3 storage ready", zap.String("bucket", d.bucket), zap.String("prefix", d.prefix))
		return nil
	}

	var notFound *types.NotFound
	var noSuchBucket *types.NoSuchBucket
	if !errors.As(err, &notFound) && !errors.As(err, &noSuchBucket) {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	d.logger.Info("Creating storage bucket", zap.String("bucket", d.bucket))
	_, err = d.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(d.bucket),
	})
	if err != nil {
		var alreadyOwned *types.BucketAlreadyOwnedByYou
		if errors.As(err, &alreadyOwned) {
			return nil
		}
		return fmt.Errorf("failed to create bucket: %w", err)
	}

	d.logger.Info("Storage bucket created successfully", zap.String("bucket", d.bucket))
	return nil
}

// Put uploads data with metadata attached to the object
func (d *S3Driver) Put(ctx context.Context, key string, data []byte, metadata map[string]string) error {
	if key == "" {
		return errors.New("storage key is required")
	}

	_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(d.bucket),
		Key:           aws.String(d.objectKey(key)),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentTypePDF),
		ContentLength: aws.Int64(int64(len(data))),
		Metadata:      metadata,
	})
	if err != nil {
		return fmt.Errorf("failed to upload object: %w", err)
	}
	return nil
}

// Get downloads the object stored under key
func (d *S3Driver) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, errors.New("storage key is required")
	}

	out, err := d.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to get object: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}
	return data, nil
}

// Delete removes the object; S3 treats unknown keys as success
func (d *S3Driver) Delete(ctx context.Context, key string) error {
	if key == "" {
		return errors.New("storage key is required")
	}

	_, err := d.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.objectKey(key)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// Presign generates a GET link valid for ttl, or the configured default
func (d *S3Driver) Presign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if key == "" {
		return "", errors.New("storage key is required")
	}
	if ttl <= 0 {
		ttl = d.presignExpiration
	}

	req, err := d.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.objectKey(key)),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("failed to generate download URL: %w", err)
	}
	return req.URL, nil
}

func (d *S3Driver) objectKey(key string) string {
	return d.prefix + key
}

func isNotFound(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return true
	}
	// Some S3-compatible services only surface the code in the message
	msg := err.Error()
	return strings.Contains(msg, "NotFound") || strings.Contains(msg, "NoSuchKey")
}

var _ Driver = (*S3Driver)(nil)
