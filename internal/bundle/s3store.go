package bundle

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config configures the object-store artifact backend: bucket and key
// prefix are required, region/endpoint follow the default AWS SDK resolver
// chain (environment, shared config, IMDS) unless overridden, same as the
// teacher's AWS SigV4 transport resolves credentials.
type S3Config struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string // non-empty for S3-compatible stores (e.g. MinIO) in dev/test
}

// S3Store reads and writes bundle artifact bytes in an S3-compatible object
// store, one object per (slug, version), addressed the same
// "<slug>/<version>/artifact.bin" shape LocalStore uses under Prefix.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Store builds an S3Store from cfg, resolving credentials through the
// AWS SDK's default chain.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bundle store requires a bucket")
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config for bundle S3 store: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *S3Store) key(artifactPath string) string {
	if s.prefix == "" {
		return artifactPath
	}
	return path.Join(s.prefix, artifactPath)
}

// Put uploads data to the object addressed by artifactPath.
func (s *S3Store) Put(ctx context.Context, artifactPath string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(artifactPath)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("putting bundle artifact %q to s3://%s: %w", artifactPath, s.bucket, err)
	}
	return nil
}

// Get downloads the bytes addressed by artifactPath.
func (s *S3Store) Get(ctx context.Context, artifactPath string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(artifactPath)),
	})
	if err != nil {
		return nil, fmt.Errorf("getting bundle artifact %q from s3://%s: %w", artifactPath, s.bucket, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading bundle artifact %q from s3://%s: %w", artifactPath, s.bucket, err)
	}
	return data, nil
}
