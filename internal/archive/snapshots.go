package archive

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"proxy-bid-engine/internal/config"
)

// Archiver stores raw page snapshots captured by platform adapters around bid
// placement, keyed by platform/listing/timestamp. Snapshots are audit
// material; archiving failures never fail a bid.
type Archiver interface {
	Save(ctx context.Context, key string, body []byte, contentType string) error
}

// New chooses an archiver from config: S3 when a bucket is set, the local
// filesystem when a directory is set, otherwise a no-op.
func New(ctx context.Context, cfg config.ArchiveConfig) (Archiver, error) {
	if cfg.S3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &s3Archiver{client: client, bucket: cfg.S3Bucket}, nil
	}
	if cfg.LocalDir != "" {
		return &localArchiver{baseDir: cfg.LocalDir}, nil
	}
	return noopArchiver{}, nil
}

func newS3Client(ctx context.Context, cfg config.ArchiveConfig) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.S3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.S3Endpoint,
					HostnameImmutable: cfg.PathStyle,
					SigningRegion:     cfg.S3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

type s3Archiver struct {
	client *s3.Client
	bucket string
}

func (a *s3Archiver) Save(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(sanitizeKey(key)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	return nil
}

type localArchiver struct {
	baseDir string
}

func (a *localArchiver) Save(_ context.Context, key string, body []byte, _ string) error {
	path := filepath.Join(a.baseDir, filepath.FromSlash(sanitizeKey(key)))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

type noopArchiver struct{}

func (noopArchiver) Save(context.Context, string, []byte, string) error { return nil }

func sanitizeKey(key string) string {
	key = strings.TrimLeft(key, "/")
	return strings.ReplaceAll(key, "..", "")
}
