// Package s3 is a file-based sync provider over an S3-compatible bucket.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/localfirst/opsync/internal/oplog/transport"
)

// Client is the subset of *s3.Client the provider uses.
type Client interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	s3.ListObjectsV2APIClient
}

// Config configures a Provider.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string // S3-compatible services (MinIO, R2, ...)
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string // key prefix for every object
	UsePathStyle    bool

	// MaxRetries for put and get (default: 3)
	MaxRetries int
}

// Provider implements transport.FileProvider.
type Provider struct {
	client  Client
	config  Config
	backoff time.Duration
}

// New creates a Provider using the default AWS credential chain unless
// static keys are configured.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return NewWithClient(s3.NewFromConfig(awsCfg, s3Opts...), cfg)
}

// NewWithClient creates a Provider around an existing client.
func NewWithClient(client Client, cfg Config) (*Provider, error) {
	if client == nil {
		return nil, errors.New("client cannot be nil")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Provider{client: client, config: cfg, backoff: 100 * time.Millisecond}, nil
}

func (p *Provider) key(path string) string {
	return p.config.Prefix + strings.TrimPrefix(path, "/")
}

// UploadFile implements transport.FileProvider.
func (p *Provider) UploadFile(ctx context.Context, path string, data []byte) error {
	return p.retry(ctx, func() error {
		_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(p.config.Bucket),
			Key:    aws.String(p.key(path)),
			Body:   bytes.NewReader(data),
		})
		if err != nil {
			return fmt.Errorf("S3 put object failed: %w", err)
		}
		return nil
	})
}

// DownloadFile implements transport.FileProvider.
func (p *Provider) DownloadFile(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	err := p.retry(ctx, func() error {
		resp, err := p.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(p.config.Bucket),
			Key:    aws.String(p.key(path)),
		})
		if err != nil {
			if isNotFound(err) {
				return fmt.Errorf("%s: %w", path, transport.ErrFileNotFound)
			}
			return fmt.Errorf("S3 get object failed: %w", err)
		}
		defer resp.Body.Close()

		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("S3 read body failed: %w", err)
		}
		return nil
	})
	return data, err
}

// ListFiles implements transport.FileProvider.
func (p *Provider) ListFiles(ctx context.Context, dir string) ([]string, error) {
	prefix := p.key(strings.TrimSuffix(dir, "/") + "/")

	var out []string
	paginator := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(p.config.Bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("S3 list objects failed: %w", err)
		}
		for _, obj := range page.Contents {
			out = append(out, strings.TrimPrefix(aws.ToString(obj.Key), p.config.Prefix))
		}
	}
	sort.Strings(out)
	return out, nil
}

func (p *Provider) retry(ctx context.Context, fn func() error) error {
	var err error
	wait := p.backoff
	for attempt := 0; attempt < p.config.MaxRetries; attempt++ {
		if err = fn(); err == nil || errors.Is(err, transport.ErrFileNotFound) {
			return err
		}
		if attempt == p.config.MaxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return err
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *s3types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	return strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "404")
}
