package file

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// maxDocumentSize caps how much of a peer document is read.
const maxDocumentSize = 4 << 20

// Fetcher reads the raw peer document.
type Fetcher interface {
	Fetch(ctx context.Context) ([]byte, error)
	Location() string
}

// LocalFetcher reads the document from the local filesystem.
type LocalFetcher struct {
	Path string
}

func (f LocalFetcher) Fetch(context.Context) ([]byte, error) {
	fh, err := os.Open(f.Path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	return io.ReadAll(io.LimitReader(fh, maxDocumentSize))
}

func (f LocalFetcher) Location() string { return f.Path }

// S3Options configures the S3 client. Empty fields fall back to the default
// AWS configuration chain (environment, shared config, instance role).
type S3Options struct {
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"usePathStyle"`
	AccessKey    string `yaml:"accessKey"`
	SecretKey    string `yaml:"secretKey"`
}

type objectGetter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Fetcher reads the document from an S3 (or S3-compatible) object.
type S3Fetcher struct {
	client objectGetter
	bucket string
	key    string
}

// ParseS3URI splits s3://bucket/key.
func ParseS3URI(uri string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", fmt.Errorf("file: %q is not an s3:// URI", uri)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("file: %q must be s3://bucket/key", uri)
	}
	return bucket, key, nil
}

// NewS3Fetcher builds a fetcher for uri using the AWS SDK default config.
func NewS3Fetcher(ctx context.Context, uri string, o S3Options) (*S3Fetcher, error) {
	bucket, key, err := ParseS3URI(uri)
	if err != nil {
		return nil, err
	}
	var loadOpts []func(*config.LoadOptions) error
	if o.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(o.Region))
	}
	if o.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(o.AccessKey, o.SecretKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("file: load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(so *s3.Options) {
		if o.Endpoint != "" {
			so.BaseEndpoint = aws.String(o.Endpoint)
		}
		so.UsePathStyle = o.UsePathStyle
	})
	return &S3Fetcher{client: client, bucket: bucket, key: key}, nil
}

func (f *S3Fetcher) Fetch(ctx context.Context) ([]byte, error) {
	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(f.key),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(io.LimitReader(out.Body, maxDocumentSize))
}

func (f *S3Fetcher) Location() string { return "s3://" + f.bucket + "/" + f.key }
