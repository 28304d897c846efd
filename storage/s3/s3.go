// Package s3 stores artifacts in an S3-compatible bucket (AWS S3, MinIO).
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/Gariton/ArtifactFetcher/storage"
)

// DefaultRegion is used when Config.Region is empty.
const DefaultRegion = "us-east-1"

// Config selects the bucket and how to reach it.
type Config struct {
	// Endpoint overrides the AWS endpoint, e.g. http://localhost:9000 for
	// MinIO. Path-style addressing is used whenever it is set.
	Endpoint string

	Region string
	Bucket string

	// AccessKey and SecretKey are static credentials. When empty the
	// default AWS credential chain applies.
	AccessKey string
	SecretKey string

	// Prefix is prepended to every key.
	Prefix string

	// CreateBucket creates the bucket on New when it does not exist.
	CreateBucket bool

	// HTTPClient replaces the SDK's HTTP client.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Store keeps each key as one object.
type Store struct {
	client *s3.Client
	bucket string
	prefix string
	logger *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// New builds the client and checks that the bucket is reachable.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = DefaultRegion
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	if cfg.HTTPClient != nil {
		loadOpts = append(loadOpts, config.WithHTTPClient(cfg.HTTPClient))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		// S3-compatible servers do not all accept the SDK's default
		// trailing checksums.
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	s := &Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, logger: cfg.Logger}
	if err := s.ensureBucket(ctx, cfg.CreateBucket); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

func (s *Store) ensureBucket(ctx context.Context, create bool) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		return nil
	}
	if !create || !isNotFound(err) {
		return fmt.Errorf("s3: bucket %s: %w", s.bucket, err)
	}
	if _, err := s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return fmt.Errorf("s3: create bucket %s: %w", s.bucket, err)
	}
	s.log().Info("created bucket", "bucket", s.bucket)
	return nil
}

func (s *Store) objectKey(key string) (string, error) {
	if err := storage.CheckKey(key); err != nil {
		return "", err
	}
	if s.prefix == "" {
		return key, nil
	}
	return path.Join(s.prefix, key), nil
}

// Put uploads r as a single object. r should be seekable (an *os.File)
// so the SDK can sign the payload.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	k, err := s.objectKey(key)
	if err != nil {
		return err
	}
	in := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(k),
		Body:        r,
		ContentType: aws.String("application/x-tar"),
	}
	if size >= 0 {
		in.ContentLength = aws.Int64(size)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return fmt.Errorf("s3: put %s: %w", k, err)
	}
	s.log().Debug("stored object", "bucket", s.bucket, "key", k, "size", size)
	return nil
}

// Open streams the object; the caller closes it.
func (s *Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	k, err := s.objectKey(key)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(k),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
		}
		return nil, fmt.Errorf("s3: get %s: %w", k, err)
	}
	return out.Body, nil
}

// Delete removes the object.
func (s *Store) Delete(ctx context.Context, key string) error {
	k, err := s.objectKey(key)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(k),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("s3: delete %s: %w", k, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	var noSuchBucket *types.NoSuchBucket
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound) || errors.As(err, &noSuchBucket)
}
