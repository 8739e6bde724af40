package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gftdcojp/floodgate/internal/config"
	"github.com/gftdcojp/floodgate/internal/types"
	"go.uber.org/zap"
)

// S3API is the subset of the S3 client the store needs.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Presigner is the subset of the S3 presign client the store needs.
type S3Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Store implements ObjectStore on an S3-compatible bucket (AWS S3,
// MinIO, Cloudflare R2).
type S3Store struct {
	s3      S3API
	presign S3Presigner
	bucket  string
	prefix  string
	logger  *zap.Logger
}

// NewS3Store builds an S3-backed store from configuration.
func NewS3Store(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (*S3Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	s3Opts := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)

	return NewS3StoreWithClient(client, s3.NewPresignClient(client), cfg.Bucket, cfg.Prefix, logger), nil
}

// NewS3StoreWithClient wires an S3Store onto existing clients.
func NewS3StoreWithClient(api S3API, presigner S3Presigner, bucket, prefix string, logger *zap.Logger) *S3Store {
	return &S3Store{
		s3:      api,
		presign: presigner,
		bucket:  bucket,
		prefix:  strings.TrimSuffix(prefix, "/"),
		logger:  logger,
	}
}

func (s *S3Store) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *S3Store) stripKey(full string) string {
	if s.prefix == "" {
		return full
	}
	return strings.TrimPrefix(full, s.prefix+"/")
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte) error {
	full := s.objectKey(key)
	_, err := s.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &full,
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}
	s.logger.Debug("object uploaded", zap.String("key", key), zap.Int("size", len(data)))
	return nil
}

func (s *S3Store) Get(ctx context.Context, key string, rng *types.ByteRange) ([]byte, error) {
	full := s.objectKey(key)
	input := &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &full,
	}
	if rng != nil {
		input.Range = aws.String(rangeHeader(rng))
	}

	resp, err := s.s3.GetObject(ctx, input)
	if err != nil {
		var noSuchKey *s3types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("downloading %s: %w", key, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	return data, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	full := s.objectKey(key)
	_, err := s.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    &full,
	})
	if err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) List(ctx context.Context, prefix, startAfter string, fn func(key string) error) error {
	input := &s3.ListObjectsV2Input{
		Bucket: &s.bucket,
		Prefix: aws.String(s.objectKey(prefix)),
	}
	if startAfter != "" {
		input.StartAfter = aws.String(s.objectKey(startAfter))
	}

	for {
		resp, err := s.s3.ListObjectsV2(ctx, input)
		if err != nil {
			return fmt.Errorf("listing %s: %w", prefix, err)
		}
		for _, obj := range resp.Contents {
			if err := fn(s.stripKey(*obj.Key)); err != nil {
				if errors.Is(err, ErrStopListing) {
					return nil
				}
				return err
			}
		}
		if resp.IsTruncated == nil || !*resp.IsTruncated {
			return nil
		}
		input.ContinuationToken = resp.NextContinuationToken
		input.StartAfter = nil
	}
}

func (s *S3Store) Presign(ctx context.Context, key string, rng *types.ByteRange, expiry time.Duration) (string, error) {
	full := s.objectKey(key)
	input := &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &full,
	}
	if rng != nil {
		input.Range = aws.String(rangeHeader(rng))
	}

	req, err := s.presign.PresignGetObject(ctx, input, func(o *s3.PresignOptions) {
		o.Expires = expiry
	})
	if err != nil {
		return "", fmt.Errorf("presigning %s: %w", key, err)
	}
	return req.URL, nil
}

func (s *S3Store) Ping(ctx context.Context) error {
	_, err := s.s3.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: &s.bucket,
	})
	return err
}
