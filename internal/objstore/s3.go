package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// S3Store writes objects to an S3-compatible bucket. A custom endpoint
// supports MinIO and friends.
type S3Store struct {
	client *s3.Client
	bucket string
	logger zerolog.Logger
}

func NewS3(ctx context.Context, bucket, region, endpoint string, logger zerolog.Logger) (*S3Store, error) {
	if bucket == "" {
		return nil, errors.New("bucket required")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Store{
		client: client,
		bucket: bucket,
		logger: logger.With().Str("component", "objstore").Str("bucket", bucket).Logger(),
	}, nil
}

func (s *S3Store) Put(ctx context.Context, obj Object) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(obj.Key),
		Body:   bytes.NewReader(obj.Data),
	}
	if obj.ContentType != "" {
		input.ContentType = aws.String(obj.ContentType)
	}
	if len(obj.Metadata) > 0 {
		input.Metadata = obj.Metadata
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("put %s: %w", obj.Key, err)
	}
	s.logger.Debug().Str("key", obj.Key).Int("bytes", len(obj.Data)).Msg("object stored")
	return nil
}

func (s *S3Store) Get(ctx context.Context, key string) (*Object, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk interface{ ErrorCode() string }
		if errors.As(err, &nsk) && nsk.ErrorCode() == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	obj := &Object{Key: key, Data: data, Metadata: out.Metadata}
	if out.ContentType != nil {
		obj.ContentType = *out.ContentType
	}
	return obj, nil
}

func (s *S3Store) Close() error { return nil }
