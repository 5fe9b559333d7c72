package files

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/stratabase/strata/internal/domain"
)

// S3Backend stores objects in a bucket. Any S3-compatible endpoint works
// when Endpoint is set.
type S3Backend struct {
	client *s3.Client
	bucket string
}

// S3Config holds the connection settings for the bucket.
type S3Config struct {
	Bucket          string
	Region          string
	Profile         string
	Endpoint        string // optional, for S3-compatible stores
	AccessKeyID     string // optional, falls back to the default chain
	AccessKeySecret string
}

func NewS3Backend(ctx context.Context, cfg S3Config) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("storage.s3_bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.AccessKeySecret, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Backend{client: client, bucket: cfg.Bucket}, nil
}

func (b *S3Backend) Put(ctx context.Context, key string, body io.Reader, contentType string) (*FileInfo, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	input := &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := b.client.PutObject(ctx, input); err != nil {
		return nil, fmt.Errorf("put %s: %w", key, err)
	}
	return b.Stat(ctx, key)
}

func (b *S3Backend) Get(ctx context.Context, key string) (io.ReadCloser, *FileInfo, error) {
	if err := ValidateKey(key); err != nil {
		return nil, nil, err
	}
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, nil, fmt.Errorf("file %s: %w", key, domain.ErrNotFound)
		}
		return nil, nil, fmt.Errorf("get %s: %w", key, err)
	}
	return out.Body, &FileInfo{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		ContentType:  aws.ToString(out.ContentType),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

func (b *S3Backend) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	// Delete is idempotent on S3; check existence first so missing keys
	// surface as NotFound like the local backend.
	if _, err := b.Stat(ctx, key); err != nil {
		return err
	}
	if _, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (b *S3Backend) Stat(ctx context.Context, key string) (*FileInfo, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("file %s: %w", key, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}
	return &FileInfo{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		ContentType:  aws.ToString(out.ContentType),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

func (b *S3Backend) List(ctx context.Context, prefix string, limit int) ([]FileInfo, error) {
	if limit <= 0 {
		limit = 1000
	}
	out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", prefix, err)
	}
	infos := make([]FileInfo, 0, len(out.Contents))
	for _, obj := range out.Contents {
		infos = append(infos, FileInfo{
			Key:          aws.ToString(obj.Key),
			Size:         aws.ToInt64(obj.Size),
			LastModified: aws.ToTime(obj.LastModified),
		})
	}
	return infos, nil
}

func isNoSuchKey(err error) bool {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noKey) || errors.As(err, &notFound)
}
