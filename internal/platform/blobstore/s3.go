package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config holds explicit construction parameters for the S3 backend.
// Credentials may be left empty to use the default provider chain.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string // optional, for MinIO and other S3-compatibles
	AccessKeyID     string
	SecretAccessKey string
	PathStyle       bool
	MaxSize         int64
}

// S3Store keeps blobs as objects in a single bucket, one object per handle.
// Released handles are tombstoned with a zero-byte marker object so they
// stay distinguishable from unknown handles.
type S3Store struct {
	client  *s3.Client
	bucket  string
	maxSize int64
}

// NewS3Store constructs an S3-backed Store.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.PathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &S3Store{client: client, bucket: cfg.Bucket, maxSize: maxSize}, nil
}

const tombstoneSuffix = ".released"

func (s *S3Store) Put(ctx context.Context, fileName, contentType string, content io.Reader) (Info, error) {
	if err := validateUpload(fileName, contentType); err != nil {
		return Info{}, err
	}
	data, err := readBounded(content, s.maxSize)
	if err != nil {
		return Info{}, err
	}

	info := Info{
		Handle:      newHandle(),
		FileName:    fileName,
		ContentType: contentType,
		Size:        int64(len(data)),
		CreatedAt:   time.Now().UTC(),
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(info.Handle),
		Body:   bytes.NewReader(data),
		Metadata: map[string]string{
			"file-name": info.FileName,
		},
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return Info{}, fmt.Errorf("put object: %w", err)
	}
	return info, nil
}

func (s *S3Store) Open(ctx context.Context, handle string) (io.ReadCloser, *Info, error) {
	if err := checkHandle(handle); err != nil {
		return nil, nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(handle),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, nil, s.goneErr(ctx, handle)
		}
		return nil, nil, fmt.Errorf("get object: %w", err)
	}

	info := &Info{
		Handle:      handle,
		FileName:    out.Metadata["file-name"],
		ContentType: aws.ToString(out.ContentType),
		Size:        aws.ToInt64(out.ContentLength),
		CreatedAt:   aws.ToTime(out.LastModified),
	}
	return out.Body, info, nil
}

func (s *S3Store) Release(ctx context.Context, handle string) error {
	if err := checkHandle(handle); err != nil {
		return err
	}
	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(handle),
	}); err != nil {
		if isNotFound(err) {
			return s.goneErr(ctx, handle)
		}
		return fmt.Errorf("head object: %w", err)
	}

	// Tombstone before deleting so an interrupted release still reads as
	// released rather than live.
	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(handle + tombstoneSuffix),
		Body:   bytes.NewReader(nil),
	}); err != nil {
		return fmt.Errorf("write tombstone: %w", err)
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(handle),
	}); err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

func (s *S3Store) goneErr(ctx context.Context, handle string) error {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(handle + tombstoneSuffix),
	})
	if err == nil {
		return ErrBlobReleased
	}
	return ErrBlobNotFound
}

func isNoSuchKey(err error) bool {
	var nsk *types.NoSuchKey
	return errors.As(err, &nsk)
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	return errors.As(err, &nf) || isNoSuchKey(err)
}
