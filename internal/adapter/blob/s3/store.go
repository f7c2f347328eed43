// Package s3 stores task logs and artifact archives in an S3 bucket and
// hands out short-lived download links for them.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// LinkTTL is how long generated download links stay valid.
const LinkTTL = 24 * time.Hour

type putAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type presignAPI interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Store implements domain.BlobStore on top of one S3 bucket.
type Store struct {
	bucket  string
	client  putAPI
	presign presignAPI
	linkTTL time.Duration
}

// Options configures access to the result bucket. Endpoint is optional
// and switches the client to path-style addressing for S3-compatible
// stores.
type Options struct {
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	Endpoint  string
}

// New builds a Store against the configured bucket.
func New(ctx context.Context, opts Options) (*Store, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("op=blob.new: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &Store{
		bucket:  opts.Bucket,
		client:  client,
		presign: s3.NewPresignClient(client),
		linkTTL: LinkTTL,
	}, nil
}

// Put uploads a blob under the given key. The content disposition makes
// browsers render logs inline while keeping the key as the filename.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:             aws.String(s.bucket),
		Key:                aws.String(key),
		Body:               bytes.NewReader(data),
		ContentLength:      aws.Int64(int64(len(data))),
		ContentDisposition: aws.String(fmt.Sprintf("inline; filename=%q", key)),
	})
	if err != nil {
		return fmt.Errorf("op=blob.put key=%s: %w", key, err)
	}
	return nil
}

// Link returns a presigned download URL for the key. A zero ttl falls
// back to LinkTTL.
func (s *Store) Link(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = s.linkTTL
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, func(o *s3.PresignOptions) { o.Expires = ttl })
	if err != nil {
		return "", fmt.Errorf("op=blob.link key=%s: %w", key, err)
	}
	return req.URL, nil
}
