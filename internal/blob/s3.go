package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Options configures an S3Store.
type S3Options struct {
	Bucket    string
	Region    string
	AccessKey string // optional; the default credential chain is used when empty
	SecretKey string
	Endpoint  string // optional S3-compatible endpoint (MinIO, LocalStack)
}

// s3API is the subset of *s3.Client the store needs.
type s3API interface {
	manager.UploadAPIClient
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Store keeps blobs in an S3 bucket. Objects must be readable by the
// worker at the returned URL (public-read bucket policy or an endpoint on a
// private network).
type S3Store struct {
	client   s3API
	uploader *manager.Uploader
	bucket   string
	region   string
	endpoint string
}

// NewS3Store builds a client from static credentials or the default chain.
func NewS3Store(ctx context.Context, o S3Options) (*S3Store, error) {
	if strings.TrimSpace(o.Bucket) == "" {
		return nil, errors.New("S3 bucket name not set")
	}
	if strings.TrimSpace(o.Region) == "" {
		return nil, errors.New("AWS_REGION not set")
	}

	loaders := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(o.Region)}
	if o.AccessKey != "" || o.SecretKey != "" {
		if o.AccessKey == "" || o.SecretKey == "" {
			return nil, errors.New("AWS credentials must set both access key and secret key")
		}
		loaders = append(loaders, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(o.AccessKey, o.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(so *s3.Options) {
		if o.Endpoint != "" {
			so.BaseEndpoint = aws.String(o.Endpoint)
			so.UsePathStyle = true
		}
	})
	return newS3Store(client, o), nil
}

func newS3Store(client s3API, o S3Options) *S3Store {
	return &S3Store{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   o.Bucket,
		region:   o.Region,
		endpoint: strings.TrimRight(o.Endpoint, "/"),
	}
}

// Put uploads body with the multipart-capable uploader.
func (s *S3Store) Put(ctx context.Context, key, contentType string, body io.Reader, _ int64) (Object, error) {
	ctxUpload, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	_, err := s.uploader.Upload(ctxUpload, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return Object{}, fmt.Errorf("s3 upload failed: %w", err)
	}
	return Object{Key: key, URL: s.objectURL(key)}, nil
}

// Delete removes the object. S3 answers 204 for missing keys too.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	ctxDel, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := s.client.DeleteObject(ctxDel, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("s3 delete failed: %w", err)
	}
	return nil
}

func (s *S3Store) objectURL(key string) string {
	if s.endpoint != "" {
		return fmt.Sprintf("%s/%s/%s", s.endpoint, s.bucket, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, key)
}
