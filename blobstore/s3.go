package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/kellnr/kellnr/kellnrerr"
)

// sharedHTTPClient is reused across every S3Store so concurrent
// publishes share one connection pool instead of paying a new TLS
// handshake per upload.
var sharedHTTPClient = &http.Client{
	Timeout: 60 * time.Second,
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	},
}

// S3Config names an S3-compatible endpoint. Endpoint may be empty to
// use AWS's regional default resolution.
type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
}

// S3Store is an S3-compatible Store, suitable for AWS S3 itself or any
// endpoint speaking the same API (MinIO, Hetzner Object Storage).
type S3Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
}

// NewS3Store builds an S3Store from static credentials and an optional
// custom endpoint.
func NewS3Store(ctx context.Context, c S3Config) (*S3Store, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(c.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(c.AccessKey, c.SecretKey, "")),
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.HTTPClient = sharedHTTPClient
		if c.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Store{client: client, uploader: manager.NewUploader(client), bucket: c.Bucket}, nil
}

func s3Key(originalName, version string) string {
	return originalName + "-" + version + ".crate"
}

func (s *S3Store) Put(ctx context.Context, originalName, version string, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	cksum := hex.EncodeToString(sum[:])
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s3Key(originalName, version)),
		Body:   bytes.NewReader(data),
		Metadata: map[string]string{
			"sha256": cksum,
		},
	})
	if err != nil {
		return "", fmt.Errorf("upload blob %s %s: %w", originalName, version, err)
	}
	return cksum, nil
}

func (s *S3Store) Get(ctx context.Context, originalName, version string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s3Key(originalName, version)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, kellnrerr.NotFound("blob not found", err)
		}
		return nil, fmt.Errorf("get blob %s %s: %w", originalName, version, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read blob %s %s: %w", originalName, version, err)
	}
	return data, nil
}

func (s *S3Store) Delete(ctx context.Context, originalName, version string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s3Key(originalName, version)),
	})
	if err != nil {
		return fmt.Errorf("delete blob %s %s: %w", originalName, version, err)
	}
	return nil
}
