package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/kellnr/kellnr/kellnrerr"
)

// ArchiveStore is the second storage contract both backends carry:
// toolchain archives keyed by (date, filename) rather than by crate
// name and version. PutArchive returns the hex SHA-256 and size of the
// stored bytes, which the toolchain distributor records for manifest
// generation.
type ArchiveStore interface {
	PutArchive(ctx context.Context, date, filename string, data []byte) (hash string, size int64, err error)
	GetArchive(ctx context.Context, date, filename string) ([]byte, error)
	DeleteArchive(ctx context.Context, date, filename string) error
}

func (s *FsStore) archivePath(date, filename string) string {
	return filepath.Join(s.root, "toolchains", date, filename)
}

func (s *FsStore) PutArchive(ctx context.Context, date, filename string, data []byte) (string, int64, error) {
	p := s.archivePath(date, filename)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", 0, fmt.Errorf("create archive dir %s: %w", date, err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return "", 0, fmt.Errorf("write archive %s/%s: %w", date, filename, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), int64(len(data)), nil
}

func (s *FsStore) GetArchive(ctx context.Context, date, filename string) ([]byte, error) {
	data, err := os.ReadFile(s.archivePath(date, filename))
	if errors.Is(err, os.ErrNotExist) {
		return nil, kellnrerr.NotFound("archive not found", err)
	}
	if err != nil {
		return nil, fmt.Errorf("read archive %s/%s: %w", date, filename, err)
	}
	return data, nil
}

func (s *FsStore) DeleteArchive(ctx context.Context, date, filename string) error {
	err := os.Remove(s.archivePath(date, filename))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete archive %s/%s: %w", date, filename, err)
	}
	return nil
}

func archiveKey(date, filename string) string {
	return "toolchains/" + date + "/" + filename
}

func (s *S3Store) PutArchive(ctx context.Context, date, filename string, data []byte) (string, int64, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(archiveKey(date, filename)),
		Body:     bytes.NewReader(data),
		Metadata: map[string]string{"sha256": hash},
	})
	if err != nil {
		return "", 0, fmt.Errorf("upload archive %s/%s: %w", date, filename, err)
	}
	return hash, int64(len(data)), nil
}

func (s *S3Store) GetArchive(ctx context.Context, date, filename string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(archiveKey(date, filename)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, kellnrerr.NotFound("archive not found", err)
		}
		return nil, fmt.Errorf("get archive %s/%s: %w", date, filename, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read archive %s/%s: %w", date, filename, err)
	}
	return data, nil
}

func (s *S3Store) DeleteArchive(ctx context.Context, date, filename string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(archiveKey(date, filename)),
	})
	if err != nil {
		return fmt.Errorf("delete archive %s/%s: %w", date, filename, err)
	}
	return nil
}
