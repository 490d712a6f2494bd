package loft

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// minPartSize is the smallest part an S3-compatible backend accepts in a
// multipart upload, for every part except the last.
const minPartSize = 5 * 1024 * 1024

// ObjectInfo describes one stored object as returned by List.
type ObjectInfo struct {
	Key  string
	Size int64
}

// CompletedPart identifies one uploaded multipart part by its number and the
// opaque ETag the backend returned for it.
type CompletedPart struct {
	PartNumber int
	ETag       string
}

// ObjectStore is the subset of an S3-compatible object store the upload
// pipeline depends on: plain object operations, presigned reads, and the
// native multipart-upload primitives.
type ObjectStore interface {
	// Put stores the payload read from r under key, overwriting any
	// previous object at that key. It returns the number of bytes stored.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (int64, error)

	// Get retrieves the full payload stored under key.
	Get(ctx context.Context, key string) ([]byte, error)

	// List returns all objects whose keys start with prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Delete removes the object at key. Deleting a missing key is a no-op.
	Delete(ctx context.Context, key string) error

	// PresignGet returns a short-lived signed URL for reading key.
	PresignGet(ctx context.Context, key string, expiry time.Duration) (*url.URL, error)

	// CreateMultipart opens a multipart upload against key and returns its
	// upload ID. The upload must eventually be completed or aborted.
	CreateMultipart(ctx context.Context, key string, contentType string) (string, error)

	// UploadPart uploads one part of an open multipart upload.
	UploadPart(ctx context.Context, key string, uploadID string, partNumber int, data []byte) (CompletedPart, error)

	// CompleteMultipart finalizes a multipart upload from its ordered parts.
	CompleteMultipart(ctx context.Context, key string, uploadID string, parts []CompletedPart) error

	// AbortMultipart abandons a multipart upload, releasing backend-side
	// storage held by already-uploaded parts.
	AbortMultipart(ctx context.Context, key string, uploadID string) error

	// ListParts returns the parts uploaded so far for an open multipart
	// upload, in part-number order.
	ListParts(ctx context.Context, key string, uploadID string) ([]CompletedPart, error)
}

// MinioStore is an ObjectStore backed by any S3-compatible endpoint via the
// MinIO client. The high-level client covers plain object operations; the
// low-level Core client exposes the multipart primitives.
type MinioStore struct {
	client *minio.Client
	core   *minio.Core
	bucket string
}

// MinioConfig carries the connection settings for a MinioStore.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Secure    bool
}

// NewMinioStore connects to the configured endpoint and ensures the bucket
// exists, creating it if necessary.
func NewMinioStore(ctx context.Context, cfg MinioConfig) (*MinioStore, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint must not be empty")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("minio bucket must not be empty")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket existence: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %q: %w", cfg.Bucket, err)
		}
	}

	return &MinioStore{
		client: client,
		core:   &minio.Core{Client: client},
		bucket: cfg.Bucket,
	}, nil
}

func (s *MinioStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (int64, error) {
	info, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return 0, fmt.Errorf("put object %q: %w", key, err)
	}
	return info.Size, nil
}

func (s *MinioStore) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %q: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read object %q: %w", key, err)
	}
	return data, nil
}

func (s *MinioStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var infos []ObjectInfo
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list objects under %q: %w", prefix, obj.Err)
		}
		infos = append(infos, ObjectInfo{Key: obj.Key, Size: obj.Size})
	}
	return infos, nil
}

func (s *MinioStore) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete object %q: %w", key, err)
	}
	return nil
}

func (s *MinioStore) PresignGet(ctx context.Context, key string, expiry time.Duration) (*url.URL, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, expiry, url.Values{})
	if err != nil {
		return nil, fmt.Errorf("presign get %q: %w", key, err)
	}
	return u, nil
}

func (s *MinioStore) CreateMultipart(ctx context.Context, key string, contentType string) (string, error) {
	uploadID, err := s.core.NewMultipartUpload(ctx, s.bucket, key, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("initiate multipart upload for %q: %w", key, err)
	}
	return uploadID, nil
}

func (s *MinioStore) UploadPart(ctx context.Context, key string, uploadID string, partNumber int, data []byte) (CompletedPart, error) {
	part, err := s.core.PutObjectPart(ctx, s.bucket, key, uploadID, partNumber,
		bytes.NewReader(data), int64(len(data)), minio.PutObjectPartOptions{})
	if err != nil {
		return CompletedPart{}, fmt.Errorf("upload part %d of %q: %w", partNumber, key, err)
	}
	return CompletedPart{PartNumber: part.PartNumber, ETag: part.ETag}, nil
}

func (s *MinioStore) CompleteMultipart(ctx context.Context, key string, uploadID string, parts []CompletedPart) error {
	completeParts := make([]minio.CompletePart, 0, len(parts))
	for _, p := range parts {
		completeParts = append(completeParts, minio.CompletePart{
			PartNumber: p.PartNumber,
			ETag:       p.ETag,
		})
	}

	if _, err := s.core.CompleteMultipartUpload(ctx, s.bucket, key, uploadID, completeParts, minio.PutObjectOptions{}); err != nil {
		return fmt.Errorf("complete multipart upload for %q: %w", key, err)
	}
	return nil
}

func (s *MinioStore) AbortMultipart(ctx context.Context, key string, uploadID string) error {
	if err := s.core.AbortMultipartUpload(ctx, s.bucket, key, uploadID); err != nil {
		return fmt.Errorf("abort multipart upload for %q: %w", key, err)
	}
	return nil
}

func (s *MinioStore) ListParts(ctx context.Context, key string, uploadID string) ([]CompletedPart, error) {
	var (
		parts  []CompletedPart
		marker int
	)
	for {
		result, err := s.core.ListObjectParts(ctx, s.bucket, key, uploadID, marker, 1000)
		if err != nil {
			return nil, fmt.Errorf("list parts of %q: %w", key, err)
		}
		for _, p := range result.ObjectParts {
			parts = append(parts, CompletedPart{PartNumber: p.PartNumber, ETag: p.ETag})
		}
		if !result.IsTruncated {
			return parts, nil
		}
		marker = result.NextPartNumberMarker
	}
}
