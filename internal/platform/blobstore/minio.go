package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioStore keeps artifacts in an S3-compatible bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
}

func NewMinioStore(cfg MinioConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &MinioStore{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket creates the bucket when it does not exist.
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

func (s *MinioStore) Put(ctx context.Context, key, contentType string, data []byte) (*Object, error) {
	if !validKey(key) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	info, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return nil, fmt.Errorf("put %s/%s: %w", s.bucket, key, err)
	}
	return &Object{
		Key:         key,
		ContentType: contentType,
		Size:        info.Size,
		Hash:        info.ETag,
		CreatedAt:   info.LastModified,
	}, nil
}

func (s *MinioStore) Get(ctx context.Context, key string) ([]byte, *Object, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, nil, s.mapErr(key, err)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		return nil, nil, s.mapErr(key, err)
	}
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s/%s: %w", s.bucket, key, err)
	}
	return data, objectFromInfo(info), nil
}

func (s *MinioStore) List(ctx context.Context, prefix string) ([]Object, error) {
	var out []Object
	for info := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if info.Err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", s.bucket, prefix, info.Err)
		}
		out = append(out, *objectFromInfo(info))
	}
	return out, nil
}

func (s *MinioStore) mapErr(key string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return ErrBlobNotFound
	}
	return fmt.Errorf("get %s/%s: %w", s.bucket, key, err)
}

func objectFromInfo(info minio.ObjectInfo) *Object {
	return &Object{
		Key:         info.Key,
		ContentType: info.ContentType,
		Size:        info.Size,
		Hash:        info.ETag,
		CreatedAt:   info.LastModified,
	}
}
