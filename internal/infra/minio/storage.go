package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Storage struct {
	client *miniogo.Client
	bucket string
}

type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

func NewStorage(cfg StorageConfig) (*Storage, error) {
	client, err := miniogo.New(cfg.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Storage{client: client, bucket: cfg.Bucket}, nil
}

func (s *Storage) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, miniogo.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

// Ping verifies the bucket is reachable; used by readiness checks.
func (s *Storage) Ping(ctx context.Context) error {
	if _, err := s.client.BucketExists(ctx, s.bucket); err != nil {
		return fmt.Errorf("minio ping: %w", err)
	}
	return nil
}

func (s *Storage) Download(ctx context.Context, objectKey, destPath string) error {
	return s.client.FGetObject(ctx, s.bucket, objectKey, destPath, miniogo.GetObjectOptions{})
}

func (s *Storage) UploadFile(ctx context.Context, objectKey, filePath, contentType string) error {
	_, err := s.client.FPutObject(ctx, s.bucket, objectKey, filePath, miniogo.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", objectKey, err)
	}
	return nil
}

func (s *Storage) ReadObject(ctx context.Context, objectKey string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, objectKey, miniogo.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", objectKey, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", objectKey, err)
	}
	return data, nil
}

func (s *Storage) ListPrefix(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range s.client.ListObjects(ctx, s.bucket, miniogo.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

func (s *Storage) Exists(ctx context.Context, objectKey string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, objectKey, miniogo.StatObjectOptions{})
	if err != nil {
		resp := miniogo.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", objectKey, err)
	}
	return true, nil
}

// Publish uploads to a staging key and promotes with a server-side copy,
// so a crash mid-upload never leaves a partial object at the final key.
func (s *Storage) Publish(ctx context.Context, objectKey string, data []byte, contentType string) error {
	stagingKey := objectKey + ".staging"

	_, err := s.client.PutObject(ctx, s.bucket, stagingKey,
		bytes.NewReader(data), int64(len(data)),
		miniogo.PutObjectOptions{ContentType: contentType},
	)
	if err != nil {
		return fmt.Errorf("stage %s: %w", stagingKey, err)
	}

	_, err = s.client.CopyObject(ctx,
		miniogo.CopyDestOptions{Bucket: s.bucket, Object: objectKey},
		miniogo.CopySrcOptions{Bucket: s.bucket, Object: stagingKey},
	)
	if err != nil {
		return fmt.Errorf("publish %s: %w", objectKey, err)
	}

	_ = s.client.RemoveObject(ctx, s.bucket, stagingKey, miniogo.RemoveObjectOptions{})
	return nil
}
