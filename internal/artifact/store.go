// Package artifact keeps rendered exports in S3 compatible object storage.
package artifact

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Object describes a stored export.
type Object struct {
	Key       string    `json:"key"`
	Size      int64     `json:"size"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type Store struct {
	client    *minio.Client
	bucket    string
	urlExpiry time.Duration
}

// New creates a store. An empty region means us-east-1.
func New(endpoint, accessKey, secretKey, bucket, region string, useSSL bool) (*Store, error) {
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Store{client: client, bucket: bucket, urlExpiry: 15 * time.Minute}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *Store) EnsureBucket(ctx context.Context) error {
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

// Put uploads data under key and returns a presigned download link.
func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string) (Object, error) {
	info, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return Object{}, fmt.Errorf("put object %s: %w", key, err)
	}
	link, err := s.PresignedURL(ctx, key)
	if err != nil {
		return Object{}, err
	}
	return Object{
		Key:       key,
		Size:      info.Size,
		URL:       link,
		ExpiresAt: time.Now().UTC().Add(s.urlExpiry),
	}, nil
}

func (s *Store) PresignedURL(ctx context.Context, key string) (string, error) {
	params := url.Values{}
	filename := key[strings.LastIndex(key, "/")+1:]
	params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", filename))
	link, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.urlExpiry, params)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return link.String(), nil
}

// ObjectKey is where an export of a document version lives. Exports of the
// same version and format overwrite each other.
func ObjectKey(documentID string, version int, filename string) string {
	return fmt.Sprintf("documents/%s/v%d/%s", documentID, version, filename)
}
