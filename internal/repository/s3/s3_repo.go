package s3

import (
	"clipqueue/internal/domain/entity"
	"clipqueue/pkg/client/s3"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
)

type S3Repo struct {
	StorageS3 *s3.StorageS3
}

func NewS3Repo(storageS3 *s3.StorageS3) *S3Repo {
	return &S3Repo{
		StorageS3: storageS3,
	}
}

// Exists reports whether key is present in the bucket.
func (s *S3Repo) Exists(ctx context.Context, key string) (bool, error) {
	if s.StorageS3 == nil || s.StorageS3.Client == nil {
		return false, fmt.Errorf("s3 client not initialized")
	}

	_, err := s.StorageS3.Client.StatObject(ctx, s.StorageS3.Bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("s3 stat object: %w", err)
	}
	return true, nil
}

// ValidateMedia checks that every media object a job refers to exists.
func (s *S3Repo) ValidateMedia(ctx context.Context, params entity.JobParameters) error {
	var missing []string
	for _, key := range []string{params.MediaPath, params.TargetSubtitlePath, params.NativeSubtitlePath} {
		if key == "" {
			continue
		}
		ok, err := s.Exists(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing media objects: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (s *S3Repo) PresignResult(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if s.StorageS3 == nil || s.StorageS3.Client == nil {
		return "", fmt.Errorf("s3 client not initialized")
	}

	reqParams := url.Values{}

	presignedURL, err := s.StorageS3.Client.PresignedGetObject(ctx, s.StorageS3.Bucket, key, expiry, reqParams)
	if err != nil {
		return "", fmt.Errorf("presigned get object: %w", err)
	}
	return presignedURL.String(), nil
}
