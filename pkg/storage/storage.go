// Package storage persists workspace artifacts in object storage and
// invalidates the CDN in front of it. Keys follow the
// `<userId>/<chatId>/...` layout shared with the edge worker.
package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// ObjectStore is the storage surface used by the build pipeline and
// backup service.
type ObjectStore interface {
	Upload(ctx context.Context, key string, body io.Reader, contentType string) error
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	InvalidatePrefix(ctx context.Context, prefix string) error
}

// Key layout helpers.

func PreviewKey(userID, chatID, rel string) string {
	return fmt.Sprintf("%s/%s/preview/%s", userID, chatID, rel)
}

func PreviewPrefix(userID, chatID string) string {
	return fmt.Sprintf("/%s/%s/preview/*", userID, chatID)
}

func BackupKey(userID, chatID string) string {
	return fmt.Sprintf("%s/%s/source_backup.tar.gz", userID, chatID)
}

func SnapshotKey(userID, chatID string) string {
	return fmt.Sprintf("%s/%s/source_snapshot.json.gz", userID, chatID)
}

// S3Store implements ObjectStore on S3 with CloudFront invalidation.
type S3Store struct {
	uploader       *manager.Uploader
	client         *s3.Client
	cf             *cloudfront.Client
	bucket         string
	distributionID string
	logger         *slog.Logger
}

// Config for the S3-backed store. DistributionID empty disables
// invalidation.
type Config struct {
	Bucket         string
	Region         string
	DistributionID string
}

// NewS3Store loads AWS credentials from the environment and wires the
// uploader and CDN clients.
func NewS3Store(ctx context.Context, cfg Config, logger *slog.Logger) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("storage bucket is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	return &S3Store{
		uploader:       manager.NewUploader(client),
		client:         client,
		cf:             cloudfront.NewFromConfig(awsCfg),
		bucket:         cfg.Bucket,
		distributionID: cfg.DistributionID,
		logger:         logger.With("component", "storage.s3"),
	}, nil
}

// Upload streams body to the key. The manager splits large bodies into
// multipart uploads.
func (s *S3Store) Upload(ctx context.Context, key string, body io.Reader, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

// Download returns the object body. Callers close it.
func (s *S3Store) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", key, err)
	}
	return out.Body, nil
}

// InvalidatePrefix issues a CloudFront invalidation for the path
// pattern. No-op when no distribution is configured.
func (s *S3Store) InvalidatePrefix(ctx context.Context, prefix string) error {
	if s.distributionID == "" {
		return nil
	}
	_, err := s.cf.CreateInvalidation(ctx, &cloudfront.CreateInvalidationInput{
		DistributionId: aws.String(s.distributionID),
		InvalidationBatch: &cftypes.InvalidationBatch{
			CallerReference: aws.String(fmt.Sprintf("edward-%d-%s", time.Now().Unix(), uuid.NewString()[:8])),
			Paths: &cftypes.Paths{
				Quantity: aws.Int32(1),
				Items:    []string{prefix},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to invalidate %s: %w", prefix, err)
	}
	s.logger.Info("cdn invalidation issued", "prefix", prefix)
	return nil
}
