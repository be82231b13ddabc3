// database/minio.go
package database

import (
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"github.com/Coding-for-Machine/video-transcoder/config"
)

func NewMinIOClient(ctx context.Context, cfg config.MinIOConfig, log zerolog.Logger) (*minio.Client, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	buckets := []string{cfg.RawBucket, cfg.OutputBucket, cfg.ThumbnailBucket, cfg.DebugBucket}
	for _, bucketName := range buckets {
		if bucketName == "" {
			continue
		}
		exists, err := client.BucketExists(ctx, bucketName)
		if err != nil {
			return nil, fmt.Errorf("check bucket %s: %w", bucketName, err)
		}
		if !exists {
			if err := client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
				return nil, fmt.Errorf("create bucket %s: %w", bucketName, err)
			}
			log.Info().Str("bucket", bucketName).Msg("minio bucket created")
		}
	}

	// Players fetch manifests, segments and thumbnails anonymously.
	for _, bucketName := range []string{cfg.OutputBucket, cfg.ThumbnailBucket} {
		if err := client.SetBucketPolicy(ctx, bucketName, publicReadPolicy(bucketName)); err != nil {
			log.Warn().Err(err).Str("bucket", bucketName).Msg("public read policy not applied")
		}
	}

	log.Info().Str("endpoint", cfg.Endpoint).Msg("minio connected")
	return client, nil
}

func publicReadPolicy(bucket string) string {
	return `{
		"Version": "2012-10-17",
		"Statement": [
			{
				"Effect": "Allow",
				"Principal": {"AWS": ["*"]},
				"Action": ["s3:GetObject"],
				"Resource": ["arn:aws:s3:::` + bucket + `/*"]
			}
		]
	}`
}
