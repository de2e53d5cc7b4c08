// Package s3 keeps migration pre-images in an S3 bucket, one JSON object per
// migration.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/hengadev/medabe/internal/abeerr"
	"github.com/hengadev/medabe/internal/reliability"
	"github.com/hengadev/medabe/internal/store"
	"github.com/hengadev/medabe/internal/types"
)

const DefaultPrefix = "medabe/migration-backups"

// s3Client is the subset of *s3.Client used here (allows mocking).
type s3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

type Config struct {
	Bucket string
	Prefix string
	// Region is the AWS region. If empty, the default AWS config chain decides.
	Region string
	// AWSConfig is an optional pre-configured AWS config. If provided, Region is ignored.
	AWSConfig *aws.Config
	Retry     reliability.RetryConfig
}

// BackupStore implements store.BackupStore on S3.
type BackupStore struct {
	client s3Client
	bucket string
	prefix string
	retry  reliability.RetryConfig
}

var _ store.BackupStore = (*BackupStore)(nil)

func New(ctx context.Context, cfg Config) (*BackupStore, error) {
	var awsConfig aws.Config
	if cfg.AWSConfig != nil {
		awsConfig = *cfg.AWSConfig
	} else {
		var opts []func(*config.LoadOptions) error
		if cfg.Region != "" {
			opts = append(opts, config.WithRegion(cfg.Region))
		}
		var err error
		awsConfig, err = config.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to load AWS config: %w", abeerr.ErrBackendUnavailable, err)
		}
	}
	return newBackupStore(s3.NewFromConfig(awsConfig), cfg)
}

func newBackupStore(client s3Client, cfg Config) (*BackupStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: backup bucket cannot be empty", abeerr.ErrInvalidConfiguration)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &BackupStore{client: client, bucket: cfg.Bucket, prefix: prefix, retry: cfg.Retry}, nil
}

func (b *BackupStore) key(migrationID string) string {
	return path.Join(b.prefix, migrationID+".json")
}

// SaveBackup uploads the pre-images. A second save for the same migration
// replaces the object.
func (b *BackupStore) SaveBackup(ctx context.Context, migrationID string, records []*types.Record) error {
	body, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode backup: %w", err)
	}
	_, err = reliability.Do(ctx, b.retry, func(ctx context.Context) (*s3.PutObjectOutput, error) {
		out, err := b.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:               aws.String(b.bucket),
			Key:                  aws.String(b.key(migrationID)),
			Body:                 bytes.NewReader(body),
			ContentType:          aws.String("application/json"),
			ServerSideEncryption: s3types.ServerSideEncryptionAes256,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: upload backup %s: %w", abeerr.ErrBackendUnavailable, migrationID, err)
		}
		return out, nil
	})
	return err
}

// LoadBackup returns store.ErrNotFound when no object exists.
func (b *BackupStore) LoadBackup(ctx context.Context, migrationID string) ([]*types.Record, error) {
	var notFound bool
	out, err := reliability.Do(ctx, b.retry, func(ctx context.Context) (*s3.GetObjectOutput, error) {
		out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(b.key(migrationID)),
		})
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			notFound = true
			return nil, err
		}
		if err != nil {
			return nil, fmt.Errorf("%w: download backup %s: %w", abeerr.ErrBackendUnavailable, migrationID, err)
		}
		return out, nil
	})
	if notFound {
		return nil, fmt.Errorf("backup for migration '%s': %w", migrationID, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()

	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read backup %s: %w", abeerr.ErrBackendUnavailable, migrationID, err)
	}
	var records []*types.Record
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("decode backup %s: %w", migrationID, err)
	}
	return records, nil
}

// Ping checks the bucket is reachable.
func (b *BackupStore) Ping(ctx context.Context) error {
	if _, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)}); err != nil {
		return fmt.Errorf("%w: bucket %s: %w", abeerr.ErrBackendUnavailable, b.bucket, err)
	}
	return nil
}
