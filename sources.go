package medabe

import (
	"context"
	"fmt"

	"github.com/hengadev/medabe/internal/abeerr"
	"github.com/hengadev/medabe/internal/keys"
	"github.com/hengadev/medabe/internal/store"
	"github.com/hengadev/medabe/providers/awskms"
	"github.com/hengadev/medabe/providers/s3"
	"github.com/hengadev/medabe/providers/vault"
)

// SecretSourceFromConfig builds the master secret provider cfg selects.
// cfg must have been validated.
func SecretSourceFromConfig(ctx context.Context, cfg Config) (keys.SecretSource, error) {
	switch cfg.SecretSource {
	case SecretSourceStatic:
		secret, err := keys.DecodeSecret(cfg.MasterSecret)
		if err != nil {
			return nil, err
		}
		return keys.StaticSource(secret), nil
	case SecretSourceFile:
		return keys.FileSource(cfg.MasterSecretFile), nil
	case SecretSourceAWSKMS:
		src, err := awskms.New(ctx, awskms.Config{
			KeyID:        cfg.KMS.KeyID,
			SealedSecret: cfg.KMS.SealedSecret,
			Region:       cfg.KMS.Region,
		})
		if err != nil {
			return nil, fmt.Errorf("create KMS secret source: %w", err)
		}
		return src, nil
	case SecretSourceVault:
		src, err := vault.NewFromEnvironment(ctx, vault.Config{Path: cfg.Vault.Path})
		if err != nil {
			return nil, fmt.Errorf("create Vault secret source: %w", err)
		}
		return src, nil
	}
	return nil, fmt.Errorf("%w: no master secret source configured", abeerr.ErrInvalidConfiguration)
}

// backupStoreFromConfig returns the S3 store when a bucket is configured, else fallback.
func backupStoreFromConfig(ctx context.Context, cfg Config, fallback store.BackupStore) (store.BackupStore, error) {
	if cfg.Backup.Bucket == "" {
		return fallback, nil
	}
	b, err := s3.New(ctx, s3.Config{
		Bucket: cfg.Backup.Bucket,
		Prefix: cfg.Backup.Prefix,
		Region: cfg.Backup.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 backup store: %w", err)
	}
	return b, nil
}
