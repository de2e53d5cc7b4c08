// Package awskms keeps the master secret sealed under an AWS KMS key.
//
// The secret is stored only as a KMS ciphertext blob (base64). At startup the
// blob is decrypted once; GenerateSealedSecret creates a fresh secret with
// GenerateDataKey so the plaintext never has to be written anywhere.
package awskms

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/hengadev/medabe/internal/abeerr"
	"github.com/hengadev/medabe/internal/keys"
	"github.com/hengadev/medabe/internal/reliability"
)

// kmsClient interface for AWS KMS operations (allows mocking)
type kmsClient interface {
	DescribeKey(ctx context.Context, params *kms.DescribeKeyInput, optFns ...func(*kms.Options)) (*kms.DescribeKeyOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
}

// Config holds configuration for the KMS source.
type Config struct {
	// KeyID is a key id, key ARN or alias; a bare name gets the "alias/" prefix.
	KeyID string
	// SealedSecret is the base64 KMS ciphertext of the master secret.
	SealedSecret string
	// Region is the AWS region. If empty, the default AWS config chain decides.
	Region string
	// AWSConfig is an optional pre-configured AWS config. If provided, Region is ignored.
	AWSConfig *aws.Config
	Retry     reliability.RetryConfig
}

// Source implements keys.SecretSource with AWS KMS.
type Source struct {
	client kmsClient
	keyID  string
	sealed string
	retry  reliability.RetryConfig
	region string
}

var _ keys.SecretSource = (*Source)(nil)

// New creates the source.
//
//	src, err := awskms.New(ctx, awskms.Config{KeyID: "medabe-master", SealedSecret: blob})
func New(ctx context.Context, cfg Config) (*Source, error) {
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
	return newSource(kms.NewFromConfig(awsConfig), cfg, awsConfig.Region)
}

func newSource(client kmsClient, cfg Config, region string) (*Source, error) {
	if cfg.KeyID == "" {
		return nil, fmt.Errorf("%w: KMS key id cannot be empty", abeerr.ErrInvalidConfiguration)
	}
	return &Source{
		client: client,
		keyID:  normalizeKeyID(cfg.KeyID),
		sealed: strings.TrimSpace(cfg.SealedSecret),
		retry:  cfg.Retry,
		region: region,
	}, nil
}

// normalizeKeyID leaves ids, ARNs and aliases alone and prefixes bare names.
func normalizeKeyID(id string) string {
	switch {
	case strings.HasPrefix(id, "alias/"), strings.HasPrefix(id, "arn:"):
		return id
	case len(id) == 36 && strings.Count(id, "-") == 4:
		return id
	}
	return "alias/" + id
}

func (s *Source) KeyID() string  { return s.keyID }
func (s *Source) Region() string { return s.region }

// MasterSecret decrypts the sealed blob.
func (s *Source) MasterSecret(ctx context.Context) ([]byte, error) {
	if s.sealed == "" {
		return nil, fmt.Errorf("%w: no sealed master secret configured", abeerr.ErrInvalidConfiguration)
	}
	blob, err := base64.StdEncoding.DecodeString(s.sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: sealed master secret is not base64: %w", abeerr.ErrInvalidConfiguration, err)
	}
	out, err := reliability.Do(ctx, s.retry, func(ctx context.Context) (*kms.DecryptOutput, error) {
		out, err := s.client.Decrypt(ctx, &kms.DecryptInput{
			CiphertextBlob:      blob,
			KeyId:               aws.String(s.keyID),
			EncryptionAlgorithm: types.EncryptionAlgorithmSpecSymmetricDefault,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: failed to decrypt master secret: %w", abeerr.ErrBackendUnavailable, err)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	if len(out.Plaintext) == 0 {
		return nil, fmt.Errorf("%w: no plaintext returned from KMS", abeerr.ErrBackendUnavailable)
	}
	return out.Plaintext, nil
}

// GenerateSealedSecret returns a new 32 byte secret and its sealed form.
func (s *Source) GenerateSealedSecret(ctx context.Context) (secret []byte, sealed string, err error) {
	out, err := reliability.Do(ctx, s.retry, func(ctx context.Context) (*kms.GenerateDataKeyOutput, error) {
		out, err := s.client.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
			KeyId:   aws.String(s.keyID),
			KeySpec: types.DataKeySpecAes256,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: failed to generate master secret: %w", abeerr.ErrBackendUnavailable, err)
		}
		return out, nil
	})
	if err != nil {
		return nil, "", err
	}
	if len(out.Plaintext) != keys.KeySize || len(out.CiphertextBlob) == 0 {
		return nil, "", fmt.Errorf("%w: unexpected data key shape from KMS", abeerr.ErrBackendUnavailable)
	}
	return out.Plaintext, base64.StdEncoding.EncodeToString(out.CiphertextBlob), nil
}

// Ping checks that the key exists and is enabled.
func (s *Source) Ping(ctx context.Context) error {
	out, err := s.client.DescribeKey(ctx, &kms.DescribeKeyInput{KeyId: aws.String(s.keyID)})
	if err != nil {
		return fmt.Errorf("%w: failed to describe KMS key %s: %w", abeerr.ErrBackendUnavailable, s.keyID, err)
	}
	if out.KeyMetadata == nil || !out.KeyMetadata.Enabled {
		return fmt.Errorf("%w: KMS key %s is not enabled", abeerr.ErrBackendUnavailable, s.keyID)
	}
	return nil
}
