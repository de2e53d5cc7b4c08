package awskms

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hengadev/medabe/internal/abeerr"
	"github.com/hengadev/medabe/internal/keys"
	"github.com/hengadev/medabe/internal/reliability"
)

// Mock KMS client for testing
type mockKMSClient struct {
	describeKeyFunc     func(ctx context.Context, params *kms.DescribeKeyInput, optFns ...func(*kms.Options)) (*kms.DescribeKeyOutput, error)
	decryptFunc         func(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
	generateDataKeyFunc func(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
}

func (m *mockKMSClient) DescribeKey(ctx context.Context, params *kms.DescribeKeyInput, optFns ...func(*kms.Options)) (*kms.DescribeKeyOutput, error) {
	if m.describeKeyFunc != nil {
		return m.describeKeyFunc(ctx, params, optFns...)
	}
	return &kms.DescribeKeyOutput{}, nil
}

func (m *mockKMSClient) Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	if m.decryptFunc != nil {
		return m.decryptFunc(ctx, params, optFns...)
	}
	return &kms.DecryptOutput{}, nil
}

func (m *mockKMSClient) GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error) {
	if m.generateDataKeyFunc != nil {
		return m.generateDataKeyFunc(ctx, params, optFns...)
	}
	return &kms.GenerateDataKeyOutput{}, nil
}

var (
	testSecret = bytes.Repeat([]byte{4}, 32)
	testBlob   = []byte("sealed-by-kms")
	fastRetry  = reliability.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond}
)

func TestNewWithAWSConfig(t *testing.T) {
	src, err := New(context.Background(), Config{KeyID: "medabe", AWSConfig: &aws.Config{Region: "eu-west-1"}})
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", src.Region())
	assert.Equal(t, "alias/medabe", src.KeyID())

	_, err = New(context.Background(), Config{AWSConfig: &aws.Config{Region: "eu-west-1"}})
	assert.ErrorIs(t, err, abeerr.ErrInvalidConfiguration)
}

func TestNormalizeKeyID(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"medabe", "alias/medabe"},
		{"alias/medabe", "alias/medabe"},
		{"arn:aws:kms:us-east-1:123456789012:key/abc", "arn:aws:kms:us-east-1:123456789012:key/abc"},
		{"1234abcd-12ab-34cd-56ef-1234567890ab", "1234abcd-12ab-34cd-56ef-1234567890ab"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizeKeyID(tt.in))
		})
	}
}

func TestMasterSecret(t *testing.T) {
	calls := 0
	client := &mockKMSClient{
		decryptFunc: func(_ context.Context, params *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
			calls++
			if calls == 1 {
				return nil, errors.New("throttled")
			}
			assert.Equal(t, testBlob, params.CiphertextBlob)
			assert.Equal(t, "alias/medabe", aws.ToString(params.KeyId))
			return &kms.DecryptOutput{Plaintext: testSecret}, nil
		},
	}
	src, err := newSource(client, Config{
		KeyID:        "medabe",
		SealedSecret: base64.StdEncoding.EncodeToString(testBlob),
		Retry:        fastRetry,
	}, "us-east-1")
	require.NoError(t, err)

	m, err := keys.LoadMasterAuthority(context.Background(), src)
	require.NoError(t, err)
	assert.NotNil(t, m)
	assert.Equal(t, 2, calls)
}

func TestMasterSecretErrors(t *testing.T) {
	tests := []struct {
		name    string
		sealed  string
		decrypt func(context.Context, *kms.DecryptInput, ...func(*kms.Options)) (*kms.DecryptOutput, error)
		wantErr error
	}{
		{name: "nothing sealed", wantErr: abeerr.ErrInvalidConfiguration},
		{name: "not base64", sealed: "%%%", wantErr: abeerr.ErrInvalidConfiguration},
		{
			name:   "kms down",
			sealed: base64.StdEncoding.EncodeToString(testBlob),
			decrypt: func(context.Context, *kms.DecryptInput, ...func(*kms.Options)) (*kms.DecryptOutput, error) {
				return nil, errors.New("connection refused")
			},
			wantErr: abeerr.ErrBackendUnavailable,
		},
		{
			name:    "empty plaintext",
			sealed:  base64.StdEncoding.EncodeToString(testBlob),
			wantErr: abeerr.ErrBackendUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, err := newSource(&mockKMSClient{decryptFunc: tt.decrypt}, Config{KeyID: "k", SealedSecret: tt.sealed, Retry: fastRetry}, "")
			require.NoError(t, err)
			_, err = src.MasterSecret(context.Background())
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestGenerateSealedSecret(t *testing.T) {
	client := &mockKMSClient{
		generateDataKeyFunc: func(_ context.Context, params *kms.GenerateDataKeyInput, _ ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error) {
			assert.Equal(t, types.DataKeySpecAes256, params.KeySpec)
			return &kms.GenerateDataKeyOutput{Plaintext: testSecret, CiphertextBlob: testBlob}, nil
		},
	}
	src, err := newSource(client, Config{KeyID: "medabe", Retry: fastRetry}, "")
	require.NoError(t, err)

	secret, sealed, err := src.GenerateSealedSecret(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testSecret, secret)
	assert.Equal(t, base64.StdEncoding.EncodeToString(testBlob), sealed)
}

func TestPing(t *testing.T) {
	tests := []struct {
		name    string
		out     *kms.DescribeKeyOutput
		err     error
		wantErr bool
	}{
		{"enabled", &kms.DescribeKeyOutput{KeyMetadata: &types.KeyMetadata{KeyId: aws.String("k"), Enabled: true}}, nil, false},
		{"disabled", &kms.DescribeKeyOutput{KeyMetadata: &types.KeyMetadata{KeyId: aws.String("k")}}, nil, true},
		{"error", nil, errors.New("denied"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &mockKMSClient{
				describeKeyFunc: func(context.Context, *kms.DescribeKeyInput, ...func(*kms.Options)) (*kms.DescribeKeyOutput, error) {
					return tt.out, tt.err
				},
			}
			src, err := newSource(client, Config{KeyID: "k"}, "")
			require.NoError(t, err)
			err = src.Ping(context.Background())
			if tt.wantErr {
				assert.ErrorIs(t, err, abeerr.ErrBackendUnavailable)
				return
			}
			assert.NoError(t, err)
		})
	}
}
