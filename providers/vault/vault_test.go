package vault

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hengadev/medabe/internal/abeerr"
	"github.com/hengadev/medabe/internal/keys"
	"github.com/hengadev/medabe/internal/reliability"
)

type fakeLogical struct {
	data      map[string]map[string]interface{}
	readErrs  int
	readErr   error
	readPaths []string
}

func newFakeLogical() *fakeLogical {
	return &fakeLogical{data: make(map[string]map[string]interface{})}
}

func (f *fakeLogical) ReadWithContext(_ context.Context, path string) (*api.Secret, error) {
	f.readPaths = append(f.readPaths, path)
	if f.readErrs > 0 {
		f.readErrs--
		if f.readErr != nil {
			return nil, f.readErr
		}
		return nil, errors.New("connection reset")
	}
	d, ok := f.data[path]
	if !ok {
		return nil, nil
	}
	return &api.Secret{Data: d}, nil
}

func (f *fakeLogical) WriteWithContext(_ context.Context, path string, data map[string]interface{}) (*api.Secret, error) {
	f.data[path] = data
	return &api.Secret{}, nil
}

var fastRetry = reliability.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond}

func TestStoreAndReadMasterSecret(t *testing.T) {
	fake := newFakeLogical()
	src := newSource(fake, Config{Retry: fastRetry})
	assert.Equal(t, DefaultPath, src.Path())

	secret := bytes.Repeat([]byte{8}, 32)
	require.NoError(t, src.StoreMasterSecret(context.Background(), secret))

	fake.readErrs = 1
	m, err := keys.LoadMasterAuthority(context.Background(), src)
	require.NoError(t, err)
	assert.NotNil(t, m)
	assert.Len(t, fake.readPaths, 2)
}

func TestMasterSecretErrors(t *testing.T) {
	tests := []struct {
		name    string
		stored  map[string]interface{}
		readErr int
		wantErr error
	}{
		{name: "missing", wantErr: abeerr.ErrKeyNotFound},
		{name: "not kv v2", stored: map[string]interface{}{"value": "x"}, wantErr: abeerr.ErrInvalidConfiguration},
		{name: "no value", stored: map[string]interface{}{"data": map[string]interface{}{}}, wantErr: abeerr.ErrInvalidConfiguration},
		{name: "unreachable", readErr: 5, wantErr: abeerr.ErrBackendUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeLogical()
			if tt.stored != nil {
				fake.data[DefaultPath] = tt.stored
			}
			fake.readErrs = tt.readErr
			_, err := newSource(fake, Config{Retry: fastRetry}).MasterSecret(context.Background())
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestPermissionDeniedIsNotRetried(t *testing.T) {
	fake := newFakeLogical()
	fake.readErrs = 3
	fake.readErr = &api.ResponseError{StatusCode: http.StatusForbidden, Errors: []string{"permission denied"}}

	_, err := newSource(fake, Config{Retry: fastRetry}).MasterSecret(context.Background())
	assert.ErrorIs(t, err, abeerr.ErrAuthenticationRequired)
	assert.NotErrorIs(t, err, abeerr.ErrBackendUnavailable)
	assert.Len(t, fake.readPaths, 1)

	fake = newFakeLogical()
	fake.readErrs = 1
	fake.readErr = &api.ResponseError{StatusCode: http.StatusServiceUnavailable}
	fake.data[DefaultPath] = map[string]interface{}{"data": map[string]interface{}{"value": keys.EncodeSecret(bytes.Repeat([]byte{3}, 32))}}
	_, err = newSource(fake, Config{Retry: fastRetry}).MasterSecret(context.Background())
	require.NoError(t, err)
	assert.Len(t, fake.readPaths, 2)
}

func TestStoreRejectsShortSecret(t *testing.T) {
	err := newSource(newFakeLogical(), Config{}).StoreMasterSecret(context.Background(), []byte("short"))
	assert.ErrorIs(t, err, abeerr.ErrInvalidConfiguration)
}

func TestPingReadsMetadata(t *testing.T) {
	fake := newFakeLogical()
	require.NoError(t, newSource(fake, Config{}).Ping(context.Background()))
	assert.Equal(t, []string{"secret/metadata/medabe/master"}, fake.readPaths)
}

func TestNewFromEnvironmentRequiresAuth(t *testing.T) {
	t.Setenv("VAULT_ADDR", "http://127.0.0.1:8200")
	t.Setenv("VAULT_TOKEN", "")
	t.Setenv("VAULT_ROLE_ID", "")
	t.Setenv("VAULT_SECRET_ID", "")
	_, err := NewFromEnvironment(context.Background(), Config{})
	assert.ErrorIs(t, err, abeerr.ErrInvalidConfiguration)

	t.Setenv("VAULT_TOKEN", "root")
	src, err := NewFromEnvironment(context.Background(), Config{Path: "kv/data/other"})
	require.NoError(t, err)
	assert.Equal(t, "kv/data/other", src.Path())
}
