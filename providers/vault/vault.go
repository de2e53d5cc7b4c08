// Package vault reads the master secret from a HashiCorp Vault KV v2 engine.
//
// Environment variables, as read by NewFromEnvironment:
//   - VAULT_ADDR: Vault server address (required)
//   - VAULT_NAMESPACE: namespace for HCP Vault (optional)
//   - VAULT_TOKEN: token authentication
//   - VAULT_ROLE_ID + VAULT_SECRET_ID: AppRole authentication when no token is set
package vault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/hashicorp/vault/api"

	"github.com/hengadev/medabe/internal/abeerr"
	"github.com/hengadev/medabe/internal/keys"
	"github.com/hengadev/medabe/internal/reliability"
)

// DefaultPath is the KV v2 data path of the master secret.
const DefaultPath = "secret/data/medabe/master"

// logical is the subset of *api.Logical used here (allows mocking).
type logical interface {
	ReadWithContext(ctx context.Context, path string) (*api.Secret, error)
	WriteWithContext(ctx context.Context, path string, data map[string]interface{}) (*api.Secret, error)
}

type Config struct {
	// Path is the KV v2 path including the "data/" segment.
	Path  string
	Retry reliability.RetryConfig
}

// Source implements keys.SecretSource with Vault KV v2.
type Source struct {
	logical logical
	path    string
	retry   reliability.RetryConfig
}

var _ keys.SecretSource = (*Source)(nil)

// New wraps an authenticated client.
func New(client *api.Client, cfg Config) *Source {
	return newSource(client.Logical(), cfg)
}

func newSource(l logical, cfg Config) *Source {
	path := cfg.Path
	if path == "" {
		path = DefaultPath
	}
	return &Source{logical: l, path: path, retry: cfg.Retry}
}

// NewFromEnvironment builds and authenticates a client from VAULT_* variables.
func NewFromEnvironment(ctx context.Context, cfg Config) (*Source, error) {
	client, err := clientFromEnvironment(ctx)
	if err != nil {
		return nil, err
	}
	return New(client, cfg), nil
}

func clientFromEnvironment(ctx context.Context) (*api.Client, error) {
	config := api.DefaultConfig()
	if addr := os.Getenv("VAULT_ADDR"); addr != "" {
		config.Address = addr
	}
	if config.Address == "" {
		return nil, fmt.Errorf("%w: VAULT_ADDR environment variable is required", abeerr.ErrInvalidConfiguration)
	}
	config.HttpClient.Transport = &http.Transport{Proxy: http.ProxyFromEnvironment}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create Vault client: %w", abeerr.ErrBackendUnavailable, err)
	}
	if ns := os.Getenv("VAULT_NAMESPACE"); ns != "" {
		client.SetNamespace(ns)
	}

	if token := os.Getenv("VAULT_TOKEN"); token != "" {
		client.SetToken(token)
		return client, nil
	}
	roleID, secretID := os.Getenv("VAULT_ROLE_ID"), os.Getenv("VAULT_SECRET_ID")
	if roleID == "" || secretID == "" {
		return nil, fmt.Errorf("%w: no Vault authentication method configured (set VAULT_TOKEN or VAULT_ROLE_ID+VAULT_SECRET_ID)",
			abeerr.ErrInvalidConfiguration)
	}
	resp, err := client.Logical().WriteWithContext(ctx, "auth/approle/login", map[string]interface{}{
		"role_id":   roleID,
		"secret_id": secretID,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to login with AppRole: %w", abeerr.ErrAuthenticationRequired, err)
	}
	if resp == nil || resp.Auth == nil {
		return nil, fmt.Errorf("%w: no auth info returned from AppRole login", abeerr.ErrAuthenticationRequired)
	}
	client.SetToken(resp.Auth.ClientToken)
	return client, nil
}

func (s *Source) Path() string { return s.path }

// MasterSecret reads the base64 "value" field at the configured path.
func (s *Source) MasterSecret(ctx context.Context) ([]byte, error) {
	secret, err := reliability.Do(ctx, s.retry, func(ctx context.Context) (*api.Secret, error) {
		secret, err := s.logical.ReadWithContext(ctx, s.path)
		if err != nil {
			return nil, classifyVaultError("failed to read master secret from Vault KV", err)
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if secret == nil || secret.Data == nil {
		return nil, abeerr.NewKeyNotFoundError(fmt.Sprintf("no master secret at %s", s.path))
	}
	// KV v2 wraps the actual data in a "data" key
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: invalid KV v2 secret format at %s", abeerr.ErrInvalidConfiguration, s.path)
	}
	value, ok := data["value"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: master secret value missing at %s", abeerr.ErrInvalidConfiguration, s.path)
	}
	return keys.DecodeSecret(value)
}

// StoreMasterSecret writes a new version of the secret.
func (s *Source) StoreMasterSecret(ctx context.Context, secret []byte) error {
	if len(secret) < keys.MinMasterSecretLength {
		return fmt.Errorf("%w: master secret must be at least %d bytes, got %d",
			abeerr.ErrInvalidConfiguration, keys.MinMasterSecretLength, len(secret))
	}
	data := map[string]interface{}{
		"data": map[string]interface{}{
			"value": keys.EncodeSecret(secret),
		},
	}
	_, err := reliability.Do(ctx, s.retry, func(ctx context.Context) (*api.Secret, error) {
		out, err := s.logical.WriteWithContext(ctx, s.path, data)
		if err != nil {
			return nil, classifyVaultError("failed to store master secret in Vault KV", err)
		}
		return out, nil
	})
	return err
}

// Ping reads the secret metadata path, which fails fast on an unreachable or
// unauthenticated server.
func (s *Source) Ping(ctx context.Context) error {
	_, err := s.logical.ReadWithContext(ctx, strings.Replace(s.path, "/data/", "/metadata/", 1))
	if err != nil {
		return fmt.Errorf("%w: vault unreachable: %w", abeerr.ErrBackendUnavailable, err)
	}
	return nil
}

// classifyVaultError marks transport failures and retryable HTTP statuses as
// backend unavailability. Permission errors are authentication failures and
// are not retried.
func classifyVaultError(msg string, err error) error {
	var respErr *api.ResponseError
	if errors.As(err, &respErr) && !reliability.IsRetryableStatusCode(respErr.StatusCode) {
		switch respErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %s: %w", abeerr.ErrAuthenticationRequired, msg, err)
		}
		return fmt.Errorf("%s: %w", msg, err)
	}
	return fmt.Errorf("%w: %s: %w", abeerr.ErrBackendUnavailable, msg, err)
}
