package keys

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/hengadev/medabe/internal/abeerr"
	"github.com/hengadev/medabe/internal/security"
)

// SecretSource supplies the master secret at startup.
type SecretSource interface {
	MasterSecret(ctx context.Context) ([]byte, error)
}

// StaticSource returns a fixed secret.
type StaticSource []byte

func (s StaticSource) MasterSecret(context.Context) ([]byte, error) {
	return append([]byte(nil), s...), nil
}

// FileSource reads a base64 master secret from a file.
type FileSource string

func (f FileSource) MasterSecret(context.Context) ([]byte, error) {
	raw, err := os.ReadFile(string(f))
	if err != nil {
		return nil, fmt.Errorf("%w: read master secret file: %w", abeerr.ErrInvalidConfiguration, err)
	}
	return DecodeSecret(string(raw))
}

// DecodeSecret parses a base64 encoded secret, ignoring surrounding whitespace.
func DecodeSecret(s string) ([]byte, error) {
	secret, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: master secret is not base64: %w", abeerr.ErrInvalidConfiguration, err)
	}
	return secret, nil
}

// EncodeSecret is the inverse of DecodeSecret.
func EncodeSecret(secret []byte) string {
	return base64.StdEncoding.EncodeToString(secret)
}

// LoadMasterAuthority builds the authority from src.
func LoadMasterAuthority(ctx context.Context, src SecretSource) (*MasterAuthority, error) {
	secret, err := src.MasterSecret(ctx)
	if err != nil {
		return nil, err
	}
	defer security.ZeroBytes(secret)
	return NewMasterAuthority(secret)
}
