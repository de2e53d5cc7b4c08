// Package container implements the encrypted data container: a policy-wrapped
// data key, an AEAD payload and an integrity signature over every other field.
package container

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hengadev/medabe/internal/abeerr"
	"github.com/hengadev/medabe/internal/crypto"
	"github.com/hengadev/medabe/internal/keys"
	"github.com/hengadev/medabe/internal/policy"
	"github.com/hengadev/medabe/internal/security"
	"github.com/hengadev/medabe/internal/types"
)

const (
	// Algorithm identifies the payload cipher and key wrap of version 1 containers.
	Algorithm = "AES-256-GCM/HKDF-SHA256-ATTRIBUTE-WRAP"

	// Version is the current container format version.
	Version = 1

	MetadataOrganization = "organizationId"
	MetadataCreatedAt    = "createdAt"
	MetadataSourceID     = "reEncryptedFrom"
	MetadataProxyKeyID   = "proxyKeyId"
	MetadataDelegateeID  = "delegateeId"
)

// AccessEvaluator is the access decision the codec consults before unwrapping.
type AccessEvaluator interface {
	EvaluateAccess(ctx context.Context, actx *types.AccessContext) (*types.AccessControlResult, error)
}

// Codec encrypts and decrypts containers against the key hierarchy.
type Codec struct {
	hierarchy *keys.Hierarchy
	evaluator AccessEvaluator
	now       func() time.Time
}

// Option configures a Codec.
type Option func(*Codec)

// WithAccessEvaluator sets the engine consulted on Decrypt.
func WithAccessEvaluator(e AccessEvaluator) Option {
	return func(c *Codec) { c.evaluator = e }
}

// WithClock overrides the wall clock used for expiration checks.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCodec creates a codec bound to the hierarchy.
func NewCodec(h *keys.Hierarchy, opts ...Option) *Codec {
	c := &Codec{hierarchy: h, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetAccessEvaluator wires the evaluator after construction.
func (c *Codec) SetAccessEvaluator(e AccessEvaluator) {
	c.evaluator = e
}

// EncryptOption adjusts a single Encrypt call.
type EncryptOption func(*encryptSettings)

type encryptSettings struct {
	dataID   string
	metadata map[string]string
}

// WithDataID fixes the container id instead of generating one.
func WithDataID(id string) EncryptOption {
	return func(s *encryptSettings) { s.dataID = id }
}

// WithMetadata adds signed metadata entries.
func WithMetadata(md map[string]string) EncryptOption {
	return func(s *encryptSettings) {
		for k, v := range md {
			s.metadata[k] = v
		}
	}
}

// Encrypt seals plaintext so only keys satisfying p can recover it.
func (c *Codec) Encrypt(plaintext []byte, p *types.ABEPolicy, orgID string, opts ...EncryptOption) (*types.EncryptedDataContainer, error) {
	if err := policy.Validate(p); err != nil {
		return nil, err
	}
	if p.OrganizationID != orgID {
		return nil, abeerr.NewOrganizationMismatchError(p.OrganizationID, orgID)
	}
	expr, err := policy.Parse(p.Policy)
	if err != nil {
		return nil, err
	}
	org, err := c.hierarchy.DeriveOrganizationAuthority(orgID)
	if err != nil {
		return nil, err
	}

	settings := &encryptSettings{dataID: uuid.NewString(), metadata: map[string]string{}}
	for _, opt := range opts {
		opt(settings)
	}
	settings.metadata[MetadataOrganization] = orgID
	if _, ok := settings.metadata[MetadataCreatedAt]; !ok {
		settings.metadata[MetadataCreatedAt] = c.now().UTC().Format(time.RFC3339Nano)
	}

	dataKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", abeerr.ErrEncryptionFailed, err)
	}
	defer security.ZeroBytes(dataKey)
	iv, sealed, err := crypto.Seal(dataKey, plaintext, []byte(settings.dataID))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", abeerr.ErrEncryptionFailed, err)
	}
	wrapped, err := c.wrapDataKey(org, dataKey, settings.dataID, expr)
	if err != nil {
		return nil, fmt.Errorf("%w: wrap data key: %w", abeerr.ErrEncryptionFailed, err)
	}

	out := &types.EncryptedDataContainer{
		DataID: settings.dataID,
		Ciphertext: types.Ciphertext{
			Data: base64.StdEncoding.EncodeToString(sealed),
			IV:   base64.StdEncoding.EncodeToString(iv),
			Key:  wrapped,
		},
		Algorithm: Algorithm,
		ABEPolicy: clonePolicy(p),
		Metadata:  settings.metadata,
		Version:   Version,
	}
	sig, err := signContainer(org, out)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", abeerr.ErrEncryptionFailed, err)
	}
	out.Signature = sig
	return out, nil
}

// Decrypt verifies integrity, consults the access engine with actx, then unwraps and
// decrypts. Any failure aborts with no plaintext.
func (c *Codec) Decrypt(ctx context.Context, ec *types.EncryptedDataContainer, key *keys.UserSecretKey, actx *types.AccessContext) ([]byte, error) {
	if err := c.Verify(ec); err != nil {
		return nil, err
	}
	if c.evaluator != nil {
		if actx == nil {
			return nil, fmt.Errorf("%w: decrypt needs an access context", abeerr.ErrAuthenticationRequired)
		}
		result, err := c.evaluator.EvaluateAccess(ctx, actx)
		if err != nil {
			return nil, err
		}
		if !result.Granted {
			return nil, abeerr.NewAccessDeniedError(result.DenialReason)
		}
		if missing := missingCategories(ec.ABEPolicy.DataCategories, result.AccessibleCategories); len(missing) > 0 {
			return nil, abeerr.NewAccessDeniedError(fmt.Sprintf("categories not accessible: %v", missing))
		}
	}
	return c.unseal(ec, key)
}

// Open verifies integrity and decrypts using only the key's attributes, without an
// access engine decision. Callers that already hold a decision use it per field.
func (c *Codec) Open(ec *types.EncryptedDataContainer, key *keys.UserSecretKey) ([]byte, error) {
	if err := c.Verify(ec); err != nil {
		return nil, err
	}
	return c.unseal(ec, key)
}

func (c *Codec) unseal(ec *types.EncryptedDataContainer, key *keys.UserSecretKey) ([]byte, error) {
	if key == nil {
		return nil, fmt.Errorf("%w: no user secret key", abeerr.ErrAuthenticationRequired)
	}
	if key.OrganizationID != ec.ABEPolicy.OrganizationID {
		return nil, abeerr.NewOrganizationMismatchError(ec.ABEPolicy.OrganizationID, key.OrganizationID)
	}
	if ec.ABEPolicy.Expired(c.now()) {
		return nil, abeerr.NewPolicyExpiredError(ec.DataID)
	}
	expr, err := policy.Parse(ec.ABEPolicy.Policy)
	if err != nil {
		return nil, err
	}
	if !expr.Satisfied(policy.AttributeSet(key.Attributes())) {
		return nil, abeerr.NewAccessDeniedError("key attributes do not satisfy the container policy")
	}

	dataKey, err := unwrapDataKey(key, ec.Ciphertext.Key, ec.DataID, expr)
	if err != nil {
		return nil, err
	}
	defer security.ZeroBytes(dataKey)
	iv, err := base64.StdEncoding.DecodeString(ec.Ciphertext.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: iv is not base64", abeerr.ErrDecryptionFailed)
	}
	sealed, err := base64.StdEncoding.DecodeString(ec.Ciphertext.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: payload is not base64", abeerr.ErrDecryptionFailed)
	}
	plaintext, err := crypto.Open(dataKey, iv, sealed, []byte(ec.DataID))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", abeerr.ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// Verify recomputes the container signature.
func (c *Codec) Verify(ec *types.EncryptedDataContainer) error {
	if ec == nil {
		return abeerr.NewIntegrityError("", "container is nil")
	}
	if ec.Version != Version || ec.Algorithm != Algorithm {
		return abeerr.NewIntegrityError(ec.DataID, fmt.Sprintf("unsupported format %s v%d", ec.Algorithm, ec.Version))
	}
	org, err := c.hierarchy.DeriveOrganizationAuthority(ec.ABEPolicy.OrganizationID)
	if err != nil {
		return abeerr.NewIntegrityError(ec.DataID, "policy names no organization")
	}
	sig, err := base64.StdEncoding.DecodeString(ec.Signature)
	if err != nil {
		return abeerr.NewIntegrityError(ec.DataID, "signature is not base64")
	}
	msg, err := signedBytes(ec)
	if err != nil {
		return abeerr.NewIntegrityError(ec.DataID, err.Error())
	}
	if !crypto.VerifyMAC(org.ContainerMACKey(), msg, sig) {
		return abeerr.NewIntegrityError(ec.DataID, "signature mismatch")
	}
	return nil
}

// signedFields fixes the order and content covered by the signature.
type signedFields struct {
	DataID     string            `json:"dataId"`
	Ciphertext types.Ciphertext  `json:"ciphertext"`
	Algorithm  string            `json:"algorithm"`
	ABEPolicy  types.ABEPolicy   `json:"abePolicy"`
	Metadata   map[string]string `json:"metadata"`
	Version    int               `json:"version"`
}

func signedBytes(ec *types.EncryptedDataContainer) ([]byte, error) {
	return json.Marshal(signedFields{
		DataID:     ec.DataID,
		Ciphertext: ec.Ciphertext,
		Algorithm:  ec.Algorithm,
		ABEPolicy:  ec.ABEPolicy,
		Metadata:   ec.Metadata,
		Version:    ec.Version,
	})
}

func signContainer(org *keys.OrganizationAuthority, ec *types.EncryptedDataContainer) (string, error) {
	msg, err := signedBytes(ec)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(crypto.MAC(org.ContainerMACKey(), msg)), nil
}

func clonePolicy(p *types.ABEPolicy) types.ABEPolicy {
	out := *p
	out.Attributes = append([]string(nil), p.Attributes...)
	out.DataCategories = append([]types.DataCategory(nil), p.DataCategories...)
	if p.Expiration != nil {
		exp := p.Expiration.UTC()
		out.Expiration = &exp
	}
	return out
}

func missingCategories(required, accessible []types.DataCategory) []types.DataCategory {
	have := make(map[types.DataCategory]struct{}, len(accessible))
	for _, c := range accessible {
		have[c] = struct{}{}
	}
	var missing []types.DataCategory
	for _, c := range required {
		if _, ok := have[c]; !ok {
			missing = append(missing, c)
		}
	}
	return missing
}

// Marshal encodes the container in its wire shape.
func Marshal(ec *types.EncryptedDataContainer) ([]byte, error) {
	return json.Marshal(ec)
}

// Unmarshal decodes a wire container. Integrity is checked on decrypt, not here.
func Unmarshal(data []byte) (*types.EncryptedDataContainer, error) {
	var ec types.EncryptedDataContainer
	if err := json.Unmarshal(data, &ec); err != nil {
		return nil, abeerr.NewIntegrityError("", fmt.Sprintf("malformed container: %v", err))
	}
	return &ec, nil
}
