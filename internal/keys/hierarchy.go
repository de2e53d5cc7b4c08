// Package keys derives the attribute key hierarchy from a single master secret.
//
// Every key below the master is a pure function of (parent secret, context label)
// computed with HKDF-SHA256, so any key can be re-derived on demand and nothing
// but the master secret needs protecting.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/hengadev/medabe/internal/abeerr"
	"github.com/hengadev/medabe/internal/security"
	"github.com/hengadev/medabe/internal/types"
)

const (
	// KeySize is the size in bytes of every derived key.
	KeySize = 32

	// MinMasterSecretLength is the shortest master secret accepted.
	MinMasterSecretLength = 32

	labelPrefix       = "medabe/v1/"
	labelOrganization = labelPrefix + "org/"
	labelAttribute    = labelPrefix + "attr/"
	labelSigning      = labelPrefix + "master-signing"
	labelContainerMAC = labelPrefix + "container-mac"
	labelTokenMAC     = labelPrefix + "proxy-token"
)

// Derive expands parent into a KeySize key bound to label.
func Derive(parent []byte, label string) []byte {
	out := make([]byte, KeySize)
	r := hkdf.New(sha256.New, parent, nil, []byte(label))
	// hkdf only fails after 255*HashLen bytes
	if _, err := io.ReadFull(r, out); err != nil {
		panic(fmt.Sprintf("hkdf expansion failed: %v", err))
	}
	return out
}

// MasterAuthority is the process-wide root of all derivation.
type MasterAuthority struct {
	secret     []byte
	signingKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
}

// NewMasterAuthority builds the authority from an existing secret.
func NewMasterAuthority(secret []byte) (*MasterAuthority, error) {
	if len(secret) < MinMasterSecretLength {
		return nil, fmt.Errorf("%w: master secret must be at least %d bytes, got %d",
			abeerr.ErrInvalidConfiguration, MinMasterSecretLength, len(secret))
	}
	owned := append([]byte(nil), secret...)
	seed := Derive(owned, labelSigning)
	defer security.ZeroBytes(seed)
	signingKey := ed25519.NewKeyFromSeed(seed)
	return &MasterAuthority{
		secret:     owned,
		signingKey: signingKey,
		publicKey:  signingKey.Public().(ed25519.PublicKey),
	}, nil
}

// GenerateMasterAuthority creates a fresh authority from crypto/rand.
func GenerateMasterAuthority() (*MasterAuthority, error) {
	secret := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, fmt.Errorf("%w: failed to generate master secret: %w", abeerr.ErrBackendUnavailable, err)
	}
	defer security.ZeroBytes(secret)
	return NewMasterAuthority(secret)
}

// PublicKey returns the verification key for master signatures.
func (m *MasterAuthority) PublicKey() ed25519.PublicKey {
	return append(ed25519.PublicKey(nil), m.publicKey...)
}

// Sign signs msg with the master signing key.
func (m *MasterAuthority) Sign(msg []byte) []byte {
	return ed25519.Sign(m.signingKey, msg)
}

// Verify checks a master signature.
func (m *MasterAuthority) Verify(msg, sig []byte) bool {
	return ed25519.Verify(m.publicKey, msg, sig)
}

// OrganizationAuthority is the per-tenant key derived from the master.
type OrganizationAuthority struct {
	OrganizationID string
	key            []byte
}

// ContainerMACKey keys container signatures for the organization.
func (o *OrganizationAuthority) ContainerMACKey() []byte {
	return Derive(o.key, labelContainerMAC)
}

// TokenMACKey keys proxy re-encryption tokens for the organization.
func (o *OrganizationAuthority) TokenMACKey() []byte {
	return Derive(o.key, labelTokenMAC)
}

// UserSecretKey is an immutable attribute → key set bound to a user and organization.
type UserSecretKey struct {
	UserID         string
	OrganizationID string
	IssuedAt       time.Time
	attributes     map[string][]byte
}

// Attributes returns the normalized attributes held, sorted.
func (k *UserSecretKey) Attributes() []string {
	out := make([]string, 0, len(k.attributes))
	for attr := range k.attributes {
		out = append(out, attr)
	}
	sort.Strings(out)
	return out
}

// HasAttribute reports whether the key holds attr (case-insensitive).
func (k *UserSecretKey) HasAttribute(attr string) bool {
	_, ok := k.attributes[types.NormalizeAttribute(attr)]
	return ok
}

// AttributeKey returns a copy of the derived key for attr.
func (k *UserSecretKey) AttributeKey(attr string) ([]byte, bool) {
	key, ok := k.attributes[types.NormalizeAttribute(attr)]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), key...), true
}

// Without returns a new key holding every attribute except the given ones.
func (k *UserSecretKey) Without(attrs ...string) *UserSecretKey {
	drop := make(map[string]struct{}, len(attrs))
	for _, a := range attrs {
		drop[types.NormalizeAttribute(a)] = struct{}{}
	}
	out := &UserSecretKey{
		UserID:         k.UserID,
		OrganizationID: k.OrganizationID,
		IssuedAt:       k.IssuedAt,
		attributes:     make(map[string][]byte, len(k.attributes)),
	}
	for attr, key := range k.attributes {
		if _, skip := drop[attr]; !skip {
			out.attributes[attr] = key
		}
	}
	return out
}

// Hierarchy derives and memoizes organization and attribute keys.
// Memoization is an optimization only; concurrent misses recompute the same value.
type Hierarchy struct {
	master *MasterAuthority
	orgs   sync.Map // orgID -> *OrganizationAuthority
	attrs  sync.Map // orgID + "\x00" + attribute -> []byte
	now    func() time.Time
}

// NewHierarchy binds a hierarchy to the master authority.
func NewHierarchy(master *MasterAuthority) *Hierarchy {
	return &Hierarchy{master: master, now: time.Now}
}

// Master returns the root authority.
func (h *Hierarchy) Master() *MasterAuthority {
	return h.master
}

// DeriveOrganizationAuthority returns the tenant key for orgID.
func (h *Hierarchy) DeriveOrganizationAuthority(orgID string) (*OrganizationAuthority, error) {
	if orgID == "" {
		return nil, abeerr.NewKeyNotFoundError("organization id is empty")
	}
	if cached, ok := h.orgs.Load(orgID); ok {
		return cached.(*OrganizationAuthority), nil
	}
	org := &OrganizationAuthority{
		OrganizationID: orgID,
		key:            Derive(h.master.secret, labelOrganization+orgID),
	}
	actual, _ := h.orgs.LoadOrStore(orgID, org)
	return actual.(*OrganizationAuthority), nil
}

// DeriveAttributeKey returns the key for attribute under the organization authority.
func (h *Hierarchy) DeriveAttributeKey(org *OrganizationAuthority, attribute string) []byte {
	attr := types.NormalizeAttribute(attribute)
	cacheKey := org.OrganizationID + "\x00" + attr
	if cached, ok := h.attrs.Load(cacheKey); ok {
		return append([]byte(nil), cached.([]byte)...)
	}
	key := Derive(org.key, labelAttribute+attr)
	h.attrs.Store(cacheKey, key)
	return append([]byte(nil), key...)
}

// DeriveUserSecretKey binds the derived keys for attributes to userID within orgID.
func (h *Hierarchy) DeriveUserSecretKey(userID, orgID string, attributes []string) (*UserSecretKey, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is empty", abeerr.ErrAuthenticationRequired)
	}
	org, err := h.DeriveOrganizationAuthority(orgID)
	if err != nil {
		return nil, err
	}
	key := &UserSecretKey{
		UserID:         userID,
		OrganizationID: orgID,
		IssuedAt:       h.now(),
		attributes:     make(map[string][]byte, len(attributes)),
	}
	for _, attr := range attributes {
		norm := types.NormalizeAttribute(attr)
		if norm == "" {
			continue
		}
		key.attributes[norm] = h.DeriveAttributeKey(org, norm)
	}
	return key, nil
}
