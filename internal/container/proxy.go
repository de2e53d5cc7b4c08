package container

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hengadev/medabe/internal/abeerr"
	"github.com/hengadev/medabe/internal/crypto"
	"github.com/hengadev/medabe/internal/keys"
	"github.com/hengadev/medabe/internal/types"
)

// MaxProxyKeyTTL bounds a delegation window.
const MaxProxyKeyTTL = 30 * 24 * time.Hour

// ProxyKeyRequest describes a delegation to issue.
type ProxyKeyRequest struct {
	DelegatorID    string
	DelegateeID    string
	OrganizationID string
	PatientID      string
	DataCategories []types.DataCategory
	TTL            time.Duration
}

// IssueProxyKey creates an active, signed delegation.
func (c *Codec) IssueProxyKey(req ProxyKeyRequest) (*types.ProxyReEncryptionKey, error) {
	switch {
	case req.DelegatorID == "" || req.DelegateeID == "":
		return nil, abeerr.NewInvalidPolicyError("delegator and delegatee are required")
	case req.DelegatorID == req.DelegateeID:
		return nil, abeerr.NewInvalidPolicyError("cannot delegate to oneself")
	case len(req.DataCategories) == 0:
		return nil, abeerr.NewInvalidPolicyError("at least one category must be delegated")
	case req.TTL <= 0 || req.TTL > MaxProxyKeyTTL:
		return nil, abeerr.NewInvalidPolicyError(fmt.Sprintf("ttl must be in (0, %s]", MaxProxyKeyTTL))
	}
	for _, cat := range req.DataCategories {
		if !cat.Valid() {
			return nil, abeerr.NewInvalidPolicyError(fmt.Sprintf("unknown category '%s'", cat))
		}
	}
	org, err := c.hierarchy.DeriveOrganizationAuthority(req.OrganizationID)
	if err != nil {
		return nil, err
	}

	now := c.now().UTC()
	pk := &types.ProxyReEncryptionKey{
		ID:             uuid.NewString(),
		DelegatorID:    req.DelegatorID,
		DelegateeID:    req.DelegateeID,
		OrganizationID: req.OrganizationID,
		PatientID:      req.PatientID,
		DataCategories: append([]types.DataCategory(nil), req.DataCategories...),
		Status:         types.StatusActive,
		ValidFrom:      now,
		ValidUntil:     now.Add(req.TTL),
	}
	pk.Token = proxyToken(org, pk)
	return pk, nil
}

// CheckProxyKey reports why pk cannot be used now, or nil.
func (c *Codec) CheckProxyKey(pk *types.ProxyReEncryptionKey) error {
	if pk == nil {
		return abeerr.NewKeyNotFoundError("proxy key")
	}
	org, err := c.hierarchy.DeriveOrganizationAuthority(pk.OrganizationID)
	if err != nil {
		return err
	}
	tag, err := base64.StdEncoding.DecodeString(pk.Token)
	if err != nil || !crypto.VerifyMAC(org.TokenMACKey(), proxyTokenMessage(pk), tag) {
		return abeerr.NewAccessDeniedError("proxy key token is invalid")
	}
	now := c.now()
	switch {
	case pk.Status != types.StatusActive || pk.RevokedAt != nil:
		return abeerr.NewAccessDeniedError(fmt.Sprintf("proxy key is %s", pk.Status))
	case now.Before(pk.ValidFrom):
		return abeerr.NewAccessDeniedError("proxy key is not yet valid")
	case !now.Before(pk.ValidUntil):
		return fmt.Errorf("%w: proxy key '%s' window closed", abeerr.ErrPolicyExpired, pk.ID)
	}
	return nil
}

// ReEncrypt decrypts ec with the delegator's key and seals the plaintext for the delegatee.
// The new container expires with the proxy key.
func (c *Codec) ReEncrypt(ec *types.EncryptedDataContainer, delegatorKey *keys.UserSecretKey, pk *types.ProxyReEncryptionKey) (*types.EncryptedDataContainer, error) {
	if err := c.CheckProxyKey(pk); err != nil {
		return nil, err
	}
	if err := c.Verify(ec); err != nil {
		return nil, err
	}
	if delegatorKey == nil || delegatorKey.UserID != pk.DelegatorID {
		return nil, abeerr.NewAccessDeniedError("key does not belong to the delegator")
	}
	if pk.OrganizationID != ec.ABEPolicy.OrganizationID {
		return nil, abeerr.NewOrganizationMismatchError(ec.ABEPolicy.OrganizationID, pk.OrganizationID)
	}
	if pk.PatientID != "" && !policyNamesPatient(&ec.ABEPolicy, pk.PatientID) {
		return nil, abeerr.NewAccessDeniedError("proxy key does not cover this patient")
	}
	if missing := missingCategories(ec.ABEPolicy.DataCategories, pk.DataCategories); len(missing) > 0 {
		return nil, abeerr.NewAccessDeniedError(fmt.Sprintf("proxy key does not delegate %v", missing))
	}

	plaintext, err := c.unseal(ec, delegatorKey)
	if err != nil {
		return nil, err
	}

	attrs := []string{
		types.NormalizeAttribute(types.UserAttribute(pk.DelegateeID)),
		types.NormalizeAttribute(types.OrgAttribute(pk.OrganizationID)),
	}
	expiry := pk.ValidUntil.UTC()
	if ec.ABEPolicy.Expiration != nil && ec.ABEPolicy.Expiration.Before(expiry) {
		expiry = ec.ABEPolicy.Expiration.UTC()
	}
	delegated := &types.ABEPolicy{
		Attributes:     attrs,
		Policy:         strings.Join(attrs, " AND "),
		DataCategories: ec.ABEPolicy.DataCategories,
		AccessLevel:    ec.ABEPolicy.AccessLevel,
		OrganizationID: pk.OrganizationID,
		Expiration:     &expiry,
	}
	return c.Encrypt(plaintext, delegated, pk.OrganizationID, WithMetadata(map[string]string{
		MetadataSourceID:    ec.DataID,
		MetadataProxyKeyID:  pk.ID,
		MetadataDelegateeID: pk.DelegateeID,
	}))
}

func policyNamesPatient(p *types.ABEPolicy, patientID string) bool {
	want := types.NormalizeAttribute(types.PatientAttribute(patientID))
	for _, a := range p.Attributes {
		if types.NormalizeAttribute(a) == want {
			return true
		}
	}
	return false
}

func proxyTokenMessage(pk *types.ProxyReEncryptionKey) []byte {
	cats := make([]string, len(pk.DataCategories))
	for i, c := range pk.DataCategories {
		cats[i] = string(c)
	}
	return []byte(strings.Join([]string{
		pk.ID,
		pk.DelegatorID,
		pk.DelegateeID,
		pk.OrganizationID,
		pk.PatientID,
		strings.Join(cats, ","),
		pk.ValidFrom.UTC().Format(time.RFC3339Nano),
		pk.ValidUntil.UTC().Format(time.RFC3339Nano),
	}, "\x00"))
}

func proxyToken(org *keys.OrganizationAuthority, pk *types.ProxyReEncryptionKey) string {
	return base64.StdEncoding.EncodeToString(crypto.MAC(org.TokenMACKey(), proxyTokenMessage(pk)))
}
