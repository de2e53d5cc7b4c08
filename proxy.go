package medabe

import (
	"context"
	"time"

	"github.com/hengadev/medabe/internal/abeerr"
	"github.com/hengadev/medabe/internal/container"
	"github.com/hengadev/medabe/internal/types"
)

// ProxyKeyRequest describes a delegation from one user to another.
type ProxyKeyRequest = container.ProxyKeyRequest

// CreateProxyKey issues and stores an active delegation.
func (e *Engine) CreateProxyKey(ctx context.Context, req ProxyKeyRequest) (*ProxyReEncryptionKey, error) {
	if err := e.ensureReady(); err != nil {
		return nil, err
	}
	pk, err := e.codec.IssueProxyKey(req)
	if err != nil {
		return nil, err
	}
	if err := e.store.PutProxyKey(ctx, pk); err != nil {
		return nil, err
	}
	return pk, nil
}

// RevokeProxyKey ends a delegation. Containers already re-encrypted through it
// stop opening with OpenDelegated.
func (e *Engine) RevokeProxyKey(ctx context.Context, proxyKeyID string) error {
	if err := e.ensureReady(); err != nil {
		return err
	}
	pk, err := e.proxyKey(ctx, proxyKeyID)
	if err != nil {
		return err
	}
	if pk.Status == types.StatusRevoked {
		return nil
	}
	now := e.now().UTC()
	pk.Status = types.StatusRevoked
	pk.RevokedAt = &now
	return e.store.PutProxyKey(ctx, pk)
}

// ReEncrypt opens ec with the delegator's key and seals it for the delegatee of
// proxyKeyID. The key must be active and inside its window.
func (e *Engine) ReEncrypt(ctx context.Context, ec *EncryptedDataContainer, proxyKeyID string, delegatorKey *UserSecretKey) (*EncryptedDataContainer, error) {
	if err := e.ensureReady(); err != nil {
		return nil, err
	}
	pk, err := e.proxyKey(ctx, proxyKeyID)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	out, err := e.codec.ReEncrypt(ec, delegatorKey, pk)
	e.observe(ctx, "re_encrypt", start, err)

	entry := &types.AuditEntry{
		Operation:      types.AuditReEncrypt,
		UserID:         pk.DelegatorID,
		PatientID:      pk.PatientID,
		OrganizationID: pk.OrganizationID,
		DataCategories: append([]types.DataCategory(nil), pk.DataCategories...),
		EncryptionContext: map[string]string{
			"proxyKeyId":  pk.ID,
			"delegateeId": pk.DelegateeID,
		},
		Success: err == nil,
	}
	if ec != nil {
		entry.EncryptionContext["sourceId"] = ec.DataID
	}
	if err != nil {
		entry.ErrorMessage = err.Error()
	}
	if auditErr := e.recorder.Record(ctx, entry); auditErr != nil && err == nil {
		return nil, abeerr.NewAccessDeniedError("re-encryption could not be audited")
	}
	return out, err
}

// OpenDelegated decrypts a re-encrypted container with the delegatee's key.
// The proxy key it came from is checked again, so revocation takes effect on
// containers already handed out.
func (e *Engine) OpenDelegated(ctx context.Context, ec *EncryptedDataContainer, delegateeKey *UserSecretKey) ([]byte, error) {
	if err := e.ensureReady(); err != nil {
		return nil, err
	}
	if ec == nil || ec.Metadata[container.MetadataProxyKeyID] == "" {
		return nil, abeerr.NewAccessDeniedError("container was not re-encrypted through a proxy key")
	}
	// metadata is covered by the signature; verify before trusting it
	if err := e.codec.Verify(ec); err != nil {
		return nil, err
	}
	pk, err := e.proxyKey(ctx, ec.Metadata[container.MetadataProxyKeyID])
	if err != nil {
		return nil, err
	}
	if err := e.codec.CheckProxyKey(pk); err != nil {
		return nil, err
	}
	if delegateeKey == nil || delegateeKey.UserID != pk.DelegateeID {
		return nil, abeerr.NewAccessDeniedError("key does not belong to the delegatee")
	}
	start := time.Now()
	plaintext, err := e.codec.Open(ec, delegateeKey)
	e.observe(ctx, "open_delegated", start, err)
	return plaintext, err
}

func (e *Engine) proxyKey(ctx context.Context, id string) (*ProxyReEncryptionKey, error) {
	pk, err := e.store.GetProxyKey(ctx, id)
	if err != nil {
		return nil, notFoundAsKey(err, "proxy key '"+id+"'")
	}
	return pk, nil
}
