package fieldenc

import (
	"context"

	"github.com/hengadev/medabe/internal/keys"
	"github.com/hengadev/medabe/internal/types"
)

// EncryptionContext is what a write needs to build field policies.
type EncryptionContext struct {
	PatientID      string
	OrganizationID string
	AccessLevel    types.AccessLevel
	RequesterID    string
	// ExpirationHours bounds the field policies; zero means no expiration.
	ExpirationHours int
	// Categories, when set, limits encryption to fields of these categories.
	Categories []types.DataCategory
}

func (ec EncryptionContext) includes(c types.DataCategory) bool {
	if len(ec.Categories) == 0 {
		return true
	}
	for _, want := range ec.Categories {
		if want == c {
			return true
		}
	}
	return false
}

// Reader identifies who is reading. Without Access the key's attributes alone decide
// which fields open; with it the access engine decides once per record first.
type Reader struct {
	Key    *keys.UserSecretKey
	Access *types.AccessContext
}

type encryptionContextKey struct{}
type readerKey struct{}

func WithEncryptionContext(ctx context.Context, ec EncryptionContext) context.Context {
	return context.WithValue(ctx, encryptionContextKey{}, ec)
}

func EncryptionContextFrom(ctx context.Context) (EncryptionContext, bool) {
	ec, ok := ctx.Value(encryptionContextKey{}).(EncryptionContext)
	return ec, ok
}

func WithReader(ctx context.Context, r Reader) context.Context {
	return context.WithValue(ctx, readerKey{}, r)
}

func ReaderFrom(ctx context.Context) (Reader, bool) {
	r, ok := ctx.Value(readerKey{}).(Reader)
	return r, ok
}
