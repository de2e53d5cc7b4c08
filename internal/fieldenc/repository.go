package fieldenc

import (
	"context"

	"github.com/hengadev/medabe/internal/store"
	"github.com/hengadev/medabe/internal/types"
)

// Repository is a RecordStore whose writes encrypt and whose reads decrypt.
type Repository struct {
	inner store.RecordStore
	mw    *Middleware
}

var _ store.RecordStore = (*Repository)(nil)

func NewRepository(inner store.RecordStore, mw *Middleware) *Repository {
	return &Repository{inner: inner, mw: mw}
}

// PutRecord persists only what EncryptRecord produced; on error nothing is written.
func (r *Repository) PutRecord(ctx context.Context, rec *types.Record) error {
	sealed, err := r.mw.EncryptRecord(ctx, rec)
	if err != nil {
		return err
	}
	return r.inner.PutRecord(ctx, sealed)
}

func (r *Repository) GetRecord(ctx context.Context, entity types.EntityType, id string) (*types.Record, error) {
	rec, err := r.inner.GetRecord(ctx, entity, id)
	if err != nil {
		return nil, err
	}
	return r.mw.DecryptRecord(ctx, rec)
}

func (r *Repository) ListRecords(ctx context.Context, f store.RecordFilter) ([]*types.Record, error) {
	recs, err := r.inner.ListRecords(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Record, 0, len(recs))
	for _, rec := range recs {
		opened, err := r.mw.DecryptRecord(ctx, rec)
		if err != nil {
			return nil, err
		}
		out = append(out, opened)
	}
	return out, nil
}

func (r *Repository) CountRecords(ctx context.Context, f store.RecordFilter) (int, error) {
	return r.inner.CountRecords(ctx, f)
}
