package medabe

import (
	"context"

	"github.com/hengadev/medabe/internal/fieldenc"
)

// PutRecord encrypts the configured fields of rec under ec and stores it.
// Nothing is written when any field fails.
func (e *Engine) PutRecord(ctx context.Context, rec *Record, ec EncryptionContext) error {
	if err := e.ensureReady(); err != nil {
		return err
	}
	return e.records.PutRecord(fieldenc.WithEncryptionContext(ctx, ec), rec)
}

// GetRecord loads a record and opens the fields reader may see. Fields it may
// not see are replaced by their category's redaction placeholder.
func (e *Engine) GetRecord(ctx context.Context, entity EntityType, id string, reader Reader) (*Record, error) {
	if err := e.ensureReady(); err != nil {
		return nil, err
	}
	return e.records.GetRecord(fieldenc.WithReader(ctx, reader), entity, id)
}

func (e *Engine) ListRecords(ctx context.Context, f RecordFilter, reader Reader) ([]*Record, error) {
	if err := e.ensureReady(); err != nil {
		return nil, err
	}
	return e.records.ListRecords(fieldenc.WithReader(ctx, reader), f)
}

// Records is the record store with field encryption applied, for callers that
// want a store.RecordStore. Attach the writer and reader to ctx with
// ContextWithEncryptionContext and ContextWithReader. It is nil on an engine
// that is not ready.
func (e *Engine) Records() RecordStore {
	if e.records == nil {
		return nil
	}
	return e.records
}

func ContextWithEncryptionContext(ctx context.Context, ec EncryptionContext) context.Context {
	return fieldenc.WithEncryptionContext(ctx, ec)
}

func ContextWithReader(ctx context.Context, r Reader) context.Context {
	return fieldenc.WithReader(ctx, r)
}
