// Package fieldenc encrypts declared record fields on the write path and opens or
// redacts them on the read path.
//
// Writes are fail-closed: without an encryption context, or when any declared field
// fails to encrypt, nothing is returned for persistence. Reads turn access questions
// into redaction placeholders and surface integrity failures as errors.
package fieldenc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hengadev/errsx"

	"github.com/hengadev/medabe/internal/abeerr"
	"github.com/hengadev/medabe/internal/container"
	"github.com/hengadev/medabe/internal/monitoring"
	"github.com/hengadev/medabe/internal/policy"
	"github.com/hengadev/medabe/internal/types"
)

// Metadata keys the middleware adds to each field container.
const (
	MetadataEntity = "entity"
	MetadataRecord = "recordId"
	MetadataField  = "field"
)

// Middleware applies the codec per declared field.
type Middleware struct {
	codec     *container.Codec
	evaluator container.AccessEvaluator
	config    *Config
	logger    *monitoring.StructuredLogger
	metrics   monitoring.MetricsCollector
	now       func() time.Time
}

type Option func(*Middleware)

// WithAccessEvaluator makes reads that carry an access context consult the engine.
func WithAccessEvaluator(e container.AccessEvaluator) Option {
	return func(m *Middleware) { m.evaluator = e }
}

func WithLogger(l *monitoring.StructuredLogger) Option {
	return func(m *Middleware) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithMetrics(mc monitoring.MetricsCollector) Option {
	return func(m *Middleware) {
		if mc != nil {
			m.metrics = mc
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Middleware) {
		if now != nil {
			m.now = now
		}
	}
}

// New builds a middleware. A nil config means DefaultConfig.
func New(codec *container.Codec, cfg *Config, opts ...Option) *Middleware {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m := &Middleware{
		codec:   codec,
		config:  cfg,
		logger:  monitoring.NewNopLogger(),
		metrics: monitoring.NoOpMetricsCollector{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Middleware) Config() *Config {
	return m.config
}

// FieldDataID names the container of one field of one record.
func FieldDataID(entity types.EntityType, recordID, field string) string {
	return string(entity) + "/" + recordID + "/" + field
}

// EncryptRecord returns a copy of rec with every declared field sealed and the
// encryption metadata set. rec itself is never modified.
func (m *Middleware) EncryptRecord(ctx context.Context, rec *types.Record) (*types.Record, error) {
	ec, ok := EncryptionContextFrom(ctx)
	if !ok {
		return nil, fmt.Errorf("%w: write to %s '%s'", abeerr.ErrEncryptionContextRequired, rec.Entity, rec.ID)
	}
	if rec.ID == "" || rec.Entity == "" {
		return nil, fmt.Errorf("%w: record needs an id and entity", abeerr.ErrEncryptionFailed)
	}
	specs := m.config.FieldsFor(rec.Entity)
	out := rec.Clone()
	if len(specs) == 0 {
		return out, nil
	}

	orgID := ec.OrganizationID
	if orgID == "" {
		orgID = rec.OrganizationID
	}
	if rec.OrganizationID != "" && orgID != rec.OrganizationID {
		return nil, abeerr.NewOrganizationMismatchError(rec.OrganizationID, orgID)
	}
	patientID := resolvePatientID(ec, rec)

	var errs errsx.Map
	if orgID == "" {
		errs.Set("organization_id", errors.New("no organization for field policies"))
	}
	if patientID == "" {
		errs.Set("patient_id", errors.New("no patient for field policies"))
	}
	if !errs.IsEmpty() {
		return nil, fmt.Errorf("%w: %s '%s': %w", abeerr.ErrEncryptionFailed, rec.Entity, rec.ID, errs.AsError())
	}

	sealed := map[string]struct{}{}
	for _, spec := range specs {
		value, present := out.Fields[spec.Name]
		if !present || value == nil || !ec.includes(spec.Category) {
			continue
		}
		raw, err := m.encryptField(rec, spec, value, ec, patientID, orgID)
		if err != nil {
			errs.Set(spec.Name, err)
			continue
		}
		out.Fields[spec.Name] = raw
		sealed[spec.Name] = struct{}{}
	}
	if !errs.IsEmpty() {
		m.metrics.IncrementCounter(monitoring.MetricCodecOperations, map[string]string{"operation": "encrypt", "outcome": "failure"})
		return nil, fmt.Errorf("%w: %s '%s': %w", abeerr.ErrEncryptionFailed, rec.Entity, rec.ID, errs.AsError())
	}

	fields := make([]string, 0, len(sealed))
	for name := range sealed {
		fields = append(fields, name)
	}
	sort.Strings(fields)

	meta := &types.EncryptionMetadata{
		EncryptedFields: fields,
		AccessLevel:     ec.AccessLevel,
		EncryptedAt:     m.now().UTC(),
		Version:         container.Version,
	}
	if rec.Encryption != nil {
		meta.ContentHash = rec.Encryption.ContentHash
		meta.MigrationID = rec.Encryption.MigrationID
	}
	out.Encryption = meta
	m.metrics.IncrementCounterBy(monitoring.MetricCodecOperations, int64(len(fields)), map[string]string{"operation": "encrypt", "outcome": "success"})
	return out, nil
}

func resolvePatientID(ec EncryptionContext, rec *types.Record) string {
	if ec.PatientID != "" {
		return ec.PatientID
	}
	if rec.PatientID != "" {
		return rec.PatientID
	}
	if rec.Entity == types.EntityPatient {
		return rec.ID
	}
	return ""
}

func (m *Middleware) encryptField(rec *types.Record, spec FieldSpec, value any, ec EncryptionContext, patientID, orgID string) (string, error) {
	dataID := FieldDataID(rec.Entity, rec.ID, spec.Name)

	if s, ok := value.(string); ok {
		if existing, isContainer := parseContainer(s); isContainer {
			// already sealed; keep it only if it is intact and belongs here
			if err := m.codec.Verify(existing); err != nil {
				return "", err
			}
			if existing.DataID != dataID {
				return "", abeerr.NewIntegrityError(existing.DataID, "container belongs to another field")
			}
			return s, nil
		}
		if s == m.config.Redaction(spec.Category) {
			return "", fmt.Errorf("refusing to persist redaction placeholder")
		}
	}
	if !spec.IsJSON && !isScalar(value) {
		return "", fmt.Errorf("field holds %T but is not declared as JSON", value)
	}

	plaintext, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("encode value: %w", err)
	}
	level := spec.RequiredAccessLevel
	if level == "" {
		level = ec.AccessLevel
	}
	p, err := policy.Generate(patientID, []types.DataCategory{spec.Category}, level, orgID, ec.ExpirationHours, m.now())
	if err != nil {
		return "", err
	}
	c, err := m.codec.Encrypt(plaintext, p, orgID,
		container.WithDataID(dataID),
		container.WithMetadata(map[string]string{
			MetadataEntity: string(rec.Entity),
			MetadataRecord: rec.ID,
			MetadataField:  spec.Name,
		}),
	)
	if err != nil {
		return "", err
	}
	raw, err := container.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("%w: %w", abeerr.ErrEncryptionFailed, err)
	}
	return string(raw), nil
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, bool, float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, json.Number:
		return true
	}
	return false
}

// parseContainer reports whether s is a serialized container.
func parseContainer(s string) (*types.EncryptedDataContainer, bool) {
	if !strings.HasPrefix(strings.TrimSpace(s), "{") {
		return nil, false
	}
	c, err := container.Unmarshal([]byte(s))
	if err != nil || c.Algorithm != container.Algorithm {
		return nil, false
	}
	return c, true
}

// DecryptRecord returns a copy of rec with its encrypted fields opened or replaced by
// the category placeholder. Every field container is verified before any access
// decision, so integrity failures abort the read whoever the reader is.
func (m *Middleware) DecryptRecord(ctx context.Context, rec *types.Record) (*types.Record, error) {
	out := rec.Clone()
	if !rec.IsEncrypted() || len(rec.Encryption.EncryptedFields) == 0 {
		return out, nil
	}

	containers := make(map[string]*types.EncryptedDataContainer, len(rec.Encryption.EncryptedFields))
	for _, name := range rec.Encryption.EncryptedFields {
		raw, present := rec.Fields[name]
		if !present {
			continue
		}
		c, err := m.verifyField(ctx, rec, name, raw)
		if err != nil {
			return nil, err
		}
		containers[name] = c
	}

	categories := make(map[string]types.DataCategory, len(containers))
	requested := []types.DataCategory{}
	seen := map[types.DataCategory]struct{}{}
	for _, name := range rec.Encryption.EncryptedFields {
		c, ok := containers[name]
		if !ok {
			continue
		}
		category := m.fieldCategory(rec, name, c)
		categories[name] = category
		if _, ok := seen[category]; !ok && category != "" {
			seen[category] = struct{}{}
			requested = append(requested, category)
		}
	}

	reader, ok := ReaderFrom(ctx)
	allowed, err := m.allowedCategories(ctx, reader, ok, rec, requested)
	if err != nil {
		return nil, err
	}

	for _, name := range rec.Encryption.EncryptedFields {
		c, present := containers[name]
		if !present {
			continue
		}
		category := categories[name]
		if _, ok := allowed[category]; !ok {
			m.redact(out, name, category)
			continue
		}
		value, err := m.openField(ctx, name, c, reader)
		if err != nil {
			if abeerr.IsAccessError(err) {
				m.redact(out, name, category)
				continue
			}
			return nil, err
		}
		out.Fields[name] = value
	}
	return out, nil
}

// verifyField parses the stored field and checks it belongs to this record field
// and carries a valid signature.
func (m *Middleware) verifyField(ctx context.Context, rec *types.Record, name string, raw any) (*types.EncryptedDataContainer, error) {
	dataID := FieldDataID(rec.Entity, rec.ID, name)
	s, ok := raw.(string)
	if !ok {
		err := abeerr.NewIntegrityError(dataID, fmt.Sprintf("encrypted field holds %T", raw))
		m.integrityFailure(ctx, dataID, err)
		return nil, err
	}
	c, err := container.Unmarshal([]byte(s))
	if err != nil {
		m.integrityFailure(ctx, dataID, err)
		return nil, err
	}
	if c.DataID != dataID {
		err := abeerr.NewIntegrityError(c.DataID, "container belongs to another field")
		m.integrityFailure(ctx, dataID, err)
		return nil, err
	}
	if err := m.codec.Verify(c); err != nil {
		m.integrityFailure(ctx, dataID, err)
		return nil, err
	}
	return c, nil
}

func (m *Middleware) fieldCategory(rec *types.Record, name string, c *types.EncryptedDataContainer) types.DataCategory {
	if spec, ok := m.config.Spec(rec.Entity, name); ok {
		return spec.Category
	}
	if len(c.ABEPolicy.DataCategories) > 0 {
		return c.ABEPolicy.DataCategories[0]
	}
	return ""
}

// allowedCategories decides which categories to even try opening.
func (m *Middleware) allowedCategories(ctx context.Context, reader Reader, hasReader bool, rec *types.Record, requested []types.DataCategory) (map[types.DataCategory]struct{}, error) {
	allowed := map[types.DataCategory]struct{}{}
	if !hasReader || reader.Key == nil {
		return allowed, nil
	}
	if reader.Access == nil || m.evaluator == nil {
		for _, c := range requested {
			allowed[c] = struct{}{}
		}
		return allowed, nil
	}

	actx := *reader.Access
	if actx.PatientID == "" {
		actx.PatientID = resolvePatientID(EncryptionContext{}, rec)
	}
	if actx.OrganizationID == "" {
		actx.OrganizationID = rec.OrganizationID
	}
	actx.RequestedCategories = requested
	if actx.Operation == "" {
		actx.Operation = types.AuditDecrypt
	}
	result, err := m.evaluator.EvaluateAccess(ctx, &actx)
	if err != nil {
		return nil, err
	}
	if result.Granted {
		for _, c := range result.AccessibleCategories {
			allowed[c] = struct{}{}
		}
	}
	return allowed, nil
}

func (m *Middleware) openField(ctx context.Context, name string, c *types.EncryptedDataContainer, reader Reader) (any, error) {
	plaintext, err := m.codec.Open(c, reader.Key)
	if err != nil {
		if abeerr.IsIntegrityError(err) {
			m.integrityFailure(ctx, c.DataID, err)
		}
		return nil, err
	}
	var value any
	if err := json.Unmarshal(plaintext, &value); err != nil {
		return nil, fmt.Errorf("%w: field '%s' is not JSON: %w", abeerr.ErrDecryptionFailed, name, err)
	}
	m.metrics.IncrementCounter(monitoring.MetricCodecOperations, map[string]string{"operation": "decrypt", "outcome": "success"})
	return value, nil
}

func (m *Middleware) redact(out *types.Record, name string, category types.DataCategory) {
	out.Fields[name] = m.config.Redaction(category)
	m.metrics.IncrementCounter(monitoring.MetricFieldRedactions, map[string]string{
		"entity":   string(out.Entity),
		"category": string(category),
	})
}

func (m *Middleware) integrityFailure(ctx context.Context, dataID string, err error) {
	m.logger.LogIntegrityFailure(ctx, dataID, err)
	m.metrics.IncrementCounter(monitoring.MetricIntegrityFailures, map[string]string{"source": "fieldenc"})
}
