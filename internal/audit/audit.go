// Package audit signs and records audit entries. Recording is mandatory: a
// failed append is returned to the caller, who must treat the operation as failed.
package audit

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hengadev/medabe/internal/monitoring"
	"github.com/hengadev/medabe/internal/store"
	"github.com/hengadev/medabe/internal/types"
)

// Signer produces the cryptographic proof; keys.MasterAuthority satisfies it.
type Signer interface {
	Sign(msg []byte) []byte
}

// Recorder stamps, signs and appends audit entries.
type Recorder struct {
	sink    store.AuditSink
	signer  Signer
	metrics monitoring.MetricsCollector
	logger  *monitoring.StructuredLogger
	now     func() time.Time
}

type Option func(*Recorder)

func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

func WithMetrics(m monitoring.MetricsCollector) Option {
	return func(r *Recorder) {
		if m != nil {
			r.metrics = m
		}
	}
}

func WithLogger(l *monitoring.StructuredLogger) Option {
	return func(r *Recorder) {
		if l != nil {
			r.logger = l
		}
	}
}

func NewRecorder(sink store.AuditSink, signer Signer, opts ...Option) *Recorder {
	r := &Recorder{
		sink:    sink,
		signer:  signer,
		metrics: monitoring.NoOpMetricsCollector{},
		logger:  monitoring.NewNopLogger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record fills id, timestamp and proof, then appends e to the sink.
func (r *Recorder) Record(ctx context.Context, e *types.AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = r.now().UTC()
	}
	if e.EncryptionContext == nil {
		e.EncryptionContext = map[string]string{}
	}
	if e.DataCategories == nil {
		e.DataCategories = []types.DataCategory{}
	}
	proof, err := r.prove(e)
	if err != nil {
		return fmt.Errorf("audit proof for '%s': %w", e.ID, err)
	}
	e.CryptographicProof = proof

	if err := r.sink.AppendAudit(ctx, e); err != nil {
		r.metrics.IncrementCounter(monitoring.MetricAuditFailures, map[string]string{"operation": string(e.Operation)})
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"audit_id":  e.ID,
			"operation": string(e.Operation),
		}).Error("Audit append failed")
		return fmt.Errorf("append audit entry '%s': %w", e.ID, err)
	}
	return nil
}

func (r *Recorder) prove(e *types.AuditEntry) (string, error) {
	msg, err := signedBytes(e)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(r.signer.Sign(msg)), nil
}

// signedBytes is the canonical encoding with the proof field cleared.
func signedBytes(e *types.AuditEntry) ([]byte, error) {
	cp := *e
	cp.CryptographicProof = ""
	cp.Timestamp = e.Timestamp.UTC()
	return json.Marshal(cp)
}

// Verify checks e's proof against the master public key.
func Verify(pub ed25519.PublicKey, e *types.AuditEntry) bool {
	if e == nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(e.CryptographicProof)
	if err != nil {
		return false
	}
	msg, err := signedBytes(e)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// FromAccess builds the entry for an access evaluation.
func FromAccess(actx *types.AccessContext, result *types.AccessControlResult) *types.AuditEntry {
	op := actx.Operation
	if op == "" {
		op = types.AuditAccessEvaluation
	}
	categories := result.AccessibleCategories
	if !result.Granted {
		categories = actx.RequestedCategories
	}
	e := &types.AuditEntry{
		Operation:      op,
		UserID:         actx.RequesterID,
		PatientID:      actx.PatientID,
		OrganizationID: actx.OrganizationID,
		DataCategories: append([]types.DataCategory(nil), categories...),
		AccessLevel:    result.AccessLevel,
		EncryptionContext: map[string]string{
			"requesterRole": string(actx.RequesterRole),
			"tier":          result.Tier,
		},
		Success:      result.Granted,
		ErrorMessage: result.DenialReason,
		IPAddress:    actx.IPAddress,
		UserAgent:    actx.UserAgent,
	}
	if actx.EmergencyContext != nil {
		e.EncryptionContext["emergencyGrantId"] = actx.EmergencyContext.GrantID
	}
	return e
}
