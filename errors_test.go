package medabe

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hengadev/medabe/internal/abeerr"
)

func TestErrorClassifiers(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		access        bool
		integrity     bool
		configuration bool
		job           bool
		retryable     bool
	}{
		{name: "access denied", err: abeerr.NewAccessDeniedError("no relationship"), access: true},
		{name: "policy expired", err: abeerr.NewPolicyExpiredError("d1"), access: true},
		{name: "organization mismatch", err: abeerr.NewOrganizationMismatchError("o1", "o2"), access: true},
		{name: "authentication", err: fmt.Errorf("%w: no key", ErrAuthenticationRequired), access: true},
		{name: "tampered", err: abeerr.NewIntegrityError("d1", "signature mismatch"), integrity: true},
		{name: "invalid policy", err: abeerr.NewInvalidPolicyError("mixed operators"), configuration: true},
		{name: "invalid configuration", err: fmt.Errorf("%w: batch_size", ErrInvalidConfiguration), configuration: true},
		{name: "already running", err: abeerr.NewMigrationAlreadyRunningError("m1"), job: true},
		{name: "rollback unsupported", err: abeerr.NewRollbackUnsupportedError("m1", "dry run"), job: true},
		{name: "result not ready", err: abeerr.NewResultNotReadyError("c1", "running", ""), job: true},
		{name: "job not found", err: abeerr.NewJobNotFoundError("migration", "m1"), job: true},
		{name: "backend unavailable", err: fmt.Errorf("kms decrypt: %w", ErrBackendUnavailable), retryable: true},
		{name: "cancelled", err: context.Canceled},
		{name: "plain", err: errors.New("boom")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.access, IsAccessError(tt.err), "IsAccessError")
			assert.Equal(t, tt.integrity, IsIntegrityError(tt.err), "IsIntegrityError")
			assert.Equal(t, tt.configuration, IsConfigurationError(tt.err), "IsConfigurationError")
			assert.Equal(t, tt.job, IsJobError(tt.err), "IsJobError")
			assert.Equal(t, tt.retryable, IsRetryableError(tt.err), "IsRetryableError")
		})
	}
}

func TestSentinelsAreShared(t *testing.T) {
	assert.ErrorIs(t, abeerr.NewRollbackUnsupportedError("m1", "no backup"), ErrRollbackUnsupported)
	assert.ErrorIs(t, abeerr.NewKeyNotFoundError("proxy key"), ErrKeyNotFound)
	assert.False(t, IsAccessError(abeerr.NewIntegrityError("d1", "")))
}
