package medabe

import (
	"errors"

	"github.com/hengadev/medabe/internal/abeerr"
	"github.com/hengadev/medabe/internal/reliability"
)

var (
	// Access errors
	ErrAuthenticationRequired = abeerr.ErrAuthenticationRequired
	ErrAccessDenied           = abeerr.ErrAccessDenied
	ErrPolicyExpired          = abeerr.ErrPolicyExpired
	ErrOrganizationMismatch   = abeerr.ErrOrganizationMismatch

	// Codec errors
	ErrIntegrityVerificationFailed = abeerr.ErrIntegrityVerificationFailed
	ErrKeyNotFound                 = abeerr.ErrKeyNotFound
	ErrInvalidPolicy               = abeerr.ErrInvalidPolicy
	ErrEncryptionFailed            = abeerr.ErrEncryptionFailed
	ErrDecryptionFailed            = abeerr.ErrDecryptionFailed
	ErrEncryptionContextRequired   = abeerr.ErrEncryptionContextRequired

	// Job errors
	ErrComputationValidation   = abeerr.ErrComputationValidation
	ErrMigrationAlreadyRunning = abeerr.ErrMigrationAlreadyRunning
	ErrRollbackUnsupported     = abeerr.ErrRollbackUnsupported
	ErrJobNotFound             = abeerr.ErrJobNotFound
	ErrResultNotReady          = abeerr.ErrResultNotReady
	ErrJobFinished             = abeerr.ErrJobFinished

	// Engine errors
	ErrInvalidConfiguration = abeerr.ErrInvalidConfiguration
	ErrBackendUnavailable   = abeerr.ErrBackendUnavailable
	ErrNotReady             = abeerr.ErrNotReady
)

// IsAccessError returns true if the error is a policy decision: denied, expired,
// wrong organization or unauthenticated.
func IsAccessError(err error) bool {
	return abeerr.IsAccessError(err)
}

// IsIntegrityError returns true if a container failed signature verification.
// Such errors indicate tampering, never a policy question.
func IsIntegrityError(err error) bool {
	return abeerr.IsIntegrityError(err)
}

// IsConfigurationError returns true if the error represents a configuration or
// caller input problem.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrInvalidPolicy) ||
		errors.Is(err, ErrEncryptionContextRequired)
}

// IsJobError returns true if the error concerns a computation or migration job.
func IsJobError(err error) bool {
	return errors.Is(err, ErrComputationValidation) ||
		errors.Is(err, ErrMigrationAlreadyRunning) ||
		errors.Is(err, ErrRollbackUnsupported) ||
		errors.Is(err, ErrJobNotFound) ||
		errors.Is(err, ErrResultNotReady) ||
		errors.Is(err, ErrJobFinished)
}

// IsRetryableError returns true if the error represents a transient failure that might succeed on retry.
func IsRetryableError(err error) bool {
	return reliability.IsRetryable(err)
}
