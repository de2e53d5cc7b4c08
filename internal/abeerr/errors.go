package abeerr

import (
	"errors"
	"fmt"
)

var (
	// Access errors
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrAccessDenied           = errors.New("access denied")
	ErrPolicyExpired          = errors.New("policy expired")
	ErrOrganizationMismatch   = errors.New("organization mismatch")

	// Codec errors
	ErrIntegrityVerificationFailed = errors.New("integrity verification failed")
	ErrKeyNotFound                 = errors.New("key not found")
	ErrInvalidPolicy               = errors.New("invalid policy")
	ErrEncryptionFailed            = errors.New("encryption failed")
	ErrDecryptionFailed            = errors.New("decryption failed")
	ErrEncryptionContextRequired   = errors.New("encryption context required")

	// Job errors
	ErrComputationValidation   = errors.New("computation validation error")
	ErrMigrationAlreadyRunning = errors.New("migration already running")
	ErrRollbackUnsupported     = errors.New("rollback unsupported")
	ErrJobNotFound             = errors.New("job not found")
	ErrResultNotReady          = errors.New("result not ready")
	ErrJobFinished             = errors.New("job already finished")

	// Engine errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrBackendUnavailable   = errors.New("cryptographic backend unavailable")
	ErrNotReady             = errors.New("engine not ready")
)

func NewAccessDeniedError(reason string) error {
	return fmt.Errorf("%w: %s", ErrAccessDenied, reason)
}

func NewPolicyExpiredError(dataID string) error {
	return fmt.Errorf("%w: policy for '%s' is past its expiration", ErrPolicyExpired, dataID)
}

func NewOrganizationMismatchError(expected, actual string) error {
	return fmt.Errorf("%w: expected organization '%s', got '%s'", ErrOrganizationMismatch, expected, actual)
}

func NewIntegrityError(dataID string, details string) error {
	if details != "" {
		return fmt.Errorf("%w: container '%s': %s", ErrIntegrityVerificationFailed, dataID, details)
	}
	return fmt.Errorf("%w: container '%s'", ErrIntegrityVerificationFailed, dataID)
}

func NewKeyNotFoundError(what string) error {
	return fmt.Errorf("%w: %s", ErrKeyNotFound, what)
}

func NewInvalidPolicyError(details string) error {
	return fmt.Errorf("%w: %s", ErrInvalidPolicy, details)
}

func NewComputationValidationError(details string) error {
	return fmt.Errorf("%w: %s", ErrComputationValidation, details)
}

func NewMigrationAlreadyRunningError(jobID string) error {
	return fmt.Errorf("%w: job '%s' has not finished", ErrMigrationAlreadyRunning, jobID)
}

func NewRollbackUnsupportedError(jobID string, details string) error {
	return fmt.Errorf("%w: migration '%s': %s", ErrRollbackUnsupported, jobID, details)
}

func NewJobFinishedError(jobID string, status string) error {
	return fmt.Errorf("%w: job '%s' is %s", ErrJobFinished, jobID, status)
}

func NewJobNotFoundError(kind, jobID string) error {
	return fmt.Errorf("%w: %s job '%s'", ErrJobNotFound, kind, jobID)
}

// IsAccessError reports whether err is a policy question rather than tampering or a fault.
func IsAccessError(err error) bool {
	return errors.Is(err, ErrAccessDenied) ||
		errors.Is(err, ErrPolicyExpired) ||
		errors.Is(err, ErrOrganizationMismatch) ||
		errors.Is(err, ErrAuthenticationRequired)
}

// IsIntegrityError reports whether err indicates a tampered container.
func IsIntegrityError(err error) bool {
	return errors.Is(err, ErrIntegrityVerificationFailed)
}

func NewResultNotReadyError(jobID string, status string, reason string) error {
	if reason != "" {
		return fmt.Errorf("%w: job '%s' is %s: %s", ErrResultNotReady, jobID, status, reason)
	}
	return fmt.Errorf("%w: job '%s' is %s", ErrResultNotReady, jobID, status)
}
