package interfaces

import (
	"errors"
	"fmt"
)

// Failure outcomes shared by all core components.
// Match them with errors.Is.
var (
	ErrSigningRejected       = errors.New("shake: signing rejected")
	ErrInsufficientFunds     = errors.New("shake: insufficient funds")
	ErrApprovalRejected      = errors.New("shake: approval predicate rejected")
	ErrOracleThresholdNotMet = errors.New("shake: oracle threshold not met")
	ErrAlreadyReviewed       = errors.New("shake: already reviewed")
	ErrSelfReviewForbidden   = errors.New("shake: authors cannot review their own article")
	ErrSelfVoteForbidden     = errors.New("shake: authors cannot vote on their own review or article")
	ErrBlobNotFound          = errors.New("shake: blob not found")
	ErrUploadFailed          = errors.New("shake: upload failed")
	ErrNotPurchased          = errors.New("shake: article not purchased")
	ErrAlreadyPurchased      = errors.New("shake: article already purchased")
	ErrCallFailed            = errors.New("shake: ledger call failed")
	ErrEmptyReview           = errors.New("shake: review content is empty")
	ErrUnknownReaction       = errors.New("shake: unknown reaction")
	ErrInvalidEnvelope       = errors.New("shake: invalid ciphertext envelope")
	ErrProfileNotFound       = errors.New("shake: no user profile registered")
	ErrProfileExists         = errors.New("shake: user profile already registered")
)

// UploadError carries the blob store's HTTP status.
type UploadError struct {
	StatusCode int
	Status     string
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("%v: %s", ErrUploadFailed, e.Status)
}

// Unwrap lets errors.Is match ErrUploadFailed.
func (e *UploadError) Unwrap() error {
	return ErrUploadFailed
}

// Retryable reports whether err can succeed on a later
// attempt after user action or a confirmation delay.
// Policy violations and missing blobs are final.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrSigningRejected),
		errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrApprovalRejected),
		errors.Is(err, ErrOracleThresholdNotMet):
		return true
	default:
		return false
	}
}
