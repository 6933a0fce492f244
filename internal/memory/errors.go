package memory

import (
	"errors"
	"fmt"
)

var (
	// ErrTierUnavailable marks a failed or timed-out tier operation. Callers
	// degrade instead of failing the turn.
	ErrTierUnavailable = errors.New("memory tier unavailable")

	// ErrConsentRequired is returned when an episode is stored without
	// explicit consent.
	ErrConsentRequired = errors.New("episodic storage requires explicit consent")

	// ErrInsightNotFound is returned by UpdateMetadata for an unknown id.
	ErrInsightNotFound = errors.New("session insight not found")

	// ErrInvalidWeight is returned for negative pattern increments.
	ErrInvalidWeight = errors.New("pattern weight must be non-negative")
)

// TierError reports which tier and operation failed. It matches both
// ErrTierUnavailable and the underlying cause with errors.Is.
type TierError struct {
	Tier Tier
	Op   string
	Err  error
}

func (e *TierError) Error() string {
	return fmt.Sprintf("%s tier %s: %v", e.Tier, e.Op, e.Err)
}

func (e *TierError) Unwrap() []error {
	return []error{ErrTierUnavailable, e.Err}
}

func tierError(tier Tier, op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TierError
	if errors.As(err, &te) {
		return err
	}
	return &TierError{Tier: tier, Op: op, Err: err}
}
