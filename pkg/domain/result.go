package domain

import (
	"errors"
	"fmt"
)

// Caller error kinds. CallerError values match these with errors.Is.
var (
	ErrUnknownTrait     = errors.New("unknown trait")
	ErrUnknownMilestone = errors.New("unknown milestone")
	ErrUnknownWindow    = errors.New("unknown window")
	ErrInvalidSnapshot  = errors.New("invalid environmental snapshot")
	ErrAgeOutOfRange    = errors.New("age outside declared milestone ranges")
	ErrInvalidSubject   = errors.New("invalid subject")
)

// CallerError rejects a request before evaluation starts.
type CallerError struct {
	Kind   error
	Name   string
	Reason string
}

func (e CallerError) Error() string {
	msg := e.Kind.Error()
	if e.Name != "" {
		msg += " " + e.Name
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Unwrap exposes the kind sentinel for errors.Is.
func (e CallerError) Unwrap() error { return e.Kind }

// IsCallerError reports whether err (or anything it wraps) is a CallerError.
func IsCallerError(err error) bool {
	var ce CallerError
	return errors.As(err, &ce)
}

// EmptyReason explains why an evaluation produced no outcome. The empty string
// means the result is not empty.
type EmptyReason string

// Expected steady states that produce empty results.
const (
	EmptyNoHiddenTraits   EmptyReason = "no_hidden_traits"
	EmptyNoActiveWindows  EmptyReason = "no_active_windows"
	EmptyAlreadyCompleted EmptyReason = "already_completed"
	EmptyAgeOutOfRange    EmptyReason = "age_out_of_range"
	EmptyNothingRevealed  EmptyReason = "nothing_revealed"
	EmptyNeutralBand      EmptyReason = "neutral_band"
	EmptyNoTraitAvailable EmptyReason = "no_trait_available"
)

// Invariant names carried by InvariantViolation.
const (
	InvariantInfluenceBound   = "influence_bound"
	InvariantPartition        = "trait_partition"
	InvariantWindowOrdering   = "window_ordering"
	InvariantSingleProvenance = "single_provenance"
)

// InvariantViolation signals a defect in catalog data or scoring formulas. It is
// raised with panic and must not be recovered silently.
type InvariantViolation struct {
	Invariant string
	Detail    string
}

func (v InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation (%s): %s", v.Invariant, v.Detail)
}
