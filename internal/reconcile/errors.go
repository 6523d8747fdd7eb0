package reconcile

import (
	"errors"
	"fmt"
)

// ErrInvalidCandidate rejects a candidate that carries neither names nor
// identifiers, or an unknown source or kind. Invalid candidates are never
// partially applied.
var ErrInvalidCandidate = errors.New("reconcile: invalid candidate")

// ErrRaceLost is returned when a submit could not take the bucket locks it
// needs before its deadline. The candidate was not applied; the caller may
// retry.
var ErrRaceLost = errors.New("reconcile: lost reconciliation race")

// ConflictingIdentifierError reports that applying a candidate identifier
// would attach one external id to two different places. The submit that
// observes it still succeeds; the collision is parked for review.
type ConflictingIdentifierError struct {
	Source     string
	ExternalID string
	PlaceID    int64
	ClaimedBy  int64
}

func (e *ConflictingIdentifierError) Error() string {
	return fmt.Sprintf("reconcile: identifier %s:%s already claimed by place %d (resolving place %d)",
		e.Source, e.ExternalID, e.ClaimedBy, e.PlaceID)
}

// IsConflictingIdentifier reports whether the error chain contains an
// identifier collision.
func IsConflictingIdentifier(err error) bool {
	var ce *ConflictingIdentifierError
	return errors.As(err, &ce)
}
