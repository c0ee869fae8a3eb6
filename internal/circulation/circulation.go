// Package circulation moves book copies between AVAILABLE, BORROWED,
// RESERVED and MISSING. Every transition updates the copy and appends its
// history entry in one transaction, so a copy's status always equals the
// status of its latest history entry.
package circulation

import (
	"errors"
	"fmt"

	"libraryapi/internal/entity"
)

// Rejection reasons returned to callers.
const (
	ReasonAlreadyBorrowed = "copy is already borrowed"
	ReasonReserved        = "copy is reserved"
	ReasonMissing         = "copy is missing"
	ReasonNotOnLoan       = "copy is not on loan"
	ReasonAlreadyAvail    = "copy is already available"
)

var ErrNotFound = errors.New("not found")

// ConflictError rejects a transition that the copy's current state forbids.
type ConflictError struct {
	CopyID string
	Status entity.CopyStatus
	Reason string
}

func (e *ConflictError) Error() string { return e.Reason }

func conflict(c entity.BookCopy, reason string) error {
	return &ConflictError{CopyID: c.ID, Status: c.Status, Reason: reason}
}

func notFound(what, id string) error {
	return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
}

// unavailableReason explains why a copy in status s cannot leave AVAILABLE.
func unavailableReason(s entity.CopyStatus) string {
	switch s {
	case entity.CopyBorrowed:
		return ReasonAlreadyBorrowed
	case entity.CopyReserved:
		return ReasonReserved
	case entity.CopyMissing:
		return ReasonMissing
	default:
		return ReasonAlreadyAvail
	}
}
