package entity

import (
	"time"

	"github.com/google/uuid"
)

type CopyStatus string

const (
	CopyAvailable CopyStatus = "AVAILABLE"
	CopyBorrowed  CopyStatus = "BORROWED"
	CopyReserved  CopyStatus = "RESERVED"
	CopyMissing   CopyStatus = "MISSING"
)

func (s CopyStatus) Valid() bool {
	switch s {
	case CopyAvailable, CopyBorrowed, CopyReserved, CopyMissing:
		return true
	}
	return false
}

type BookCopy struct {
	ID        string     `json:"id"`
	BookID    string     `json:"book_id"`
	Status    CopyStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// NewCopy returns an AVAILABLE copy together with its creation history entry.
// Every code path that creates copies goes through here so that a copy's
// status always matches its latest history entry.
func NewCopy(bookID string, now time.Time) (BookCopy, CopyHistory) {
	c := BookCopy{
		ID:        uuid.NewString(),
		BookID:    bookID,
		Status:    CopyAvailable,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return c, NewHistory(c.ID, CopyAvailable, nil, now)
}

// CopyHistory is one append-only circulation event. BorrowedDate is the event
// timestamp; entries are ordered by it (then Seq) descending.
type CopyHistory struct {
	ID           string     `json:"id"`
	Seq          int64      `json:"seq"`
	CopyID       string     `json:"copy_id"`
	Status       CopyStatus `json:"status"`
	UserID       *string    `json:"user_id,omitempty"`
	BorrowedDate time.Time  `json:"borrowed_date"`
	DueDate      *time.Time `json:"due_date,omitempty"`
	ReturnedDate *time.Time `json:"returned_date,omitempty"`
	IsReturned   bool       `json:"is_returned"`
}

func NewHistory(copyID string, status CopyStatus, userID *string, at time.Time) CopyHistory {
	return CopyHistory{
		ID:           uuid.NewString(),
		CopyID:       copyID,
		Status:       status,
		UserID:       userID,
		BorrowedDate: at,
	}
}

// Open reports whether the entry is a loan that has not been returned yet.
func (h CopyHistory) Open() bool {
	return h.Status == CopyBorrowed && !h.IsReturned
}

func (h CopyHistory) Overdue(now time.Time) bool {
	return h.Open() && h.DueDate != nil && now.After(*h.DueDate)
}
