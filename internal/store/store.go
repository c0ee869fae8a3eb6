// Package store is the persistence boundary for catalog and circulation records.
package store

import (
	"context"
	"errors"
	"time"

	"libraryapi/internal/entity"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("duplicate key")
)

// Store runs units of work against the record store. Atomic commits when fn
// returns nil and rolls back otherwise; View never writes.
type Store interface {
	Atomic(ctx context.Context, fn func(tx Tx) error) error
	View(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is a transaction-scoped view of every record type.
type Tx interface {
	// Savepoint runs fn in a nested unit that is rolled back alone when fn fails.
	Savepoint(ctx context.Context, fn func(tx Tx) error) error

	FindAuthor(ctx context.Context, givenNames, surname string) (entity.Author, error)
	InsertAuthor(ctx context.Context, a entity.Author) error
	ListAuthors(ctx context.Context, ids []string) ([]entity.Author, error)

	GetBook(ctx context.Context, id string) (entity.Book, error)
	// LockBook holds the book row until the transaction ends, serializing
	// availability decisions across the book's copies.
	LockBook(ctx context.Context, id string) error
	// FindBookByLibraryID locks the row for the rest of the transaction where supported.
	FindBookByLibraryID(ctx context.Context, libraryID string) (entity.Book, error)
	InsertBook(ctx context.Context, b entity.Book) error
	UpdateBook(ctx context.Context, b entity.Book) error
	SetBookAuthors(ctx context.Context, bookID string, authorIDs []string) error
	// ListBooksWithoutAmazonID pages through books lacking an amazon_id in
	// (created_at, id) order, starting after the cursor.
	ListBooksWithoutAmazonID(ctx context.Context, after BookCursor, limit int) ([]entity.Book, error)

	InsertCopy(ctx context.Context, c entity.BookCopy) error
	// LockCopy reads a copy and holds its row lock until the transaction ends.
	LockCopy(ctx context.Context, id string) (entity.BookCopy, error)
	UpdateCopyStatus(ctx context.Context, id string, status entity.CopyStatus, at time.Time) error
	// CountCopies counts a book's copies; an empty status counts all of them.
	CountCopies(ctx context.Context, bookID string, status entity.CopyStatus) (int, error)
	ListCopies(ctx context.Context, bookID string) ([]entity.BookCopy, error)

	// AppendHistory stores h and sets its Seq.
	AppendHistory(ctx context.Context, h *entity.CopyHistory) error
	LatestHistory(ctx context.Context, copyID string) (entity.CopyHistory, error)
	ListHistory(ctx context.Context, copyID string) ([]entity.CopyHistory, error)

	AddWishlist(ctx context.Context, e entity.WishlistEntry) error
	DeleteWishlist(ctx context.Context, userID, bookID string) (bool, error)
	OldestWishlist(ctx context.Context, bookID string) (entity.WishlistEntry, error)
	ListWishlist(ctx context.Context, userID string) ([]entity.WishlistEntry, error)

	InsertNotification(ctx context.Context, n entity.Notification) error
	MarkNotified(ctx context.Context, id string, at time.Time) error
	// ListNotifications returns a user's notifications, newest first.
	ListNotifications(ctx context.Context, userID string) ([]entity.Notification, error)

	GetUser(ctx context.Context, id string) (entity.User, error)

	BorrowedReport(ctx context.Context, f ReportFilter) ([]BorrowedCopy, error)
}

// BookCursor marks a position in (created_at, id) order. The zero value is
// the start.
type BookCursor struct {
	CreatedAt time.Time
	ID        string
}

// After reports whether b sorts after the cursor.
func (c BookCursor) After(b entity.Book) bool {
	if !b.CreatedAt.Equal(c.CreatedAt) {
		return b.CreatedAt.After(c.CreatedAt)
	}
	return b.ID > c.ID
}

func CursorAt(b entity.Book) BookCursor {
	return BookCursor{CreatedAt: b.CreatedAt, ID: b.ID}
}

type ReportFilter struct {
	OverdueOnly bool
	Now         time.Time
}

// BorrowedCopy is one line of the borrowed-copies report.
type BorrowedCopy struct {
	CopyID       string     `json:"copy_id"`
	BookID       string     `json:"book_id"`
	Title        string     `json:"title"`
	LibraryID    string     `json:"library_id"`
	UserID       *string    `json:"user_id,omitempty"`
	Username     string     `json:"username,omitempty"`
	BorrowedDate time.Time  `json:"borrowed_date"`
	DueDate      *time.Time `json:"due_date,omitempty"`
	Overdue      bool       `json:"overdue"`
}
