package entity

import (
	"time"

	"github.com/google/uuid"
)

// Notification records that a wishlist owner was told a book is back on the
// shelf. Notified flips once the message has been delivered.
type Notification struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	BookID     string     `json:"book_id"`
	Message    string     `json:"message"`
	Notified   bool       `json:"notified"`
	NotifiedAt *time.Time `json:"notified_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func NewNotification(userID, bookID, message string, now time.Time) Notification {
	return Notification{
		ID:        uuid.NewString(),
		UserID:    userID,
		BookID:    bookID,
		Message:   message,
		CreatedAt: now,
	}
}
