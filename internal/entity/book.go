package entity

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type Book struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	AuthorIDs       []string  `json:"author_ids"`
	LibraryID       string    `json:"library_id"`
	ISBN            string    `json:"isbn"`
	AmazonID        *string   `json:"amazon_id,omitempty"`
	PublicationYear *int      `json:"publication_year,omitempty"` // negative = BC
	Language        string    `json:"language"`
	Slug            string    `json:"slug"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// BookFields carries the mutable, ingestion-owned attributes of a Book.
type BookFields struct {
	Title           string
	LibraryID       string
	ISBN            string
	PublicationYear *int
	Language        string
}

// NewBook builds a Book with a fresh ID and its slug derived from title and isbn.
func NewBook(f BookFields, now time.Time) Book {
	b := Book{
		ID:        uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	b.Apply(f, now)
	return b
}

// Apply overwrites the mutable fields and refreshes the slug.
func (b *Book) Apply(f BookFields, now time.Time) {
	b.Title = strings.TrimSpace(f.Title)
	b.LibraryID = f.LibraryID
	b.ISBN = f.ISBN
	b.PublicationYear = f.PublicationYear
	b.Language = f.Language
	if b.Language == "" {
		b.Language = UnknownLanguage
	}
	b.Slug = Slugify(b.Title + " " + b.ISBN)
	b.UpdatedAt = now
}

const UnknownLanguage = "Unknown"
