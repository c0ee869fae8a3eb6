// Package enrich fills in retailer links for books that do not have one yet.
package enrich

//go:generate mockgen -destination=mocks/mock_lookup.go -package=mocks libraryapi/internal/enrich Lookup

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"time"

	"libraryapi/internal/entity"
	"libraryapi/internal/metrics"
	"libraryapi/internal/store"
	"libraryapi/internal/validation"
)

const DefaultBatchSize = 500

var ErrInvalidISBN = errors.New("not an ISBN-10 or ISBN-13")

// Lookup finds a candidate ISBN for a title.
type Lookup interface {
	ISBNForTitle(ctx context.Context, title string) (string, error)
}

// Result summarizes one enrichment pass.
type Result struct {
	Scanned int `json:"scanned"`
	Updated int `json:"updated"`
	Failed  int `json:"failed"`
}

type Service struct {
	store       store.Store
	lookup      Lookup
	associateID string
	batchSize   int
	now         func() time.Time
}

func NewService(s store.Store, lookup Lookup, associateID string, batchSize int) *Service {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Service{store: s, lookup: lookup, associateID: associateID, batchSize: batchSize, now: time.Now}
}

// AffiliateURL is the product link stored as a book's amazon_id.
func AffiliateURL(isbn, associateID string) string {
	return fmt.Sprintf("http://www.amazon.co.uk/dp/%s/ref=nosim?tag=%s", url.PathEscape(isbn), url.QueryEscape(associateID))
}

// Run looks up every book without an amazon_id, paging through them
// batchSize at a time. A failing book is logged and left unchanged; Run only
// returns an error when a page cannot be listed or ctx ends.
func (s *Service) Run(ctx context.Context) (Result, error) {
	var (
		res    Result
		cursor store.BookCursor
	)
	for {
		var books []entity.Book
		err := s.store.View(ctx, func(tx store.Tx) error {
			var err error
			books, err = tx.ListBooksWithoutAmazonID(ctx, cursor, s.batchSize)
			return err
		})
		if err != nil {
			return res, fmt.Errorf("list books: %w", err)
		}

		for _, b := range books {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			res.Scanned++
			if err := s.enrich(ctx, b); err != nil {
				res.Failed++
				metrics.EnrichedBooks.WithLabelValues("failed").Inc()
				log.Printf("enrich book_id=%s title=%q err=%v", b.ID, b.Title, err)
				continue
			}
			res.Updated++
			metrics.EnrichedBooks.WithLabelValues("updated").Inc()
		}
		if len(books) < s.batchSize {
			break
		}
		cursor = store.CursorAt(books[len(books)-1])
	}
	log.Printf("enrich scanned=%d updated=%d failed=%d", res.Scanned, res.Updated, res.Failed)
	return res, nil
}

func (s *Service) enrich(ctx context.Context, b entity.Book) error {
	found, err := s.lookup.ISBNForTitle(ctx, b.Title)
	if err != nil {
		return fmt.Errorf("lookup: %w", err)
	}
	if !validation.ValidISBN(found) {
		return fmt.Errorf("lookup returned %q: %w", found, ErrInvalidISBN)
	}
	isbn := validation.NormalizeISBN(found)
	link := AffiliateURL(isbn, s.associateID)

	return s.store.Atomic(ctx, func(tx store.Tx) error {
		current, err := tx.GetBook(ctx, b.ID)
		if err != nil {
			return err
		}
		if current.AmazonID != nil {
			return nil
		}
		current.Apply(fields(current, isbn), s.now().UTC())
		current.AmazonID = &link
		if err := tx.UpdateBook(ctx, current); err != nil {
			return fmt.Errorf("update book: %w", err)
		}
		return nil
	})
}

func fields(b entity.Book, isbn string) entity.BookFields {
	return entity.BookFields{
		Title:           b.Title,
		LibraryID:       b.LibraryID,
		ISBN:            isbn,
		PublicationYear: b.PublicationYear,
		Language:        b.Language,
	}
}

// AmazonIDUpdate sets one book's amazon_id directly.
type AmazonIDUpdate struct {
	BookID   string `json:"book_id" validate:"required"`
	AmazonID string `json:"amazon_id" validate:"required,max=10"`
}

// SetAmazonIDs applies updates in one transaction. Unknown books are skipped;
// the updated books are returned.
func (s *Service) SetAmazonIDs(ctx context.Context, updates []AmazonIDUpdate) ([]entity.Book, error) {
	for i := range updates {
		if err := validation.Check(updates[i]); err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
	}

	updated := []entity.Book{}
	err := s.store.Atomic(ctx, func(tx store.Tx) error {
		now := s.now().UTC()
		for _, u := range updates {
			b, err := tx.GetBook(ctx, u.BookID)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			id := u.AmazonID
			b.AmazonID = &id
			b.UpdatedAt = now
			if err := tx.UpdateBook(ctx, b); err != nil {
				return fmt.Errorf("update book %s: %w", b.ID, err)
			}
			updated = append(updated, b)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
