// Package wishlist records which users are waiting for a book to come back.
package wishlist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"libraryapi/internal/entity"
	"libraryapi/internal/store"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

type Service struct {
	store store.Store
	now   func() time.Time
}

func NewService(s store.Store) *Service {
	return &Service{store: s, now: time.Now}
}

// Add puts bookID on the user's wishlist. Adding a pair that already exists
// returns the existing entry.
func (s *Service) Add(ctx context.Context, userID, bookID string) (entity.WishlistEntry, error) {
	var entry entity.WishlistEntry
	err := s.store.Atomic(ctx, func(tx store.Tx) error {
		if _, err := tx.GetUser(ctx, userID); err != nil {
			return lookupErr("user", userID, err)
		}
		if _, err := tx.GetBook(ctx, bookID); err != nil {
			return lookupErr("book", bookID, err)
		}

		entry = entity.WishlistEntry{
			ID:        uuid.NewString(),
			UserID:    userID,
			BookID:    bookID,
			CreatedAt: s.now().UTC(),
		}
		err := tx.Savepoint(ctx, func(tx store.Tx) error { return tx.AddWishlist(ctx, entry) })
		if !errors.Is(err, store.ErrDuplicateKey) {
			return err
		}
		existing, err := find(ctx, tx, userID, bookID)
		if err != nil {
			return err
		}
		entry = existing
		return nil
	})
	if err != nil {
		return entity.WishlistEntry{}, err
	}
	return entry, nil
}

// Remove reports whether an entry was deleted.
func (s *Service) Remove(ctx context.Context, userID, bookID string) (bool, error) {
	var removed bool
	err := s.store.Atomic(ctx, func(tx store.Tx) error {
		var err error
		removed, err = tx.DeleteWishlist(ctx, userID, bookID)
		return err
	})
	return removed, err
}

func (s *Service) List(ctx context.Context, userID string) ([]entity.WishlistEntry, error) {
	var entries []entity.WishlistEntry
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		entries, err = tx.ListWishlist(ctx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []entity.WishlistEntry{}
	}
	return entries, nil
}

func find(ctx context.Context, tx store.Tx, userID, bookID string) (entity.WishlistEntry, error) {
	entries, err := tx.ListWishlist(ctx, userID)
	if err != nil {
		return entity.WishlistEntry{}, err
	}
	for _, e := range entries {
		if e.BookID == bookID {
			return e, nil
		}
	}
	return entity.WishlistEntry{}, fmt.Errorf("wishlist entry for book %s: %w", bookID, ErrNotFound)
}

func lookupErr(what, id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return err
}
