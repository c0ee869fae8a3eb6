package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"libraryapi/internal/entity"
	"libraryapi/internal/testutil"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *pgxpool.Pool {
	return testutil.OpenTestDB(t, "copy_history")
}

func uniqueSuffix() string {
	return fmt.Sprintf("%09d", time.Now().UnixNano()%1_000_000_000)
}

func TestMapErr(t *testing.T) {
	assert.NoError(t, mapErr(nil))
	assert.ErrorIs(t, mapErr(&pgconn.PgError{Code: "23505", ConstraintName: "books_isbn_key"}), ErrDuplicateKey)
	other := errors.New("other")
	assert.Equal(t, other, mapErr(other))
}

func TestBorrowedReportSQL(t *testing.T) {
	sql, args, err := borrowedReportSQL(ReportFilter{})
	require.NoError(t, err)
	assert.Contains(t, sql, `DISTINCT ON ("c"."id")`)
	assert.Contains(t, sql, `"h"."seq" DESC`)
	assert.NotContains(t, sql, `"r"."due_date" <`)
	assert.Contains(t, args, "BORROWED")

	now := time.Now()
	sql, args, err = borrowedReportSQL(ReportFilter{OverdueOnly: true, Now: now})
	require.NoError(t, err)
	assert.Contains(t, sql, `"r"."due_date" <`)
	assert.Contains(t, args, now)
}

func TestPostgres_AuthorInsertConflictKeepsTransactionUsable(t *testing.T) {
	db := setupTestDB(t)
	s := NewPostgres(db, 5*time.Second)
	ctx := context.Background()
	surname := "Conflict" + uniqueSuffix()

	err := s.Atomic(ctx, func(tx Tx) error {
		require.NoError(t, tx.InsertAuthor(ctx, entity.NewAuthor("Test", surname, time.Now())))
		err := tx.InsertAuthor(ctx, entity.NewAuthor("Test", surname, time.Now()))
		require.ErrorIs(t, err, ErrDuplicateKey)
		_, err = tx.FindAuthor(ctx, "Test", surname)
		return err
	})
	require.NoError(t, err)
}

func TestPostgres_SavepointRollsBackOneRow(t *testing.T) {
	db := setupTestDB(t)
	s := NewPostgres(db, 5*time.Second)
	ctx := context.Background()
	suffix := uniqueSuffix()

	err := s.Atomic(ctx, func(tx Tx) error {
		spErr := tx.Savepoint(ctx, func(tx Tx) error {
			if err := tx.InsertAuthor(ctx, entity.NewAuthor("Rolled", "Back"+suffix, time.Now())); err != nil {
				return err
			}
			return errors.New("row failed")
		})
		require.Error(t, spErr)
		return tx.InsertAuthor(ctx, entity.NewAuthor("Kept", "Row"+suffix, time.Now()))
	})
	require.NoError(t, err)

	require.NoError(t, s.View(ctx, func(tx Tx) error {
		_, err := tx.FindAuthor(ctx, "Rolled", "Back"+suffix)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = tx.FindAuthor(ctx, "Kept", "Row"+suffix)
		assert.NoError(t, err)
		return nil
	}))
}

func TestPostgres_CopyLockSerializesStatusChange(t *testing.T) {
	db := setupTestDB(t)
	s := NewPostgres(db, 5*time.Second)
	ctx := context.Background()
	suffix := uniqueSuffix()

	b := entity.NewBook(entity.BookFields{Title: "Lock " + suffix, LibraryID: "L" + suffix, ISBN: "9" + suffix + "000"}, time.Now())
	c, h := entity.NewCopy(b.ID, time.Now())
	require.NoError(t, s.Atomic(ctx, func(tx Tx) error {
		if err := tx.InsertBook(ctx, b); err != nil {
			return err
		}
		if err := tx.InsertCopy(ctx, c); err != nil {
			return err
		}
		return tx.AppendHistory(ctx, &h)
	}))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Atomic(ctx, func(tx Tx) error {
				locked, err := tx.LockCopy(ctx, c.ID)
				if err != nil {
					return err
				}
				if locked.Status != entity.CopyAvailable {
					return nil
				}
				mu.Lock()
				winners++
				mu.Unlock()
				return tx.UpdateCopyStatus(ctx, c.ID, entity.CopyBorrowed, time.Now())
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestPostgres_ListBooksWithoutAmazonIDPagesPastCursor(t *testing.T) {
	db := setupTestDB(t)
	s := NewPostgres(db, 5*time.Second)
	ctx := context.Background()
	suffix := uniqueSuffix()

	first := entity.NewBook(entity.BookFields{Title: "Cursor A" + suffix, LibraryID: "A" + suffix, ISBN: "978A" + suffix}, time.Now().Truncate(time.Microsecond))
	require.NoError(t, s.Atomic(ctx, func(tx Tx) error { return tx.InsertBook(ctx, first) }))
	t.Cleanup(func() { _, _ = db.Exec(context.Background(), `DELETE FROM books WHERE id = $1`, first.ID) })

	err := s.View(ctx, func(tx Tx) error {
		page, err := tx.ListBooksWithoutAmazonID(ctx, CursorAt(first), 100)
		if err != nil {
			return err
		}
		for _, b := range page {
			assert.NotEqual(t, first.ID, b.ID)
		}
		return nil
	})
	require.NoError(t, err)
}
