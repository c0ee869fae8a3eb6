package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"

	"libraryapi/internal/entity"
	"libraryapi/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const header = "id,title,authors,publication year,language,isbn\n"

func newTestPipeline(s store.Store, batchSize int) *Pipeline {
	return NewPipeline(s, nil, nil, batchSize)
}

func findBook(t *testing.T, s store.Store, libraryID string) (entity.Book, int) {
	t.Helper()
	var (
		book   entity.Book
		copies int
	)
	err := s.View(context.Background(), func(tx store.Tx) error {
		var err error
		if book, err = tx.FindBookByLibraryID(context.Background(), libraryID); err != nil {
			return err
		}
		copies, err = tx.CountCopies(context.Background(), book.ID, "")
		return err
	})
	require.NoError(t, err)
	return book, copies
}

func TestProcess_EndToEnd(t *testing.T) {
	s := store.NewMemory()
	in := header +
		"LIB0000001,Dune,Frank Herbert,1965,en,0441013597\n" +
		"LIB0000002,,Nobody,2000,en,0123456789\n" +
		"LIB0000003,Emma,Jane Austen,1815,english,9780141439587\n"

	report, err := newTestPipeline(s, 100).Process(context.Background(), "task-1", "books.csv", strings.NewReader(in))
	require.NoError(t, err)

	assert.Equal(t, "task-1", report.TaskID)
	assert.Equal(t, "books.csv", report.File)
	assert.Equal(t, 3, report.TotalProcessed)
	assert.Equal(t, 2, report.Success)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, 2, report.Errors[0].Row)
	assert.Equal(t, []int{2}, report.Errors[0].Rows)
	assert.Equal(t, "Dropped 1 rows with missing ISBN or title", report.Errors[0].Errors)

	book, copies := findBook(t, s, "LIB0000003")
	assert.Equal(t, "Emma", book.Title)
	assert.Equal(t, "English", book.Language)
	assert.Equal(t, 1, copies)
	require.NotNil(t, book.PublicationYear)
	assert.Equal(t, 1815, *book.PublicationYear)
}

func TestProcess_ReingestUpdatesExistingBook(t *testing.T) {
	s := store.NewMemory()
	p := newTestPipeline(s, 100)

	_, err := p.Process(context.Background(), "t1", "a.csv", strings.NewReader(header+"LIB0000001,Dune,Frank Herbert,1965,en,0441013597\n"))
	require.NoError(t, err)
	first, _ := findBook(t, s, "LIB0000001")

	report, err := p.Process(context.Background(), "t2", "a.csv", strings.NewReader(header+"LIB0000001,Dune Messiah,Frank Herbert,1969,de,0441013597\n"))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Success)

	second, copies := findBook(t, s, "LIB0000001")
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Dune Messiah", second.Title)
	assert.Equal(t, "German", second.Language)
	assert.Equal(t, 1, copies, "re-ingest must not add copies")
	assert.Equal(t, first.AuthorIDs, second.AuthorIDs)
}

func TestProcess_ValidationErrorsAreReportedPerRow(t *testing.T) {
	s := store.NewMemory()
	in := header +
		"BAD-ID,Dune,Frank Herbert,1965,en,BADISBN\n" +
		"LIB0000001,Dune,Frank Herbert,1965,en,0123456789123\n"

	report, err := newTestPipeline(s, 100).Process(context.Background(), "t", "f.csv", strings.NewReader(in))
	require.NoError(t, err)

	assert.Equal(t, 1, report.Success)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, 1, report.Errors[0].Row)
	fields, ok := report.Errors[0].Errors.(map[string][]string)
	require.True(t, ok)
	assert.Contains(t, fields, "library_id")
	assert.Contains(t, fields, "isbn")
}

func TestProcess_ShortLibraryIDIsPadded(t *testing.T) {
	s := store.NewMemory()
	report, err := newTestPipeline(s, 100).Process(context.Background(), "t", "f.csv",
		strings.NewReader(header+"42,Dune,Frank Herbert,1965,en,0441013597\n"))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Success)
	findBook(t, s, "0000000042")
}

func TestProcess_RowFailureDoesNotAbortBatch(t *testing.T) {
	s := store.NewMemory()
	in := header +
		"LIB0000001,Dune,Frank Herbert,1965,en,0441013597\n" +
		"LIB0000002,Dune Copy,Frank Herbert,1965,en,0441013597\n" +
		"LIB0000003,Emma,Jane Austen,1815,en,9780141439587\n"

	report, err := newTestPipeline(s, 100).Process(context.Background(), "t", "f.csv", strings.NewReader(in))
	require.NoError(t, err)

	assert.Equal(t, 2, report.Success)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, 2, report.Errors[0].Row)
	assert.Equal(t, errBookConflict.Error(), report.Errors[0].Errors)
}

func TestProcess_SharedAuthorsAcrossBatches(t *testing.T) {
	s := store.NewMemory()
	in := header +
		"LIB0000001,Good Omens,\"Terry Pratchett, Neil Gaiman\",1990,en,0060853972\n" +
		"LIB0000002,Mort,Terry Pratchett,1987,en,0552131067\n" +
		"LIB0000003,Coraline,Neil Gaiman,2002,en,0380807343\n"

	report, err := newTestPipeline(s, 1).Process(context.Background(), "t", "f.csv", strings.NewReader(in))
	require.NoError(t, err)
	require.Equal(t, 3, report.Success)

	omens, _ := findBook(t, s, "LIB0000001")
	mort, _ := findBook(t, s, "LIB0000002")
	coraline, _ := findBook(t, s, "LIB0000003")
	require.Len(t, omens.AuthorIDs, 2)
	assert.Contains(t, omens.AuthorIDs, mort.AuthorIDs[0])
	assert.Contains(t, omens.AuthorIDs, coraline.AuthorIDs[0])
}

func TestProcess_SchemaErrorWritesNothing(t *testing.T) {
	s := store.NewMemory()
	_, err := newTestPipeline(s, 100).Process(context.Background(), "t", "f.csv",
		strings.NewReader("id,title,isbn\nLIB0000001,Dune,0441013597\n"))

	var schemaErr *SchemaError
	require.ErrorAs(t, err, &schemaErr)
	err = s.View(context.Background(), func(tx store.Tx) error {
		_, err := tx.FindBookByLibraryID(context.Background(), "LIB0000001")
		return err
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestProcess_CancelledBeforeFirstBatch(t *testing.T) {
	s := store.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := newTestPipeline(s, 100).Process(ctx, "t", "f.csv",
		strings.NewReader(header+"LIB0000001,Dune,Frank Herbert,1965,en,0441013597\n"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, report.TotalProcessed)
	assert.Equal(t, 0, report.Success)
}

type failingCommit struct {
	store.Store
}

func (f failingCommit) Atomic(ctx context.Context, fn func(tx store.Tx) error) error {
	return f.Store.Atomic(ctx, func(tx store.Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		return errors.New("connection reset")
	})
}

func TestProcess_FailedCommitTurnsSuccessesIntoErrors(t *testing.T) {
	mem := store.NewMemory()
	in := header +
		"LIB0000001,Dune,Frank Herbert,1965,en,0441013597\n" +
		"BAD-ID,Emma,Jane Austen,1815,en,9780141439587\n"

	report, err := newTestPipeline(failingCommit{mem}, 100).Process(context.Background(), "t", "f.csv", strings.NewReader(in))
	require.NoError(t, err)

	assert.Equal(t, 0, report.Success)
	require.Len(t, report.Errors, 2)
	assert.Equal(t, 1, report.Errors[0].Row)
	assert.Equal(t, "batch commit failed: connection reset", report.Errors[0].Errors)
	assert.Equal(t, 2, report.Errors[1].Row)

	err = mem.View(context.Background(), func(tx store.Tx) error {
		_, err := tx.FindBookByLibraryID(context.Background(), "LIB0000001")
		return err
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCompletionMessage_SamplesErrors(t *testing.T) {
	r := Report{TaskID: "t-9", File: "big.csv", Success: 10}
	for i := 1; i <= 8; i++ {
		r.Errors = append(r.Errors, RowFailure{Row: i, Errors: "bad"})
	}
	subject, body := completionMessage(r)
	assert.Equal(t, "CSV Processing Complete", subject)
	assert.Contains(t, body, "Successfully processed: 10 books")
	assert.Contains(t, body, "Failed to process: 8")
	assert.Contains(t, body, `{"row":5,"errors":"bad"}`)
	assert.NotContains(t, body, `{"row":6,`)
	assert.Contains(t, body, "Task ID: t-9")
}
