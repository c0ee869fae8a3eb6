package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"time"

	"libraryapi/internal/author"
	"libraryapi/internal/entity"
	"libraryapi/internal/metrics"
	"libraryapi/internal/store"
	"libraryapi/internal/validation"
)

const DefaultBatchSize = 100

var errBookConflict = errors.New("isbn or slug already belongs to another book")

// Processor turns one file into a report.
type Processor interface {
	Process(ctx context.Context, taskID, file string, r io.Reader) (Report, error)
}

type Pipeline struct {
	store     store.Store
	validator *validation.RowValidator
	authors   *author.Resolver
	batchSize int
	now       func() time.Time
}

func NewPipeline(s store.Store, v *validation.RowValidator, a *author.Resolver, batchSize int) *Pipeline {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if v == nil {
		v = validation.NewRowValidator(nil)
	}
	if a == nil {
		a = author.NewResolver()
	}
	return &Pipeline{store: s, validator: v, authors: a, batchSize: batchSize, now: time.Now}
}

// Process loads every row of r. Whole-file faults return a *SchemaError or
// *TransientError and write nothing. Row faults are collected in the report.
// Cancellation is honoured between batches; committed batches stay.
func (p *Pipeline) Process(ctx context.Context, taskID, file string, r io.Reader) (Report, error) {
	start := time.Now()
	report := Report{TaskID: taskID, File: file, Errors: []RowFailure{}}
	finish := func() {
		report.ProcessingTimeSeconds = time.Since(start).Seconds()
	}

	rows, err := readRows(r)
	if err != nil {
		finish()
		return report, err
	}
	report.TotalProcessed = len(rows)

	kept, dropped := dropIncomplete(rows)
	if len(dropped) > 0 {
		report.Errors = append(report.Errors, RowFailure{
			Row:    dropped[0],
			Rows:   dropped,
			Errors: fmt.Sprintf("Dropped %d rows with missing ISBN or title", len(dropped)),
		})
		metrics.IngestRows.WithLabelValues("dropped").Add(float64(len(dropped)))
	}

	for lo := 0; lo < len(kept); lo += p.batchSize {
		if err := ctx.Err(); err != nil {
			finish()
			log.Printf("ingest task=%s cancelled after_rows=%d", taskID, lo)
			return report, fmt.Errorf("import cancelled: %w", err)
		}
		hi := min(lo+p.batchSize, len(kept))
		p.processBatch(ctx, kept[lo:hi], &report)
	}

	finish()
	log.Printf("ingest task=%s file=%q total=%d success=%d errors=%d seconds=%.3f",
		taskID, file, report.TotalProcessed, report.Success, len(report.Errors), report.ProcessingTimeSeconds)
	return report, nil
}

// processBatch commits one batch. Each row runs in its own savepoint so a
// failing row never takes the others with it; a failed commit turns the
// batch's successes into errors.
func (p *Pipeline) processBatch(ctx context.Context, batch []sourceRow, report *Report) {
	ctx = context.WithoutCancel(ctx)
	var (
		done     []int
		failures []RowFailure
	)
	err := p.store.Atomic(ctx, func(tx store.Tx) error {
		done, failures = nil, nil
		for _, row := range batch {
			draft, err := p.validator.Validate(normalizeRow(row.Raw))
			if err != nil {
				failures = append(failures, rowFailure(row.Index, err))
				continue
			}
			err = tx.Savepoint(ctx, func(tx store.Tx) error {
				return p.upsert(ctx, tx, draft)
			})
			if err != nil {
				log.Printf("ingest task=%s row=%d library_id=%s err=%v", report.TaskID, row.Index, draft.LibraryID, err)
				failures = append(failures, rowFailure(row.Index, err))
				continue
			}
			done = append(done, row.Index)
		}
		return nil
	})
	if err != nil {
		log.Printf("ingest task=%s batch_rows=%d-%d commit_err=%v", report.TaskID, batch[0].Index, batch[len(batch)-1].Index, err)
		for _, idx := range done {
			failures = append(failures, RowFailure{Row: idx, Errors: "batch commit failed: " + err.Error()})
		}
		done = nil
		sort.SliceStable(failures, func(i, j int) bool { return failures[i].Row < failures[j].Row })
	}

	report.Success += len(done)
	report.Errors = append(report.Errors, failures...)
	metrics.IngestRows.WithLabelValues("success").Add(float64(len(done)))
	metrics.IngestRows.WithLabelValues("error").Add(float64(len(failures)))
}

// upsert writes one validated row: the book keyed by library_id, its authors
// and at least one copy.
func (p *Pipeline) upsert(ctx context.Context, tx store.Tx, d validation.Draft) error {
	now := p.now()
	fields := entity.BookFields{
		Title:           d.Title,
		LibraryID:       d.LibraryID,
		ISBN:            d.ISBN,
		PublicationYear: d.PublicationYear,
		Language:        d.Language,
	}

	book, err := p.saveBook(ctx, tx, fields, now)
	if err != nil {
		return err
	}

	authors, err := p.authors.Resolve(ctx, tx, d.Authors)
	if err != nil {
		return fmt.Errorf("resolve authors: %w", err)
	}
	if err := tx.SetBookAuthors(ctx, book.ID, author.IDs(authors)); err != nil {
		return fmt.Errorf("link authors: %w", err)
	}

	n, err := tx.CountCopies(ctx, book.ID, "")
	if err != nil {
		return fmt.Errorf("count copies: %w", err)
	}
	if n == 0 {
		c, h := entity.NewCopy(book.ID, now)
		if err := tx.InsertCopy(ctx, c); err != nil {
			return fmt.Errorf("create copy: %w", err)
		}
		if err := tx.AppendHistory(ctx, &h); err != nil {
			return fmt.Errorf("create copy history: %w", err)
		}
	}
	return nil
}

func (p *Pipeline) saveBook(ctx context.Context, tx store.Tx, f entity.BookFields, now time.Time) (entity.Book, error) {
	book, err := tx.FindBookByLibraryID(ctx, f.LibraryID)
	switch {
	case err == nil:
		return book, p.updateBook(ctx, tx, book, f, now)
	case !errors.Is(err, store.ErrNotFound):
		return entity.Book{}, fmt.Errorf("find book: %w", err)
	}

	book = entity.NewBook(f, now)
	err = tx.InsertBook(ctx, book)
	if err == nil {
		return book, nil
	}
	if !errors.Is(err, store.ErrDuplicateKey) {
		return entity.Book{}, fmt.Errorf("insert book: %w", err)
	}
	// another import may have created the same library_id meanwhile
	existing, ferr := tx.FindBookByLibraryID(ctx, f.LibraryID)
	if ferr != nil {
		return entity.Book{}, errBookConflict
	}
	return existing, p.updateBook(ctx, tx, existing, f, now)
}

func (p *Pipeline) updateBook(ctx context.Context, tx store.Tx, book entity.Book, f entity.BookFields, now time.Time) error {
	book.Apply(f, now)
	if err := tx.UpdateBook(ctx, book); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return errBookConflict
		}
		return fmt.Errorf("update book: %w", err)
	}
	return nil
}
