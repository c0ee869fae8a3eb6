package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"libraryapi/internal/entity"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ Store = (*Postgres)(nil)

const (
	pgUniqueViolation = "23505"
	pgInvalidText     = "22P02"
)

var dialect = goqu.Dialect("postgres")

// Postgres is the pgx-backed Store. Copy rows are locked with SELECT ... FOR
// UPDATE and savepoints are nested pgx transactions.
type Postgres struct {
	db      *pgxpool.Pool
	timeout time.Duration
}

func NewPostgres(db *pgxpool.Pool, timeout time.Duration) *Postgres {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Postgres{db: db, timeout: timeout}
}

func (s *Postgres) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Postgres) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	timeoutCtx, cancel := s.withTimeout(ctx)
	defer cancel()
	return pgx.BeginFunc(timeoutCtx, s.db, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
}

func (s *Postgres) View(ctx context.Context, fn func(tx Tx) error) error {
	timeoutCtx, cancel := s.withTimeout(ctx)
	defer cancel()
	return pgx.BeginTxFunc(timeoutCtx, s.db, pgx.TxOptions{AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
}

// mapErr converts driver errors into the package sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%s: %w", pgErr.ConstraintName, ErrDuplicateKey)
		case pgInvalidText:
			// a malformed uuid cannot name an existing row
			return ErrNotFound
		}
	}
	return err
}

// insertOnce runs an INSERT ... ON CONFLICT DO NOTHING. A conflict reports
// ErrDuplicateKey without aborting the surrounding transaction.
func insertOnce(ctx context.Context, tx pgx.Tx, what, sql string, args ...any) error {
	tag, err := tx.Exec(ctx, sql, args...)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", what, ErrDuplicateKey)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Savepoint(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginFunc(ctx, t.tx, func(sp pgx.Tx) error {
		return fn(&pgTx{tx: sp})
	})
}

func (t *pgTx) FindAuthor(ctx context.Context, givenNames, surname string) (entity.Author, error) {
	const sql = `
		SELECT id::text, given_names, surname, slug, created_at
		FROM authors
		WHERE given_names = $1 AND surname = $2`
	var a entity.Author
	err := t.tx.QueryRow(ctx, sql, givenNames, surname).Scan(&a.ID, &a.GivenNames, &a.Surname, &a.Slug, &a.CreatedAt)
	return a, mapErr(err)
}

func (t *pgTx) InsertAuthor(ctx context.Context, a entity.Author) error {
	const sql = `
		INSERT INTO authors (id, given_names, surname, slug, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING`
	return insertOnce(ctx, t.tx, "author "+a.FullName(), sql, a.ID, a.GivenNames, a.Surname, a.Slug, a.CreatedAt)
}

func (t *pgTx) ListAuthors(ctx context.Context, ids []string) ([]entity.Author, error) {
	const sql = `
		SELECT id::text, given_names, surname, slug, created_at
		FROM authors
		WHERE id = ANY($1::uuid[])
		ORDER BY slug`
	rows, err := t.tx.Query(ctx, sql, ids)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (entity.Author, error) {
		var a entity.Author
		err := row.Scan(&a.ID, &a.GivenNames, &a.Surname, &a.Slug, &a.CreatedAt)
		return a, err
	})
}

const bookColumns = `
	b.id::text, b.title, b.library_id, b.isbn, b.amazon_id, b.publication_year, b.language, b.slug,
	b.created_at, b.updated_at,
	COALESCE(ARRAY(SELECT ba.author_id::text FROM book_authors ba WHERE ba.book_id = b.id ORDER BY ba.author_id), '{}')`

func scanBook(row pgx.Row) (entity.Book, error) {
	var b entity.Book
	err := row.Scan(&b.ID, &b.Title, &b.LibraryID, &b.ISBN, &b.AmazonID, &b.PublicationYear, &b.Language, &b.Slug,
		&b.CreatedAt, &b.UpdatedAt, &b.AuthorIDs)
	return b, mapErr(err)
}

func (t *pgTx) GetBook(ctx context.Context, id string) (entity.Book, error) {
	sql := `SELECT ` + bookColumns + ` FROM books b WHERE b.id = $1`
	return scanBook(t.tx.QueryRow(ctx, sql, id))
}

// LockBook takes FOR NO KEY UPDATE so copy inserts, which only need a key
// share lock on the book, are not blocked.
func (t *pgTx) LockBook(ctx context.Context, id string) error {
	var got string
	err := t.tx.QueryRow(ctx, `SELECT id::text FROM books WHERE id = $1 FOR NO KEY UPDATE`, id).Scan(&got)
	return mapErr(err)
}

func (t *pgTx) FindBookByLibraryID(ctx context.Context, libraryID string) (entity.Book, error) {
	sql := `SELECT ` + bookColumns + ` FROM books b WHERE b.library_id = $1 FOR UPDATE OF b`
	return scanBook(t.tx.QueryRow(ctx, sql, libraryID))
}

func (t *pgTx) InsertBook(ctx context.Context, b entity.Book) error {
	const sql = `
		INSERT INTO books (id, title, library_id, isbn, amazon_id, publication_year, language, slug, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT DO NOTHING`
	return insertOnce(ctx, t.tx, "book "+b.LibraryID, sql,
		b.ID, b.Title, b.LibraryID, b.ISBN, b.AmazonID, b.PublicationYear, b.Language, b.Slug, b.CreatedAt, b.UpdatedAt)
}

func (t *pgTx) UpdateBook(ctx context.Context, b entity.Book) error {
	const sql = `
		UPDATE books SET
			title = $2,
			library_id = $3,
			isbn = $4,
			amazon_id = $5,
			publication_year = $6,
			language = $7,
			slug = $8,
			updated_at = $9
		WHERE id = $1`
	tag, err := t.tx.Exec(ctx, sql, b.ID, b.Title, b.LibraryID, b.ISBN, b.AmazonID, b.PublicationYear, b.Language, b.Slug, b.UpdatedAt)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) SetBookAuthors(ctx context.Context, bookID string, authorIDs []string) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM book_authors WHERE book_id = $1`, bookID); err != nil {
		return err
	}
	if len(authorIDs) == 0 {
		return nil
	}
	const sql = `
		INSERT INTO book_authors (book_id, author_id)
		SELECT $1, unnest($2::uuid[])
		ON CONFLICT DO NOTHING`
	_, err := t.tx.Exec(ctx, sql, bookID, authorIDs)
	return mapErr(err)
}

func (t *pgTx) ListBooksWithoutAmazonID(ctx context.Context, after BookCursor, limit int) ([]entity.Book, error) {
	sql := `SELECT ` + bookColumns + ` FROM books b
		WHERE b.amazon_id IS NULL AND (b.created_at, b.id::text) > ($1::timestamptz, $2::text)
		ORDER BY b.created_at, b.id::text
		LIMIT $3`
	rows, err := t.tx.Query(ctx, sql, after.CreatedAt, after.ID, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (entity.Book, error) {
		return scanBook(row)
	})
}

func (t *pgTx) InsertCopy(ctx context.Context, c entity.BookCopy) error {
	const sql = `
		INSERT INTO book_copies (id, book_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING`
	return insertOnce(ctx, t.tx, "copy "+c.ID, sql, c.ID, c.BookID, string(c.Status), c.CreatedAt, c.UpdatedAt)
}

func (t *pgTx) LockCopy(ctx context.Context, id string) (entity.BookCopy, error) {
	const sql = `
		SELECT id::text, book_id::text, status, created_at, updated_at
		FROM book_copies
		WHERE id = $1
		FOR UPDATE`
	var (
		c      entity.BookCopy
		status string
	)
	err := t.tx.QueryRow(ctx, sql, id).Scan(&c.ID, &c.BookID, &status, &c.CreatedAt, &c.UpdatedAt)
	c.Status = entity.CopyStatus(status)
	return c, mapErr(err)
}

func (t *pgTx) UpdateCopyStatus(ctx context.Context, id string, status entity.CopyStatus, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE book_copies SET status = $2, updated_at = $3 WHERE id = $1`, id, string(status), at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) CountCopies(ctx context.Context, bookID string, status entity.CopyStatus) (int, error) {
	const sql = `
		SELECT COUNT(*)
		FROM book_copies
		WHERE book_id = $1 AND ($2 = '' OR status = $2)`
	var n int
	err := t.tx.QueryRow(ctx, sql, bookID, string(status)).Scan(&n)
	return n, err
}

func (t *pgTx) ListCopies(ctx context.Context, bookID string) ([]entity.BookCopy, error) {
	const sql = `
		SELECT id::text, book_id::text, status, created_at, updated_at
		FROM book_copies
		WHERE book_id = $1
		ORDER BY created_at, id`
	rows, err := t.tx.Query(ctx, sql, bookID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (entity.BookCopy, error) {
		var (
			c      entity.BookCopy
			status string
		)
		err := row.Scan(&c.ID, &c.BookID, &status, &c.CreatedAt, &c.UpdatedAt)
		c.Status = entity.CopyStatus(status)
		return c, err
	})
}

func (t *pgTx) AppendHistory(ctx context.Context, h *entity.CopyHistory) error {
	const sql = `
		INSERT INTO copy_history (id, copy_id, status, user_id, borrowed_date, due_date, returned_date, is_returned)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING seq`
	err := t.tx.QueryRow(ctx, sql, h.ID, h.CopyID, string(h.Status), h.UserID, h.BorrowedDate, h.DueDate, h.ReturnedDate, h.IsReturned).Scan(&h.Seq)
	return mapErr(err)
}

const historyColumns = `id::text, seq, copy_id::text, status, user_id::text, borrowed_date, due_date, returned_date, is_returned`

func scanHistory(row pgx.Row) (entity.CopyHistory, error) {
	var (
		h      entity.CopyHistory
		status string
	)
	err := row.Scan(&h.ID, &h.Seq, &h.CopyID, &status, &h.UserID, &h.BorrowedDate, &h.DueDate, &h.ReturnedDate, &h.IsReturned)
	h.Status = entity.CopyStatus(status)
	return h, mapErr(err)
}

func (t *pgTx) LatestHistory(ctx context.Context, copyID string) (entity.CopyHistory, error) {
	sql := `SELECT ` + historyColumns + `
		FROM copy_history
		WHERE copy_id = $1
		ORDER BY borrowed_date DESC, seq DESC
		LIMIT 1`
	return scanHistory(t.tx.QueryRow(ctx, sql, copyID))
}

func (t *pgTx) ListHistory(ctx context.Context, copyID string) ([]entity.CopyHistory, error) {
	sql := `SELECT ` + historyColumns + `
		FROM copy_history
		WHERE copy_id = $1
		ORDER BY borrowed_date DESC, seq DESC`
	rows, err := t.tx.Query(ctx, sql, copyID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (entity.CopyHistory, error) {
		return scanHistory(row)
	})
}

func (t *pgTx) AddWishlist(ctx context.Context, e entity.WishlistEntry) error {
	const sql = `
		INSERT INTO wishlist_entries (id, user_id, book_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, book_id) DO NOTHING`
	err := insertOnce(ctx, t.tx, "wishlist entry", sql, e.ID, e.UserID, e.BookID, e.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, ErrNotFound)
	}
	return err
}

func (t *pgTx) DeleteWishlist(ctx context.Context, userID, bookID string) (bool, error) {
	tag, err := t.tx.Exec(ctx, `DELETE FROM wishlist_entries WHERE user_id = $1 AND book_id = $2`, userID, bookID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (t *pgTx) OldestWishlist(ctx context.Context, bookID string) (entity.WishlistEntry, error) {
	const sql = `
		SELECT id::text, user_id::text, book_id::text, created_at
		FROM wishlist_entries
		WHERE book_id = $1
		ORDER BY created_at, id
		LIMIT 1`
	var e entity.WishlistEntry
	err := t.tx.QueryRow(ctx, sql, bookID).Scan(&e.ID, &e.UserID, &e.BookID, &e.CreatedAt)
	return e, mapErr(err)
}

func (t *pgTx) ListWishlist(ctx context.Context, userID string) ([]entity.WishlistEntry, error) {
	const sql = `
		SELECT id::text, user_id::text, book_id::text, created_at
		FROM wishlist_entries
		WHERE user_id = $1
		ORDER BY created_at, id`
	rows, err := t.tx.Query(ctx, sql, userID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (entity.WishlistEntry, error) {
		var e entity.WishlistEntry
		err := row.Scan(&e.ID, &e.UserID, &e.BookID, &e.CreatedAt)
		return e, err
	})
}

func (t *pgTx) InsertNotification(ctx context.Context, n entity.Notification) error {
	const sql = `
		INSERT INTO user_notifications (id, user_id, book_id, message, notified, notified_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := t.tx.Exec(ctx, sql, n.ID, n.UserID, n.BookID, n.Message, n.Notified, n.NotifiedAt, n.CreatedAt)
	return mapErr(err)
}

func (t *pgTx) MarkNotified(ctx context.Context, id string, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE user_notifications SET notified = TRUE, notified_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) ListNotifications(ctx context.Context, userID string) ([]entity.Notification, error) {
	const sql = `
		SELECT id::text, user_id::text, book_id::text, message, notified, notified_at, created_at
		FROM user_notifications
		WHERE user_id = $1
		ORDER BY created_at DESC, id`
	rows, err := t.tx.Query(ctx, sql, userID)
	if err != nil {
		return nil, mapErr(err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (entity.Notification, error) {
		var n entity.Notification
		err := row.Scan(&n.ID, &n.UserID, &n.BookID, &n.Message, &n.Notified, &n.NotifiedAt, &n.CreatedAt)
		return n, err
	})
}

func (t *pgTx) GetUser(ctx context.Context, id string) (entity.User, error) {
	const sql = `SELECT id::text, username, email, role, created_at FROM users WHERE id = $1`
	var u entity.User
	err := t.tx.QueryRow(ctx, sql, id).Scan(&u.ID, &u.Username, &u.Email, &u.Role, &u.CreatedAt)
	return u, mapErr(err)
}

// borrowedReportSQL joins every BORROWED copy with its most recent history
// entry. The copy status decides membership; history only supplies the loan details.
func borrowedReportSQL(f ReportFilter) (string, []any, error) {
	latest := dialect.From(goqu.T("book_copies").As("c")).
		Select(
			goqu.L("c.id::text").As("copy_id"),
			goqu.L("c.book_id::text").As("book_id"),
			goqu.I("b.title"),
			goqu.I("b.library_id"),
			goqu.L("h.user_id::text").As("user_id"),
			goqu.L("COALESCE(u.username, '')").As("username"),
			goqu.I("h.borrowed_date"),
			goqu.I("h.due_date"),
		).
		Distinct(goqu.I("c.id")).
		Join(goqu.T("books").As("b"), goqu.On(goqu.I("b.id").Eq(goqu.I("c.book_id")))).
		Join(goqu.T("copy_history").As("h"), goqu.On(goqu.I("h.copy_id").Eq(goqu.I("c.id")))).
		LeftJoin(goqu.T("users").As("u"), goqu.On(goqu.I("u.id").Eq(goqu.I("h.user_id")))).
		Where(goqu.I("c.status").Eq(string(entity.CopyBorrowed))).
		Order(goqu.I("c.id").Asc(), goqu.I("h.borrowed_date").Desc(), goqu.I("h.seq").Desc())

	q := dialect.From(latest.As("r")).
		Select(
			goqu.I("r.copy_id"), goqu.I("r.book_id"), goqu.I("r.title"), goqu.I("r.library_id"),
			goqu.I("r.user_id"), goqu.I("r.username"), goqu.I("r.borrowed_date"), goqu.I("r.due_date"),
		).
		Order(goqu.I("r.due_date").Asc().NullsLast(), goqu.I("r.copy_id").Asc()).
		Prepared(true)
	if f.OverdueOnly {
		q = q.Where(goqu.I("r.due_date").Lt(f.Now))
	}
	return q.ToSQL()
}

func (t *pgTx) BorrowedReport(ctx context.Context, f ReportFilter) ([]BorrowedCopy, error) {
	sql, args, err := borrowedReportSQL(f)
	if err != nil {
		return nil, fmt.Errorf("build borrowed report: %w", err)
	}
	rows, err := t.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (BorrowedCopy, error) {
		var r BorrowedCopy
		err := row.Scan(&r.CopyID, &r.BookID, &r.Title, &r.LibraryID, &r.UserID, &r.Username, &r.BorrowedDate, &r.DueDate)
		r.Overdue = r.DueDate != nil && f.Now.After(*r.DueDate)
		return r, err
	})
}
