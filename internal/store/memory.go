package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"libraryapi/internal/entity"
)

var _ Store = (*Memory)(nil)

type nameKey struct{ given, surname string }

type pairKey struct{ user, book string }

// Memory is an in-process Store. Transactions are serialized by a single
// mutex and write directly to the live maps, recording an undo journal that
// is replayed on rollback.
type Memory struct {
	mu sync.RWMutex

	authors      map[string]entity.Author
	authorByName map[nameKey]string
	authorBySlug map[string]string

	books         map[string]entity.Book
	bookByLibrary map[string]string
	bookByISBN    map[string]string
	bookBySlug    map[string]string

	copies  map[string]entity.BookCopy
	history map[string][]entity.CopyHistory

	wishlist     map[string]entity.WishlistEntry
	wishlistPair map[pairKey]string

	notifications map[string]entity.Notification

	users map[string]entity.User

	seq int64
}

func NewMemory() *Memory {
	return &Memory{
		authors:       make(map[string]entity.Author),
		authorByName:  make(map[nameKey]string),
		authorBySlug:  make(map[string]string),
		books:         make(map[string]entity.Book),
		bookByLibrary: make(map[string]string),
		bookByISBN:    make(map[string]string),
		bookBySlug:    make(map[string]string),
		copies:        make(map[string]entity.BookCopy),
		history:       make(map[string][]entity.CopyHistory),
		wishlist:      make(map[string]entity.WishlistEntry),
		wishlistPair:  make(map[pairKey]string),
		notifications: make(map[string]entity.Notification),
		users:         make(map[string]entity.User),
	}
}

// PutUser registers a user record. Accounts are provisioned outside this service.
func (m *Memory) PutUser(u entity.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

func (m *Memory) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{m: m}
	if err := fn(tx); err != nil {
		tx.rollback(0)
		return err
	}
	return nil
}

func (m *Memory) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&memTx{m: m, readOnly: true})
}

type memTx struct {
	m        *Memory
	undo     []func()
	readOnly bool
}

func (t *memTx) rollback(mark int) {
	for i := len(t.undo) - 1; i >= mark; i-- {
		t.undo[i]()
	}
	t.undo = t.undo[:mark]
}

func (t *memTx) writable() error {
	if t.readOnly {
		return fmt.Errorf("write in read-only transaction")
	}
	return nil
}

func set[K comparable, V any](t *memTx, m map[K]V, k K, v V) {
	old, had := m[k]
	m[k] = v
	t.undo = append(t.undo, func() {
		if had {
			m[k] = old
		} else {
			delete(m, k)
		}
	})
}

func del[K comparable, V any](t *memTx, m map[K]V, k K) {
	old, had := m[k]
	if !had {
		return
	}
	delete(m, k)
	t.undo = append(t.undo, func() { m[k] = old })
}

func (t *memTx) Savepoint(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	mark := len(t.undo)
	if err := fn(t); err != nil {
		t.rollback(mark)
		return err
	}
	return nil
}

func (t *memTx) FindAuthor(_ context.Context, givenNames, surname string) (entity.Author, error) {
	id, ok := t.m.authorByName[nameKey{givenNames, surname}]
	if !ok {
		return entity.Author{}, ErrNotFound
	}
	return t.m.authors[id], nil
}

func (t *memTx) InsertAuthor(_ context.Context, a entity.Author) error {
	if err := t.writable(); err != nil {
		return err
	}
	key := nameKey{a.GivenNames, a.Surname}
	if _, ok := t.m.authorByName[key]; ok {
		return fmt.Errorf("author %q: %w", a.FullName(), ErrDuplicateKey)
	}
	if _, ok := t.m.authorBySlug[a.Slug]; ok {
		return fmt.Errorf("author slug %q: %w", a.Slug, ErrDuplicateKey)
	}
	set(t, t.m.authors, a.ID, a)
	set(t, t.m.authorByName, key, a.ID)
	set(t, t.m.authorBySlug, a.Slug, a.ID)
	return nil
}

func (t *memTx) ListAuthors(_ context.Context, ids []string) ([]entity.Author, error) {
	out := make([]entity.Author, 0, len(ids))
	for _, id := range ids {
		if a, ok := t.m.authors[id]; ok {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func cloneBook(b entity.Book) entity.Book {
	b.AuthorIDs = append([]string(nil), b.AuthorIDs...)
	return b
}

func (t *memTx) GetBook(_ context.Context, id string) (entity.Book, error) {
	b, ok := t.m.books[id]
	if !ok {
		return entity.Book{}, ErrNotFound
	}
	return cloneBook(b), nil
}

// LockBook only checks the book exists; transactions are already serialized.
func (t *memTx) LockBook(_ context.Context, id string) error {
	if _, ok := t.m.books[id]; !ok {
		return ErrNotFound
	}
	return nil
}

func (t *memTx) FindBookByLibraryID(ctx context.Context, libraryID string) (entity.Book, error) {
	id, ok := t.m.bookByLibrary[libraryID]
	if !ok {
		return entity.Book{}, ErrNotFound
	}
	return t.GetBook(ctx, id)
}

func (t *memTx) checkBookUnique(b entity.Book) error {
	if id, ok := t.m.bookByLibrary[b.LibraryID]; ok && id != b.ID {
		return fmt.Errorf("book library_id %q: %w", b.LibraryID, ErrDuplicateKey)
	}
	if id, ok := t.m.bookByISBN[b.ISBN]; ok && id != b.ID {
		return fmt.Errorf("book isbn %q: %w", b.ISBN, ErrDuplicateKey)
	}
	if id, ok := t.m.bookBySlug[b.Slug]; ok && id != b.ID {
		return fmt.Errorf("book slug %q: %w", b.Slug, ErrDuplicateKey)
	}
	return nil
}

func (t *memTx) indexBook(b entity.Book) {
	set(t, t.m.bookByLibrary, b.LibraryID, b.ID)
	set(t, t.m.bookByISBN, b.ISBN, b.ID)
	set(t, t.m.bookBySlug, b.Slug, b.ID)
}

func (t *memTx) InsertBook(_ context.Context, b entity.Book) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.m.books[b.ID]; ok {
		return fmt.Errorf("book %s: %w", b.ID, ErrDuplicateKey)
	}
	if err := t.checkBookUnique(b); err != nil {
		return err
	}
	set(t, t.m.books, b.ID, cloneBook(b))
	t.indexBook(b)
	return nil
}

func (t *memTx) UpdateBook(_ context.Context, b entity.Book) error {
	if err := t.writable(); err != nil {
		return err
	}
	old, ok := t.m.books[b.ID]
	if !ok {
		return ErrNotFound
	}
	if err := t.checkBookUnique(b); err != nil {
		return err
	}
	del(t, t.m.bookByLibrary, old.LibraryID)
	del(t, t.m.bookByISBN, old.ISBN)
	del(t, t.m.bookBySlug, old.Slug)
	b.AuthorIDs = old.AuthorIDs
	set(t, t.m.books, b.ID, cloneBook(b))
	t.indexBook(b)
	return nil
}

func (t *memTx) SetBookAuthors(_ context.Context, bookID string, authorIDs []string) error {
	if err := t.writable(); err != nil {
		return err
	}
	b, ok := t.m.books[bookID]
	if !ok {
		return ErrNotFound
	}
	seen := make(map[string]bool, len(authorIDs))
	ids := make([]string, 0, len(authorIDs))
	for _, id := range authorIDs {
		if _, ok := t.m.authors[id]; !ok {
			return fmt.Errorf("author %s: %w", id, ErrNotFound)
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	b.AuthorIDs = ids
	set(t, t.m.books, bookID, b)
	return nil
}

func (t *memTx) ListBooksWithoutAmazonID(_ context.Context, after BookCursor, limit int) ([]entity.Book, error) {
	var out []entity.Book
	for _, b := range t.m.books {
		if b.AmazonID == nil && after.After(b) {
			out = append(out, cloneBook(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return CursorAt(out[i]).After(out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) InsertCopy(_ context.Context, c entity.BookCopy) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.m.books[c.BookID]; !ok {
		return fmt.Errorf("book %s: %w", c.BookID, ErrNotFound)
	}
	if _, ok := t.m.copies[c.ID]; ok {
		return fmt.Errorf("copy %s: %w", c.ID, ErrDuplicateKey)
	}
	set(t, t.m.copies, c.ID, c)
	return nil
}

// LockCopy needs no extra locking: the store mutex is held for the whole transaction.
func (t *memTx) LockCopy(_ context.Context, id string) (entity.BookCopy, error) {
	c, ok := t.m.copies[id]
	if !ok {
		return entity.BookCopy{}, ErrNotFound
	}
	return c, nil
}

func (t *memTx) UpdateCopyStatus(_ context.Context, id string, status entity.CopyStatus, at time.Time) error {
	if err := t.writable(); err != nil {
		return err
	}
	c, ok := t.m.copies[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	c.UpdatedAt = at
	set(t, t.m.copies, id, c)
	return nil
}

func (t *memTx) CountCopies(_ context.Context, bookID string, status entity.CopyStatus) (int, error) {
	n := 0
	for _, c := range t.m.copies {
		if c.BookID == bookID && (status == "" || c.Status == status) {
			n++
		}
	}
	return n, nil
}

func (t *memTx) ListCopies(_ context.Context, bookID string) ([]entity.BookCopy, error) {
	var out []entity.BookCopy
	for _, c := range t.m.copies {
		if c.BookID == bookID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (t *memTx) AppendHistory(_ context.Context, h *entity.CopyHistory) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.m.copies[h.CopyID]; !ok {
		return fmt.Errorf("copy %s: %w", h.CopyID, ErrNotFound)
	}
	t.m.seq++
	h.Seq = t.m.seq
	entries := t.m.history[h.CopyID]
	next := make([]entity.CopyHistory, len(entries), len(entries)+1)
	copy(next, entries)
	set(t, t.m.history, h.CopyID, append(next, *h))
	return nil
}

// newestFirst orders history by event time, then insertion order, descending.
func newestFirst(entries []entity.CopyHistory) []entity.CopyHistory {
	out := append([]entity.CopyHistory(nil), entries...)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].BorrowedDate.Equal(out[j].BorrowedDate) {
			return out[i].BorrowedDate.After(out[j].BorrowedDate)
		}
		return out[i].Seq > out[j].Seq
	})
	return out
}

func (t *memTx) LatestHistory(_ context.Context, copyID string) (entity.CopyHistory, error) {
	entries := t.m.history[copyID]
	if len(entries) == 0 {
		return entity.CopyHistory{}, ErrNotFound
	}
	return newestFirst(entries)[0], nil
}

func (t *memTx) ListHistory(_ context.Context, copyID string) ([]entity.CopyHistory, error) {
	return newestFirst(t.m.history[copyID]), nil
}

func (t *memTx) AddWishlist(_ context.Context, e entity.WishlistEntry) error {
	if err := t.writable(); err != nil {
		return err
	}
	key := pairKey{e.UserID, e.BookID}
	if _, ok := t.m.wishlistPair[key]; ok {
		return fmt.Errorf("wishlist entry: %w", ErrDuplicateKey)
	}
	if _, ok := t.m.books[e.BookID]; !ok {
		return fmt.Errorf("book %s: %w", e.BookID, ErrNotFound)
	}
	set(t, t.m.wishlist, e.ID, e)
	set(t, t.m.wishlistPair, key, e.ID)
	return nil
}

func (t *memTx) DeleteWishlist(_ context.Context, userID, bookID string) (bool, error) {
	if err := t.writable(); err != nil {
		return false, err
	}
	key := pairKey{userID, bookID}
	id, ok := t.m.wishlistPair[key]
	if !ok {
		return false, nil
	}
	del(t, t.m.wishlist, id)
	del(t, t.m.wishlistPair, key)
	return true, nil
}

func (t *memTx) OldestWishlist(_ context.Context, bookID string) (entity.WishlistEntry, error) {
	var (
		oldest entity.WishlistEntry
		found  bool
	)
	for _, e := range t.m.wishlist {
		if e.BookID != bookID {
			continue
		}
		if !found || e.CreatedAt.Before(oldest.CreatedAt) ||
			(e.CreatedAt.Equal(oldest.CreatedAt) && e.ID < oldest.ID) {
			oldest, found = e, true
		}
	}
	if !found {
		return entity.WishlistEntry{}, ErrNotFound
	}
	return oldest, nil
}

func (t *memTx) ListWishlist(_ context.Context, userID string) ([]entity.WishlistEntry, error) {
	var out []entity.WishlistEntry
	for _, e := range t.m.wishlist {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t *memTx) InsertNotification(_ context.Context, n entity.Notification) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.m.users[n.UserID]; !ok {
		return fmt.Errorf("user %s: %w", n.UserID, ErrNotFound)
	}
	if _, ok := t.m.books[n.BookID]; !ok {
		return fmt.Errorf("book %s: %w", n.BookID, ErrNotFound)
	}
	set(t, t.m.notifications, n.ID, n)
	return nil
}

func (t *memTx) MarkNotified(_ context.Context, id string, at time.Time) error {
	if err := t.writable(); err != nil {
		return err
	}
	n, ok := t.m.notifications[id]
	if !ok {
		return ErrNotFound
	}
	n.Notified = true
	n.NotifiedAt = &at
	set(t, t.m.notifications, id, n)
	return nil
}

func (t *memTx) ListNotifications(_ context.Context, userID string) ([]entity.Notification, error) {
	out := []entity.Notification{}
	for _, n := range t.m.notifications {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *memTx) GetUser(_ context.Context, id string) (entity.User, error) {
	u, ok := t.m.users[id]
	if !ok {
		return entity.User{}, ErrNotFound
	}
	return u, nil
}

func (t *memTx) BorrowedReport(ctx context.Context, f ReportFilter) ([]BorrowedCopy, error) {
	var out []BorrowedCopy
	for _, c := range t.m.copies {
		if c.Status != entity.CopyBorrowed {
			continue
		}
		h, err := t.LatestHistory(ctx, c.ID)
		if err != nil {
			return nil, fmt.Errorf("copy %s: %w", c.ID, err)
		}
		b := t.m.books[c.BookID]
		row := BorrowedCopy{
			CopyID:       c.ID,
			BookID:       c.BookID,
			Title:        b.Title,
			LibraryID:    b.LibraryID,
			UserID:       h.UserID,
			BorrowedDate: h.BorrowedDate,
			DueDate:      h.DueDate,
			Overdue:      h.DueDate != nil && f.Now.After(*h.DueDate),
		}
		if h.UserID != nil {
			row.Username = t.m.users[*h.UserID].Username
		}
		if f.OverdueOnly && !row.Overdue {
			continue
		}
		out = append(out, row)
	}
	sortReport(out)
	return out, nil
}

func sortReport(rows []BorrowedCopy) {
	sort.Slice(rows, func(i, j int) bool {
		di, dj := rows[i].DueDate, rows[j].DueDate
		switch {
		case di != nil && dj != nil && !di.Equal(*dj):
			return di.Before(*dj)
		case di == nil && dj != nil:
			return false
		case di != nil && dj == nil:
			return true
		}
		return rows[i].CopyID < rows[j].CopyID
	})
}
