package circulation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"libraryapi/internal/entity"
	"libraryapi/internal/metrics"
	"libraryapi/internal/notify"
	"libraryapi/internal/store"
)

const DefaultLoanPeriod = 14 * 24 * time.Hour

type Engine struct {
	store      store.Store
	notifier   *notify.Async
	loanPeriod time.Duration
	now        func() time.Time
}

func NewEngine(s store.Store, n *notify.Async, loanPeriod time.Duration) *Engine {
	if loanPeriod <= 0 {
		loanPeriod = DefaultLoanPeriod
	}
	return &Engine{store: s, notifier: n, loanPeriod: loanPeriod, now: time.Now}
}

// availability is a wishlist notification recorded inside a transaction and
// sent after it commits.
type availability struct {
	address      string
	username     string
	title        string
	notification entity.Notification
}

func record(op string, err error) {
	var ce *ConflictError
	outcome := "ok"
	switch {
	case err == nil:
	case errors.As(err, &ce):
		outcome = "conflict"
		log.Printf("circulation op=%s copy=%s status=%s rejected=%q", op, ce.CopyID, ce.Status, ce.Reason)
	case errors.Is(err, ErrNotFound):
		outcome = "not_found"
	default:
		outcome = "error"
		log.Printf("circulation op=%s err=%v", op, err)
	}
	metrics.Circulation.WithLabelValues(op, outcome).Inc()
}

func lockCopy(ctx context.Context, tx store.Tx, id string) (entity.BookCopy, error) {
	c, err := tx.LockCopy(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return entity.BookCopy{}, notFound("copy", id)
	}
	return c, err
}

func lockBook(ctx context.Context, tx store.Tx, id string) error {
	if err := tx.LockBook(ctx, id); err != nil {
		return fmt.Errorf("lock book %s: %w", id, err)
	}
	return nil
}

func requireUser(ctx context.Context, tx store.Tx, id string) error {
	_, err := tx.GetUser(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return notFound("user", id)
	}
	return err
}

// move sets the copy status and appends h.
func move(ctx context.Context, tx store.Tx, c entity.BookCopy, h *entity.CopyHistory) error {
	if err := tx.UpdateCopyStatus(ctx, c.ID, h.Status, h.BorrowedDate); err != nil {
		return fmt.Errorf("update copy status: %w", err)
	}
	if err := tx.AppendHistory(ctx, h); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// Borrow lends an AVAILABLE copy to userID for the loan period and drops
// the user's wishlist entry for the book.
func (e *Engine) Borrow(ctx context.Context, copyID, userID string) (entry entity.CopyHistory, err error) {
	defer func() { record("borrow", err) }()

	err = e.store.Atomic(ctx, func(tx store.Tx) error {
		if err := requireUser(ctx, tx, userID); err != nil {
			return err
		}
		c, err := lockCopy(ctx, tx, copyID)
		if err != nil {
			return err
		}
		if c.Status != entity.CopyAvailable {
			return conflict(c, unavailableReason(c.Status))
		}

		now := e.now()
		due := now.Add(e.loanPeriod)
		entry = entity.NewHistory(c.ID, entity.CopyBorrowed, &userID, now)
		entry.DueDate = &due
		if err := move(ctx, tx, c, &entry); err != nil {
			return err
		}
		if _, err := tx.DeleteWishlist(ctx, userID, c.BookID); err != nil {
			return fmt.Errorf("clear wishlist: %w", err)
		}
		return nil
	})
	return entry, err
}

// Return closes the open loan of a copy. When this makes the first copy of
// the book available again, the owner of the oldest wishlist entry for the
// book is notified once, after commit.
func (e *Engine) Return(ctx context.Context, copyID, userID string) (entry entity.CopyHistory, err error) {
	defer func() { record("return", err) }()

	var pending *availability
	err = e.store.Atomic(ctx, func(tx store.Tx) error {
		if err := requireUser(ctx, tx, userID); err != nil {
			return err
		}
		c, err := lockCopy(ctx, tx, copyID)
		if err != nil {
			return err
		}
		loan, err := tx.LatestHistory(ctx, c.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if c.Status != entity.CopyBorrowed || !loan.Open() {
			return conflict(c, ReasonNotOnLoan)
		}
		if err := lockBook(ctx, tx, c.BookID); err != nil {
			return err
		}

		wasUnavailable, err := noneAvailable(ctx, tx, c.BookID)
		if err != nil {
			return err
		}

		now := e.now()
		entry = entity.NewHistory(c.ID, entity.CopyAvailable, &userID, now)
		entry.DueDate = loan.DueDate
		entry.ReturnedDate = &now
		entry.IsReturned = true
		if err := move(ctx, tx, c, &entry); err != nil {
			return err
		}
		if wasUnavailable {
			pending, err = e.firstWaiting(ctx, tx, c.BookID)
		}
		return err
	})
	if err == nil {
		e.announce(ctx, pending)
	}
	return entry, err
}

// CreateCopy adds an AVAILABLE copy of a book, with its creation entry.
func (e *Engine) CreateCopy(ctx context.Context, bookID string) (c entity.BookCopy, err error) {
	defer func() { record("create_copy", err) }()

	err = e.store.Atomic(ctx, func(tx store.Tx) error {
		if _, err := tx.GetBook(ctx, bookID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return notFound("book", bookID)
			}
			return err
		}
		var h entity.CopyHistory
		c, h = entity.NewCopy(bookID, e.now())
		if err := tx.InsertCopy(ctx, c); err != nil {
			return fmt.Errorf("insert copy: %w", err)
		}
		return tx.AppendHistory(ctx, &h)
	})
	return c, err
}

// MarkMissing takes an AVAILABLE or RESERVED copy out of circulation.
func (e *Engine) MarkMissing(ctx context.Context, copyID, userID string) (entity.CopyHistory, error) {
	h, err := e.shelve(ctx, copyID, userID, entity.CopyMissing, entity.CopyAvailable, entity.CopyReserved)
	record("mark_missing", err)
	return h, err
}

// Reserve holds an AVAILABLE copy.
func (e *Engine) Reserve(ctx context.Context, copyID, userID string) (entity.CopyHistory, error) {
	h, err := e.shelve(ctx, copyID, userID, entity.CopyReserved, entity.CopyAvailable)
	record("reserve", err)
	return h, err
}

func (e *Engine) shelve(ctx context.Context, copyID, userID string, to entity.CopyStatus, from ...entity.CopyStatus) (entry entity.CopyHistory, err error) {
	err = e.store.Atomic(ctx, func(tx store.Tx) error {
		if err := requireUser(ctx, tx, userID); err != nil {
			return err
		}
		c, err := lockCopy(ctx, tx, copyID)
		if err != nil {
			return err
		}
		if !oneOf(c.Status, from) {
			return conflict(c, unavailableReason(c.Status))
		}
		entry = entity.NewHistory(c.ID, to, &userID, e.now())
		return move(ctx, tx, c, &entry)
	})
	return entry, err
}

// Restore puts a MISSING or RESERVED copy back on the shelf, with the same
// wishlist notification rule as Return.
func (e *Engine) Restore(ctx context.Context, copyID, userID string) (entry entity.CopyHistory, err error) {
	defer func() { record("restore", err) }()

	var pending *availability
	err = e.store.Atomic(ctx, func(tx store.Tx) error {
		if err := requireUser(ctx, tx, userID); err != nil {
			return err
		}
		c, err := lockCopy(ctx, tx, copyID)
		if err != nil {
			return err
		}
		switch c.Status {
		case entity.CopyMissing, entity.CopyReserved:
		case entity.CopyBorrowed:
			return conflict(c, ReasonAlreadyBorrowed)
		default:
			return conflict(c, ReasonAlreadyAvail)
		}
		if err := lockBook(ctx, tx, c.BookID); err != nil {
			return err
		}

		wasUnavailable, err := noneAvailable(ctx, tx, c.BookID)
		if err != nil {
			return err
		}
		entry = entity.NewHistory(c.ID, entity.CopyAvailable, &userID, e.now())
		if err := move(ctx, tx, c, &entry); err != nil {
			return err
		}
		if wasUnavailable {
			pending, err = e.firstWaiting(ctx, tx, c.BookID)
		}
		return err
	})
	if err == nil {
		e.announce(ctx, pending)
	}
	return entry, err
}

// History returns the ledger of a copy, newest first.
func (e *Engine) History(ctx context.Context, copyID string) (entries []entity.CopyHistory, err error) {
	err = e.store.View(ctx, func(tx store.Tx) error {
		entries, err = tx.ListHistory(ctx, copyID)
		if err == nil && len(entries) == 0 {
			// every copy is created with a history entry
			return notFound("copy", copyID)
		}
		return err
	})
	return entries, err
}

// Copies lists the copies of a book.
func (e *Engine) Copies(ctx context.Context, bookID string) (copies []entity.BookCopy, err error) {
	err = e.store.View(ctx, func(tx store.Tx) error {
		if _, err := tx.GetBook(ctx, bookID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return notFound("book", bookID)
			}
			return err
		}
		copies, err = tx.ListCopies(ctx, bookID)
		return err
	})
	return copies, err
}

// GenerateBorrowedReport lists every BORROWED copy with the borrower and
// dates of its current loan. Due dates are compared against now.
func (e *Engine) GenerateBorrowedReport(ctx context.Context, overdueOnly bool) (rows []store.BorrowedCopy, err error) {
	err = e.store.View(ctx, func(tx store.Tx) error {
		rows, err = tx.BorrowedReport(ctx, store.ReportFilter{OverdueOnly: overdueOnly, Now: e.now()})
		return err
	})
	return rows, err
}

func oneOf(s entity.CopyStatus, set []entity.CopyStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func noneAvailable(ctx context.Context, tx store.Tx, bookID string) (bool, error) {
	n, err := tx.CountCopies(ctx, bookID, entity.CopyAvailable)
	if err != nil {
		return false, fmt.Errorf("count available copies: %w", err)
	}
	return n == 0, nil
}

// firstWaiting finds the owner of the oldest wishlist entry for a book and
// records their notification.
func (e *Engine) firstWaiting(ctx context.Context, tx store.Tx, bookID string) (*availability, error) {
	w, err := tx.OldestWishlist(ctx, bookID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("oldest wishlist entry: %w", err)
	}
	u, err := tx.GetUser(ctx, w.UserID)
	if err != nil {
		return nil, fmt.Errorf("wishlist user %s: %w", w.UserID, err)
	}
	b, err := tx.GetBook(ctx, bookID)
	if err != nil {
		return nil, fmt.Errorf("wishlist book %s: %w", bookID, err)
	}
	msg := fmt.Sprintf("%q from your wishlist is available to borrow again.", b.Title)
	n := entity.NewNotification(u.ID, bookID, msg, e.now())
	if err := tx.InsertNotification(ctx, n); err != nil {
		return nil, fmt.Errorf("insert notification: %w", err)
	}
	return &availability{address: u.Email, username: u.Username, title: b.Title, notification: n}, nil
}

func (e *Engine) announce(ctx context.Context, a *availability) {
	if a == nil || e.notifier == nil {
		return
	}
	subject := fmt.Sprintf("%q is available", a.title)
	body := fmt.Sprintf("Hello %s,\n\n%s", a.username, a.notification.Message)
	id := a.notification.ID
	// notified_at is the dispatch time
	at := e.now()
	e.notifier.SendThen(ctx, a.address, subject, body, func(ctx context.Context, err error) {
		if err != nil {
			return
		}
		if err := e.store.Atomic(ctx, func(tx store.Tx) error { return tx.MarkNotified(ctx, id, at) }); err != nil {
			log.Printf("circulation notification=%s mark notified err=%v", id, err)
		}
	})
}

// Notifications lists the availability notices recorded for a user.
func (e *Engine) Notifications(ctx context.Context, userID string) (out []entity.Notification, err error) {
	err = e.store.View(ctx, func(tx store.Tx) error {
		if err := requireUser(ctx, tx, userID); err != nil {
			return err
		}
		out, err = tx.ListNotifications(ctx, userID)
		return err
	})
	if out == nil {
		out = []entity.Notification{}
	}
	return out, err
}
