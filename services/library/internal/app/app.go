package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"libraryrecords/internal/util"
	"libraryrecords/pkg/domain"
	"libraryrecords/pkg/events"
	"libraryrecords/pkg/store"
)

// DriverMemory selects the in-process store; data does not survive restarts.
const DriverMemory = "memory"

var (
	// ErrInvalid reports a request that fails input validation.
	ErrInvalid = errors.New("invalid input")
	// ErrFeedDisabled is returned when no ledger event feed is configured.
	ErrFeedDisabled = errors.New("ledger event feed disabled")
)

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseDriver string
	DatabaseURL    string
	Store          store.Store
	// Events is optional; borrow and return transitions are published to it
	// after commit.
	Events events.Feed
	Now    func() time.Time
}

// App is the record service: it validates input, enforces cross-entity
// preconditions and runs each operation as one store transaction.
type App struct {
	store  store.Store
	events events.Feed
	now    func() time.Time
}

// New constructs the application, opening the configured database when no
// store is injected. The schema must already be migrated.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		var err error
		dataStore, err = openStore(cfg.DatabaseDriver, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &App{store: dataStore, events: cfg.Events, now: now}, nil
}

func openStore(driver, dsn string) (store.Store, error) {
	if strings.EqualFold(strings.TrimSpace(driver), DriverMemory) {
		return store.NewMemoryStore(), nil
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("database URL required")
	}
	db, err := store.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("init %s store: %w", driver, err)
	}
	gormStore := store.NewGormStore(db)
	pending, err := store.PendingMigrations(context.Background(), db)
	if err != nil {
		_ = gormStore.Close()
		return nil, fmt.Errorf("check migrations: %w", err)
	}
	if len(pending) > 0 {
		_ = gormStore.Close()
		return nil, fmt.Errorf("database schema is %d migration(s) behind, run library-migrate up first", len(pending))
	}
	return gormStore, nil
}

// Close releases the store.
func (a *App) Close() error {
	return a.store.Close()
}

type UserInput struct {
	Name           string
	Email          string
	MembershipDate domain.Date
}

type BookInput struct {
	Title         string
	ISBN          string
	PublishedDate domain.Date
	Genre         string
}

// DetailsInput replaces every detail field of a book; nil clears the field.
type DetailsInput struct {
	NumberOfPages *int
	Publisher     *string
	Language      *string
}

// CreateUser registers a user. Emails are unique.
func (a *App) CreateUser(ctx context.Context, in UserInput) (domain.User, error) {
	name := strings.TrimSpace(in.Name)
	email := strings.TrimSpace(in.Email)
	if name == "" {
		return domain.User{}, fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if email == "" || !strings.Contains(email, "@") {
		return domain.User{}, fmt.Errorf("%w: a valid email is required", ErrInvalid)
	}
	var user domain.User
	err := a.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		user, err = tx.CreateUser(name, email, in.MembershipDate)
		return err
	})
	return user, err
}

func (a *App) GetUser(ctx context.Context, id int64) (domain.User, error) {
	var user domain.User
	err := a.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		user, err = tx.GetUser(id)
		return err
	})
	return user, err
}

func (a *App) ListUsers(ctx context.Context) ([]domain.User, error) {
	var users []domain.User
	err := a.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		users, err = tx.ListUsers()
		return err
	})
	return users, err
}

// CreateBook adds one physical copy to the catalog.
func (a *App) CreateBook(ctx context.Context, in BookInput) (domain.Book, error) {
	title := strings.TrimSpace(in.Title)
	isbn := strings.TrimSpace(in.ISBN)
	if title == "" {
		return domain.Book{}, fmt.Errorf("%w: title is required", ErrInvalid)
	}
	if isbn == "" {
		return domain.Book{}, fmt.Errorf("%w: isbn is required", ErrInvalid)
	}
	var book domain.Book
	err := a.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		book, err = tx.CreateBook(title, isbn, in.PublishedDate, strings.TrimSpace(in.Genre))
		return err
	})
	return book, err
}

func (a *App) GetBook(ctx context.Context, id int64) (domain.Book, error) {
	var book domain.Book
	err := a.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		book, err = tx.GetBook(id)
		return err
	})
	return book, err
}

func (a *App) ListBooks(ctx context.Context) ([]domain.Book, error) {
	var books []domain.Book
	err := a.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		books, err = tx.ListBooks()
		return err
	})
	return books, err
}

// UpdateBookDetails creates or overwrites the details of a book.
func (a *App) UpdateBookDetails(ctx context.Context, bookID int64, in DetailsInput) (domain.BookDetails, error) {
	if in.NumberOfPages != nil && *in.NumberOfPages < 0 {
		return domain.BookDetails{}, fmt.Errorf("%w: number_of_pages must not be negative", ErrInvalid)
	}
	var details domain.BookDetails
	err := a.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		details, err = tx.UpsertBookDetails(bookID, in.NumberOfPages, in.Publisher, in.Language)
		return err
	})
	return details, err
}

// BorrowBook checks out a book to a user as of today. Both must exist and
// the book must not be checked out already.
func (a *App) BorrowBook(ctx context.Context, userID, bookID int64) (domain.BorrowRecord, error) {
	today := domain.NewDate(a.now())
	var rec domain.BorrowRecord
	err := a.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetUser(userID); err != nil {
			return err
		}
		if _, err := tx.GetBook(bookID); err != nil {
			return err
		}
		var err error
		rec, err = tx.Borrow(userID, bookID, today)
		return err
	})
	if err != nil {
		return domain.BorrowRecord{}, err
	}
	a.publish(ctx, events.KindBorrowed, rec)
	return rec, nil
}

// ReturnBook closes the user's open record for the book as of today.
func (a *App) ReturnBook(ctx context.Context, userID, bookID int64) (domain.BorrowRecord, error) {
	today := domain.NewDate(a.now())
	var rec domain.BorrowRecord
	err := a.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		rec, err = tx.Return(userID, bookID, today)
		return err
	})
	if err != nil {
		return domain.BorrowRecord{}, err
	}
	a.publish(ctx, events.KindReturned, rec)
	return rec, nil
}

func (a *App) ListBorrows(ctx context.Context) ([]domain.BorrowRecord, error) {
	var recs []domain.BorrowRecord
	err := a.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		recs, err = tx.ListBorrows()
		return err
	})
	return recs, err
}

// RecentEvents returns the latest ledger events, newest first.
func (a *App) RecentEvents(ctx context.Context, limit int) ([]events.LedgerEvent, error) {
	if a.events == nil {
		return nil, ErrFeedDisabled
	}
	return a.events.Recent(ctx, limit)
}

// publish is best effort: the ledger row is already committed.
func (a *App) publish(ctx context.Context, kind events.Kind, rec domain.BorrowRecord) {
	if a.events == nil {
		return
	}
	if err := a.events.Publish(ctx, events.FromRecord(kind, rec, a.now())); err != nil {
		util.LoggerFromContext(ctx).Warn("publish ledger event failed",
			"kind", string(kind),
			"borrow_id", rec.ID,
			"err", err,
		)
	}
}
