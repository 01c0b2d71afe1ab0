package store

import (
	"context"
	"errors"
	"fmt"

	"libraryrecords/pkg/domain"
)

var (
	// ErrNotFound reports that a referenced entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a uniqueness or ledger invariant violation.
	ErrConflict = errors.New("conflict")
	// ErrInternal reports a broken store invariant.
	ErrInternal = errors.New("internal store error")
)

// Catalog owns users, books and book details.
type Catalog interface {
	CreateUser(name, email string, membershipDate domain.Date) (domain.User, error)
	GetUser(id int64) (domain.User, error)
	ListUsers() ([]domain.User, error)

	CreateBook(title, isbn string, publishedDate domain.Date, genre string) (domain.Book, error)
	GetBook(id int64) (domain.Book, error)
	ListBooks() ([]domain.Book, error)

	// UpsertBookDetails replaces all detail fields of a book, creating the
	// row on first use. Nil arguments are written as NULL.
	UpsertBookDetails(bookID int64, pages *int, publisher, language *string) (domain.BookDetails, error)
	GetBookDetails(bookID int64) (domain.BookDetails, error)
}

// Ledger owns borrow records. A book has at most one open record.
type Ledger interface {
	Borrow(userID, bookID int64, date domain.Date) (domain.BorrowRecord, error)
	// Return closes the most recent open record of the user/book pair.
	Return(userID, bookID int64, date domain.Date) (domain.BorrowRecord, error)
	ListBorrows() ([]domain.BorrowRecord, error)
}

// Tx is a transaction-scoped handle. It must not be used after the function
// passed to Store.WithTx returns.
type Tx interface {
	Catalog
	Ledger
}

// Store runs units of work atomically.
type Store interface {
	// WithTx runs fn in a single transaction. The transaction commits when fn
	// returns nil and rolls back otherwise, leaving all entities unchanged.
	WithTx(ctx context.Context, fn func(Tx) error) error
	Close() error
}

// reloadedDetails checks the read that follows a details upsert. The row was
// just written, so its absence is a broken invariant rather than a 404.
func reloadedDetails(bookID int64, details domain.BookDetails, err error) (domain.BookDetails, error) {
	if errors.Is(err, ErrNotFound) {
		return domain.BookDetails{}, fmt.Errorf("details for book %d missing after upsert: %w", bookID, ErrInternal)
	}
	return details, err
}
