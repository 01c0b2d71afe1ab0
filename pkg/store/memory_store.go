package store

import (
	"context"
	"fmt"
	"sync"

	"libraryrecords/pkg/domain"
)

// MemoryStore keeps records in-process. Transactions are serialized by a
// single mutex and roll back by restoring a snapshot taken on entry.
type MemoryStore struct {
	mu    sync.Mutex
	state memoryState
}

type memoryState struct {
	users   []domain.User
	email   map[string]int64 // email -> user ID
	books   []domain.Book
	details map[int64]domain.BookDetails // book ID -> details
	borrows []domain.BorrowRecord
	nextID  map[string]int64
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: memoryState{
		email:   make(map[string]int64),
		details: make(map[int64]domain.BookDetails),
		nextID:  make(map[string]int64),
	}}
}

// WithTx runs fn with exclusive access to the store.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := m.state.clone()
	tx := &memoryTx{s: &m.state}
	committed := false
	defer func() {
		if !committed {
			m.state = snapshot
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	committed = true
	return nil
}

func (m *MemoryStore) Close() error { return nil }

func (s memoryState) clone() memoryState {
	out := memoryState{
		users:   append([]domain.User(nil), s.users...),
		email:   make(map[string]int64, len(s.email)),
		books:   append([]domain.Book(nil), s.books...),
		details: make(map[int64]domain.BookDetails, len(s.details)),
		borrows: append([]domain.BorrowRecord(nil), s.borrows...),
		nextID:  make(map[string]int64, len(s.nextID)),
	}
	for k, v := range s.email {
		out.email[k] = v
	}
	for k, v := range s.details {
		out.details[k] = v
	}
	for k, v := range s.nextID {
		out.nextID[k] = v
	}
	return out
}

type memoryTx struct {
	s *memoryState
}

func (t *memoryTx) next(table string) int64 {
	t.s.nextID[table]++
	return t.s.nextID[table]
}

func (t *memoryTx) CreateUser(name, email string, membershipDate domain.Date) (domain.User, error) {
	if _, exists := t.s.email[email]; exists {
		return domain.User{}, fmt.Errorf("email %q already registered: %w", email, ErrConflict)
	}
	u := domain.User{
		ID:             t.next("users"),
		Name:           name,
		Email:          email,
		MembershipDate: membershipDate,
	}
	t.s.users = append(t.s.users, u)
	t.s.email[email] = u.ID
	return u, nil
}

func (t *memoryTx) GetUser(id int64) (domain.User, error) {
	for _, u := range t.s.users {
		if u.ID == id {
			return u, nil
		}
	}
	return domain.User{}, fmt.Errorf("user %d: %w", id, ErrNotFound)
}

func (t *memoryTx) ListUsers() ([]domain.User, error) {
	return append(make([]domain.User, 0, len(t.s.users)), t.s.users...), nil
}

func (t *memoryTx) CreateBook(title, isbn string, publishedDate domain.Date, genre string) (domain.Book, error) {
	b := domain.Book{
		ID:            t.next("books"),
		Title:         title,
		ISBN:          isbn,
		PublishedDate: publishedDate,
		Genre:         genre,
	}
	t.s.books = append(t.s.books, b)
	return b, nil
}

func (t *memoryTx) GetBook(id int64) (domain.Book, error) {
	for _, b := range t.s.books {
		if b.ID == id {
			return b, nil
		}
	}
	return domain.Book{}, fmt.Errorf("book %d: %w", id, ErrNotFound)
}

func (t *memoryTx) ListBooks() ([]domain.Book, error) {
	return append(make([]domain.Book, 0, len(t.s.books)), t.s.books...), nil
}

func (t *memoryTx) UpsertBookDetails(bookID int64, pages *int, publisher, language *string) (domain.BookDetails, error) {
	if _, err := t.GetBook(bookID); err != nil {
		return domain.BookDetails{}, err
	}
	details, ok := t.s.details[bookID]
	if !ok {
		details = domain.BookDetails{ID: t.next("book_details"), BookID: bookID}
	}
	details.NumberOfPages = cloneInt(pages)
	details.Publisher = cloneString(publisher)
	details.Language = cloneString(language)
	t.s.details[bookID] = details
	stored, err := t.GetBookDetails(bookID)
	return reloadedDetails(bookID, stored, err)
}

func (t *memoryTx) GetBookDetails(bookID int64) (domain.BookDetails, error) {
	details, ok := t.s.details[bookID]
	if !ok {
		return domain.BookDetails{}, fmt.Errorf("details for book %d: %w", bookID, ErrNotFound)
	}
	return details, nil
}

func (t *memoryTx) Borrow(userID, bookID int64, date domain.Date) (domain.BorrowRecord, error) {
	if _, err := t.GetUser(userID); err != nil {
		return domain.BorrowRecord{}, err
	}
	if _, err := t.GetBook(bookID); err != nil {
		return domain.BorrowRecord{}, err
	}
	for _, rec := range t.s.borrows {
		if rec.BookID == bookID && rec.State() == domain.BorrowOpen {
			return domain.BorrowRecord{}, fmt.Errorf("book %d is already borrowed: %w", bookID, ErrConflict)
		}
	}
	rec := domain.BorrowRecord{
		ID:         t.next("borrowed_books"),
		UserID:     userID,
		BookID:     bookID,
		BorrowDate: date,
	}
	t.s.borrows = append(t.s.borrows, rec)
	return rec, nil
}

func (t *memoryTx) Return(userID, bookID int64, date domain.Date) (domain.BorrowRecord, error) {
	idx := -1
	for i, rec := range t.s.borrows {
		if rec.UserID != userID || rec.BookID != bookID || rec.State() != domain.BorrowOpen {
			continue
		}
		if idx < 0 || newerBorrow(rec, t.s.borrows[idx]) {
			idx = i
		}
	}
	if idx < 0 {
		return domain.BorrowRecord{}, fmt.Errorf("no open borrow of book %d by user %d: %w", bookID, userID, ErrNotFound)
	}
	returned := date
	t.s.borrows[idx].ReturnDate = &returned
	return t.s.borrows[idx], nil
}

func (t *memoryTx) ListBorrows() ([]domain.BorrowRecord, error) {
	return append(make([]domain.BorrowRecord, 0, len(t.s.borrows)), t.s.borrows...), nil
}

func newerBorrow(a, b domain.BorrowRecord) bool {
	if !a.BorrowDate.Equal(b.BorrowDate.Time) {
		return a.BorrowDate.After(b.BorrowDate.Time)
	}
	return a.ID > b.ID
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
