package store

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"

	"libraryrecords/pkg/domain"
)

// storeFactory returns a fresh, migrated store.
type storeFactory func(t *testing.T) Store

func mustDate(t *testing.T, s string) domain.Date {
	t.Helper()
	d, err := domain.ParseDate(s)
	if err != nil {
		t.Fatalf("parse date %q: %v", s, err)
	}
	return d
}

func strPtr(s string) *string { return &s }
func intPtr(n int) *int       { return &n }

func seedUserAndBook(t *testing.T, s Store) (domain.User, domain.Book) {
	t.Helper()
	var user domain.User
	var book domain.Book
	err := s.WithTx(context.Background(), func(tx Tx) error {
		var err error
		user, err = tx.CreateUser("Ada", "ada@x.com", mustDate(t, "2020-01-01"))
		if err != nil {
			return err
		}
		book, err = tx.CreateBook("Foo", "123", mustDate(t, "2000-01-01"), "Fiction")
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return user, book
}

func runStoreContract(t *testing.T, newStore storeFactory) {
	t.Run("duplicate email conflicts and keeps first user", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		var first domain.User
		if err := s.WithTx(ctx, func(tx Tx) error {
			var err error
			first, err = tx.CreateUser("Ada", "ada@x.com", mustDate(t, "2020-01-01"))
			return err
		}); err != nil {
			t.Fatalf("create first user: %v", err)
		}
		err := s.WithTx(ctx, func(tx Tx) error {
			_, err := tx.CreateUser("Other", "ada@x.com", mustDate(t, "2021-02-02"))
			return err
		})
		if !errors.Is(err, ErrConflict) {
			t.Fatalf("expected conflict, got: %v", err)
		}
		var users []domain.User
		if err := s.WithTx(ctx, func(tx Tx) error {
			var err error
			users, err = tx.ListUsers()
			return err
		}); err != nil {
			t.Fatalf("list users: %v", err)
		}
		if len(users) != 1 || users[0] != first {
			t.Fatalf("unexpected users after conflict: %+v", users)
		}
	})

	t.Run("get missing user and book", func(t *testing.T) {
		s := newStore(t)
		err := s.WithTx(context.Background(), func(tx Tx) error {
			if _, err := tx.GetUser(42); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected user not found, got: %v", err)
			}
			if _, err := tx.GetBook(42); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected book not found, got: %v", err)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("tx: %v", err)
		}
	})

	t.Run("lists keep insertion order", func(t *testing.T) {
		s := newStore(t)
		err := s.WithTx(context.Background(), func(tx Tx) error {
			for _, title := range []string{"A", "B", "C"} {
				if _, err := tx.CreateBook(title, "isbn-"+title, mustDate(t, "1999-12-31"), "Essay"); err != nil {
					return err
				}
			}
			books, err := tx.ListBooks()
			if err != nil {
				return err
			}
			if len(books) != 3 {
				t.Fatalf("expected 3 books, got %d", len(books))
			}
			for i, want := range []string{"A", "B", "C"} {
				if books[i].Title != want {
					t.Fatalf("book %d title = %q, want %q", i, books[i].Title, want)
				}
			}
			if books[0].PublishedDate.String() != "1999-12-31" {
				t.Fatalf("published date = %s", books[0].PublishedDate)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("tx: %v", err)
		}
	})

	t.Run("upsert book details replaces in place", func(t *testing.T) {
		s := newStore(t)
		_, book := seedUserAndBook(t, s)
		ctx := context.Background()
		var first, second domain.BookDetails
		if err := s.WithTx(ctx, func(tx Tx) error {
			var err error
			first, err = tx.UpsertBookDetails(book.ID, intPtr(100), strPtr("Acme"), strPtr("en"))
			return err
		}); err != nil {
			t.Fatalf("first upsert: %v", err)
		}
		if err := s.WithTx(ctx, func(tx Tx) error {
			var err error
			second, err = tx.UpsertBookDetails(book.ID, intPtr(250), nil, strPtr("de"))
			return err
		}); err != nil {
			t.Fatalf("second upsert: %v", err)
		}
		if second.ID != first.ID {
			t.Fatalf("expected same details row, got ids %d and %d", first.ID, second.ID)
		}
		if second.NumberOfPages == nil || *second.NumberOfPages != 250 {
			t.Fatalf("pages = %v, want 250", second.NumberOfPages)
		}
		if second.Publisher != nil {
			t.Fatalf("publisher = %q, want nil", *second.Publisher)
		}
		if second.Language == nil || *second.Language != "de" {
			t.Fatalf("language = %v, want de", second.Language)
		}
	})

	t.Run("upsert details of missing book", func(t *testing.T) {
		s := newStore(t)
		err := s.WithTx(context.Background(), func(tx Tx) error {
			_, err := tx.UpsertBookDetails(7, intPtr(1), nil, nil)
			return err
		})
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected not found, got: %v", err)
		}
	})

	t.Run("borrow return reborrow", func(t *testing.T) {
		s := newStore(t)
		user, book := seedUserAndBook(t, s)
		ctx := context.Background()
		day := mustDate(t, "2024-05-01")

		var first domain.BorrowRecord
		if err := s.WithTx(ctx, func(tx Tx) error {
			var err error
			first, err = tx.Borrow(user.ID, book.ID, day)
			return err
		}); err != nil {
			t.Fatalf("borrow: %v", err)
		}
		if first.ReturnDate != nil || first.State() != domain.BorrowOpen {
			t.Fatalf("new record should be open: %+v", first)
		}

		err := s.WithTx(ctx, func(tx Tx) error {
			_, err := tx.Borrow(user.ID, book.ID, day)
			return err
		})
		if !errors.Is(err, ErrConflict) {
			t.Fatalf("expected conflict on second borrow, got: %v", err)
		}

		var returned domain.BorrowRecord
		if err := s.WithTx(ctx, func(tx Tx) error {
			var err error
			returned, err = tx.Return(user.ID, book.ID, mustDate(t, "2024-05-03"))
			return err
		}); err != nil {
			t.Fatalf("return: %v", err)
		}
		if returned.ID != first.ID || returned.ReturnDate == nil || returned.ReturnDate.String() != "2024-05-03" {
			t.Fatalf("unexpected returned record: %+v", returned)
		}

		err = s.WithTx(ctx, func(tx Tx) error {
			_, err := tx.Return(user.ID, book.ID, day)
			return err
		})
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected not found on double return, got: %v", err)
		}

		var again domain.BorrowRecord
		if err := s.WithTx(ctx, func(tx Tx) error {
			var err error
			again, err = tx.Borrow(user.ID, book.ID, mustDate(t, "2024-05-04"))
			return err
		}); err != nil {
			t.Fatalf("reborrow: %v", err)
		}
		if again.ID == first.ID {
			t.Fatalf("reborrow must create a new record")
		}

		var all []domain.BorrowRecord
		if err := s.WithTx(ctx, func(tx Tx) error {
			var err error
			all, err = tx.ListBorrows()
			return err
		}); err != nil {
			t.Fatalf("list borrows: %v", err)
		}
		if len(all) != 2 || all[0].State() != domain.BorrowClosed || all[1].State() != domain.BorrowOpen {
			t.Fatalf("unexpected ledger: %+v", all)
		}
	})

	t.Run("return without borrow", func(t *testing.T) {
		s := newStore(t)
		user, book := seedUserAndBook(t, s)
		err := s.WithTx(context.Background(), func(tx Tx) error {
			_, err := tx.Return(user.ID, book.ID, mustDate(t, "2024-01-01"))
			return err
		})
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected not found, got: %v", err)
		}
	})

	t.Run("failed transaction rolls back", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		boom := errors.New("boom")
		err := s.WithTx(ctx, func(tx Tx) error {
			if _, err := tx.CreateUser("Ada", "ada@x.com", mustDate(t, "2020-01-01")); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got: %v", err)
		}
		if err := s.WithTx(ctx, func(tx Tx) error {
			users, err := tx.ListUsers()
			if err != nil {
				return err
			}
			if len(users) != 0 {
				t.Fatalf("expected rollback, found users: %+v", users)
			}
			return nil
		}); err != nil {
			t.Fatalf("list users: %v", err)
		}
	})

	t.Run("concurrent borrows of one book admit a single winner", func(t *testing.T) {
		s := newStore(t)
		user, book := seedUserAndBook(t, s)
		const workers = 16
		day := mustDate(t, "2024-05-01")
		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- s.WithTx(context.Background(), func(tx Tx) error {
					_, err := tx.Borrow(user.ID, book.ID, day)
					return err
				})
			}()
		}
		wg.Wait()
		close(errs)
		wins := 0
		for err := range errs {
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrConflict):
			default:
				t.Fatalf("unexpected borrow error: %v", err)
			}
		}
		if wins != 1 {
			t.Fatalf("expected exactly one successful borrow, got %d", wins)
		}
	})

	t.Run("random interleavings keep one open record per book", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		var userIDs, bookIDs []int64
		if err := s.WithTx(ctx, func(tx Tx) error {
			for i, email := range []string{"a@x.com", "b@x.com", "c@x.com"} {
				u, err := tx.CreateUser(string(rune('A'+i)), email, mustDate(t, "2020-01-01"))
				if err != nil {
					return err
				}
				userIDs = append(userIDs, u.ID)
			}
			for _, title := range []string{"X", "Y", "Z"} {
				b, err := tx.CreateBook(title, title, mustDate(t, "2000-01-01"), "Fiction")
				if err != nil {
					return err
				}
				bookIDs = append(bookIDs, b.ID)
			}
			return nil
		}); err != nil {
			t.Fatalf("seed: %v", err)
		}

		rng := rand.New(rand.NewSource(20200101))
		holder := make(map[int64]int64) // book -> user holding it
		day := mustDate(t, "2024-01-01")
		for step := 0; step < 200; step++ {
			userID := userIDs[rng.Intn(len(userIDs))]
			bookID := bookIDs[rng.Intn(len(bookIDs))]
			if rng.Intn(2) == 0 {
				err := s.WithTx(ctx, func(tx Tx) error {
					_, err := tx.Borrow(userID, bookID, day)
					return err
				})
				if _, held := holder[bookID]; held {
					if !errors.Is(err, ErrConflict) {
						t.Fatalf("step %d: borrow of held book: want conflict, got %v", step, err)
					}
				} else {
					if err != nil {
						t.Fatalf("step %d: borrow of free book: %v", step, err)
					}
					holder[bookID] = userID
				}
			} else {
				err := s.WithTx(ctx, func(tx Tx) error {
					_, err := tx.Return(userID, bookID, day)
					return err
				})
				if holder[bookID] == userID {
					if err != nil {
						t.Fatalf("step %d: return by holder: %v", step, err)
					}
					delete(holder, bookID)
				} else if !errors.Is(err, ErrNotFound) {
					t.Fatalf("step %d: return by non-holder: want not found, got %v", step, err)
				}
			}

			var all []domain.BorrowRecord
			if err := s.WithTx(ctx, func(tx Tx) error {
				var err error
				all, err = tx.ListBorrows()
				return err
			}); err != nil {
				t.Fatalf("list borrows: %v", err)
			}
			open := make(map[int64]int)
			for _, rec := range all {
				if rec.State() == domain.BorrowOpen {
					open[rec.BookID]++
				}
			}
			for bookID, n := range open {
				if n > 1 {
					t.Fatalf("step %d: book %d has %d open records", step, bookID, n)
				}
			}
			if len(open) != len(holder) {
				t.Fatalf("step %d: %d open books, model expects %d", step, len(open), len(holder))
			}
		}
	})
}
