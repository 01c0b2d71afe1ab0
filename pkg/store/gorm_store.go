package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"libraryrecords/pkg/domain"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Open connects to the database without touching the schema. Migrations are
// applied separately by Migrate.
func Open(driver, dsn string) (*gorm.DB, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("database dsn required")
	}
	var dialector gorm.Dialector
	switch driver {
	case DriverPostgres, "":
		dialector = postgres.Open(dsn)
	case DriverSQLite:
		dialector = sqlite.Open(sqliteDSN(dsn))
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if driver == DriverSQLite {
		// SQLite serializes writers anyway; a single connection keeps
		// transactions from tripping over "database is locked".
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("get sql db: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// sqliteDSN turns on foreign key enforcement through the DSN so the driver
// applies it to every pooled connection, not just the first one.
func sqliteDSN(dsn string) string {
	_, query, _ := strings.Cut(dsn, "?")
	for _, param := range strings.Split(query, "&") {
		key, _, _ := strings.Cut(param, "=")
		if key == "_foreign_keys" || key == "_fk" {
			return dsn
		}
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&_foreign_keys=1"
	}
	return dsn + "?_foreign_keys=1"
}

// GormStore implements Store using GORM over Postgres or SQLite.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps an open database whose schema is already migrated.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// WithTx runs fn inside one database transaction.
func (s *GormStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{db: tx, lockRows: s.db.Dialector.Name() == DriverPostgres})
	})
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type gormTx struct {
	db       *gorm.DB
	lockRows bool
}

// forUpdate adds a row lock where the dialect supports one. SQLite holds a
// database-wide write lock for the whole transaction instead.
func (t *gormTx) forUpdate() *gorm.DB {
	if t.lockRows {
		return t.db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return t.db
}

// CreateUser inserts a user; the unique index on email rejects duplicates.
func (t *gormTx) CreateUser(name, email string, membershipDate domain.Date) (domain.User, error) {
	model := UserModel{
		Name:           name,
		Email:          email,
		MembershipDate: membershipDate.Time,
	}
	if err := t.db.Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.User{}, fmt.Errorf("email %q already registered: %w", email, ErrConflict)
		}
		return domain.User{}, fmt.Errorf("create user: %w", err)
	}
	return userFromModel(model), nil
}

// GetUser returns a user by ID.
func (t *gormTx) GetUser(id int64) (domain.User, error) {
	var model UserModel
	if err := t.db.Take(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, fmt.Errorf("user %d: %w", id, ErrNotFound)
		}
		return domain.User{}, fmt.Errorf("get user: %w", err)
	}
	return userFromModel(model), nil
}

// ListUsers returns all users in registration order.
func (t *gormTx) ListUsers() ([]domain.User, error) {
	var models []UserModel
	if err := t.db.Order("id ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	res := make([]domain.User, 0, len(models))
	for _, m := range models {
		res = append(res, userFromModel(m))
	}
	return res, nil
}

func (t *gormTx) CreateBook(title, isbn string, publishedDate domain.Date, genre string) (domain.Book, error) {
	model := BookModel{
		Title:         title,
		ISBN:          isbn,
		PublishedDate: publishedDate.Time,
		Genre:         genre,
	}
	if err := t.db.Create(&model).Error; err != nil {
		return domain.Book{}, fmt.Errorf("create book: %w", err)
	}
	return bookFromModel(model), nil
}

func (t *gormTx) GetBook(id int64) (domain.Book, error) {
	return t.getBook(t.db, id)
}

func (t *gormTx) getBook(q *gorm.DB, id int64) (domain.Book, error) {
	var model BookModel
	if err := q.Take(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Book{}, fmt.Errorf("book %d: %w", id, ErrNotFound)
		}
		return domain.Book{}, fmt.Errorf("get book: %w", err)
	}
	return bookFromModel(model), nil
}

func (t *gormTx) ListBooks() ([]domain.Book, error) {
	var models []BookModel
	if err := t.db.Order("id ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	res := make([]domain.Book, 0, len(models))
	for _, m := range models {
		res = append(res, bookFromModel(m))
	}
	return res, nil
}

// UpsertBookDetails inserts or overwrites the details row keyed by book_id.
func (t *gormTx) UpsertBookDetails(bookID int64, pages *int, publisher, language *string) (domain.BookDetails, error) {
	if _, err := t.GetBook(bookID); err != nil {
		return domain.BookDetails{}, err
	}
	model := BookDetailsModel{
		BookID:        bookID,
		NumberOfPages: pages,
		Publisher:     publisher,
		Language:      language,
	}
	if err := t.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "book_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"number_of_pages", "publisher", "language"}),
	}).Create(&model).Error; err != nil {
		return domain.BookDetails{}, fmt.Errorf("upsert book details: %w", err)
	}
	details, err := t.GetBookDetails(bookID)
	return reloadedDetails(bookID, details, err)
}

func (t *gormTx) GetBookDetails(bookID int64) (domain.BookDetails, error) {
	var model BookDetailsModel
	if err := t.db.Take(&model, "book_id = ?", bookID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.BookDetails{}, fmt.Errorf("details for book %d: %w", bookID, ErrNotFound)
		}
		return domain.BookDetails{}, fmt.Errorf("get book details: %w", err)
	}
	return detailsFromModel(model), nil
}

// Borrow opens a record for the book. The book row is locked first so that
// concurrent borrows of the same book queue up behind the open-record check;
// the partial unique index on open records backs this up.
func (t *gormTx) Borrow(userID, bookID int64, date domain.Date) (domain.BorrowRecord, error) {
	if _, err := t.getBook(t.forUpdate(), bookID); err != nil {
		return domain.BorrowRecord{}, err
	}
	var open int64
	if err := t.db.Model(&BorrowModel{}).
		Where("book_id = ? AND return_date IS NULL", bookID).
		Count(&open).Error; err != nil {
		return domain.BorrowRecord{}, fmt.Errorf("count open borrows: %w", err)
	}
	if open > 0 {
		return domain.BorrowRecord{}, fmt.Errorf("book %d is already borrowed: %w", bookID, ErrConflict)
	}
	model := BorrowModel{
		UserID:     userID,
		BookID:     bookID,
		BorrowDate: date.Time,
	}
	if err := t.db.Create(&model).Error; err != nil {
		switch {
		case errors.Is(err, gorm.ErrDuplicatedKey):
			return domain.BorrowRecord{}, fmt.Errorf("book %d is already borrowed: %w", bookID, ErrConflict)
		case errors.Is(err, gorm.ErrForeignKeyViolated):
			return domain.BorrowRecord{}, fmt.Errorf("user %d or book %d: %w", userID, bookID, ErrNotFound)
		}
		return domain.BorrowRecord{}, fmt.Errorf("create borrow: %w", err)
	}
	return borrowFromModel(model), nil
}

// Return closes the newest open record for the user/book pair.
func (t *gormTx) Return(userID, bookID int64, date domain.Date) (domain.BorrowRecord, error) {
	var model BorrowModel
	err := t.forUpdate().
		Where("user_id = ? AND book_id = ? AND return_date IS NULL", userID, bookID).
		Order("borrow_date DESC").
		Order("id DESC").
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.BorrowRecord{}, fmt.Errorf("no open borrow of book %d by user %d: %w", bookID, userID, ErrNotFound)
		}
		return domain.BorrowRecord{}, fmt.Errorf("find open borrow: %w", err)
	}
	returned := date.Time
	if err := t.db.Model(&BorrowModel{}).
		Where("id = ?", model.ID).
		Update("return_date", returned).Error; err != nil {
		return domain.BorrowRecord{}, fmt.Errorf("close borrow: %w", err)
	}
	model.ReturnDate = &returned
	return borrowFromModel(model), nil
}

func (t *gormTx) ListBorrows() ([]domain.BorrowRecord, error) {
	var models []BorrowModel
	if err := t.db.Order("id ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list borrows: %w", err)
	}
	res := make([]domain.BorrowRecord, 0, len(models))
	for _, m := range models {
		res = append(res, borrowFromModel(m))
	}
	return res, nil
}
