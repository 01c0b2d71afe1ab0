package store

import (
	"time"

	"libraryrecords/pkg/domain"
)

// GORM models used for persistence. The schema itself is owned by the
// migrations in migrate.go.
type UserModel struct {
	ID             int64     `gorm:"primaryKey"`
	Name           string    `gorm:"not null"`
	Email          string    `gorm:"uniqueIndex;not null"`
	MembershipDate time.Time `gorm:"type:date;not null"`
}

func (UserModel) TableName() string { return "users" }

type BookModel struct {
	ID            int64     `gorm:"primaryKey"`
	Title         string    `gorm:"not null"`
	ISBN          string    `gorm:"column:isbn;not null"`
	PublishedDate time.Time `gorm:"type:date;not null"`
	Genre         string    `gorm:"not null"`
}

func (BookModel) TableName() string { return "books" }

type BookDetailsModel struct {
	ID            int64 `gorm:"primaryKey"`
	BookID        int64 `gorm:"uniqueIndex;not null"`
	NumberOfPages *int
	Publisher     *string
	Language      *string
}

func (BookDetailsModel) TableName() string { return "book_details" }

type BorrowModel struct {
	ID         int64      `gorm:"primaryKey"`
	UserID     int64      `gorm:"not null;index"`
	BookID     int64      `gorm:"not null;index"`
	BorrowDate time.Time  `gorm:"type:date;not null"`
	ReturnDate *time.Time `gorm:"type:date"`
}

func (BorrowModel) TableName() string { return "borrowed_books" }

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:             m.ID,
		Name:           m.Name,
		Email:          m.Email,
		MembershipDate: domain.NewDate(m.MembershipDate),
	}
}

func bookFromModel(m BookModel) domain.Book {
	return domain.Book{
		ID:            m.ID,
		Title:         m.Title,
		ISBN:          m.ISBN,
		PublishedDate: domain.NewDate(m.PublishedDate),
		Genre:         m.Genre,
	}
}

func detailsFromModel(m BookDetailsModel) domain.BookDetails {
	return domain.BookDetails{
		ID:            m.ID,
		BookID:        m.BookID,
		NumberOfPages: m.NumberOfPages,
		Publisher:     m.Publisher,
		Language:      m.Language,
	}
}

func borrowFromModel(m BorrowModel) domain.BorrowRecord {
	rec := domain.BorrowRecord{
		ID:         m.ID,
		UserID:     m.UserID,
		BookID:     m.BookID,
		BorrowDate: domain.NewDate(m.BorrowDate),
	}
	if m.ReturnDate != nil {
		d := domain.NewDate(*m.ReturnDate)
		rec.ReturnDate = &d
	}
	return rec
}
