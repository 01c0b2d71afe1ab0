package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DateLayout is the ISO-8601 calendar date format used on the wire.
const DateLayout = "2006-01-02"

// Date is a calendar date without a time component.
type Date struct {
	time.Time
}

// NewDate truncates t to its UTC calendar day.
func NewDate(t time.Time) Date {
	y, m, d := t.UTC().Date()
	return Date{Time: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: want YYYY-MM-DD", s)
	}
	return NewDate(t), nil
}

func (d Date) String() string {
	return d.Format(DateLayout)
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("date must be a string: %w", err)
	}
	parsed, err := ParseDate(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

type User struct {
	ID             int64  `json:"user_id"`
	Name           string `json:"name"`
	Email          string `json:"email"`
	MembershipDate Date   `json:"membership_date"`
}

type Book struct {
	ID            int64  `json:"book_id"`
	Title         string `json:"title"`
	ISBN          string `json:"isbn"`
	PublishedDate Date   `json:"published_date"`
	Genre         string `json:"genre"`
}

// BookDetails holds the optional extended metadata of a book. Nil fields are
// stored as NULL.
type BookDetails struct {
	ID            int64   `json:"details_id"`
	BookID        int64   `json:"book_id"`
	NumberOfPages *int    `json:"number_of_pages"`
	Publisher     *string `json:"publisher"`
	Language      *string `json:"language"`
}

type BorrowState string

const (
	BorrowOpen   BorrowState = "open"
	BorrowClosed BorrowState = "closed"
)

// BorrowRecord links a user to a book for the span of one loan. A nil
// ReturnDate marks the record as open.
type BorrowRecord struct {
	ID         int64 `json:"borrow_id"`
	UserID     int64 `json:"user_id"`
	BookID     int64 `json:"book_id"`
	BorrowDate Date  `json:"borrow_date"`
	ReturnDate *Date `json:"return_date"`
}

// State reports whether the record is still open.
func (r BorrowRecord) State() BorrowState {
	if r.ReturnDate == nil {
		return BorrowOpen
	}
	return BorrowClosed
}
