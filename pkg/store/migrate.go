package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gorm.io/gorm"
)

const migrateLockID int64 = 51710421

// SchemaMigrationModel records one applied migration.
type SchemaMigrationModel struct {
	Version   int       `gorm:"primaryKey;autoIncrement:false"`
	Name      string    `gorm:"not null"`
	AppliedAt time.Time `gorm:"not null"`
}

func (SchemaMigrationModel) TableName() string { return "schema_migrations" }

// Migration is one versioned schema step.
type Migration struct {
	Version int
	Name    string
	up      func(dialect string) []string
}

var migrations = []Migration{
	{
		Version: 1,
		Name:    "create_catalog",
		up: func(dialect string) []string {
			id := idColumn(dialect)
			return []string{
				`CREATE TABLE users (
					id ` + id + `,
					name TEXT NOT NULL,
					email TEXT NOT NULL UNIQUE,
					membership_date DATE NOT NULL
				)`,
				`CREATE TABLE books (
					id ` + id + `,
					title TEXT NOT NULL,
					isbn TEXT NOT NULL,
					published_date DATE NOT NULL,
					genre TEXT NOT NULL
				)`,
				`CREATE TABLE book_details (
					id ` + id + `,
					book_id BIGINT NOT NULL UNIQUE REFERENCES books(id),
					number_of_pages INTEGER,
					publisher TEXT,
					language TEXT
				)`,
			}
		},
	},
	{
		Version: 2,
		Name:    "create_borrowed_books",
		up: func(dialect string) []string {
			return []string{
				`CREATE TABLE borrowed_books (
					id ` + idColumn(dialect) + `,
					user_id BIGINT NOT NULL REFERENCES users(id),
					book_id BIGINT NOT NULL REFERENCES books(id),
					borrow_date DATE NOT NULL,
					return_date DATE
				)`,
				`CREATE INDEX borrowed_books_user_book_idx ON borrowed_books (user_id, book_id)`,
				// One physical copy per book row: at most one open record.
				`CREATE UNIQUE INDEX borrowed_books_open_book_idx ON borrowed_books (book_id) WHERE return_date IS NULL`,
			}
		},
	},
}

func idColumn(dialect string) string {
	if dialect == DriverSQLite {
		return "INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	return "BIGSERIAL PRIMARY KEY"
}

// Migrations returns the known migrations in version order.
func Migrations() []Migration {
	out := make([]Migration, len(migrations))
	copy(out, migrations)
	return out
}

// Migrate applies every migration not yet recorded in schema_migrations and
// returns the versions it applied. Each migration runs in its own
// transaction. On Postgres the whole run holds an advisory lock so parallel
// deploys do not race.
func Migrate(ctx context.Context, db *gorm.DB) ([]int, error) {
	var applied []int
	run := func(db *gorm.DB) error {
		if err := db.WithContext(ctx).AutoMigrate(&SchemaMigrationModel{}); err != nil {
			return fmt.Errorf("create schema_migrations: %w", err)
		}
		pending, err := PendingMigrations(ctx, db)
		if err != nil {
			return err
		}
		dialect := db.Dialector.Name()
		for _, m := range pending {
			err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				for _, stmt := range m.up(dialect) {
					if err := tx.Exec(stmt).Error; err != nil {
						return err
					}
				}
				return tx.Create(&SchemaMigrationModel{
					Version:   m.Version,
					Name:      m.Name,
					AppliedAt: time.Now().UTC(),
				}).Error
			})
			if err != nil {
				return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
			}
			applied = append(applied, m.Version)
		}
		return nil
	}
	var err error
	if db.Dialector.Name() == DriverPostgres {
		err = withMigrationLock(ctx, db, run)
	} else {
		err = run(db)
	}
	return applied, err
}

// PendingMigrations lists migrations that have not been applied yet.
func PendingMigrations(ctx context.Context, db *gorm.DB) ([]Migration, error) {
	db = db.WithContext(ctx)
	if !db.Migrator().HasTable(&SchemaMigrationModel{}) {
		return Migrations(), nil
	}
	var rows []SchemaMigrationModel
	if err := db.Order("version ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	done := make(map[int]bool, len(rows))
	for _, row := range rows {
		done[row.Version] = true
	}
	var pending []Migration
	for _, m := range migrations {
		if !done[m.Version] {
			pending = append(pending, m)
		}
	}
	return pending, nil
}

func withMigrationLock(ctx context.Context, db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(context.Background(), conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}
