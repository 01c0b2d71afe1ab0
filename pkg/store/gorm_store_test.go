package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"

	"gorm.io/gorm"
)

var sqliteSeq atomic.Int64

func openSQLite(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:libtest%d?mode=memory&cache=shared&_foreign_keys=1", sqliteSeq.Add(1))
	db, err := Open(DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func TestGormStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		db := openSQLite(t)
		if _, err := Migrate(context.Background(), db); err != nil {
			t.Fatalf("migrate: %v", err)
		}
		return NewGormStore(db)
	})
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := openSQLite(t)
	ctx := context.Background()

	pending, err := PendingMigrations(ctx, db)
	if err != nil {
		t.Fatalf("pending before migrate: %v", err)
	}
	if len(pending) != len(Migrations()) {
		t.Fatalf("expected all %d migrations pending, got %d", len(Migrations()), len(pending))
	}

	applied, err := Migrate(ctx, db)
	if err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	if len(applied) != len(Migrations()) {
		t.Fatalf("applied %v, want every migration", applied)
	}

	applied, err = Migrate(ctx, db)
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("second run applied %v, want none", applied)
	}
	pending, err = PendingMigrations(ctx, db)
	if err != nil {
		t.Fatalf("pending after migrate: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected nothing pending, got %d", len(pending))
	}

	for _, table := range []string{"users", "books", "book_details", "borrowed_books"} {
		if !db.Migrator().HasTable(table) {
			t.Fatalf("expected table %s", table)
		}
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open("oracle", "dsn"); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
	if _, err := Open(DriverSQLite, " "); err == nil {
		t.Fatalf("expected empty dsn error")
	}
}

func TestSQLiteDSNEnablesForeignKeys(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"library.db", "library.db?_foreign_keys=1"},
		{"file:lib?mode=memory&cache=shared", "file:lib?mode=memory&cache=shared&_foreign_keys=1"},
		{"file:lib?_foreign_keys=1", "file:lib?_foreign_keys=1"},
		{"file:lib?mode=memory&_fk=true", "file:lib?mode=memory&_fk=true"},
	}
	for _, tc := range cases {
		if got := sqliteDSN(tc.in); got != tc.want {
			t.Fatalf("sqliteDSN(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSQLiteForeignKeysSurviveReconnect(t *testing.T) {
	db, err := Open(DriverSQLite, filepath.Join(t.TempDir(), "library.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	if _, err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	// Every statement below gets a fresh connection from the pool.
	sqlDB.SetMaxIdleConns(0)
	for i := 0; i < 3; i++ {
		var enabled int
		if err := db.Raw("PRAGMA foreign_keys").Scan(&enabled).Error; err != nil {
			t.Fatalf("read pragma: %v", err)
		}
		if enabled != 1 {
			t.Fatalf("connection %d: foreign_keys = %d, want 1", i, enabled)
		}
		err := db.Exec("INSERT INTO borrowed_books (user_id, book_id, borrow_date) VALUES (99, 99, '2024-01-01')").Error
		if err == nil {
			t.Fatalf("connection %d: borrow row for unknown user and book was accepted", i)
		}
	}
}
