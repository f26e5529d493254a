package sqlitemigrate

import (
	"database/sql"
	"path/filepath"
	"testing"
	"testing/fstest"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "migrate.db")
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	return sqlDB
}

func TestApplyMigrationsRecordsApplied(t *testing.T) {
	sqlDB := openTestDB(t)

	migrationFS := fstest.MapFS{
		"0001_init.sql": &fstest.MapFile{Data: []byte(`
-- +migrate Up
CREATE TABLE widgets (id TEXT PRIMARY KEY);
-- +migrate Down
DROP TABLE widgets;
`)},
	}

	if err := ApplyMigrations(sqlDB, migrationFS); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	var name string
	if err := sqlDB.QueryRow("SELECT name FROM schema_migrations").Scan(&name); err != nil {
		t.Fatalf("query applied migrations: %v", err)
	}
	if name != "0001_init.sql" {
		t.Fatalf("expected 0001_init.sql recorded, got %s", name)
	}

	if _, err := sqlDB.Exec("INSERT INTO widgets (id) VALUES ('w1')"); err != nil {
		t.Fatalf("expected widgets table to exist: %v", err)
	}
}

func TestApplyMigrationsIsIdempotent(t *testing.T) {
	sqlDB := openTestDB(t)

	migrationFS := fstest.MapFS{
		"0001_init.sql": &fstest.MapFile{Data: []byte(`
-- +migrate Up
CREATE TABLE widgets (id TEXT PRIMARY KEY);
`)},
	}

	if err := ApplyMigrations(sqlDB, migrationFS); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if err := ApplyMigrations(sqlDB, migrationFS); err != nil {
		t.Fatalf("second apply: %v", err)
	}

	var count int
	if err := sqlDB.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("count applied migrations: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one applied migration, got %d", count)
	}
}

func TestExtractUpMigrationWithoutMarkers(t *testing.T) {
	content := "CREATE TABLE plain (id TEXT);"
	if got := ExtractUpMigration(content); got != content {
		t.Fatalf("expected content unchanged, got %q", got)
	}
}
