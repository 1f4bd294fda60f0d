package db

import (
	"database/sql"
	"strings"
	"testing"
	"testing/fstest"
)

func memDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"V1__create_widgets.up.sql":   {Data: []byte(`CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT);`)},
		"V1__create_widgets.down.sql": {Data: []byte(`DROP TABLE widgets;`)},
		"V2__add_color.up.sql":        {Data: []byte(`ALTER TABLE widgets ADD COLUMN color TEXT;`)},
		"V2__add_color.down.sql":      {Data: []byte(`ALTER TABLE widgets DROP COLUMN color;`)},
		"README.md":                   {Data: []byte("not a migration")},
		"Vx__broken.up.sql":           {Data: []byte("SELECT 1;")},
	}
}

// TestInitialize verifies schema_migrations table creation.
func TestInitialize(t *testing.T) {
	db := memDB(t)
	m := NewMigrator(db, fstest.MapFS{})

	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	var tableName string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_migrations'").Scan(&tableName)
	if err != nil {
		t.Errorf("schema_migrations table not found: %v", err)
	}

	_, err = db.Exec("INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)",
		1, 123456, "test_migration", strings.Repeat("a", 64))
	if err != nil {
		t.Errorf("Failed to insert test row: %v", err)
	}
}

// TestCurrentVersion verifies version tracking.
func TestCurrentVersion(t *testing.T) {
	db := memDB(t)
	m := NewMigrator(db, testMigrations())

	if _, err := m.CurrentVersion(); err == nil {
		t.Error("CurrentVersion() should fail before Initialize()")
	}

	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	version, err := m.CurrentVersion()
	if err != nil {
		t.Errorf("CurrentVersion() failed: %v", err)
	}
	if version != 0 {
		t.Errorf("CurrentVersion() = %d, want 0", version)
	}

	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	version, err = m.CurrentVersion()
	if err != nil {
		t.Errorf("CurrentVersion() failed: %v", err)
	}
	if version != 2 {
		t.Errorf("CurrentVersion() = %d, want 2", version)
	}
}

// TestUp_appliesMigrations verifies migrations are applied in order and
// recorded with their description and checksum.
func TestUp_appliesMigrations(t *testing.T) {
	db := memDB(t)
	m := NewMigrator(db, testMigrations())
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	if _, err := db.Exec("INSERT INTO widgets (name, color) VALUES ('panel', 'blue')"); err != nil {
		t.Errorf("schema not migrated: %v", err)
	}

	applied, err := m.GetAppliedMigrations()
	if err != nil {
		t.Fatalf("GetAppliedMigrations() failed: %v", err)
	}
	if len(applied) != 2 {
		t.Fatalf("GetAppliedMigrations() = %d, want 2", len(applied))
	}
	if applied[0].Description != "create_widgets" {
		t.Errorf("Description = %q, want create_widgets", applied[0].Description)
	}
	if len(applied[1].Checksum) != 64 {
		t.Errorf("Checksum length = %d, want 64", len(applied[1].Checksum))
	}

	// Second run is a no-op.
	if err := m.Up(); err != nil {
		t.Errorf("repeated Up() failed: %v", err)
	}
}

// TestUp_noMigrations verifies Up succeeds when no migrations exist.
func TestUp_noMigrations(t *testing.T) {
	db := memDB(t)
	m := NewMigrator(db, fstest.MapFS{})
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Errorf("Up() with no migrations failed: %v", err)
	}
}

// TestUp_modifiedMigration verifies edits to applied files are rejected.
func TestUp_modifiedMigration(t *testing.T) {
	db := memDB(t)
	fsys := testMigrations()
	m := NewMigrator(db, fsys)
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	fsys["V1__create_widgets.up.sql"] = &fstest.MapFile{Data: []byte(`CREATE TABLE widgets (id TEXT);`)}
	err := m.Up()
	if err == nil {
		t.Fatal("Up() should fail for a modified migration")
	}
	if !strings.Contains(err.Error(), "modified") {
		t.Errorf("error = %v, want mention of modification", err)
	}
}

// TestUp_failingMigrationRollsBack verifies a broken file is not recorded.
func TestUp_failingMigrationRollsBack(t *testing.T) {
	db := memDB(t)
	m := NewMigrator(db, fstest.MapFS{
		"V1__broken.up.sql": {Data: []byte(`CREATE TABLE ok (id INTEGER); CREATE TABLE nope (`)},
	})
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	if err := m.Up(); err == nil {
		t.Fatal("Up() should fail")
	}
	version, _ := m.CurrentVersion()
	if version != 0 {
		t.Errorf("CurrentVersion() = %d, want 0", version)
	}
}

// TestDown verifies the latest migration is rolled back.
func TestDown(t *testing.T) {
	db := memDB(t)
	m := NewMigrator(db, testMigrations())
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	if err := m.Down(); err != nil {
		t.Fatalf("Down() failed: %v", err)
	}
	version, err := m.CurrentVersion()
	if err != nil {
		t.Fatalf("CurrentVersion() failed: %v", err)
	}
	if version != 1 {
		t.Errorf("CurrentVersion() = %d, want 1", version)
	}
}

// TestDown_noMigrations verifies error when no migrations to rollback.
func TestDown_noMigrations(t *testing.T) {
	db := memDB(t)
	m := NewMigrator(db, fstest.MapFS{})
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	err := m.Down()
	if err == nil {
		t.Fatal("Down() with no migrations should return error")
	}
	if !strings.Contains(err.Error(), "no migrations to rollback") {
		t.Errorf("Error message should mention 'no migrations to rollback', got: %v", err)
	}
}

// TestParseVersion verifies filename parsing.
func TestParseVersion(t *testing.T) {
	tests := []struct {
		name    string
		version int
		ok      bool
	}{
		{"V1__init.up.sql", 1, true},
		{"V12__add_index.up.sql", 12, true},
		{"V0__zero.up.sql", 0, false},
		{"Vx__bad.up.sql", 0, false},
		{"V3.up.sql", 0, false},
		{"V4__.up.sql", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			version, ok := parseVersion(tt.name, ".up.sql")
			if version != tt.version || ok != tt.ok {
				t.Errorf("parseVersion(%q) = (%d, %v), want (%d, %v)", tt.name, version, ok, tt.version, tt.ok)
			}
		})
	}
}

// TestMigrations_embedded verifies the shipped migrations are discoverable.
func TestMigrations_embedded(t *testing.T) {
	m := NewMigrator(nil, Migrations())
	files, err := m.listMigrations(".up.sql")
	if err != nil {
		t.Fatalf("listMigrations() failed: %v", err)
	}
	if len(files) < 2 {
		t.Fatalf("embedded migrations = %d, want at least 2", len(files))
	}
	for i, f := range files {
		if f.version != i+1 {
			t.Errorf("migration %d has version %d", i, f.version)
		}
	}
}
