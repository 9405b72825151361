package db

import (
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/ehr/intake/migrations"
)

func TestLoadMigrations(t *testing.T) {
	src := fstest.MapFS{
		"001_records.sql":      {Data: []byte("CREATE TABLE records (kind TEXT);")},
		"002_status_index.sql": {Data: []byte("CREATE INDEX idx ON records (kind);")},
		"003_archive.sql":      {Data: []byte("SELECT 3;")},
	}

	migrator := NewMigrator(nil, src, "")
	got, err := migrator.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(got))
	}
	if got[0].Version != 1 || got[0].Name != "001_records.sql" {
		t.Errorf("unexpected first migration: %+v", got[0])
	}
	if got[0].SQL != "CREATE TABLE records (kind TEXT);" {
		t.Errorf("unexpected SQL content: %s", got[0].SQL)
	}
	if got[2].Version != 3 {
		t.Errorf("expected version 3, got %d", got[2].Version)
	}
}

func TestLoadMigrations_SortOrder(t *testing.T) {
	src := fstest.MapFS{
		"010_tables.sql": {Data: []byte("SELECT 10;")},
		"002_second.sql": {Data: []byte("SELECT 2;")},
		"001_first.sql":  {Data: []byte("SELECT 1;")},
		"005_middle.sql": {Data: []byte("SELECT 5;")},
	}

	got, err := NewMigrator(nil, src, "").LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	want := []int{1, 2, 5, 10}
	if len(got) != len(want) {
		t.Fatalf("expected %d migrations, got %d", len(want), len(got))
	}
	for i, v := range want {
		if got[i].Version != v {
			t.Errorf("migration[%d]: expected version %d, got %d", i, v, got[i].Version)
		}
	}
}

func TestLoadMigrations_SkipsInvalidNames(t *testing.T) {
	src := fstest.MapFS{
		"001_valid.sql":      {Data: []byte("SELECT 1;")},
		"readme.sql":         {Data: []byte("-- no version prefix")},
		"notes.txt":          {Data: []byte("not sql")},
		"abc_invalid.sql":    {Data: []byte("-- non-numeric prefix")},
		"002_also_valid.sql": {Data: []byte("SELECT 2;")},
	}

	got, err := NewMigrator(nil, src, "").LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 valid migrations, got %d", len(got))
	}
}

func TestLoadMigrations_DirFS(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "001_core.sql"), []byte("SELECT 1;"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := NewMigrator(nil, os.DirFS(dir), "").LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 migration, got %d", len(got))
	}
}

func TestLoadMigrations_NonExistentDir(t *testing.T) {
	_, err := NewMigrator(nil, os.DirFS("/nonexistent/path/that/does/not/exist"), "").LoadMigrations()
	if err == nil {
		t.Error("expected error for non-existent directory")
	}
}

func TestLoadMigrations_Embedded(t *testing.T) {
	got, err := NewMigrator(nil, migrations.FS, "").LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(got) == 0 || got[0].Name != "001_resource_records.sql" {
		t.Fatalf("expected embedded records migration first, got %+v", got)
	}
}

func TestNewMigrator_DefaultSchema(t *testing.T) {
	m := NewMigrator(nil, fstest.MapFS{}, "")
	if m.schema != "public" {
		t.Errorf("expected schema public, got %s", m.schema)
	}
}

func TestBuildStatus(t *testing.T) {
	migs := []Migration{
		{Version: 1, Name: "001_records.sql"},
		{Version: 2, Name: "002_index.sql"},
	}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	statuses := buildStatus(migs, map[int]time.Time{1: at})

	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if !statuses[0].Applied || statuses[0].AppliedAt == nil || !statuses[0].AppliedAt.Equal(at) {
		t.Errorf("expected 001 applied at %v, got %+v", at, statuses[0])
	}
	if statuses[1].Applied || statuses[1].AppliedAt != nil {
		t.Errorf("expected 002 pending, got %+v", statuses[1])
	}
}
