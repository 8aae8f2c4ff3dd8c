package db

import (
	"testing"
	"testing/fstest"
	"time"

	"github.com/ehr/admission/migrations"
)

func TestLoadMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"001_core.sql":     {Data: []byte("CREATE TABLE a (id SERIAL PRIMARY KEY);")},
		"002_patients.sql": {Data: []byte("CREATE TABLE b (id SERIAL PRIMARY KEY);")},
		"003_indexes.sql":  {Data: []byte("CREATE INDEX ON b (id);")},
	}

	migrations, err := NewMigrator(nil, fsys, "").LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}
	if migrations[0].Version != 1 || migrations[0].Name != "001_core.sql" {
		t.Errorf("unexpected first migration: %+v", migrations[0])
	}
	if migrations[0].SQL != "CREATE TABLE a (id SERIAL PRIMARY KEY);" {
		t.Errorf("unexpected SQL content: %s", migrations[0].SQL)
	}
	if migrations[2].Version != 3 {
		t.Errorf("expected version 3, got %d", migrations[2].Version)
	}
}

func TestLoadMigrations_SortOrder(t *testing.T) {
	fsys := fstest.MapFS{
		"010_tables.sql": {Data: []byte("SELECT 10;")},
		"002_second.sql": {Data: []byte("SELECT 2;")},
		"001_first.sql":  {Data: []byte("SELECT 1;")},
		"005_middle.sql": {Data: []byte("SELECT 5;")},
	}

	migrations, err := NewMigrator(nil, fsys, "").LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}

	expectedVersions := []int{1, 2, 5, 10}
	if len(migrations) != len(expectedVersions) {
		t.Fatalf("expected %d migrations, got %d", len(expectedVersions), len(migrations))
	}
	for i, expected := range expectedVersions {
		if migrations[i].Version != expected {
			t.Errorf("migration[%d]: expected version %d, got %d", i, expected, migrations[i].Version)
		}
	}
}

func TestLoadMigrations_SkipsUnversioned(t *testing.T) {
	fsys := fstest.MapFS{
		"001_valid.sql":      {Data: []byte("SELECT 1;")},
		"readme.sql":         {Data: []byte("-- no version prefix")},
		"notes.txt":          {Data: []byte("not sql")},
		"abc_invalid.sql":    {Data: []byte("-- non-numeric prefix")},
		"002_also_valid.sql": {Data: []byte("SELECT 2;")},
		"sub/003_nested.sql": {Data: []byte("SELECT 3;")},
	}

	migrations, err := NewMigrator(nil, fsys, "").LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("expected 2 valid migrations, got %d", len(migrations))
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"001_a.sql":  {Data: []byte("SELECT 1;")},
		"0001_b.sql": {Data: []byte("SELECT 1;")},
	}

	if _, err := NewMigrator(nil, fsys, "").LoadMigrations(); err == nil {
		t.Error("expected error for duplicate versions")
	}
}

func TestLoadMigrations_Embedded(t *testing.T) {
	all, err := NewMigrator(nil, migrations.FS, "").LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(all) == 0 || all[0].Name != "001_patients.sql" {
		t.Fatalf("expected embedded 001_patients.sql first, got %+v", all)
	}
}

func TestPending(t *testing.T) {
	migs := []Migration{{Version: 1}, {Version: 2}, {Version: 3}, {Version: 4}}
	applied := map[int]time.Time{1: time.Now(), 3: time.Now()}

	got := pending(migs, applied, 0)
	if len(got) != 2 || got[0].Version != 2 || got[1].Version != 4 {
		t.Errorf("expected [2 4], got %+v", got)
	}

	got = pending(migs, applied, 3)
	if len(got) != 1 || got[0].Version != 2 {
		t.Errorf("expected [2] up to version 3, got %+v", got)
	}
}

func TestStatuses(t *testing.T) {
	at := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	migs := []Migration{{Version: 1, Name: "001_core.sql"}, {Version: 2, Name: "002_more.sql"}}

	got := statuses(migs, map[int]time.Time{1: at})
	if len(got) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(got))
	}
	if !got[0].Applied || got[0].AppliedAt == nil || !got[0].AppliedAt.Equal(at) {
		t.Errorf("expected 001 applied at %v, got %+v", at, got[0])
	}
	if got[1].Applied || got[1].AppliedAt != nil {
		t.Errorf("expected 002 pending, got %+v", got[1])
	}
}

func TestNewMigrator_DefaultSchema(t *testing.T) {
	m := NewMigrator(nil, fstest.MapFS{}, "")
	if m.schema != "public" {
		t.Errorf("expected schema public, got %s", m.schema)
	}
	if got := m.table(); got != `"public"."_migrations"` {
		t.Errorf("expected quoted table name, got %s", got)
	}
}
