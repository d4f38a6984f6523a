package db

import (
	"testing"
	"testing/fstest"
	"time"
)

func TestLoadMigrations(t *testing.T) {
	files := fstest.MapFS{
		"001_rooms.sql":       {Data: []byte("CREATE TABLE room (id UUID PRIMARY KEY);")},
		"002_beds.sql":        {Data: []byte("CREATE TABLE bed (id UUID PRIMARY KEY);")},
		"003_assignments.sql": {Data: []byte("CREATE TABLE bed_assignment (id UUID PRIMARY KEY);")},
	}

	migrator := NewMigrator(nil, files, "")
	migrations, err := migrator.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}
	if migrations[0].Version != 1 || migrations[0].Name != "001_rooms.sql" {
		t.Errorf("unexpected first migration: %+v", migrations[0])
	}
	if migrations[0].SQL != "CREATE TABLE room (id UUID PRIMARY KEY);" {
		t.Errorf("unexpected SQL content: %s", migrations[0].SQL)
	}
	if migrations[2].Version != 3 {
		t.Errorf("expected version 3, got %d", migrations[2].Version)
	}
	if migrator.Schema() != "public" {
		t.Errorf("expected default schema public, got %s", migrator.Schema())
	}
}

func TestLoadMigrations_SortOrder(t *testing.T) {
	files := fstest.MapFS{
		"010_tables.sql": {Data: []byte("SELECT 10;")},
		"002_second.sql": {Data: []byte("SELECT 2;")},
		"001_first.sql":  {Data: []byte("SELECT 1;")},
		"005_middle.sql": {Data: []byte("SELECT 5;")},
	}

	migrations, err := NewMigrator(nil, files, "ibms").LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	want := []int{1, 2, 5, 10}
	if len(migrations) != len(want) {
		t.Fatalf("expected %d migrations, got %d", len(want), len(migrations))
	}
	for i, v := range want {
		if migrations[i].Version != v {
			t.Errorf("position %d: expected version %d, got %d", i, v, migrations[i].Version)
		}
	}
}

func TestLoadMigrations_SkipsNonMigrationFiles(t *testing.T) {
	files := fstest.MapFS{
		"001_core.sql":     {Data: []byte("SELECT 1;")},
		"README.md":        {Data: []byte("docs")},
		"notes.sql":        {Data: []byte("SELECT 0;")},
		"abc_letters.sql":  {Data: []byte("SELECT 0;")},
		"embed.go":         {Data: []byte("package migrations")},
		"sub/002_deep.sql": {Data: []byte("SELECT 2;")},
	}

	migrations, err := NewMigrator(nil, files, "").LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 1 {
		t.Fatalf("expected 1 migration, got %d: %+v", len(migrations), migrations)
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	files := fstest.MapFS{
		"001_a.sql": {Data: []byte("SELECT 1;")},
		"01_b.sql":  {Data: []byte("SELECT 1;")},
	}
	if _, err := NewMigrator(nil, files, "").LoadMigrations(); err == nil {
		t.Fatal("expected duplicate version error")
	}
}

func TestPendingAndStatus(t *testing.T) {
	migrations := []Migration{
		{Version: 1, Name: "001_a.sql"},
		{Version: 2, Name: "002_b.sql"},
		{Version: 3, Name: "003_c.sql"},
	}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	applied := map[int]time.Time{1: at}

	p := pending(migrations, applied, 0)
	if len(p) != 2 || p[0].Version != 2 || p[1].Version != 3 {
		t.Fatalf("unexpected pending set: %+v", p)
	}
	p = pending(migrations, applied, 2)
	if len(p) != 1 || p[0].Version != 2 {
		t.Fatalf("unexpected pending set up to 2: %+v", p)
	}

	st := statusOf(migrations, applied)
	if len(st) != 3 {
		t.Fatalf("expected 3 statuses, got %d", len(st))
	}
	if !st[0].Applied || st[0].AppliedAt == nil || !st[0].AppliedAt.Equal(at) {
		t.Errorf("expected first migration applied at %v, got %+v", at, st[0])
	}
	if st[1].Applied || st[1].AppliedAt != nil {
		t.Errorf("expected second migration pending, got %+v", st[1])
	}
}

func TestSchemaPattern(t *testing.T) {
	valid := []string{"public", "ibms", "ibms_test_1"}
	invalid := []string{"", "Public", "ibms;drop", "1abc", "a-b"}
	for _, s := range valid {
		if !schemaPattern.MatchString(s) {
			t.Errorf("expected %q to be valid", s)
		}
	}
	for _, s := range invalid {
		if schemaPattern.MatchString(s) {
			t.Errorf("expected %q to be invalid", s)
		}
	}
}
