package migrate

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestSplitStatements(t *testing.T) {
	cases := []struct {
		name   string
		source string
		want   []string
	}{
		{
			name:   "two statements",
			source: "create table a (id text);\ncreate table b (id text);",
			want:   []string{"create table a (id text);", "\ncreate table b (id text);"},
		},
		{
			name:   "semicolon inside string literal",
			source: "insert into a values ('x;y');",
			want:   []string{"insert into a values ('x;y');"},
		},
		{
			name:   "trailing statement without semicolon",
			source: "delete from a",
			want:   []string{"delete from a"},
		},
		{
			name:   "blank chunks dropped",
			source: " ;\n\t;",
			want:   nil,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := SplitStatements(tc.source)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("SplitStatements(%q) = %#v, want %#v", tc.source, got, tc.want)
			}
		})
	}
}

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func newMockManager(t *testing.T, migrationsDir, seedsDir string) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewManager(db, migrationsDir, seedsDir), mock
}

func expectBookkeeping(mock sqlmock.Sqlmock) {
	mock.ExpectExec("create table if not exists schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestUpAppliesOnlyPendingInNameOrder(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "0002_widgets.up.sql", "create table widgets (id text);")
	writeScript(t, dir, "0001_base.up.sql", "create table base (id text);")
	writeScript(t, dir, "0001_base.down.sql", "drop table base;")

	mgr, mock := newMockManager(t, dir, "")
	expectBookkeeping(mock)
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_base.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("create table widgets").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec("insert into schema_migrations").
		WithArgs("0002_widgets.up.sql", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := mgr.Up(context.Background()); err != nil {
		t.Fatalf("Up: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDownWithoutAppliedMigrations(t *testing.T) {
	mgr, mock := newMockManager(t, t.TempDir(), "")
	expectBookkeeping(mock)
	mock.ExpectQuery("select name from schema_migrations order by applied_at").
		WillReturnRows(sqlmock.NewRows([]string{"name"}))

	if err := mgr.Down(context.Background()); err == nil {
		t.Fatal("expected error with nothing applied")
	}
}

func TestDownRunsCounterpartScript(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "0001_base.up.sql", "create table base (id text);")
	writeScript(t, dir, "0001_base.down.sql", "drop table base;")

	mgr, mock := newMockManager(t, dir, "")
	expectBookkeeping(mock)
	mock.ExpectQuery("select name from schema_migrations order by applied_at").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_base.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("drop table base").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec("delete from schema_migrations").
		WithArgs("0001_base.up.sql").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := mgr.Down(context.Background()); err != nil {
		t.Fatalf("Down: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSeedSkipsAlreadyApplied(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "0001_demo.sql", "insert into role_grants values ('u');")

	mgr, mock := newMockManager(t, "", dir)
	expectBookkeeping(mock)
	mock.ExpectQuery("select name from schema_seeds").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_demo.sql"))

	if err := mgr.Seed(context.Background()); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
