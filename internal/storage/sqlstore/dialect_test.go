package sqlstore

import (
	"strings"
	"testing"

	"paineis/internal/storage"
)

func TestCreateTableSQL(t *testing.T) {
	t.Parallel()

	spec := storage.TableSpec{
		Name: "paineis_x",
		Columns: []storage.ColumnSpec{
			{Name: "id", Type: storage.TypeID},
			{Name: "dataset_id", Type: storage.TypeBigInt, References: "paineis_datasets(id)"},
			{Name: "slug", Type: storage.TypeString},
			{Name: "layout", Type: storage.TypeText, Nullable: true},
		},
		Constraints: []storage.ConstraintSpec{{Kind: "unique", Columns: []string{"dataset_id", "slug"}}},
	}

	tests := []struct {
		d    Dialect
		want string
	}{
		{SQLite, `CREATE TABLE IF NOT EXISTS "paineis_x" ("id" INTEGER PRIMARY KEY AUTOINCREMENT, ` +
			`"dataset_id" INTEGER NOT NULL REFERENCES paineis_datasets(id), "slug" TEXT NOT NULL, ` +
			`"layout" TEXT, UNIQUE ("dataset_id", "slug"))`},
		{Postgres, `CREATE TABLE IF NOT EXISTS "paineis_x" ("id" BIGSERIAL PRIMARY KEY, ` +
			`"dataset_id" BIGINT NOT NULL REFERENCES paineis_datasets(id), "slug" VARCHAR(255) NOT NULL, ` +
			`"layout" TEXT, UNIQUE ("dataset_id", "slug"))`},
		{MSSQL, `IF OBJECT_ID(N'paineis_x', N'U') IS NULL CREATE TABLE [paineis_x] ([id] BIGINT IDENTITY(1,1) PRIMARY KEY, ` +
			`[dataset_id] BIGINT NOT NULL REFERENCES paineis_datasets(id), [slug] NVARCHAR(255) NOT NULL, ` +
			`[layout] NVARCHAR(MAX), UNIQUE ([dataset_id], [slug]))`},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.d.Name, func(t *testing.T) {
			t.Parallel()
			got, err := tt.d.CreateTableSQL(spec)
			if err != nil {
				t.Fatalf("CreateTableSQL: %v", err)
			}
			if got != tt.want {
				t.Fatalf("CreateTableSQL =\n%s\nwant\n%s", got, tt.want)
			}
		})
	}
}

func TestCreateTableSQL_Errors(t *testing.T) {
	t.Parallel()

	bad := []storage.TableSpec{
		{Name: " "},
		{Name: "t"},
		{Name: "t", Columns: []storage.ColumnSpec{{Name: "a", Type: "money"}}},
		{Name: "t", Columns: []storage.ColumnSpec{{Name: "a", Type: storage.TypeInt}},
			Constraints: []storage.ConstraintSpec{{Kind: "check", Columns: []string{"a"}}}},
	}
	for i, spec := range bad {
		if _, err := SQLite.CreateTableSQL(spec); err == nil {
			t.Fatalf("case %d: expected error for %+v", i, spec)
		}
	}
}

// TestSchemaRendersOnEveryDialect guards the shipped schema against types a
// dialect cannot map.
func TestSchemaRendersOnEveryDialect(t *testing.T) {
	t.Parallel()

	for _, d := range []Dialect{SQLite, Postgres, MSSQL} {
		for _, spec := range storage.Tables {
			if _, err := d.CreateTableSQL(spec); err != nil {
				t.Fatalf("%s: %v", d.Name, err)
			}
		}
	}
}

func TestRebindAndInsert(t *testing.T) {
	t.Parallel()

	q := "SELECT a FROM t WHERE b = ? AND c = ?"
	if got := SQLite.Rebind(q); got != q {
		t.Fatalf("sqlite Rebind = %q", got)
	}
	if got, want := Postgres.Rebind(q), "SELECT a FROM t WHERE b = $1 AND c = $2"; got != want {
		t.Fatalf("postgres Rebind = %q, want %q", got, want)
	}
	if got, want := MSSQL.Rebind(q), "SELECT a FROM t WHERE b = @p1 AND c = @p2"; got != want {
		t.Fatalf("mssql Rebind = %q, want %q", got, want)
	}

	if got, want := Postgres.InsertSQL("t", []string{"a", "b"}), "INSERT INTO t (a, b) VALUES ($1, $2) RETURNING id"; got != want {
		t.Fatalf("postgres InsertSQL = %q, want %q", got, want)
	}
	if got, want := MSSQL.InsertSQL("t", []string{"a"}), "INSERT INTO t (a) OUTPUT INSERTED.id VALUES (@p1)"; got != want {
		t.Fatalf("mssql InsertSQL = %q, want %q", got, want)
	}

	if got := MSSQL.SelectFirst("a", "FROM t WHERE b = ? ORDER BY a DESC"); !strings.HasPrefix(got, "SELECT TOP 1 a FROM t WHERE b = @p1") {
		t.Fatalf("mssql SelectFirst = %q", got)
	}
	if got := SQLite.SelectFirst("a", "FROM t ORDER BY a"); got != "SELECT a FROM t ORDER BY a LIMIT 1" {
		t.Fatalf("sqlite SelectFirst = %q", got)
	}
}
