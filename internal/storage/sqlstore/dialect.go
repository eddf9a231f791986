package sqlstore

import (
	"fmt"
	"strings"
	"time"

	"paineis/internal/storage"
)

// Dialect captures the SQL differences between backends: column types,
// placeholders, identifier quoting, create-if-missing DDL, how an insert
// hands back the generated id, and how a single row is selected.
type Dialect struct {
	Name string

	types       map[string]string
	placeholder func(n int) string
	quote       func(id string) string
	createTable func(name, body string) string
	// outputInserted selects "OUTPUT INSERTED.id" (SQL Server) instead of
	// "RETURNING id".
	outputInserted bool
	// top selects "SELECT TOP 1" instead of "LIMIT 1".
	top bool
	// timeArg converts a timestamp into the value bound for the driver.
	timeArg func(t time.Time) any
}

// SQLite stores timestamps as RFC3339Nano text for reliable round trips
// through modernc.org/sqlite.
var SQLite = Dialect{
	Name: "sqlite",
	types: map[string]string{
		storage.TypeID:        "INTEGER PRIMARY KEY AUTOINCREMENT",
		storage.TypeBigInt:    "INTEGER",
		storage.TypeInt:       "INTEGER",
		storage.TypeString:    "TEXT",
		storage.TypeText:      "TEXT",
		storage.TypeBool:      "INTEGER",
		storage.TypeTimestamp: "TEXT",
	},
	placeholder: func(int) string { return "?" },
	quote:       doubleQuote,
	createTable: func(name, body string) string {
		return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", doubleQuote(name), body)
	},
	timeArg: func(t time.Time) any { return t.UTC().Format(time.RFC3339Nano) },
}

var Postgres = Dialect{
	Name: "postgres",
	types: map[string]string{
		storage.TypeID:        "BIGSERIAL PRIMARY KEY",
		storage.TypeBigInt:    "BIGINT",
		storage.TypeInt:       "INTEGER",
		storage.TypeString:    "VARCHAR(255)",
		storage.TypeText:      "TEXT",
		storage.TypeBool:      "BOOLEAN",
		storage.TypeTimestamp: "TIMESTAMPTZ",
	},
	placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	quote:       doubleQuote,
	createTable: func(name, body string) string {
		return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", doubleQuote(name), body)
	},
	timeArg: func(t time.Time) any { return t.UTC() },
}

var MSSQL = Dialect{
	Name: "mssql",
	types: map[string]string{
		storage.TypeID:        "BIGINT IDENTITY(1,1) PRIMARY KEY",
		storage.TypeBigInt:    "BIGINT",
		storage.TypeInt:       "INT",
		storage.TypeString:    "NVARCHAR(255)",
		storage.TypeText:      "NVARCHAR(MAX)",
		storage.TypeBool:      "BIT",
		storage.TypeTimestamp: "DATETIMEOFFSET",
	},
	placeholder: func(n int) string { return fmt.Sprintf("@p%d", n) },
	quote:       bracketQuote,
	createTable: func(name, body string) string {
		return fmt.Sprintf(
			"IF OBJECT_ID(N'%s', N'U') IS NULL CREATE TABLE %s (%s)",
			strings.ReplaceAll(name, "'", "''"), bracketQuote(name), body,
		)
	},
	outputInserted: true,
	top:            true,
	timeArg:        func(t time.Time) any { return t.UTC() },
}

func doubleQuote(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

// bracketQuote returns a bracket-quoted identifier, escaping ']' as ']]'.
func bracketQuote(id string) string {
	return "[" + strings.ReplaceAll(id, "]", "]]") + "]"
}

// CreateTableSQL renders the create-if-missing DDL for t.
//
// Columns are NOT NULL unless marked nullable; the id column carries the
// primary key. Only "unique" constraints are supported.
func (d Dialect) CreateTableSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("table name is empty")
	}
	if len(t.Columns) == 0 {
		return "", fmt.Errorf("table %s has no columns", t.Name)
	}

	defs := make([]string, 0, len(t.Columns)+len(t.Constraints))
	for _, c := range t.Columns {
		typ, ok := d.types[c.Type]
		if !ok {
			return "", fmt.Errorf("%s: unsupported column type %q for %s.%s", d.Name, c.Type, t.Name, c.Name)
		}
		def := d.quote(c.Name) + " " + typ
		if c.Type != storage.TypeID && !c.Nullable {
			def += " NOT NULL"
		}
		if c.References != "" {
			def += " REFERENCES " + c.References
		}
		defs = append(defs, def)
	}
	for _, k := range t.Constraints {
		if k.Kind != "unique" {
			return "", fmt.Errorf("%s: unsupported constraint %q on %s", d.Name, k.Kind, t.Name)
		}
		quoted := make([]string, len(k.Columns))
		for i, c := range k.Columns {
			quoted[i] = d.quote(c)
		}
		defs = append(defs, "UNIQUE ("+strings.Join(quoted, ", ")+")")
	}
	return d.createTable(t.Name, strings.Join(defs, ", ")), nil
}

// Rebind rewrites '?' placeholders into the dialect's form. Queries in this
// package never contain a literal '?'.
func (d Dialect) Rebind(q string) string {
	if d.placeholder(1) == "?" {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 16)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteString(d.placeholder(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// InsertSQL builds an INSERT that returns the generated id as its only
// result column.
func (d Dialect) InsertSQL(table string, columns []string) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")
	b.WriteString(strings.Join(columns, ", "))
	b.WriteString(")")
	if d.outputInserted {
		b.WriteString(" OUTPUT INSERTED.id")
	}
	b.WriteString(" VALUES (")
	b.WriteString(strings.TrimRight(strings.Repeat("?, ", len(columns)), ", "))
	b.WriteString(")")
	if !d.outputInserted {
		b.WriteString(" RETURNING id")
	}
	return d.Rebind(b.String())
}

// SelectFirst builds "SELECT <cols> <rest>" limited to one row.
func (d Dialect) SelectFirst(cols, rest string) string {
	if d.top {
		return d.Rebind("SELECT TOP 1 " + cols + " " + rest)
	}
	return d.Rebind("SELECT " + cols + " " + rest + " LIMIT 1")
}
