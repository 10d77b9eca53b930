package db

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// dialect holds the statements that differ between the supported engines.
type dialect struct {
	name   string
	driver string
	types  map[ColumnType]string
}

var (
	sqliteDialect = dialect{
		name:   "sqlite",
		driver: "sqlite3",
		types: map[ColumnType]string{
			Text:  "TEXT",
			Date:  "DATETIME",
			Float: "REAL",
			Int:   "INTEGER",
		},
	}
	postgresDialect = dialect{
		name:   "postgres",
		driver: "pgx",
		types: map[ColumnType]string{
			Text:  "TEXT",
			Date:  "TIMESTAMP",
			Float: "DOUBLE PRECISION",
			Int:   "BIGINT",
		},
	}
)

// parseDSN maps a store location to a dialect and a driver data source.
//
//	sqlite:///var/lib/tfinance.db  -> sqlite3 /var/lib/tfinance.db
//	sqlite://tfinance.db          -> sqlite3 tfinance.db
//	tfinance.db                   -> sqlite3 tfinance.db
//	postgres://user@host/db       -> pgx, unchanged
func parseDSN(dsn string, busyTimeout time.Duration) (dialect, string, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return dialect{}, "", fmt.Errorf("empty store dsn")
	}

	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		if _, err := url.Parse(dsn); err != nil {
			return dialect{}, "", fmt.Errorf("invalid postgres dsn: %w", err)
		}
		return postgresDialect, dsn, nil
	case strings.HasPrefix(dsn, "sqlite://"):
		dsn = strings.TrimPrefix(dsn, "sqlite://")
		if strings.HasPrefix(dsn, "//") {
			dsn = dsn[1:]
		}
	case strings.Contains(dsn, "://"):
		return dialect{}, "", fmt.Errorf("unsupported store scheme in %q", dsn)
	}

	if dsn == "" || dsn == "/" {
		return dialect{}, "", fmt.Errorf("sqlite dsn has no path")
	}
	return sqliteDialect, sqliteSource(dsn, busyTimeout), nil
}

// memoryPath opens a private in-memory database, limited to one connection.
const memoryPath = ":memory:"

func sqliteSource(path string, busyTimeout time.Duration) string {
	if path == memoryPath {
		return fmt.Sprintf("file::memory:?_busy_timeout=%d", busyTimeout.Milliseconds())
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_journal_mode=WAL&_busy_timeout=%d&_synchronous=NORMAL&_foreign_keys=on",
		path, sep, busyTimeout.Milliseconds())
}

func (d dialect) columnType(t ColumnType) string {
	if s, ok := d.types[t]; ok {
		return s
	}
	return "TEXT"
}

func (d dialect) tableExistsQuery() string {
	if d.name == "postgres" {
		return `SELECT COUNT(*) FROM information_schema.tables
            WHERE table_schema = current_schema() AND table_name = ?`
	}
	return `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`
}

// renameStatements swaps a staging table into place. Postgres also renames
// the primary key index, whose name would otherwise keep the staging prefix
// and collide on the next replace.
func (d dialect) renameStatements(staging, table string) []string {
	stmts := []string{
		fmt.Sprintf("ALTER TABLE %s RENAME TO %s", quoteIdent(staging), quoteIdent(table)),
	}
	if d.name == "postgres" {
		stmts = append(stmts, fmt.Sprintf("ALTER INDEX IF EXISTS %s RENAME TO %s",
			quoteIdent(pkeyName(staging)), quoteIdent(pkeyName(table))))
	}
	return stmts
}

func pkeyName(table string) string {
	return table + "_pkey"
}

// quoteIdent quotes a table or column name. Instrument ids are numeric and
// history columns contain angle brackets, so every identifier is quoted.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
