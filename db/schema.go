package db

import (
	"fmt"
	"strings"
)

type ColumnType int

const (
	Text ColumnType = iota
	Date
	Float
	Int
)

type Column struct {
	Name string
	Type ColumnType
}

// Schema describes a persisted table. PrimaryKey names one of Columns.
type Schema struct {
	Columns    []Column
	PrimaryKey string
	// Upsert keeps the last row written for a primary key instead of
	// failing the write.
	Upsert bool
}

const (
	TickersTable = "tickers"
	SectorsTable = "sectors"
)

var (
	InstrumentSchema = Schema{
		Columns: []Column{
			{"id", Text},
			{"name", Text},
			{"ticker", Text},
			{"latin_name", Text},
			{"latin_ticker", Text},
			{"sector", Text},
			{"market", Text},
			{"sub_market", Text},
			{"ticker_code", Text},
		},
		PrimaryKey: "id",
	}

	SectorSchema = Schema{
		Columns: []Column{
			{"code", Text},
			{"name", Text},
		},
		PrimaryKey: "code",
	}

	// HistorySchema keeps the export's header names as column names.
	HistorySchema = Schema{
		Columns: []Column{
			{"<TICKER>", Text},
			{"<DTYYYYMMDD>", Date},
			{"<FIRST>", Float},
			{"<HIGH>", Float},
			{"<LOW>", Float},
			{"<CLOSE>", Float},
			{"<VALUE>", Int},
			{"<VOL>", Int},
			{"<OPENINT>", Int},
			{"<PER>", Text},
			{"<OPEN>", Float},
			{"<LAST>", Float},
		},
		PrimaryKey: "<DTYYYYMMDD>",
		Upsert:     true,
	}
)

func (s Schema) Validate() error {
	if len(s.Columns) == 0 {
		return fmt.Errorf("schema has no columns")
	}
	seen := make(map[string]bool, len(s.Columns))
	for _, c := range s.Columns {
		if c.Name == "" {
			return fmt.Errorf("schema has an unnamed column")
		}
		if seen[c.Name] {
			return fmt.Errorf("duplicate column %q", c.Name)
		}
		seen[c.Name] = true
	}
	if s.PrimaryKey != "" && !seen[s.PrimaryKey] {
		return fmt.Errorf("primary key %q is not a column", s.PrimaryKey)
	}
	return nil
}

func (s Schema) columnList() string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = quoteIdent(c.Name)
	}
	return strings.Join(names, ", ")
}

func (s Schema) createSQL(d dialect, table string) string {
	defs := make([]string, 0, len(s.Columns)+1)
	for _, c := range s.Columns {
		defs = append(defs, fmt.Sprintf("%s %s", quoteIdent(c.Name), d.columnType(c.Type)))
	}
	if s.PrimaryKey != "" {
		defs = append(defs, fmt.Sprintf("CONSTRAINT %s PRIMARY KEY (%s)",
			quoteIdent(pkeyName(table)), quoteIdent(s.PrimaryKey)))
	}
	return fmt.Sprintf("CREATE TABLE %s (\n    %s\n)", quoteIdent(table), strings.Join(defs, ",\n    "))
}

func (s Schema) insertSQL(d dialect, table string) string {
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(s.Columns)), ", ")
	if !s.Upsert || s.PrimaryKey == "" {
		return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", quoteIdent(table), s.columnList(), marks)
	}
	if d.name == postgresDialect.name {
		sets := make([]string, 0, len(s.Columns))
		for _, c := range s.Columns {
			if c.Name == s.PrimaryKey {
				continue
			}
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", quoteIdent(c.Name), quoteIdent(c.Name)))
		}
		action := "DO NOTHING"
		if len(sets) > 0 {
			action = "DO UPDATE SET " + strings.Join(sets, ", ")
		}
		return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) %s",
			quoteIdent(table), s.columnList(), marks, quoteIdent(s.PrimaryKey), action)
	}
	return fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)", quoteIdent(table), s.columnList(), marks)
}

func (s Schema) selectSQL(table string) string {
	q := fmt.Sprintf("SELECT %s FROM %s", s.columnList(), quoteIdent(table))
	if s.PrimaryKey != "" {
		q += " ORDER BY " + quoteIdent(s.PrimaryKey)
	}
	return q
}
