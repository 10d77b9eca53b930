package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"tfinance/market"
)

// Options tunes the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// BusyTimeout applies to sqlite only.
	BusyTimeout time.Duration
	Logger      *zap.Logger
}

func DefaultOptions() Options {
	return Options{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		BusyTimeout:     5 * time.Second,
	}
}

// Store is the relational cache of listings, sectors and histories.
//
// Writes are serialized through a single store-wide lock, so two writers
// never interleave on the same table. Reads go through the pool and run
// concurrently with each other and with the writer.
type Store struct {
	db      *sqlx.DB
	dialect dialect
	logger  *zap.Logger

	writeMu sync.Mutex
}

// Open connects to the store named by dsn and verifies the connection.
func Open(ctx context.Context, dsn string, opts Options) (*Store, error) {
	defaults := DefaultOptions()
	if opts.MaxOpenConns == 0 {
		opts.MaxOpenConns = defaults.MaxOpenConns
	}
	if opts.MaxIdleConns == 0 {
		opts.MaxIdleConns = defaults.MaxIdleConns
	}
	if opts.ConnMaxLifetime == 0 {
		opts.ConnMaxLifetime = defaults.ConnMaxLifetime
	}
	if opts.BusyTimeout == 0 {
		opts.BusyTimeout = defaults.BusyTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	d, source, err := parseDSN(dsn, opts.BusyTimeout)
	if err != nil {
		return nil, &market.StorageError{Op: "open", Err: err}
	}
	if d.name == sqliteDialect.name && !strings.HasPrefix(source, "file::memory:") {
		if err := ensureDir(sqliteDir(source)); err != nil {
			return nil, &market.StorageError{Op: "open", Err: err}
		}
	}

	conn, err := sqlx.Open(d.driver, source)
	if err != nil {
		return nil, &market.StorageError{Op: "open", Err: err}
	}
	if strings.HasPrefix(source, "file::memory:") {
		// every new connection would see a fresh empty database
		opts.MaxOpenConns = 1
		opts.MaxIdleConns = 1
		opts.ConnMaxLifetime = 0
	}
	conn.SetMaxOpenConns(opts.MaxOpenConns)
	conn.SetMaxIdleConns(opts.MaxIdleConns)
	conn.SetConnMaxLifetime(opts.ConnMaxLifetime)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, &market.StorageError{Op: "open", Err: err}
	}

	logger.Info("store opened", zap.String("dialect", d.name))
	return &Store{db: conn, dialect: d, logger: logger}, nil
}

// sqliteDir returns the directory of the database file behind a sqlite
// source, without the query string or a file: URI prefix.
func sqliteDir(source string) string {
	path, _, _ := strings.Cut(source, "?")
	path = strings.TrimPrefix(path, "file:")
	return filepath.Dir(path)
}

func ensureDir(dir string) error {
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Dialect reports the engine behind the store, "sqlite" or "postgres".
func (s *Store) Dialect() string {
	return s.dialect.name
}

// TableExists reports whether name is present. It does not look at the
// table's contents.
func (s *Store) TableExists(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.db.Rebind(s.dialect.tableExistsQuery()), name)
	if err != nil {
		return false, &market.StorageError{Op: "exists", Table: name, Err: err}
	}
	return n > 0, nil
}

// WriteTable replaces name with rows. The new contents are built in a
// staging table and swapped in inside one transaction, so readers see the
// old table or the new one and never a mix. Unless the schema upserts, a
// primary key violation fails the whole write and leaves the old table
// untouched.
func (s *Store) WriteTable(ctx context.Context, name string, schema Schema, rows [][]any) error {
	if err := schema.Validate(); err != nil {
		return &market.StorageError{Op: "write", Table: name, Err: err}
	}
	for i, row := range rows {
		if len(row) != len(schema.Columns) {
			return &market.StorageError{Op: "write", Table: name,
				Err: fmt.Errorf("row %d has %d values, want %d", i, len(row), len(schema.Columns))}
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	start := time.Now()
	if err := s.replace(ctx, name, schema, rows); err != nil {
		return &market.StorageError{Op: "write", Table: name, Err: err}
	}
	s.logger.Debug("table replaced",
		zap.String("table", name),
		zap.Int("rows", len(rows)),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (s *Store) replace(ctx context.Context, name string, schema Schema, rows [][]any) (err error) {
	staging := name + "__staging"

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	stmts := []string{
		"DROP TABLE IF EXISTS " + quoteIdent(staging),
		schema.createSQL(s.dialect, staging),
	}
	for _, q := range stmts {
		if _, err = tx.ExecContext(ctx, q); err != nil {
			return err
		}
	}

	if len(rows) > 0 {
		var stmt *sqlx.Stmt
		stmt, err = tx.PreparexContext(ctx, tx.Rebind(schema.insertSQL(s.dialect, staging)))
		if err != nil {
			return err
		}
		err = insertRows(ctx, stmt, rows)
		stmt.Close()
		if err != nil {
			return err
		}
	}

	stmts = append([]string{"DROP TABLE IF EXISTS " + quoteIdent(name)},
		s.dialect.renameStatements(staging, name)...)
	for _, q := range stmts {
		if _, err = tx.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertRows(ctx context.Context, stmt *sqlx.Stmt, rows [][]any) error {
	for i, row := range rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return fmt.Errorf("insert row %d: %w", i+1, err)
		}
	}
	return nil
}

// ReadTable returns every row of name ordered by the primary key.
func (s *Store) ReadTable(ctx context.Context, name string, schema Schema) ([][]any, error) {
	rows, err := s.db.QueryxContext(ctx, schema.selectSQL(name))
	if err != nil {
		return nil, &market.StorageError{Op: "read", Table: name, Err: err}
	}
	defer rows.Close()

	var out [][]any
	for rows.Next() {
		row, err := rows.SliceScan()
		if err != nil {
			return nil, &market.StorageError{Op: "read", Table: name, Err: err}
		}
		for i, v := range row {
			if b, ok := v.([]byte); ok {
				row[i] = string(b)
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, &market.StorageError{Op: "read", Table: name, Err: err}
	}
	return out, nil
}

func (s *Store) DropTable(ctx context.Context, name string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(name)); err != nil {
		return &market.StorageError{Op: "drop", Table: name, Err: err}
	}
	return nil
}

func (s *Store) SaveInstruments(ctx context.Context, instruments []market.Instrument) error {
	rows := make([][]any, len(instruments))
	for i, in := range instruments {
		rows[i] = []any{in.ID, in.Name, in.Ticker, in.LatinName, in.LatinTicker,
			in.Sector, in.Market, in.SubMarket, in.TickerCode}
	}
	return s.WriteTable(ctx, TickersTable, InstrumentSchema, rows)
}

func (s *Store) LoadInstruments(ctx context.Context) ([]market.Instrument, error) {
	var out []market.Instrument
	if err := s.db.SelectContext(ctx, &out, InstrumentSchema.selectSQL(TickersTable)); err != nil {
		return nil, &market.StorageError{Op: "read", Table: TickersTable, Err: err}
	}
	return out, nil
}

// FilterInstruments returns the instruments matching every set field of sel,
// ordered by id. A zero selector matches everything.
func (s *Store) FilterInstruments(ctx context.Context, sel market.Selector) ([]market.Instrument, error) {
	fields := sel.Fields()
	cols := make([]string, 0, len(fields))
	for col := range fields {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	q := fmt.Sprintf("SELECT %s FROM %s", InstrumentSchema.columnList(), quoteIdent(TickersTable))
	args := make([]any, 0, len(cols))
	if len(cols) > 0 {
		conds := make([]string, len(cols))
		for i, col := range cols {
			conds[i] = quoteIdent(col) + " = ?"
			args = append(args, fields[col])
		}
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += ` ORDER BY "id"`

	var out []market.Instrument
	if err := s.db.SelectContext(ctx, &out, s.db.Rebind(q), args...); err != nil {
		return nil, &market.StorageError{Op: "filter", Table: TickersTable, Err: err}
	}
	return out, nil
}

func (s *Store) SaveSectors(ctx context.Context, sectors []market.Sector) error {
	rows := make([][]any, len(sectors))
	for i, sec := range sectors {
		rows[i] = []any{sec.Code, sec.Name}
	}
	return s.WriteTable(ctx, SectorsTable, SectorSchema, rows)
}

func (s *Store) LoadSectors(ctx context.Context) ([]market.Sector, error) {
	var out []market.Sector
	if err := s.db.SelectContext(ctx, &out, SectorSchema.selectSQL(SectorsTable)); err != nil {
		return nil, &market.StorageError{Op: "read", Table: SectorsTable, Err: err}
	}
	return out, nil
}

// SaveHistory replaces the history table of instrument id. Rows sharing a
// date collapse into the last one.
func (s *Store) SaveHistory(ctx context.Context, id string, records []market.HistoryRecord) error {
	rows := make([][]any, len(records))
	for i, r := range records {
		rows[i] = []any{r.TickerSymbol, r.Date.UTC(), r.Open, r.High, r.Low, r.Close,
			r.Value, r.Volume, r.OpenInterest, r.Period, r.SessionOpen, r.SessionLast}
	}
	return s.WriteTable(ctx, id, HistorySchema, rows)
}

// LoadHistory returns the history of instrument id in date order.
func (s *Store) LoadHistory(ctx context.Context, id string) ([]market.HistoryRecord, error) {
	var out []market.HistoryRecord
	if err := s.db.SelectContext(ctx, &out, HistorySchema.selectSQL(id)); err != nil {
		return nil, &market.StorageError{Op: "read", Table: id, Err: err}
	}
	for i := range out {
		out[i].Date = out[i].Date.UTC()
	}
	return out, nil
}
