// Package tse is the read facade over the scraped exchange data.
package tse

import (
	"context"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"tfinance/db"
	"tfinance/market"
	"tfinance/pipeline"
)

const DefaultCacheSize = 512

type Options struct {
	// DSN locates the store, see db.Open.
	DSN          string
	StoreOptions db.Options
	ScratchDir   string
	Workers      int
	// Preload loads every instrument's history into memory on Open.
	Preload bool
	// CacheSize bounds the number of histories kept in memory.
	CacheSize  int
	Fetcher    market.FetcherConfig
	FoldArabic bool
	// Scraper replaces the default TSEScraper. It must write into the same
	// store as DSN.
	Scraper  pipeline.Scraper
	Observer pipeline.Observer
	Logger   *zap.Logger
}

// Market is an open handle on the local cache of the exchange. Construct it
// with Open and release it with Close; it is safe for concurrent use.
type Market struct {
	opts      Options
	store     *db.Store
	scraper   pipeline.Scraper
	logger    *zap.Logger
	histories *lru.Cache[string, []market.HistoryRecord]
	// loads collapses concurrent history loads of one id.
	loads singleflight.Group

	mu      sync.RWMutex
	tickers []market.Instrument
	sectors []market.Sector
	report  *pipeline.UpdateReport

	refreshMu sync.Mutex
}

// Open runs one update cycle and snapshots the resulting tickers and
// sectors. A batch where every history fetch failed is logged and does not
// fail Open; missing histories are fetched again on demand.
func Open(ctx context.Context, opts Options) (*Market, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	opts.StoreOptions.Logger = logger

	store, err := db.Open(ctx, opts.DSN, opts.StoreOptions)
	if err != nil {
		return nil, err
	}

	m := &Market{opts: opts, store: store, logger: logger}
	if err := m.init(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return m, nil
}

func (m *Market) init(ctx context.Context) error {
	m.scraper = m.opts.Scraper
	if m.scraper == nil {
		var parseOpts []market.ParseOption
		if m.opts.FoldArabic {
			parseOpts = append(parseOpts, market.WithArabicFolding(true))
		}
		fetcher := market.NewFetcher(m.opts.Fetcher, market.WithFetcherLogger(m.logger))
		scraper, err := pipeline.NewTSEScraper(pipeline.Config{
			Workers:      m.opts.Workers,
			ScratchDir:   m.opts.ScratchDir,
			Observer:     m.opts.Observer,
			Logger:       m.logger,
			ParseOptions: parseOpts,
		}, fetcher, m.store)
		if err != nil {
			return err
		}
		m.scraper = scraper
	}

	report, err := m.scraper.Update(ctx)
	if err := tolerable(err); err != nil {
		return err
	}
	if err != nil {
		m.logger.Warn("history unavailable, will load on demand", zap.Error(err))
	}
	return m.load(ctx, report)
}

// tolerable drops errors that leave the store usable.
func tolerable(err error) error {
	var serr *market.ScrapeError
	if errors.As(err, &serr) {
		return nil
	}
	return err
}

func (m *Market) load(ctx context.Context, report *pipeline.UpdateReport) error {
	tickers, err := m.store.LoadInstruments(ctx)
	if err != nil {
		return err
	}
	sectors, err := m.store.LoadSectors(ctx)
	if err != nil {
		return err
	}

	size := m.opts.CacheSize
	if m.opts.Preload && len(tickers) > size {
		size = len(tickers)
	}
	histories, err := lru.New[string, []market.HistoryRecord](size)
	if err != nil {
		return fmt.Errorf("history cache: %w", err)
	}

	if m.opts.Preload {
		if err := m.preload(ctx, histories, tickers); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.tickers = tickers
	m.sectors = sectors
	m.report = report
	m.histories = histories
	m.mu.Unlock()
	return nil
}

func (m *Market) preload(ctx context.Context, cache *lru.Cache[string, []market.HistoryRecord], tickers []market.Instrument) error {
	for _, t := range tickers {
		ok, err := m.store.TableExists(ctx, t.ID)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		records, err := m.store.LoadHistory(ctx, t.ID)
		if err != nil {
			return err
		}
		cache.Add(t.ID, records)
	}
	m.logger.Info("histories preloaded", zap.Int("instruments", cache.Len()))
	return nil
}

func (m *Market) Close() error {
	return m.store.Close()
}

// Tickers returns the instrument snapshot taken by the last update.
func (m *Market) Tickers() []market.Instrument {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]market.Instrument(nil), m.tickers...)
}

func (m *Market) Sectors() []market.Sector {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]market.Sector(nil), m.sectors...)
}

// Report returns the report of the last update cycle.
func (m *Market) Report() *pipeline.UpdateReport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.report == nil {
		return nil
	}
	r := *m.report
	return &r
}

// FetchTickersFilteredBy returns every stored instrument matching sel,
// ordered by id.
func (m *Market) FetchTickersFilteredBy(ctx context.Context, sel market.Selector) ([]market.Instrument, error) {
	return m.store.FilterInstruments(ctx, sel)
}

// Resolve returns the instrument sel designates. When sel matches several
// instruments the one with the lowest id wins. A zero selector designates
// nothing.
func (m *Market) Resolve(ctx context.Context, sel market.Selector) (market.Instrument, error) {
	if sel.IsZero() {
		return market.Instrument{}, &market.NotFoundError{Selector: sel}
	}
	rows, err := m.FetchTickersFilteredBy(ctx, sel)
	if err != nil {
		return market.Instrument{}, err
	}
	if len(rows) == 0 {
		return market.Instrument{}, &market.NotFoundError{Selector: sel}
	}
	if len(rows) > 1 {
		m.logger.Warn("ambiguous selector, using first match",
			zap.Any("selector", sel.Fields()),
			zap.Int("matches", len(rows)),
			zap.String("id", rows[0].ID))
	}
	return rows[0], nil
}

// FetchHistory returns the history of the instrument sel designates. A
// history that is not in the store yet is scraped first.
func (m *Market) FetchHistory(ctx context.Context, sel market.Selector) ([]market.HistoryRecord, error) {
	inst, err := m.Resolve(ctx, sel)
	if err != nil {
		return nil, err
	}
	return m.history(ctx, inst.ID)
}

func (m *Market) history(ctx context.Context, id string) ([]market.HistoryRecord, error) {
	m.mu.RLock()
	cache := m.histories
	m.mu.RUnlock()

	if records, ok := cache.Get(id); ok {
		return append([]market.HistoryRecord(nil), records...), nil
	}

	v, err, shared := m.loads.Do(id, func() (any, error) {
		return m.loadHistory(ctx, cache, id)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		m.logger.Debug("history load shared", zap.String("id", id))
	}
	return append([]market.HistoryRecord(nil), v.([]market.HistoryRecord)...), nil
}

// loadHistory reads id from the store into cache, scraping it first when
// the table is missing.
func (m *Market) loadHistory(ctx context.Context, cache *lru.Cache[string, []market.HistoryRecord], id string) ([]market.HistoryRecord, error) {
	ok, err := m.store.TableExists(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		m.logger.Info("history not cached, scraping", zap.String("id", id))
		if _, err := m.scraper.UpdateHistory(ctx, []string{id}); err != nil {
			return nil, err
		}
	}

	records, err := m.store.LoadHistory(ctx, id)
	if err != nil {
		return nil, err
	}
	cache.Add(id, records)
	return records, nil
}

// Refresh re-scrapes everything regardless of what is cached, then swaps in
// the new snapshot and drops the in-memory histories.
func (m *Market) Refresh(ctx context.Context) (*pipeline.UpdateReport, error) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	scraper := m.scraper
	if f, ok := scraper.(pipeline.Forcer); ok {
		forced, err := f.Forced()
		if err != nil {
			return nil, err
		}
		scraper = forced
	}

	report, err := scraper.Update(ctx)
	if err := tolerable(err); err != nil {
		return report, err
	}
	if err != nil {
		m.logger.Warn("refresh finished without histories", zap.Error(err))
	}
	if err := m.load(ctx, report); err != nil {
		return report, err
	}
	return report, nil
}
