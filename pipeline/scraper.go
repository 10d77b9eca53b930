package pipeline

import (
	"context"

	"tfinance/market"
)

// Scraper is the capability set of an update cycle. Implementations decide
// how each artifact is sourced; the facade only drives them.
type Scraper interface {
	// Update refreshes tickers, sectors and then the history of every
	// resolved instrument.
	Update(ctx context.Context) (*UpdateReport, error)
	UpdateTickers(ctx context.Context) ([]market.Instrument, error)
	UpdateSectors(ctx context.Context) ([]market.Sector, error)
	UpdateHistory(ctx context.Context, ids []string) (*BatchReport, error)
}

// Forcer is implemented by scrapers that can run a full re-scrape that
// ignores what is already cached.
type Forcer interface {
	Forced() (Scraper, error)
}

// Source fetches the raw upstream artifacts. *market.Fetcher implements it.
type Source interface {
	FetchListing(ctx context.Context) ([]byte, error)
	FetchSectors(ctx context.Context) ([]byte, error)
	FetchHistory(ctx context.Context, id string) (*market.HistoryPayload, error)
}

// Store is the persistence a scraper needs. *db.Store implements it.
type Store interface {
	TableChecker
	SaveInstruments(ctx context.Context, instruments []market.Instrument) error
	LoadInstruments(ctx context.Context) ([]market.Instrument, error)
	SaveSectors(ctx context.Context, sectors []market.Sector) error
	LoadSectors(ctx context.Context) ([]market.Sector, error)
	SaveHistory(ctx context.Context, id string, records []market.HistoryRecord) error
}

type TableChecker interface {
	TableExists(ctx context.Context, name string) (bool, error)
}
