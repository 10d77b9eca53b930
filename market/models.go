package market

import "time"

// Instrument is a single tradable ticker as listed on the exchange.
type Instrument struct {
	ID          string `json:"id" db:"id"`
	Name        string `json:"name" db:"name"`
	Ticker      string `json:"ticker" db:"ticker"`
	LatinName   string `json:"latin_name" db:"latin_name"`
	LatinTicker string `json:"latin_ticker" db:"latin_ticker"`
	Sector      string `json:"sector" db:"sector"`
	Market      string `json:"market" db:"market"`
	SubMarket   string `json:"sub_market" db:"sub_market"`
	TickerCode  string `json:"ticker_code" db:"ticker_code"`
}

type Sector struct {
	Code string `json:"code" db:"code"`
	Name string `json:"name" db:"name"`
}

// HistoryRecord is one daily row of an instrument's exported history.
// Open/SessionOpen and Close/SessionLast mirror the FIRST/OPEN and CLOSE/LAST
// columns of the export, which are kept side by side.
type HistoryRecord struct {
	TickerSymbol string    `json:"ticker" db:"<TICKER>"`
	Date         time.Time `json:"date" db:"<DTYYYYMMDD>"`
	Open         float64   `json:"first" db:"<FIRST>"`
	High         float64   `json:"high" db:"<HIGH>"`
	Low          float64   `json:"low" db:"<LOW>"`
	Close        float64   `json:"close" db:"<CLOSE>"`
	Value        int64     `json:"value" db:"<VALUE>"`
	Volume       int64     `json:"volume" db:"<VOL>"`
	OpenInterest int64     `json:"open_interest" db:"<OPENINT>"`
	Period       string    `json:"period" db:"<PER>"`
	SessionOpen  float64   `json:"open" db:"<OPEN>"`
	SessionLast  float64   `json:"last" db:"<LAST>"`
}

// Variants is the suffix partition of a listing. Only Primary forms the
// canonical instrument set.
type Variants struct {
	Primary []Instrument
	RClass  []Instrument
	DClass  []Instrument
}

// Selector filters instruments by exact match on every non-empty field.
type Selector struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name,omitempty"`
	Ticker      string `json:"ticker,omitempty"`
	LatinName   string `json:"latin_name,omitempty"`
	LatinTicker string `json:"latin_ticker,omitempty"`
	Sector      string `json:"sector,omitempty"`
	Market      string `json:"market,omitempty"`
	SubMarket   string `json:"sub_market,omitempty"`
	TickerCode  string `json:"ticker_code,omitempty"`
}

// Fields returns the selector as column/value pairs, skipping empty fields.
// Keys are the persisted column names.
func (s Selector) Fields() map[string]string {
	all := map[string]string{
		"id":           s.ID,
		"name":         s.Name,
		"ticker":       s.Ticker,
		"latin_name":   s.LatinName,
		"latin_ticker": s.LatinTicker,
		"sector":       s.Sector,
		"market":       s.Market,
		"sub_market":   s.SubMarket,
		"ticker_code":  s.TickerCode,
	}
	out := make(map[string]string, len(all))
	for k, v := range all {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

func (s Selector) IsZero() bool {
	return len(s.Fields()) == 0
}

// Matches reports whether inst satisfies every field set on s.
func (s Selector) Matches(inst Instrument) bool {
	for col, want := range s.Fields() {
		if inst.Field(col) != want {
			return false
		}
	}
	return true
}

// Field returns the value of the persisted column col.
func (i Instrument) Field(col string) string {
	switch col {
	case "id":
		return i.ID
	case "name":
		return i.Name
	case "ticker":
		return i.Ticker
	case "latin_name":
		return i.LatinName
	case "latin_ticker":
		return i.LatinTicker
	case "sector":
		return i.Sector
	case "market":
		return i.Market
	case "sub_market":
		return i.SubMarket
	case "ticker_code":
		return i.TickerCode
	}
	return ""
}

// IDs returns the instrument ids in order.
func IDs(instruments []Instrument) []string {
	ids := make([]string, len(instruments))
	for i, inst := range instruments {
		ids[i] = inst.ID
	}
	return ids
}
