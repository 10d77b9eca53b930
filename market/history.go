package market

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/jszwec/csvutil"
)

// HistoryDateLayout is the layout of the <DTYYYYMMDD> column.
const HistoryDateLayout = "20060102"

// HistoryColumns is the fixed header of an exported history file.
var HistoryColumns = []string{
	"<TICKER>", "<DTYYYYMMDD>", "<FIRST>", "<HIGH>", "<LOW>", "<CLOSE>",
	"<VALUE>", "<VOL>", "<OPENINT>", "<PER>", "<OPEN>", "<LAST>",
}

type historyRow struct {
	Ticker  string      `csv:"<TICKER>"`
	Date    historyDate `csv:"<DTYYYYMMDD>"`
	First   float64     `csv:"<FIRST>"`
	High    float64     `csv:"<HIGH>"`
	Low     float64     `csv:"<LOW>"`
	Close   float64     `csv:"<CLOSE>"`
	Value   flexInt     `csv:"<VALUE>"`
	Vol     flexInt     `csv:"<VOL>"`
	OpenInt flexInt     `csv:"<OPENINT>"`
	Per     string      `csv:"<PER>"`
	Open    float64     `csv:"<OPEN>"`
	Last    float64     `csv:"<LAST>"`
}

// historyDate decodes the <DTYYYYMMDD> column.
type historyDate time.Time

func (d *historyDate) UnmarshalText(b []byte) error {
	t, err := ParseHistoryDate(string(b))
	if err != nil {
		return err
	}
	*d = historyDate(t)
	return nil
}

// flexInt accepts plain integers and the float renderings the export
// sometimes uses for large values ("1.5E+10").
type flexInt int64

func (n *flexInt) UnmarshalText(b []byte) error {
	v, err := parseInteger(string(b))
	if err != nil {
		return fmt.Errorf("invalid integer %q", b)
	}
	*n = flexInt(v)
	return nil
}

// ParseHistory decodes an exported history file. Rows keep their source
// order and duplicate dates are kept as published.
func ParseHistory(data []byte) ([]HistoryRecord, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &ParseError{Source: "history", Reason: "empty file"}
		}
		return nil, &ParseError{Source: "history", Reason: "unreadable header", Err: err}
	}
	header = normalizeHeader(header)
	if missing := missingColumns(header); len(missing) > 0 {
		return nil, &ParseError{Source: "history", Reason: fmt.Sprintf("missing columns %v", missing)}
	}

	dec, err := csvutil.NewDecoder(r, header...)
	if err != nil {
		return nil, &ParseError{Source: "history", Reason: "invalid header", Err: err}
	}

	var records []HistoryRecord
	for row := 1; ; row++ {
		var raw historyRow
		if err := dec.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, &ParseError{Source: "history", Row: row, Reason: "malformed row", Err: err}
		}
		records = append(records, raw.record())
	}
	return records, nil
}

func normalizeHeader(header []string) []string {
	out := make([]string, len(header))
	for i, h := range header {
		out[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
	}
	return out
}

func missingColumns(header []string) []string {
	have := make(map[string]bool, len(header))
	for _, h := range header {
		have[h] = true
	}
	var missing []string
	for _, c := range HistoryColumns {
		if !have[c] {
			missing = append(missing, c)
		}
	}
	return missing
}

func (r historyRow) record() HistoryRecord {
	return HistoryRecord{
		TickerSymbol: strings.TrimSpace(r.Ticker),
		Date:         time.Time(r.Date),
		Open:         r.First,
		High:         r.High,
		Low:          r.Low,
		Close:        r.Close,
		Value:        int64(r.Value),
		Volume:       int64(r.Vol),
		OpenInterest: int64(r.OpenInt),
		Period:       strings.TrimSpace(r.Per),
		SessionOpen:  r.Open,
		SessionLast:  r.Last,
	}
}

// ParseHistoryDate parses a strict YYYYMMDD date into UTC midnight.
func ParseHistoryDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if len(s) != len(HistoryDateLayout) {
		return time.Time{}, fmt.Errorf("invalid date %q: want YYYYMMDD", s)
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return time.Time{}, fmt.Errorf("invalid date %q: want YYYYMMDD", s)
		}
	}
	t, err := time.ParseInLocation(HistoryDateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %v", s, err)
	}
	return t, nil
}

func parseInteger(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) >= math.MaxInt64 {
		return 0, fmt.Errorf("out of range")
	}
	return int64(math.Round(f)), nil
}
