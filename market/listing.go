package market

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// GridSelector locates the data table on the listing and sector pages.
const GridSelector = "table#tblToGrid"

const (
	listingColumns = 8
	sectorColumns  = 2

	RClassSuffix = "-R"
	DClassSuffix = "-D"
)

var idPattern = regexp.MustCompile(`.*code=([^&#]+)`)

// gridRows returns the data rows of the grid table, header row excluded.
func gridRows(source string, html []byte) (*goquery.Selection, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, &ParseError{Source: source, Reason: "invalid html", Err: err}
	}
	table := doc.Find(GridSelector).First()
	if table.Length() == 0 {
		return nil, &ParseError{Source: source, Reason: fmt.Sprintf("table %q not found", GridSelector)}
	}
	rows := table.Find("tr")
	if rows.Length() == 0 {
		return rows, nil
	}
	return rows.Slice(1, goquery.ToEnd), nil
}

// ParseListing extracts the instrument rows of the listing page in page
// order. A missing table or a short row aborts the whole parse: skipping a
// row would silently shift every id after it.
func ParseListing(html []byte, opts ...ParseOption) ([]Instrument, error) {
	o := newParseOptions(opts)

	rows, err := gridRows("listing", html)
	if err != nil {
		return nil, err
	}

	instruments := make([]Instrument, 0, rows.Length())
	var parseErr error
	rows.EachWithBreak(func(i int, tr *goquery.Selection) bool {
		cells := tr.Find("td")
		if cells.Length() < listingColumns {
			parseErr = &ParseError{
				Source: "listing",
				Row:    i + 1,
				Reason: fmt.Sprintf("expected %d cells, got %d", listingColumns, cells.Length()),
			}
			return false
		}

		cell := func(n int) string { return o.clean(cells.Eq(n).Text()) }

		href, ok := cells.Eq(7).Find("a").Attr("href")
		if !ok {
			parseErr = &ParseError{Source: "listing", Row: i + 1, Reason: "instrument link missing"}
			return false
		}
		m := idPattern.FindStringSubmatch(href)
		if m == nil {
			parseErr = &ParseError{Source: "listing", Row: i + 1, Reason: fmt.Sprintf("no id in link %q", href)}
			return false
		}

		instruments = append(instruments, Instrument{
			TickerCode:  cell(0),
			Market:      cell(1),
			Sector:      cell(2),
			SubMarket:   cell(3),
			LatinTicker: cell(4),
			LatinName:   cell(5),
			Ticker:      cell(6),
			Name:        cell(7),
			ID:          strings.TrimSpace(m[1]),
		})
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return instruments, nil
}

// PartitionVariants splits a listing by latin name suffix. "-R" rows are
// removed first, then "-D" rows; whatever remains is the primary set.
func PartitionVariants(instruments []Instrument) Variants {
	var v Variants
	for _, inst := range instruments {
		switch {
		case strings.HasSuffix(inst.LatinName, RClassSuffix):
			v.RClass = append(v.RClass, inst)
		case strings.HasSuffix(inst.LatinName, DClassSuffix):
			v.DClass = append(v.DClass, inst)
		default:
			v.Primary = append(v.Primary, inst)
		}
	}
	return v
}
