package market

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listingRow(id, ticker, latinName string) string {
	return fmt.Sprintf(`<tr>
<td>IRO1%s0001</td><td>N1</td><td>فلزات اساسي</td><td>تابلو اصلي</td>
<td>%s1</td><td>%s</td><td>%s</td>
<td><a href="Loader.aspx?ParTree=111C1412&inscode=%s">%s name</a></td>
</tr>`, ticker, ticker, latinName, ticker, id, ticker)
}

func listingPage(rows ...string) []byte {
	return []byte(`<html><body><table id="tblToGrid">
<tr><th>code</th><th>market</th><th>sector</th><th>sub</th><th>lt</th><th>ln</th><th>t</th><th>name</th></tr>` +
		strings.Join(rows, "\n") + `</table></body></html>`)
}

func TestParseListing(t *testing.T) {
	page := listingPage(
		listingRow("46348559193224090", "FOLD", "S*Mobarakeh Steel"),
		listingRow("35425587644337450", "XYZ", "Sample"),
		listingRow("778253364357513", "ABC", "Other"),
	)

	got, err := ParseListing(page)
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, Instrument{
		ID:          "46348559193224090",
		Name:        "FOLD name",
		Ticker:      "FOLD",
		LatinName:   "S*Mobarakeh Steel",
		LatinTicker: "FOLD1",
		Sector:      "فلزات اساسي",
		Market:      "N1",
		SubMarket:   "تابلو اصلي",
		TickerCode:  "IRO1FOLD0001",
	}, got[0])
	assert.Equal(t, []string{"46348559193224090", "35425587644337450", "778253364357513"}, IDs(got))

	for _, inst := range got {
		for _, col := range []string{"id", "name", "ticker", "latin_name", "latin_ticker", "sector", "market", "sub_market", "ticker_code"} {
			assert.NotEmpty(t, inst.Field(col), "%s of %s", col, inst.ID)
		}
	}
}

func TestParseListingErrors(t *testing.T) {
	tests := []struct {
		name string
		page []byte
	}{
		{"missing table", []byte(`<html><body><table id="other"><tr><td>x</td></tr></table></body></html>`)},
		{"short row", listingPage(listingRow("1", "A", "A"), `<tr><td>a</td><td>b</td></tr>`)},
		{"missing link", listingPage(`<tr><td>1</td><td>2</td><td>3</td><td>4</td><td>5</td><td>6</td><td>7</td><td>8</td></tr>`)},
		{"link without id", listingPage(`<tr><td>1</td><td>2</td><td>3</td><td>4</td><td>5</td><td>6</td><td>7</td><td><a href="x.aspx">n</a></td></tr>`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseListing(tt.page)
			require.Error(t, err)
			assert.Nil(t, got)
			var perr *ParseError
			require.True(t, errors.As(err, &perr), "want ParseError, got %T", err)
			assert.Equal(t, "listing", perr.Source)
		})
	}
}

func TestParseListingShortRowReportsRow(t *testing.T) {
	page := listingPage(listingRow("1", "A", "A"), listingRow("2", "B", "B"), `<tr><td>only</td></tr>`)
	_, err := ParseListing(page)

	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 3, perr.Row)
}

func TestParseListingHeaderOnly(t *testing.T) {
	got, err := ParseListing(listingPage())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPartitionVariants(t *testing.T) {
	page := listingPage(
		listingRow("1", "XYZ", "Sample-R"),
		listingRow("2", "XYZ", "Sample"),
		listingRow("3", "QQQ", "Sample-D"),
		listingRow("4", "RRR", "Right"),
	)
	rows, err := ParseListing(page)
	require.NoError(t, err)

	v := PartitionVariants(rows)
	assert.Equal(t, []string{"2", "4"}, IDs(v.Primary))
	assert.Equal(t, []string{"1"}, IDs(v.RClass))
	assert.Equal(t, []string{"3"}, IDs(v.DClass))
	assert.Equal(t, len(rows), len(v.Primary)+len(v.RClass)+len(v.DClass))
}

func TestParseListingArabicFolding(t *testing.T) {
	page := listingPage(listingRow("1", "A", "A"))

	plain, err := ParseListing(page)
	require.NoError(t, err)
	assert.Equal(t, "فلزات اساسي", plain[0].Sector)

	folded, err := ParseListing(page, WithArabicFolding(true))
	require.NoError(t, err)
	assert.Equal(t, "فلزات اساسی", folded[0].Sector)
}

func TestParseSectors(t *testing.T) {
	page := []byte(`<table id="tblToGrid">
<tr><th>code</th><th>name</th></tr>
<tr><td> 01 </td><td>زراعت</td></tr>
<tr><td>27</td><td>فلزات اساسي&#x200f;</td></tr>
</table>`)

	got, err := ParseSectors(page)
	require.NoError(t, err)
	assert.Equal(t, []Sector{{Code: "01", Name: "زراعت"}, {Code: "27", Name: "فلزات اساسي"}}, got)

	_, err = ParseSectors([]byte(`<table id="tblToGrid"><tr><th>h</th></tr><tr><td>01</td></tr></table>`))
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "sectors", perr.Source)

	_, err = ParseSectors([]byte(`<p>maintenance</p>`))
	require.ErrorAs(t, err, &perr)
}

func TestSelectorMatches(t *testing.T) {
	inst := Instrument{ID: "1", Ticker: "FOLD", Market: "N1"}

	assert.True(t, Selector{Ticker: "FOLD"}.Matches(inst))
	assert.True(t, Selector{Ticker: "FOLD", Market: "N1"}.Matches(inst))
	assert.False(t, Selector{Ticker: "FOLD", Market: "N2"}.Matches(inst))
	assert.True(t, Selector{}.IsZero())
	assert.Equal(t, map[string]string{"ticker": "FOLD"}, Selector{Ticker: "FOLD"}.Fields())
}
