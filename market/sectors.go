package market

import (
	"fmt"

	"github.com/PuerkitoBio/goquery"
)

// ParseSectors extracts the (code, name) rows of the sector page.
func ParseSectors(html []byte, opts ...ParseOption) ([]Sector, error) {
	o := newParseOptions(opts)

	rows, err := gridRows("sectors", html)
	if err != nil {
		return nil, err
	}

	sectors := make([]Sector, 0, rows.Length())
	var parseErr error
	rows.EachWithBreak(func(i int, tr *goquery.Selection) bool {
		cells := tr.Find("td")
		if cells.Length() < sectorColumns {
			parseErr = &ParseError{
				Source: "sectors",
				Row:    i + 1,
				Reason: fmt.Sprintf("expected %d cells, got %d", sectorColumns, cells.Length()),
			}
			return false
		}
		sectors = append(sectors, Sector{
			Code: o.clean(cells.Eq(0).Text()),
			Name: o.clean(cells.Eq(1).Text()),
		})
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return sectors, nil
}
