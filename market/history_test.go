package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const historyHeader = "<TICKER>,<DTYYYYMMDD>,<FIRST>,<HIGH>,<LOW>,<CLOSE>,<VALUE>,<VOL>,<OPENINT>,<PER>,<OPEN>,<LAST>\n"

func TestParseHistory(t *testing.T) {
	data := historyHeader +
		"FOLD,20210103,5000.00,5100.00,4950.00,5050.00,1234567890,246000,12,D,4990.00,5060.00\n" +
		"FOLD,20210102,4900.00,5000.00,4880.00,4990.00,1.5E+10,300000,12,D,4890.00,4995.00\n"

	got, err := ParseHistory([]byte(data))
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, HistoryRecord{
		TickerSymbol: "FOLD",
		Date:         time.Date(2021, 1, 3, 0, 0, 0, 0, time.UTC),
		Open:         5000,
		High:         5100,
		Low:          4950,
		Close:        5050,
		Value:        1234567890,
		Volume:       246000,
		OpenInterest: 12,
		Period:       "D",
		SessionOpen:  4990,
		SessionLast:  5060,
	}, got[0])

	// source order is kept, no sorting by date
	assert.True(t, got[1].Date.Before(got[0].Date))
	assert.Equal(t, int64(15000000000), got[1].Value)
}

func TestParseHistoryHeaderWithSpaces(t *testing.T) {
	data := "\ufeff<TICKER>, <DTYYYYMMDD>,<FIRST>,<HIGH> ,<LOW>,<CLOSE>,<VALUE>,<VOL>,<OPENINT>,<PER>,<OPEN>,<LAST>\n" +
		"FOLD,20210103,1,2,1,2,10,20,0,D,1,2\n"

	got, err := ParseHistory([]byte(data))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2.0, got[0].High)
}

func TestParseHistoryKeepsDuplicates(t *testing.T) {
	data := historyHeader +
		"FOLD,20210103,1,2,1,2,10,20,0,D,1,2\n" +
		"FOLD,20210103,1,2,1,2,10,20,0,D,1,2\n"

	got, err := ParseHistory([]byte(data))
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestParseHistoryErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", ""},
		{"missing column", "<TICKER>,<DTYYYYMMDD>\nFOLD,20210101\n"},
		{"dashed date", historyHeader + "FOLD,2021-13-40,1,2,1,2,10,20,0,D,1,2\n"},
		{"impossible date", historyHeader + "FOLD,20211340,1,2,1,2,10,20,0,D,1,2\n"},
		{"short date", historyHeader + "FOLD,2021011,1,2,1,2,10,20,0,D,1,2\n"},
		{"bad price", historyHeader + "FOLD,20210101,abc,2,1,2,10,20,0,D,1,2\n"},
		{"bad volume", historyHeader + "FOLD,20210101,1,2,1,2,10,x,0,D,1,2\n"},
		{"short row", historyHeader + "FOLD,20210101,1\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseHistory([]byte(tt.data))
			assert.Nil(t, got)
			var perr *ParseError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, "history", perr.Source)
		})
	}
}

func TestParseHistoryReportsRow(t *testing.T) {
	data := historyHeader +
		"FOLD,20210103,1,2,1,2,10,20,0,D,1,2\n" +
		"FOLD,20210104,1,2,1,2,10,2.5x,0,D,1,2\n"

	_, err := ParseHistory([]byte(data))
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 2, perr.Row)
	assert.Contains(t, err.Error(), `invalid integer "2.5x"`)

	data = historyHeader + "FOLD,20210229,1,2,1,2,10,20,0,D,1,2\n"
	_, err = ParseHistory([]byte(data))
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 1, perr.Row)
	assert.Contains(t, err.Error(), "20210229")
}

func TestParseHistoryDate(t *testing.T) {
	d, err := ParseHistoryDate("20200229")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2020, 2, 29, 0, 0, 0, 0, time.UTC), d)

	for _, bad := range []string{"20210229", "2021-01-01", "+2021011", "", "202101011"} {
		_, err := ParseHistoryDate(bad)
		assert.Error(t, err, bad)
	}
}
