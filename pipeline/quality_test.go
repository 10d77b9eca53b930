package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tfinance/market"
)

func record(day int, low, high, last float64) market.HistoryRecord {
	return market.HistoryRecord{
		TickerSymbol: "T01",
		Date:         time.Date(2021, 1, day, 0, 0, 0, 0, time.UTC),
		Low:          low,
		High:         high,
		Close:        last,
		Volume:       10,
	}
}

func TestQualityRules(t *testing.T) {
	future := DateRule{
		MaxFuture: time.Hour,
		Now:       func() time.Time { return time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC) },
	}

	tests := []struct {
		name string
		rule QualityRule
		rec  market.HistoryRecord
		bad  bool
	}{
		{"clean", PriceRule{}, record(1, 90, 110, 100), false},
		{"no trades", PriceRule{}, record(1, 0, 0, 0), false},
		{"inverted range", PriceRule{}, record(1, 110, 90, 100), true},
		{"close outside", PriceRule{}, record(1, 90, 110, 120), true},
		{"negative price", PriceRule{}, record(1, -1, 110, 100), true},
		{"negative volume", VolumeRule{}, market.HistoryRecord{Volume: -1}, true},
		{"today", future, record(1, 1, 1, 1), false},
		{"tomorrow", future, record(2, 1, 1, 1), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rule.Check(tt.rec)
			if tt.bad {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAuditorFlagsWithoutRejecting(t *testing.T) {
	a := NewAuditor()
	issues := a.Audit("1", []market.HistoryRecord{
		record(3, 90, 110, 100),
		record(4, 110, 90, 100),
	})

	require.Len(t, issues, 1)
	assert.Equal(t, "price", issues[0].Rule)
	assert.Equal(t, SeverityWarning, issues[0].Severity)
	assert.False(t, Rejected(issues))
}

func TestAuditorWarnsOnDuplicateDates(t *testing.T) {
	a := NewAuditor()
	issues := a.Audit("1", []market.HistoryRecord{
		record(3, 90, 110, 100),
		record(3, 90, 110, 101),
		record(4, 90, 110, 100),
	})

	require.Len(t, issues, 1)
	assert.Equal(t, "duplicate_date", issues[0].Rule)
	assert.Equal(t, SeverityWarning, issues[0].Severity)
	assert.False(t, Rejected(issues))
	assert.Contains(t, issues[0].Error(), "2021-01-03")

	assert.Nil(t, a.Audit("2", []market.HistoryRecord{record(5, 1, 1, 1)}))

	st := a.Stats()
	assert.Equal(t, int64(4), st.Checked)
	assert.Equal(t, int64(1), st.Flagged)
	assert.Equal(t, int64(0), st.Rejected)
	assert.Equal(t, map[string]int64{"duplicate_date": 1}, st.Issues)
}

// strictPrice rejects instead of warning.
type strictPrice struct{ PriceRule }

func (strictPrice) Severity() Severity { return SeverityReject }

func TestAuditorSeverityRule(t *testing.T) {
	a := NewAuditor(strictPrice{}, VolumeRule{})
	issues := a.Audit("1", []market.HistoryRecord{
		record(3, 110, 90, 100),
		{Date: time.Date(2021, 1, 4, 0, 0, 0, 0, time.UTC), Volume: -1},
	})

	require.Len(t, issues, 2)
	assert.Equal(t, SeverityReject, issues[0].Severity)
	assert.Equal(t, SeverityWarning, issues[1].Severity)
	assert.True(t, Rejected(issues))
	assert.Equal(t, int64(1), a.Stats().Rejected)
}
