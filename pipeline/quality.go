package pipeline

import (
	"fmt"
	"sync"
	"time"

	"tfinance/market"
)

type Severity string

const (
	SeverityWarning Severity = "warning"
	// SeverityReject keeps the instrument out of the store.
	SeverityReject Severity = "reject"
)

// QualityIssue is one rule violation found in a parsed history.
type QualityIssue struct {
	Rule         string    `json:"rule"`
	Severity     Severity  `json:"severity"`
	InstrumentID string    `json:"instrument_id"`
	Date         time.Time `json:"date"`
	Message      string    `json:"message"`
}

func (q QualityIssue) Error() string {
	return fmt.Sprintf("%s %s on %s: %s", q.Rule, q.InstrumentID, q.Date.Format("2006-01-02"), q.Message)
}

// QualityRule checks a single history row.
type QualityRule interface {
	Name() string
	Check(rec market.HistoryRecord) error
}

// SeverityRule is implemented by rules that pick their own severity. Other
// rules only warn.
type SeverityRule interface {
	Severity() Severity
}

type QualityStats struct {
	Checked  int64            `json:"checked"`
	Flagged  int64            `json:"flagged"`
	Rejected int64            `json:"rejected"`
	Issues   map[string]int64 `json:"issues"`
}

// Auditor inspects parsed histories before they are stored. It never
// modifies rows: upstream data is kept as published.
type Auditor struct {
	rules []QualityRule

	mu    sync.Mutex
	stats QualityStats
}

func NewAuditor(rules ...QualityRule) *Auditor {
	if len(rules) == 0 {
		rules = []QualityRule{
			PriceRule{},
			VolumeRule{},
			DateRule{MaxFuture: 24 * time.Hour},
		}
	}
	return &Auditor{rules: rules, stats: QualityStats{Issues: make(map[string]int64)}}
}

// Audit runs every rule over records plus a duplicate date check. Repeated
// dates only warn: the store keeps the last row of each date. The result is
// nil when nothing was flagged.
func (a *Auditor) Audit(id string, records []market.HistoryRecord) []QualityIssue {
	var issues []QualityIssue
	seen := make(map[time.Time]struct{}, len(records))

	for _, rec := range records {
		for _, rule := range a.rules {
			if err := rule.Check(rec); err != nil {
				severity := SeverityWarning
				if sr, ok := rule.(SeverityRule); ok {
					severity = sr.Severity()
				}
				issues = append(issues, QualityIssue{
					Rule:         rule.Name(),
					Severity:     severity,
					InstrumentID: id,
					Date:         rec.Date,
					Message:      err.Error(),
				})
			}
		}
		if _, dup := seen[rec.Date]; dup {
			issues = append(issues, QualityIssue{
				Rule:         "duplicate_date",
				Severity:     SeverityWarning,
				InstrumentID: id,
				Date:         rec.Date,
				Message:      "date appears more than once, last row kept",
			})
		}
		seen[rec.Date] = struct{}{}
	}

	a.mu.Lock()
	a.stats.Checked += int64(len(records))
	a.stats.Flagged += int64(len(issues))
	if Rejected(issues) {
		a.stats.Rejected++
	}
	for _, q := range issues {
		a.stats.Issues[q.Rule]++
	}
	a.mu.Unlock()

	return issues
}

func (a *Auditor) Stats() QualityStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.stats
	st.Issues = make(map[string]int64, len(a.stats.Issues))
	for k, v := range a.stats.Issues {
		st.Issues[k] = v
	}
	return st
}

// Rejected reports whether any issue keeps the history out of the store.
func Rejected(issues []QualityIssue) bool {
	for _, q := range issues {
		if q.Severity == SeverityReject {
			return true
		}
	}
	return false
}

// PriceRule flags negative prices and a close outside the day's range.
// Zero prices are legal for days without trades.
type PriceRule struct{}

func (PriceRule) Name() string { return "price" }

func (PriceRule) Check(r market.HistoryRecord) error {
	for _, p := range []float64{r.Open, r.High, r.Low, r.Close, r.SessionOpen, r.SessionLast} {
		if p < 0 {
			return fmt.Errorf("negative price %.2f", p)
		}
	}
	if r.High < r.Low {
		return fmt.Errorf("high %.2f below low %.2f", r.High, r.Low)
	}
	if r.High > 0 && (r.Close < r.Low || r.Close > r.High) {
		return fmt.Errorf("close %.2f outside [%.2f, %.2f]", r.Close, r.Low, r.High)
	}
	return nil
}

type VolumeRule struct{}

func (VolumeRule) Name() string { return "volume" }

func (VolumeRule) Check(r market.HistoryRecord) error {
	if r.Volume < 0 {
		return fmt.Errorf("negative volume %d", r.Volume)
	}
	if r.Value < 0 {
		return fmt.Errorf("negative value %d", r.Value)
	}
	return nil
}

// DateRule flags trading days too far in the future.
type DateRule struct {
	MaxFuture time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

func (DateRule) Name() string { return "date" }

func (r DateRule) Check(rec market.HistoryRecord) error {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	if rec.Date.After(now().Add(r.MaxFuture)) {
		return fmt.Errorf("date %s is in the future", rec.Date.Format("2006-01-02"))
	}
	return nil
}
