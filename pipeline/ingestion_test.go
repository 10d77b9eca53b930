package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tfinance/db"
	"tfinance/market"
)

const csvHeader = "<TICKER>,<DTYYYYMMDD>,<FIRST>,<HIGH>,<LOW>,<CLOSE>,<VALUE>,<VOL>,<OPENINT>,<PER>,<OPEN>,<LAST>\n"

func historyCSV(ticker, date string) string {
	return csvHeader + fmt.Sprintf("%s,%s,100,110,90,105,1000,10,0,D,99,106\n", ticker, date)
}

type fakeSource struct {
	mu           sync.Mutex
	listing      []byte
	sectors      []byte
	histories    map[string]string
	failures     map[string]error
	historyCalls map[string]int
	totalCalls   int
	pageCalls    int
	onHistory    func(call int)
}

func newFakeSource(n int) *fakeSource {
	f := &fakeSource{
		histories:    make(map[string]string),
		failures:     make(map[string]error),
		historyCalls: make(map[string]int),
	}
	var rows []string
	for i := 1; i <= n; i++ {
		id := fmt.Sprint(i)
		ticker := fmt.Sprintf("T%02d", i)
		rows = append(rows, fmt.Sprintf(`<tr><td>IRO1%s0001</td><td>N1</td><td>s</td><td>m</td>
<td>%s1</td><td>%s latin</td><td>%s</td><td><a href="x.aspx?inscode=%s">%s name</a></td></tr>`,
			ticker, ticker, ticker, ticker, id, ticker))
		f.histories[id] = historyCSV(ticker, "20210103")
	}
	// an -R variant never reaches the history batch
	rows = append(rows, `<tr><td>c</td><td>N1</td><td>s</td><td>m</td><td>V1</td><td>V-R</td><td>V</td>
<td><a href="x.aspx?inscode=999">v</a></td></tr>`)
	f.listing = []byte(`<table id="tblToGrid"><tr><th>h</th></tr>` + strings.Join(rows, "\n") + `</table>`)
	f.sectors = []byte(`<table id="tblToGrid"><tr><th>h</th></tr><tr><td>01</td><td>one</td></tr></table>`)
	return f
}

func (f *fakeSource) FetchListing(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pageCalls++
	return f.listing, nil
}

func (f *fakeSource) FetchSectors(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pageCalls++
	return f.sectors, nil
}

func (f *fakeSource) FetchHistory(ctx context.Context, id string) (*market.HistoryPayload, error) {
	f.mu.Lock()
	f.totalCalls++
	f.historyCalls[id]++
	call := f.totalCalls
	body, ok := f.histories[id]
	failure := f.failures[id]
	hook := f.onHistory
	f.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	if err := ctx.Err(); err != nil {
		return nil, &market.FetchError{URL: id, Err: err}
	}
	if failure != nil {
		return nil, failure
	}
	if !ok {
		return nil, &market.FetchError{URL: id, Reason: "missing content-disposition header"}
	}
	return &market.HistoryPayload{InstrumentID: id, FileName: "T.csv", Body: []byte(body)}, nil
}

func (f *fakeSource) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.totalCalls + f.pageCalls
}

func newTestScraper(t *testing.T, src Source, workers int, observer Observer) (*TSEScraper, *db.Store) {
	t.Helper()
	store, err := db.Open(context.Background(), filepath.Join(t.TempDir(), "tse.db"), db.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	s, err := NewTSEScraper(Config{
		Workers:    workers,
		ScratchDir: filepath.Join(t.TempDir(), "scratch"),
		Observer:   observer,
	}, src, store)
	require.NoError(t, err)
	return s, store
}

func ids(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprint(i + 1)
	}
	return out
}

func TestUpdateIsIdempotent(t *testing.T) {
	src := newFakeSource(10)
	s, store := newTestScraper(t, src, 4, nil)
	ctx := context.Background()

	report, err := s.Update(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatePersisted, report.Tickers)
	assert.Equal(t, StatePersisted, report.Sectors)
	assert.Equal(t, 10, report.Instruments)
	assert.Equal(t, VariantCounts{Primary: 10, RClass: 1}, report.Variants)
	assert.Equal(t, OutcomeOK, report.History.Outcome)
	assert.Len(t, report.History.Persisted, 10)
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, 12, src.calls())

	ok, err := store.TableExists(ctx, "999")
	require.NoError(t, err)
	assert.False(t, ok)

	again, err := s.Update(ctx)
	require.NoError(t, err)
	assert.Equal(t, 12, src.calls(), "second run must not touch the network")
	assert.Equal(t, StateCached, again.Tickers)
	assert.Equal(t, StateCached, again.Sectors)
	assert.Len(t, again.History.Cached, 10)
	assert.Empty(t, again.History.Persisted)
	assert.NotEqual(t, report.RunID, again.RunID)
	assert.Equal(t, StateCached, s.State("1"))
	assert.Equal(t, int64(2), s.Stats().Runs)
}

func TestUpdateHistoryPartialFailure(t *testing.T) {
	src := newFakeSource(10)
	for _, id := range []string{"2", "5", "9"} {
		src.failures[id] = &market.FetchError{URL: id, StatusCode: 500, Reason: "Internal Server Error"}
	}
	s, store := newTestScraper(t, src, 3, nil)
	ctx := context.Background()

	report, err := s.UpdateHistory(ctx, ids(10))
	require.NoError(t, err)
	assert.Equal(t, OutcomePartial, report.Outcome)
	assert.Len(t, report.Persisted, 7)
	require.Len(t, report.Failures, 3)

	failed := make([]string, 0, 3)
	for _, f := range report.Failures {
		assert.Equal(t, FailureFetch, f.Kind)
		var ferr *market.FetchError
		assert.ErrorAs(t, f.Err, &ferr)
		failed = append(failed, f.InstrumentID)
	}
	assert.ElementsMatch(t, []string{"2", "5", "9"}, failed)

	for _, id := range report.Persisted {
		ok, err := store.TableExists(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok, id)
	}
}

func TestUpdateHistoryAllFailed(t *testing.T) {
	src := newFakeSource(10)
	src.histories = map[string]string{}
	s, store := newTestScraper(t, src, 4, nil)
	ctx := context.Background()

	report, err := s.UpdateHistory(ctx, ids(10))
	var serr *market.ScrapeError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, 10, serr.Attempted)
	assert.Len(t, serr.Failures, 10)
	assert.Equal(t, OutcomeFailed, report.Outcome)
	assert.Empty(t, report.Persisted)

	for _, id := range ids(10) {
		ok, err := store.TableExists(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok)
	}
}

func TestUpdateHistoryCancelled(t *testing.T) {
	src := newFakeSource(10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src.onHistory = func(call int) {
		if call == 5 {
			cancel()
		}
	}
	s, store := newTestScraper(t, src, 1, nil)

	report, err := s.UpdateHistory(ctx, ids(10))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	var cerr *market.CancelledError
	require.ErrorAs(t, err, &cerr)
	assert.Len(t, cerr.Persisted, 4)
	assert.Len(t, cerr.NotAttempted, 6)
	assert.Equal(t, OutcomeCancelled, report.Outcome)
	assert.Empty(t, report.Failures)

	for _, id := range report.Persisted {
		ok, err := store.TableExists(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestUpdateHistoryMalformedDateIsIsolated(t *testing.T) {
	src := newFakeSource(4)
	src.histories["3"] = historyCSV("T03", "2021-13-40")
	s, store := newTestScraper(t, src, 2, nil)
	ctx := context.Background()

	report, err := s.UpdateHistory(ctx, ids(4))
	require.NoError(t, err)
	assert.Equal(t, OutcomePartial, report.Outcome)
	assert.ElementsMatch(t, []string{"1", "2", "4"}, report.Persisted)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, FailureParse, report.Failures[0].Kind)
	assert.Equal(t, "3", report.Failures[0].InstrumentID)

	var perr *market.ParseError
	require.ErrorAs(t, report.Failures[0].Err, &perr)
	assert.Equal(t, "history:3", perr.Source)

	ok, err := store.TableExists(ctx, "3")
	require.NoError(t, err)
	assert.False(t, ok)

	staged, err := s.Staging().Index()
	require.NoError(t, err)
	assert.Empty(t, staged)
}

func TestUpdateHistoryDuplicateDatesKeepLastRow(t *testing.T) {
	src := newFakeSource(3)
	src.histories["2"] = historyCSV("T02", "20210103") + "T02,20210103,1,1,1,1,1,1,0,D,1,1\n"
	s, store := newTestScraper(t, src, 2, nil)
	ctx := context.Background()

	report, err := s.UpdateHistory(ctx, ids(3))
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, report.Outcome)
	assert.ElementsMatch(t, []string{"1", "2", "3"}, report.Persisted)
	assert.Empty(t, report.Failures)

	records, err := store.LoadHistory(ctx, "2")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 1.0, records[0].Close)
	assert.Equal(t, int64(1), records[0].Volume)

	q := s.Quality()
	assert.Equal(t, int64(0), q.Rejected)
	assert.Equal(t, int64(4), q.Checked)
	assert.Equal(t, int64(1), q.Issues["duplicate_date"])
}

// negativeClose rejects any history with a negative close.
type negativeClose struct{}

func (negativeClose) Name() string       { return "negative_close" }
func (negativeClose) Severity() Severity { return SeverityReject }

func (negativeClose) Check(r market.HistoryRecord) error {
	if r.Close < 0 {
		return errors.New("negative close")
	}
	return nil
}

func TestUpdateHistoryRejectedByAuditor(t *testing.T) {
	src := newFakeSource(3)
	src.histories["2"] = csvHeader + "T02,20210103,1,1,1,-1,1,1,0,D,1,1\n"
	store, err := db.Open(context.Background(), filepath.Join(t.TempDir(), "tse.db"), db.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	s, err := NewTSEScraper(Config{
		Workers:    2,
		ScratchDir: t.TempDir(),
		Auditor:    NewAuditor(negativeClose{}),
	}, src, store)
	require.NoError(t, err)
	ctx := context.Background()

	report, err := s.UpdateHistory(ctx, ids(3))
	require.NoError(t, err)
	assert.Equal(t, OutcomePartial, report.Outcome)
	assert.ElementsMatch(t, []string{"1", "3"}, report.Persisted)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, FailureQuality, report.Failures[0].Kind)

	var issue QualityIssue
	require.ErrorAs(t, report.Failures[0].Err, &issue)
	assert.Equal(t, "negative_close", issue.Rule)

	ok, err := store.TableExists(ctx, "2")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(1), s.Quality().Rejected)
}

func TestConcurrentBatchesShareOneFetch(t *testing.T) {
	src := newFakeSource(1)
	started := make(chan struct{})
	release := make(chan struct{})
	src.onHistory = func(call int) {
		if call == 1 {
			close(started)
			<-release
		}
	}
	s, store := newTestScraper(t, src, 2, nil)
	ctx := context.Background()

	type result struct {
		report *BatchReport
		err    error
	}
	results := make(chan result, 2)
	run := func() {
		report, err := s.UpdateHistory(ctx, []string{"1"})
		results <- result{report, err}
	}

	go run()
	<-started
	go run()
	time.Sleep(50 * time.Millisecond)
	close(release)

	var persisted, cached int
	for i := 0; i < 2; i++ {
		r := <-results
		require.NoError(t, r.err)
		assert.Equal(t, OutcomeOK, r.report.Outcome)
		assert.Empty(t, r.report.Failures)
		persisted += len(r.report.Persisted)
		cached += len(r.report.Cached)
	}
	assert.Equal(t, 1, persisted)
	assert.Equal(t, 1, cached)
	assert.Equal(t, 1, src.historyCalls["1"])

	ok, err := store.TableExists(ctx, "1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVanishedStagedFileCountsAsCached(t *testing.T) {
	src := newFakeSource(1)
	s, store := newTestScraper(t, src, 1, nil)
	ctx := context.Background()

	require.NoError(t, store.SaveHistory(ctx, "1", nil))
	pending := map[string]string{"1": filepath.Join(s.Staging().Dir(), "1_gone.csv")}
	report := &BatchReport{}
	require.NoError(t, s.persistStaged(ctx, "run", pending, report))
	assert.Equal(t, []string{"1"}, report.Cached)
	assert.Empty(t, report.Failures)

	require.NoError(t, store.DropTable(ctx, "1"))
	report = &BatchReport{}
	require.NoError(t, s.persistStaged(ctx, "run", pending, report))
	require.Len(t, report.Failures, 1)
	assert.Equal(t, FailureStage, report.Failures[0].Kind)
	assert.ErrorIs(t, report.Failures[0], os.ErrNotExist)
}

func TestCachedIdDropsStagedFile(t *testing.T) {
	src := newFakeSource(1)
	s, store := newTestScraper(t, src, 1, nil)
	ctx := context.Background()

	require.NoError(t, store.SaveHistory(ctx, "1", nil))
	_, err := s.Staging().Stage("1", "T.csv", []byte(src.histories["1"]))
	require.NoError(t, err)

	report, err := s.UpdateHistory(ctx, []string{"1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, report.Cached)

	staged, err := s.Staging().Index()
	require.NoError(t, err)
	assert.Empty(t, staged)
}

func TestUpdateHistorySkipsStaged(t *testing.T) {
	src := newFakeSource(3)
	body := src.histories["2"]
	delete(src.histories, "2")
	s, store := newTestScraper(t, src, 2, nil)
	ctx := context.Background()

	_, err := s.Staging().Stage("2", "T02.csv", []byte(body))
	require.NoError(t, err)

	report, err := s.UpdateHistory(ctx, ids(3))
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, report.Outcome)
	assert.ElementsMatch(t, ids(3), report.Persisted)
	assert.Zero(t, src.historyCalls["2"])

	records, err := store.LoadHistory(ctx, "2")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "T02", records[0].TickerSymbol)
}

func TestForcedRefetches(t *testing.T) {
	src := newFakeSource(2)
	s, _ := newTestScraper(t, src, 2, nil)
	ctx := context.Background()

	_, err := s.Update(ctx)
	require.NoError(t, err)
	before := src.calls()

	// a file of a batch still in flight survives the reset
	owned, _ := s.running.claim([]string{"9"})
	require.Equal(t, []string{"9"}, owned)
	inflightPath, err := s.Staging().Stage("9", "T.csv", []byte("x"))
	require.NoError(t, err)
	_, err = s.Staging().Stage("8", "T.csv", []byte("x"))
	require.NoError(t, err)

	forced, err := s.Forced()
	require.NoError(t, err)
	staged, err := s.Staging().Index()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"9": inflightPath}, staged)
	s.running.release("9")

	report, err := forced.Update(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2*before, src.calls())
	assert.Equal(t, StatePersisted, report.Tickers)
	assert.Len(t, report.History.Persisted, 2)
}

func TestObserverSeesTransitions(t *testing.T) {
	src := newFakeSource(3)
	var mu sync.Mutex
	persisted := map[string]bool{}
	observer := ObserverFunc(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		if e.State == StatePersisted {
			persisted[e.Artifact] = true
		}
	})
	s, _ := newTestScraper(t, src, 2, observer)

	_, err := s.Update(context.Background())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	for _, artifact := range []string{TickersArtifact, SectorsArtifact, "1", "2", "3"} {
		assert.True(t, persisted[artifact], artifact)
	}
}

func TestStaging(t *testing.T) {
	st, err := NewStaging(t.TempDir())
	require.NoError(t, err)

	path, err := st.Stage("42", "../../etc/FOLD.csv", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(st.Dir(), "42_FOLD.csv"), path)

	// a leftover temp file is not an index entry
	require.NoError(t, os.WriteFile(filepath.Join(st.Dir(), ".43-1.tmp"), []byte("y"), 0o644))

	index, err := st.Index()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"42": path}, index)

	keep := func(id string) bool { return id == "43" }
	require.NoError(t, st.Reset(keep))
	index, err = st.Index()
	require.NoError(t, err)
	assert.Empty(t, index)
	_, err = os.Stat(filepath.Join(st.Dir(), ".43-1.tmp"))
	assert.NoError(t, err)

	require.NoError(t, st.Reset(nil))
	entries, err := os.ReadDir(st.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPolicies(t *testing.T) {
	_, store := newTestScraper(t, newFakeSource(0), 1, nil)
	ctx := context.Background()

	use, err := ExistencePolicy{Tables: store}.UseCache(ctx, "tickers")
	require.NoError(t, err)
	assert.False(t, use)

	require.NoError(t, store.SaveSectors(ctx, nil))
	use, err = ExistencePolicy{Tables: store}.UseCache(ctx, "sectors")
	require.NoError(t, err)
	assert.True(t, use)

	use, err = ForcePolicy{}.UseCache(ctx, "sectors")
	require.NoError(t, err)
	assert.False(t, use)
}
