package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tfinance/market"
)

const (
	TickersArtifact = "tickers"
	SectorsArtifact = "sectors"
)

// Config configures a TSEScraper. Zero values get defaults.
type Config struct {
	// Workers bounds concurrent history fetches.
	Workers    int
	ScratchDir string
	// Policy defaults to ExistencePolicy over the store.
	Policy       CachePolicy
	Observer     Observer
	Logger       *zap.Logger
	ParseOptions []market.ParseOption
	// Auditor defaults to NewAuditor().
	Auditor *Auditor
}

func DefaultWorkers() int {
	return runtime.NumCPU() * 4
}

// Stats accumulates over the scraper's lifetime.
type Stats struct {
	Runs          int64     `json:"runs"`
	Fetched       int64     `json:"fetched"`
	Persisted     int64     `json:"persisted"`
	Failed        int64     `json:"failed"`
	LastRunID     string    `json:"last_run_id"`
	LastRun       time.Time `json:"last_run"`
	LastRunResult string    `json:"last_run_result"`
}

type tracker struct {
	mu     sync.RWMutex
	states map[string]State
	stats  Stats
}

// TSEScraper sources tickers, sectors and histories from the exchange and
// keeps them in a Store.
type TSEScraper struct {
	config  Config
	source  Source
	store   Store
	staging *Staging
	policy  CachePolicy
	audit   *Auditor
	logger  *zap.Logger

	track   *tracker
	running *inflight
}

func NewTSEScraper(config Config, source Source, store Store) (*TSEScraper, error) {
	if config.Workers <= 0 {
		config.Workers = DefaultWorkers()
	}
	if config.Policy == nil {
		config.Policy = ExistencePolicy{Tables: store}
	}
	if config.Observer == nil {
		config.Observer = nopObserver{}
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Auditor == nil {
		config.Auditor = NewAuditor()
	}

	staging, err := NewStaging(config.ScratchDir)
	if err != nil {
		return nil, err
	}

	return &TSEScraper{
		config:  config,
		source:  source,
		store:   store,
		staging: staging,
		policy:  config.Policy,
		audit:   config.Auditor,
		logger:  config.Logger,
		track:   &tracker{states: make(map[string]State)},
		running: newInflight(),
	}, nil
}

// Forced resets the staging area, keeping files of batches still in
// flight, and returns a scraper sharing this one's source, store, tracking
// and batch claims but ignoring the cache.
func (s *TSEScraper) Forced() (Scraper, error) {
	err := s.running.exclusive(func(held func(string) bool) error {
		return s.staging.Reset(held)
	})
	if err != nil {
		return nil, fmt.Errorf("reset staging: %w", err)
	}
	forced := *s
	forced.policy = ForcePolicy{}
	return &forced, nil
}

func (s *TSEScraper) Update(ctx context.Context) (*UpdateReport, error) {
	runID := uuid.NewString()
	report := &UpdateReport{RunID: runID, Started: time.Now()}
	logger := s.logger.With(zap.String("run_id", runID))
	logger.Info("update started")

	err := s.update(ctx, runID, report)
	report.Elapsed = time.Since(report.Started)

	result := "ok"
	if report.History != nil {
		result = report.History.Outcome.String()
	}
	if err != nil {
		if ctx.Err() != nil {
			var cerr *market.CancelledError
			if !errors.As(err, &cerr) {
				err = &market.CancelledError{Err: ctx.Err()}
			}
			result = OutcomeCancelled.String()
		} else if result == "ok" {
			result = OutcomeFailed.String()
		}
		logger.Warn("update finished with error", zap.Error(err), zap.Duration("elapsed", report.Elapsed))
	} else {
		logger.Info("update finished",
			zap.String("outcome", result),
			zap.Int("instruments", report.Instruments),
			zap.Duration("elapsed", report.Elapsed))
	}

	s.track.mu.Lock()
	s.track.stats.Runs++
	s.track.stats.LastRunID = runID
	s.track.stats.LastRun = report.Started
	s.track.stats.LastRunResult = result
	s.track.mu.Unlock()

	return report, err
}

func (s *TSEScraper) update(ctx context.Context, runID string, report *UpdateReport) error {
	instruments, variants, state, err := s.updateTickers(ctx, runID)
	if err != nil {
		return err
	}
	report.Tickers = state
	report.Instruments = len(instruments)
	report.Variants = variants

	_, state, err = s.updateSectors(ctx, runID)
	if err != nil {
		return err
	}
	report.Sectors = state

	report.History, err = s.updateHistory(ctx, runID, market.IDs(instruments))
	return err
}

func (s *TSEScraper) UpdateTickers(ctx context.Context) ([]market.Instrument, error) {
	instruments, _, _, err := s.updateTickers(ctx, uuid.NewString())
	return instruments, err
}

func (s *TSEScraper) updateTickers(ctx context.Context, runID string) ([]market.Instrument, VariantCounts, State, error) {
	cached, err := s.policy.UseCache(ctx, TickersArtifact)
	if err != nil {
		return nil, VariantCounts{}, StateUnknown, err
	}
	if cached {
		instruments, err := s.store.LoadInstruments(ctx)
		if err != nil {
			return nil, VariantCounts{}, StateUnknown, err
		}
		s.transition(runID, TickersArtifact, StateCached, nil)
		return instruments, VariantCounts{Primary: len(instruments)}, StateCached, nil
	}

	s.transition(runID, TickersArtifact, StateFetching, nil)
	page, err := s.source.FetchListing(ctx)
	if err != nil {
		s.transition(runID, TickersArtifact, StateFetching, err)
		return nil, VariantCounts{}, StateFetching, err
	}
	rows, err := market.ParseListing(page, s.config.ParseOptions...)
	if err != nil {
		s.transition(runID, TickersArtifact, StateFetching, err)
		return nil, VariantCounts{}, StateFetching, err
	}

	variants := market.PartitionVariants(rows)
	counts := VariantCounts{
		Primary: len(variants.Primary),
		RClass:  len(variants.RClass),
		DClass:  len(variants.DClass),
	}
	if counts.RClass+counts.DClass > 0 {
		s.logger.Info("listing variants excluded",
			zap.String("run_id", runID),
			zap.Int("r_class", counts.RClass),
			zap.Int("d_class", counts.DClass))
	}

	if err := s.store.SaveInstruments(context.WithoutCancel(ctx), variants.Primary); err != nil {
		return nil, counts, StateFetching, err
	}
	s.transition(runID, TickersArtifact, StatePersisted, nil)
	return variants.Primary, counts, StatePersisted, nil
}

func (s *TSEScraper) UpdateSectors(ctx context.Context) ([]market.Sector, error) {
	sectors, _, err := s.updateSectors(ctx, uuid.NewString())
	return sectors, err
}

func (s *TSEScraper) updateSectors(ctx context.Context, runID string) ([]market.Sector, State, error) {
	cached, err := s.policy.UseCache(ctx, SectorsArtifact)
	if err != nil {
		return nil, StateUnknown, err
	}
	if cached {
		sectors, err := s.store.LoadSectors(ctx)
		if err != nil {
			return nil, StateUnknown, err
		}
		s.transition(runID, SectorsArtifact, StateCached, nil)
		return sectors, StateCached, nil
	}

	s.transition(runID, SectorsArtifact, StateFetching, nil)
	page, err := s.source.FetchSectors(ctx)
	if err != nil {
		s.transition(runID, SectorsArtifact, StateFetching, err)
		return nil, StateFetching, err
	}
	sectors, err := market.ParseSectors(page, s.config.ParseOptions...)
	if err != nil {
		s.transition(runID, SectorsArtifact, StateFetching, err)
		return nil, StateFetching, err
	}
	if err := s.store.SaveSectors(context.WithoutCancel(ctx), sectors); err != nil {
		return nil, StateFetching, err
	}
	s.transition(runID, SectorsArtifact, StatePersisted, nil)
	return sectors, StatePersisted, nil
}

// UpdateHistory brings the history of every id into the store. Per
// instrument failures are collected in the report; the error is non-nil only
// when every attempted instrument failed (*market.ScrapeError), the store
// failed (*market.StorageError) or ctx was cancelled (*market.CancelledError).
func (s *TSEScraper) UpdateHistory(ctx context.Context, ids []string) (*BatchReport, error) {
	return s.updateHistory(ctx, uuid.NewString(), ids)
}

func (s *TSEScraper) updateHistory(ctx context.Context, runID string, ids []string) (*BatchReport, error) {
	ids = dedupe(ids)
	report := &BatchReport{RunID: runID, Requested: len(ids)}
	logger := s.logger.With(zap.String("run_id", runID))

	missing, err := s.resolveCached(ctx, runID, ids, report)
	if err != nil {
		return report, err
	}

	// Ids another batch is working on are waited for and checked again.
	for len(missing) > 0 {
		owned, busy := s.running.claim(missing)
		if err := s.runBatch(ctx, runID, owned, report); err != nil {
			report.Outcome = OutcomeFailed
			return report, err
		}
		if missing, err = s.await(ctx, runID, busy, report); err != nil {
			return report, err
		}
	}

	if err := s.dropStale(report.Cached); err != nil {
		logger.Warn("remove stale staged files", zap.Error(err))
	}

	sort.Strings(report.NotAttempted)
	s.track.mu.Lock()
	s.track.stats.Persisted += int64(len(report.Persisted))
	s.track.stats.Failed += int64(len(report.Failures))
	s.track.mu.Unlock()

	switch {
	case ctx.Err() != nil:
		report.Outcome = OutcomeCancelled
		logger.Warn("history batch cancelled",
			zap.Int("persisted", len(report.Persisted)),
			zap.Int("not_attempted", len(report.NotAttempted)))
		return report, &market.CancelledError{
			Persisted:    report.Persisted,
			NotAttempted: report.NotAttempted,
			Err:          ctx.Err(),
		}
	case len(report.Failures) > 0 && len(report.Persisted) == 0:
		report.Outcome = OutcomeFailed
		return report, &market.ScrapeError{
			Attempted: len(report.Failures),
			Failures:  report.failureErrors(),
		}
	case len(report.Failures) > 0:
		report.Outcome = OutcomePartial
		for _, f := range report.Failures {
			logger.Warn("history failed", zap.String("instrument_id", f.InstrumentID),
				zap.String("kind", string(f.Kind)), zap.Error(f.Err))
		}
	default:
		report.Outcome = OutcomeOK
	}
	return report, nil
}

// resolveCached applies the cache policy to ids, records the cached ones in
// report and returns the rest.
func (s *TSEScraper) resolveCached(ctx context.Context, runID string, ids []string, report *BatchReport) ([]string, error) {
	var missing []string
	for _, id := range ids {
		if ctx.Err() != nil {
			report.NotAttempted = append(report.NotAttempted, id)
			continue
		}
		cached, err := s.policy.UseCache(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				report.NotAttempted = append(report.NotAttempted, id)
				continue
			}
			return nil, err
		}
		if cached {
			report.Cached = append(report.Cached, id)
			s.transition(runID, id, StateCached, nil)
			continue
		}
		missing = append(missing, id)
	}
	return missing, nil
}

// runBatch fetches and persists ids, which the caller has claimed. The
// claims are released on return.
func (s *TSEScraper) runBatch(ctx context.Context, runID string, ids []string, report *BatchReport) error {
	if len(ids) == 0 {
		return nil
	}
	defer s.running.release(ids...)

	staged, err := s.staging.Index()
	if err != nil {
		return fmt.Errorf("read staging dir: %w", err)
	}
	pending := make(map[string]string, len(ids))
	var toFetch []string
	for _, id := range ids {
		if path, ok := staged[id]; ok {
			pending[id] = path
			continue
		}
		toFetch = append(toFetch, id)
	}

	s.logger.Info("history batch",
		zap.String("run_id", runID),
		zap.Int("requested", report.Requested),
		zap.Int("cached", len(report.Cached)),
		zap.Int("staged", len(pending)),
		zap.Int("to_fetch", len(toFetch)),
		zap.Int("workers", s.config.Workers))

	s.fetchAll(ctx, runID, toFetch, pending, report)

	// Completed downloads are persisted even when ctx is already cancelled.
	return s.persistStaged(context.WithoutCancel(ctx), runID, pending, report)
}

// await blocks until the batches holding busy have released them, then
// applies the cache policy again. Ids still missing are returned so the
// caller can claim them itself.
func (s *TSEScraper) await(ctx context.Context, runID string, busy map[string]<-chan struct{}, report *BatchReport) ([]string, error) {
	if len(busy) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(busy))
	for id := range busy {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	s.logger.Debug("waiting for concurrent history batch",
		zap.String("run_id", runID), zap.Strings("ids", ids))
	for _, id := range ids {
		select {
		case <-busy[id]:
		case <-ctx.Done():
		}
	}
	return s.resolveCached(ctx, runID, ids, report)
}

// dropStale removes staged files of ids that are already stored, unless a
// batch currently owns them.
func (s *TSEScraper) dropStale(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.running.exclusive(func(held func(string) bool) error {
		staged, err := s.staging.Index()
		if err != nil {
			return err
		}
		for _, id := range ids {
			path, ok := staged[id]
			if !ok || held(id) {
				continue
			}
			if err := s.staging.Remove(path); err != nil {
				return err
			}
		}
		return nil
	})
}

// fetchAll downloads ids with at most Workers requests in flight and stages
// every payload. A failing fetch never stops its siblings.
func (s *TSEScraper) fetchAll(ctx context.Context, runID string, ids []string, pending map[string]string, report *BatchReport) {
	var mu sync.Mutex
	notAttempted := func(id string) {
		mu.Lock()
		report.NotAttempted = append(report.NotAttempted, id)
		mu.Unlock()
	}
	fail := func(kind FailureKind, id string, err error) {
		mu.Lock()
		report.Failures = append(report.Failures, Failure{Kind: kind, InstrumentID: id, Err: err})
		mu.Unlock()
		s.transition(runID, id, StateFetching, err)
	}

	var g errgroup.Group
	g.SetLimit(s.config.Workers)
	for _, id := range ids {
		if ctx.Err() != nil {
			notAttempted(id)
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				notAttempted(id)
				return nil
			}
			s.transition(runID, id, StateFetching, nil)
			payload, err := s.source.FetchHistory(ctx, id)
			if err != nil {
				if ctx.Err() != nil {
					notAttempted(id)
					return nil
				}
				fail(FailureFetch, id, err)
				return nil
			}

			path, err := s.staging.Stage(id, payload.FileName, payload.Body)
			if err != nil {
				fail(FailureStage, id, err)
				return nil
			}

			s.track.mu.Lock()
			s.track.stats.Fetched++
			s.track.mu.Unlock()
			mu.Lock()
			pending[id] = path
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
}

// persistStaged parses and stores every pending file. It runs sequentially;
// a parse or read failure only affects its own instrument while a store
// failure aborts the pass. A staged file that vanished is counted as cached
// when its history is already stored.
func (s *TSEScraper) persistStaged(ctx context.Context, runID string, pending map[string]string, report *BatchReport) error {
	ids := make([]string, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		path := pending[id]
		records, err := readStaged(path)
		if err != nil {
			kind := FailureStage
			var perr *market.ParseError
			switch {
			case errors.As(err, &perr):
				perr.Source = "history:" + id
				kind = FailureParse
			case errors.Is(err, fs.ErrNotExist):
				stored, serr := s.store.TableExists(ctx, id)
				if serr != nil {
					return serr
				}
				if stored {
					report.Cached = append(report.Cached, id)
					s.transition(runID, id, StateCached, nil)
					continue
				}
			}
			report.Failures = append(report.Failures, Failure{Kind: kind, InstrumentID: id, Err: err})
			s.transition(runID, id, StateFetching, err)
			if rmErr := s.staging.Remove(path); rmErr != nil {
				s.logger.Warn("remove staged file", zap.String("path", path), zap.Error(rmErr))
			}
			continue
		}

		if issues := s.audit.Audit(id, records); len(issues) > 0 {
			if Rejected(issues) {
				var reject QualityIssue
				for _, q := range issues {
					if q.Severity == SeverityReject {
						reject = q
						break
					}
				}
				report.Failures = append(report.Failures, Failure{Kind: FailureQuality, InstrumentID: id, Err: reject})
				s.transition(runID, id, StateFetching, reject)
				if rmErr := s.staging.Remove(path); rmErr != nil {
					s.logger.Warn("remove staged file", zap.String("path", path), zap.Error(rmErr))
				}
				continue
			}
			s.logger.Warn("history quality issues",
				zap.String("instrument_id", id),
				zap.Int("issues", len(issues)),
				zap.Error(issues[0]))
		}

		if err := s.store.SaveHistory(ctx, id, records); err != nil {
			return err
		}
		if err := s.staging.Remove(path); err != nil {
			s.logger.Warn("remove staged file", zap.String("path", path), zap.Error(err))
		}
		report.Persisted = append(report.Persisted, id)
		s.transition(runID, id, StatePersisted, nil)
	}
	return nil
}

func readStaged(path string) ([]market.HistoryRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return market.ParseHistory(data)
}

func (s *TSEScraper) transition(runID, artifact string, state State, err error) {
	s.track.mu.Lock()
	s.track.states[artifact] = state
	s.track.mu.Unlock()

	e := Event{RunID: runID, Artifact: artifact, State: state, Time: time.Now()}
	if err != nil {
		e.Err = err.Error()
	}
	s.config.Observer.Observe(e)
}

// State reports the last known state of an artifact: "tickers", "sectors"
// or an instrument id.
func (s *TSEScraper) State(artifact string) State {
	s.track.mu.RLock()
	defer s.track.mu.RUnlock()
	return s.track.states[artifact]
}

func (s *TSEScraper) Stats() Stats {
	s.track.mu.RLock()
	defer s.track.mu.RUnlock()
	return s.track.stats
}

// Quality returns the auditor counters accumulated since construction.
func (s *TSEScraper) Quality() QualityStats {
	return s.audit.Stats()
}

func (s *TSEScraper) Staging() *Staging {
	return s.staging
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
