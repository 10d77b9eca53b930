// Package scheduler re-scrapes the exchange on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"tfinance/pipeline"
)

// DefaultTimeout bounds one scheduled refresh.
const DefaultTimeout = 2 * time.Hour

// Refresher is the operation run on every tick. *tse.Market implements it.
type Refresher interface {
	Refresh(ctx context.Context) (*pipeline.UpdateReport, error)
}

type Stats struct {
	Running    bool      `json:"running"`
	Enabled    bool      `json:"enabled"`
	Expression string    `json:"cron_expression"`
	Runs       int64     `json:"runs"`
	LastRun    time.Time `json:"last_run"`
	LastRunID  string    `json:"last_run_id,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	Next       time.Time `json:"next"`
}

// Scheduler runs a Refresher on a cron expression. Ticks that arrive while
// a refresh is still running are skipped.
type Scheduler struct {
	mu        sync.RWMutex
	cron      *cron.Cron
	entry     cron.EntryID
	expr      string
	target    Refresher
	timeout   time.Duration
	logger    *zap.Logger
	running   bool
	enabled   bool
	runs      int64
	lastRun   time.Time
	lastRunID string
	lastErr   error
	ctx       context.Context
	cancel    context.CancelFunc
}

// New schedules target on expr, a standard five field cron expression or
// a descriptor such as "@daily". loc may be nil for local time.
func New(target Refresher, expr string, loc *time.Location, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loc == nil {
		loc = time.Local
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		target:  target,
		timeout: DefaultTimeout,
		logger:  logger.With(zap.String("component", "scheduler")),
		enabled: true,
		ctx:     ctx,
		cancel:  cancel,
	}
	cl := cronLogger{s.logger.Sugar()}
	s.cron = cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if err := s.SetCronExpression(expr); err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	s.cron.Start()
	s.running = true
	s.logger.Info("refresh scheduler started", zap.String("cron", s.expr))
	return nil
}

// Stop cancels an in-flight refresh and waits for it to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info("refresh scheduler stopped")
}

func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// SetEnabled pauses or resumes scheduled ticks without touching the cron
// entry. ExecuteNow is unaffected.
func (s *Scheduler) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
	s.logger.Info("refresh scheduler toggled", zap.Bool("enabled", enabled))
}

// SetCronExpression replaces the schedule. It is safe to call while the
// scheduler is running.
func (s *Scheduler) SetCronExpression(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entry != 0 {
		s.cron.Remove(s.entry)
	}
	id, err := s.cron.AddFunc(expr, s.tick)
	if err != nil {
		return fmt.Errorf("schedule refresh: %w", err)
	}
	s.entry = id
	s.expr = expr
	return nil
}

func (s *Scheduler) tick() {
	s.mu.RLock()
	enabled := s.enabled
	s.mu.RUnlock()
	if !enabled {
		s.logger.Debug("refresh tick skipped, scheduler disabled")
		return
	}
	if _, err := s.ExecuteNow(s.ctx); err != nil {
		s.logger.Error("scheduled refresh failed", zap.Error(err))
	}
}

// ExecuteNow runs one refresh immediately and records its outcome.
func (s *Scheduler) ExecuteNow(ctx context.Context) (*pipeline.UpdateReport, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	report, err := s.target.Refresh(ctx)

	s.mu.Lock()
	s.runs++
	s.lastRun = start
	s.lastErr = err
	if report != nil {
		s.lastRunID = report.RunID
	}
	runs := s.runs
	s.mu.Unlock()

	s.logger.Info("refresh finished",
		zap.Int64("run", runs),
		zap.Duration("elapsed", time.Since(start)),
		zap.Bool("ok", err == nil))
	return report, err
}

// Next is the next scheduled tick, or the zero time when not running.
func (s *Scheduler) Next() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return time.Time{}
	}
	return s.cron.Entry(s.entry).Next
}

func (s *Scheduler) Stats() Stats {
	next := s.Next()

	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{
		Running:    s.running,
		Enabled:    s.enabled,
		Expression: s.expr,
		Runs:       s.runs,
		LastRun:    s.lastRun,
		LastRunID:  s.lastRunID,
		Next:       next,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// cronLogger routes cron's internal logging through zap.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
