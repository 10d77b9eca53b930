package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"go.uber.org/zap"

	"tfinance/config"
	qhttp "tfinance/http"
	"tfinance/logging"
	"tfinance/market"
	"tfinance/monitoring"
	"tfinance/pipeline"
	"tfinance/scheduler"
	"tfinance/tse"
)

const usage = `usage: tfinance [-config config.yaml] <command>

commands:
  update           scrape listing, sectors and missing histories once
  serve            serve the HTTP API and refresh on market.refresh_schedule
  ticker <symbol>  print one instrument and its latest history rows
`

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	rows := flag.Int("rows", 10, "history rows printed by the ticker command")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	// 1. Load config
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Logging
	logger, level, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd := flag.Arg(0); cmd {
	case "update":
		err = runUpdate(ctx, cfg, logger)
	case "serve":
		err = runServe(ctx, *configPath, cfg, logger, level)
	case "ticker":
		if flag.NArg() < 2 {
			flag.Usage()
			os.Exit(2)
		}
		err = runTicker(ctx, cfg, logger, flag.Arg(1), *rows)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		flag.Usage()
		os.Exit(2)
	}

	if err != nil {
		logger.Error("command failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

// loadConfig falls back to defaults when the file does not exist.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return cfg, err
}

func openMarket(ctx context.Context, cfg *config.Config, logger *zap.Logger, observer pipeline.Observer) (*tse.Market, error) {
	opts := cfg.MarketOptions()
	opts.Logger = logger
	opts.Observer = observer
	return tse.Open(ctx, opts)
}

func runUpdate(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	m, err := openMarket(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer m.Close()

	return printJSON(m.Report())
}

func runTicker(ctx context.Context, cfg *config.Config, logger *zap.Logger, symbol string, rows int) error {
	m, err := openMarket(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer m.Close()

	t, err := tse.NewTicker(ctx, m, market.Selector{Ticker: symbol})
	if err != nil {
		return err
	}
	history := t.History()
	if rows > 0 && len(history) > rows {
		history = history[len(history)-rows:]
	}
	return printJSON(struct {
		Instrument market.Instrument      `json:"instrument"`
		History    []market.HistoryRecord `json:"history"`
	}{t.Instrument(), history})
}

func runServe(ctx context.Context, path string, cfg *config.Config, logger *zap.Logger, level zap.AtomicLevel) error {
	hub := qhttp.NewProgressHub(logger)
	go hub.Run(ctx)
	metrics := monitoring.NewMetricsCollector()

	m, err := openMarket(ctx, cfg, logger, pipeline.Observers{hub, metrics})
	if err != nil {
		return err
	}
	defer m.Close()

	metrics.RegisterGaugeFunc("tfinance_instruments", "Instruments in the current snapshot", func() float64 {
		return float64(len(m.Tickers()))
	})
	metrics.RegisterGaugeFunc("tfinance_progress_subscribers", "Connected progress websocket clients", func() float64 {
		return float64(hub.Clients())
	})

	server := qhttp.NewServer(ctx, qhttp.ServerConfig{
		Port:           cfg.HTTP.Port,
		Timeout:        cfg.HTTP.Timeout,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	}, m, hub, logger)
	server.Mount("GET /metrics", metrics.Handler())

	if cfg.Market.RefreshSchedule != "" {
		var loc *time.Location
		if cfg.Market.RefreshTimeZone != "" {
			// validated on load
			loc, _ = time.LoadLocation(cfg.Market.RefreshTimeZone)
		}
		sched, err := scheduler.New(m, cfg.Market.RefreshSchedule, loc, logger)
		if err != nil {
			return err
		}
		if err := sched.Start(); err != nil {
			return err
		}
		defer sched.Stop()
	}

	go func() {
		err := config.Watch(ctx, path, logger, func(next *config.Config) {
			if err := logging.SetLevel(level, next.Log.Level); err != nil {
				logger.Warn("config reload: log level", zap.Error(err))
				return
			}
			logger.Info("config reloaded", zap.String("log_level", next.Log.Level))
		})
		if err != nil {
			logger.Warn("config watch stopped", zap.Error(err))
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	if err := server.Stop(); err != nil {
		logger.Warn("server stop", zap.Error(err))
	}
	logger.Info("exiting")
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
