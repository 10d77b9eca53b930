package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"

	"go.uber.org/zap"

	"tfinance/market"
	"tfinance/pipeline"
)

// MarketAPI is the read surface served over HTTP. *tse.Market implements it.
type MarketAPI interface {
	Tickers() []market.Instrument
	Sectors() []market.Sector
	Report() *pipeline.UpdateReport
	Resolve(ctx context.Context, sel market.Selector) (market.Instrument, error)
	FetchTickersFilteredBy(ctx context.Context, sel market.Selector) ([]market.Instrument, error)
	FetchHistory(ctx context.Context, sel market.Selector) ([]market.HistoryRecord, error)
	Refresh(ctx context.Context) (*pipeline.UpdateReport, error)
}

type handlers struct {
	market     MarketAPI
	hub        *ProgressHub
	logger     *zap.Logger
	refreshing atomic.Bool
	// background bounds refreshes that outlive their request.
	background context.Context
}

// RegisterHandlers mounts the API on mux. hub may be nil, which disables
// the progress endpoint.
func RegisterHandlers(ctx context.Context, mux *http.ServeMux, m MarketAPI, hub *ProgressHub, logger *zap.Logger) {
	h := &handlers{market: m, hub: hub, logger: logger, background: ctx}

	mux.HandleFunc("GET /api/health", h.handleHealth)
	mux.HandleFunc("GET /api/tickers", h.handleTickers)
	mux.HandleFunc("GET /api/tickers/{ticker}", h.handleTicker)
	mux.HandleFunc("GET /api/sectors", h.handleSectors)
	mux.HandleFunc("GET /api/history/{ticker}", h.handleHistory)
	mux.HandleFunc("POST /api/refresh", h.handleRefresh)
	if hub != nil {
		mux.HandleFunc("GET /api/ws/progress", hub.HandleWebSocket)
	}
}

type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	var (
		notFound  *market.NotFoundError
		fetchErr  *market.FetchError
		scrapeErr *market.ScrapeError
		cancelled *market.CancelledError
	)
	switch {
	case errors.As(err, &notFound):
		status = http.StatusNotFound
	case errors.As(err, &cancelled), errors.Is(err, context.Canceled):
		status = http.StatusServiceUnavailable
	case errors.As(err, &fetchErr), errors.As(err, &scrapeErr):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: err.Error(), RequestID: GetRequestID(r.Context())})
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":  "ok",
		"tickers": len(h.market.Tickers()),
	}
	if report := h.market.Report(); report != nil {
		body["last_run_id"] = report.RunID
		body["last_run"] = report.Started
	}
	if h.hub != nil {
		body["subscribers"] = h.hub.Clients()
	}
	writeJSON(w, http.StatusOK, body)
}

var selectorParams = map[string]func(*market.Selector, string){
	"id":           func(s *market.Selector, v string) { s.ID = v },
	"name":         func(s *market.Selector, v string) { s.Name = v },
	"ticker":       func(s *market.Selector, v string) { s.Ticker = v },
	"latin_name":   func(s *market.Selector, v string) { s.LatinName = v },
	"latin_ticker": func(s *market.Selector, v string) { s.LatinTicker = v },
	"sector":       func(s *market.Selector, v string) { s.Sector = v },
	"market":       func(s *market.Selector, v string) { s.Market = v },
	"sub_market":   func(s *market.Selector, v string) { s.SubMarket = v },
	"ticker_code":  func(s *market.Selector, v string) { s.TickerCode = v },
}

func selectorFromQuery(r *http.Request) (market.Selector, error) {
	var sel market.Selector
	for key, values := range r.URL.Query() {
		set, ok := selectorParams[key]
		if !ok {
			return sel, fmt.Errorf("unknown filter %q", key)
		}
		if len(values) > 0 {
			set(&sel, values[0])
		}
	}
	return sel, nil
}

func (h *handlers) handleTickers(w http.ResponseWriter, r *http.Request) {
	sel, err := selectorFromQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if sel.IsZero() {
		writeJSON(w, http.StatusOK, h.market.Tickers())
		return
	}
	rows, err := h.market.FetchTickersFilteredBy(r.Context(), sel)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if rows == nil {
		rows = []market.Instrument{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *handlers) handleTicker(w http.ResponseWriter, r *http.Request) {
	inst, err := h.market.Resolve(r.Context(), market.Selector{Ticker: r.PathValue("ticker")})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (h *handlers) handleSectors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.market.Sectors())
}

func (h *handlers) handleHistory(w http.ResponseWriter, r *http.Request) {
	ticker := r.PathValue("ticker")

	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	records, err := h.market.FetchHistory(r.Context(), market.Selector{Ticker: ticker})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	if records == nil {
		records = []market.HistoryRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ticker": ticker,
		"data":   records,
	})
}

// handleRefresh starts a full re-scrape. With ?wait=true it answers with the
// report, otherwise it returns 202 and progress is reported on the
// websocket feed.
func (h *handlers) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if !h.refreshing.CompareAndSwap(false, true) {
		writeJSON(w, http.StatusConflict, errorBody{Error: "refresh already running"})
		return
	}

	if r.URL.Query().Get("wait") == "true" {
		defer h.refreshing.Store(false)
		report, err := h.market.Refresh(r.Context())
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
		return
	}

	go func() {
		defer h.refreshing.Store(false)
		if _, err := h.market.Refresh(h.background); err != nil {
			h.logger.Error("refresh failed", zap.Error(err))
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "refresh started"})
}
