package tse

import (
	"context"

	"tfinance/market"
)

// Ticker is a read-only view of one instrument and its history.
type Ticker struct {
	inst    market.Instrument
	history []market.HistoryRecord
}

// NewTicker resolves sel through m and loads the instrument's history.
func NewTicker(ctx context.Context, m *Market, sel market.Selector) (*Ticker, error) {
	inst, err := m.Resolve(ctx, sel)
	if err != nil {
		return nil, err
	}
	history, err := m.history(ctx, inst.ID)
	if err != nil {
		return nil, err
	}
	return &Ticker{inst: inst, history: history}, nil
}

func (t *Ticker) ID() string          { return t.inst.ID }
func (t *Ticker) Name() string        { return t.inst.Name }
func (t *Ticker) Symbol() string      { return t.inst.Ticker }
func (t *Ticker) LatinName() string   { return t.inst.LatinName }
func (t *Ticker) LatinTicker() string { return t.inst.LatinTicker }
func (t *Ticker) Sector() string      { return t.inst.Sector }
func (t *Ticker) Market() string      { return t.inst.Market }
func (t *Ticker) SubMarket() string   { return t.inst.SubMarket }
func (t *Ticker) TickerCode() string  { return t.inst.TickerCode }

func (t *Ticker) Instrument() market.Instrument {
	return t.inst
}

func (t *Ticker) History() []market.HistoryRecord {
	return append([]market.HistoryRecord(nil), t.history...)
}
