package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceQuote represents the current price for a symbol as served to callers.
// Cached is true when the value was answered from the cache rather than a
// live provider call.
type PriceQuote struct {
	Symbol        string          `json:"symbol"`
	Price         decimal.Decimal `json:"price"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	Volume        int64           `json:"volume"`
	Provider      string          `json:"provider"`
	Cached        bool            `json:"cached"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Fundamentals represents slow-moving company financials.
type Fundamentals struct {
	Symbol        string          `json:"symbol"`
	MarketCap     decimal.Decimal `json:"market_cap"`
	PERatio       decimal.Decimal `json:"pe_ratio"`
	EPS           decimal.Decimal `json:"eps"`
	DividendYield decimal.Decimal `json:"dividend_yield"`
	Revenue       decimal.Decimal `json:"revenue"`
	Provider      string          `json:"provider"`
	Cached        bool            `json:"cached"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// HistoricalBar is a single OHLCV bar.
type HistoricalBar struct {
	Date   time.Time       `json:"date"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume int64           `json:"volume"`
}

// HistoricalSeries is a range of bars for one symbol.
type HistoricalSeries struct {
	Symbol   string          `json:"symbol"`
	Range    string          `json:"range"`
	Bars     []HistoricalBar `json:"bars"`
	Provider string          `json:"provider"`
	Cached   bool            `json:"cached"`
}

// CompanyInfo describes the issuer behind a symbol.
type CompanyInfo struct {
	Symbol      string `json:"symbol"`
	Name        string `json:"name"`
	Exchange    string `json:"exchange"`
	Sector      string `json:"sector"`
	Industry    string `json:"industry"`
	Description string `json:"description"`
	Website     string `json:"website"`
	Employees   int    `json:"employees"`
	Provider    string `json:"provider"`
	Cached      bool   `json:"cached"`
}

// NewsItem is one headline.
type NewsItem struct {
	Title       string    `json:"title"`
	Summary     string    `json:"summary"`
	URL         string    `json:"url"`
	Source      string    `json:"source"`
	PublishedAt time.Time `json:"published_at"`
}

// NewsList is the news response for one symbol.
type NewsList struct {
	Symbol   string     `json:"symbol"`
	Items    []NewsItem `json:"items"`
	Provider string     `json:"provider"`
	Cached   bool       `json:"cached"`
}

// StreamQuote is a price update received over a streaming connection.
type StreamQuote struct {
	Symbol     string          `json:"symbol"`
	Price      decimal.Decimal `json:"price"`
	Source     string          `json:"source"`
	ReceivedAt time.Time       `json:"received_at"`
}

// ToPriceQuote converts a streaming update into the caller-facing quote
// shape. Change fields are unknown on the stream path and stay zero.
func (q StreamQuote) ToPriceQuote() *PriceQuote {
	return &PriceQuote{
		Symbol:    q.Symbol,
		Price:     q.Price,
		Provider:  q.Source,
		UpdatedAt: q.ReceivedAt,
	}
}

// ValidRanges enumerates the accepted historical time ranges. Anything else
// is a validation error, never silently defaulted.
var ValidRanges = map[string]bool{
	"1d": true, "5d": true, "1m": true, "3m": true,
	"6m": true, "1y": true, "5y": true, "max": true,
}
