package provider

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"marketgate/internal/errs"
	"marketgate/internal/models"

	"github.com/shopspring/decimal"
)

// SimAdapter is a deterministic-enough in-process provider used when no real
// adapters are configured, and by tests. Errors and health can be injected.
type SimAdapter struct {
	cfg Config

	mu      sync.Mutex
	healthy bool
	err     error
	base    map[string]float64
	rng     *rand.Rand
}

func NewSimAdapter(cfg Config) *SimAdapter {
	return &SimAdapter{
		cfg:     cfg,
		healthy: true,
		base: map[string]float64{
			"AAPL":  206.80,
			"MSFT":  415.75,
			"GOOGL": 172.50,
			"NVDA":  450.00,
			"AMZN":  183.20,
		},
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *SimAdapter) Config() Config { return s.cfg }

func (s *SimAdapter) Initialize(ctx context.Context) error { return nil }

func (s *SimAdapter) IsHealthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy
}

// SetHealth marks the adapter healthy or unhealthy.
func (s *SimAdapter) SetHealth(healthy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = healthy
}

// SetError makes every call fail with err until cleared with nil.
func (s *SimAdapter) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// SetBasePrice pins the simulated base price for a symbol.
func (s *SimAdapter) SetBasePrice(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base[symbol] = price
}

func (s *SimAdapter) quote(symbol string) (*models.PriceQuote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}
	base, ok := s.base[symbol]
	if !ok {
		return nil, &errs.NotFoundError{Provider: s.cfg.Name, Symbol: symbol}
	}

	// Random walk within ±0.5% per read.
	price := base * (1 + (s.rng.Float64()-0.5)/100)
	change := price - base

	return &models.PriceQuote{
		Symbol:        symbol,
		Price:         decimal.NewFromFloat(price).Round(2),
		Change:        decimal.NewFromFloat(change).Round(2),
		ChangePercent: decimal.NewFromFloat(change / base * 100).Round(4),
		Volume:        int64(1_000_000 + s.rng.Intn(9_000_000)),
		Provider:      s.cfg.Name,
		UpdatedAt:     time.Now(),
	}, nil
}

func (s *SimAdapter) GetPrice(ctx context.Context, symbol string) (*models.PriceQuote, error) {
	if err := ctx.Err(); err != nil {
		return nil, &errs.TransientError{Provider: s.cfg.Name, Err: err}
	}
	return s.quote(symbol)
}

func (s *SimAdapter) GetBatchPrices(ctx context.Context, symbols []string) (map[string]*models.PriceQuote, error) {
	if !s.cfg.Capabilities.BatchRequests {
		return nil, fmt.Errorf("%s: batch requests not supported", s.cfg.Name)
	}
	out := make(map[string]*models.PriceQuote, len(symbols))
	for _, sym := range symbols {
		q, err := s.quote(sym)
		if err != nil {
			if errs.IsNotFound(err) {
				continue // partial results are fine for a batch
			}
			return nil, err
		}
		out[sym] = q
	}
	return out, nil
}

func (s *SimAdapter) GetFundamentals(ctx context.Context, symbol string) (*models.Fundamentals, error) {
	q, err := s.quote(symbol)
	if err != nil {
		return nil, err
	}
	return &models.Fundamentals{
		Symbol:        symbol,
		MarketCap:     q.Price.Mul(decimal.NewFromInt(1_000_000_000)),
		PERatio:       decimal.NewFromFloat(24.5),
		EPS:           q.Price.Div(decimal.NewFromFloat(24.5)).Round(2),
		DividendYield: decimal.NewFromFloat(0.0062),
		Revenue:       decimal.NewFromInt(96_000_000_000),
		Provider:      s.cfg.Name,
		UpdatedAt:     time.Now(),
	}, nil
}

func (s *SimAdapter) GetHistorical(ctx context.Context, symbol, timeRange string) (*models.HistoricalSeries, error) {
	q, err := s.quote(symbol)
	if err != nil {
		return nil, err
	}

	bars := make([]models.HistoricalBar, 0, 30)
	price := q.Price
	day := time.Now().UTC().Truncate(24 * time.Hour)
	for i := 29; i >= 0; i-- {
		drift := decimal.NewFromFloat((s.rng.Float64() - 0.5) * 2).Round(2)
		open := price.Add(drift)
		bars = append(bars, models.HistoricalBar{
			Date:   day.AddDate(0, 0, -i),
			Open:   open,
			High:   open.Add(decimal.NewFromFloat(1.2)),
			Low:    open.Sub(decimal.NewFromFloat(1.1)),
			Close:  open.Add(drift.Div(decimal.NewFromInt(2))),
			Volume: int64(500_000 + s.rng.Intn(2_000_000)),
		})
	}

	return &models.HistoricalSeries{
		Symbol:   symbol,
		Range:    timeRange,
		Bars:     bars,
		Provider: s.cfg.Name,
	}, nil
}

func (s *SimAdapter) GetCompanyInfo(ctx context.Context, symbol string) (*models.CompanyInfo, error) {
	if _, err := s.quote(symbol); err != nil {
		return nil, err
	}
	return &models.CompanyInfo{
		Symbol:      symbol,
		Name:        symbol + " Inc.",
		Exchange:    "NASDAQ",
		Sector:      "Technology",
		Industry:    "Software",
		Description: "Simulated issuer profile for " + symbol,
		Website:     "https://example.com/" + symbol,
		Employees:   25_000,
		Provider:    s.cfg.Name,
	}, nil
}

func (s *SimAdapter) GetNews(ctx context.Context, symbol string, limit int) (*models.NewsList, error) {
	if _, err := s.quote(symbol); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}
	items := make([]models.NewsItem, 0, limit)
	for i := 0; i < limit; i++ {
		items = append(items, models.NewsItem{
			Title:       fmt.Sprintf("%s headline %d", symbol, i+1),
			Summary:     "Simulated market coverage",
			URL:         fmt.Sprintf("https://news.example.com/%s/%d", symbol, i+1),
			Source:      s.cfg.Name,
			PublishedAt: time.Now().Add(-time.Duration(i) * time.Hour),
		})
	}
	return &models.NewsList{Symbol: symbol, Items: items, Provider: s.cfg.Name}, nil
}
