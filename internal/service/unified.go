package service

import (
	"context"
	"fmt"
	"time"

	"marketgate/internal/cache"
	"marketgate/internal/clock"
	"marketgate/internal/errs"
	"marketgate/internal/metrics"
	"marketgate/internal/models"
	"marketgate/internal/provider"
	"marketgate/internal/pubsub"
	"marketgate/internal/quota"

	"github.com/sirupsen/logrus"
)

// TTLs are the per-data-type cache lifetimes. Prices and news move fast,
// fundamentals and company profiles barely move at all.
type TTLs struct {
	Price        time.Duration
	News         time.Duration
	Historical   time.Duration
	Fundamentals time.Duration
	CompanyInfo  time.Duration
}

// Options configures the unified service.
type Options struct {
	TTLs        TTLs
	CallTimeout time.Duration
}

// Unified aggregates every registered provider behind one API surface:
// cache first, then eligible providers in priority order respecting quota,
// recording usage and repopulating the cache on success.
type Unified struct {
	registry  *provider.Registry
	quota     *quota.Tracker
	cache     *cache.Cache
	publisher *pubsub.Publisher
	logger    *logrus.Logger
	clock     clock.Clock
	opts      Options
}

func NewUnified(
	registry *provider.Registry,
	tracker *quota.Tracker,
	c *cache.Cache,
	publisher *pubsub.Publisher,
	clk clock.Clock,
	logger *logrus.Logger,
	opts Options,
) *Unified {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	return &Unified{
		registry:  registry,
		quota:     tracker,
		cache:     c,
		publisher: publisher,
		logger:    logger,
		clock:     clk,
		opts:      opts,
	}
}

func priceKey(symbol string) string      { return "price:" + symbol }
func fundamentalsKey(sym string) string  { return "fundamentals:" + sym }
func historicalKey(sym, r string) string { return "historical:" + sym + ":" + r }
func companyKey(sym string) string       { return "company_info:" + sym }
func newsKey(sym string, n int) string   { return fmt.Sprintf("news:%s:%d", sym, n) }

func errorType(err error) string {
	switch {
	case errs.IsRateLimit(err):
		return "rate_limit"
	case errs.IsAuth(err):
		return "auth"
	case errs.IsNotFound(err):
		return "not_found"
	case errs.IsTransient(err):
		return "transient"
	default:
		return "other"
	}
}

// callProvidersInOrder walks the providers eligible for dt ascending by
// priority, skipping any over quota, and returns the first success. Every
// failure is recorded and the walk continues; a rate-limit error gets no
// special retry. Usage is recorded only on success, so a timed-out call
// burns no quota.
func (u *Unified) callProvidersInOrder(
	ctx context.Context,
	dt provider.DataType,
	symbol string,
	call func(context.Context, provider.Adapter) (interface{}, error),
) (interface{}, error) {
	adapters := u.registry.ForDataType(dt)

	var attempts []errs.ProviderAttempt
	for _, a := range adapters {
		cfg := a.Config()

		if !u.quota.CanUseProvider(cfg.Name) {
			u.logger.WithFields(logrus.Fields{
				"provider":  cfg.Name,
				"data_type": dt,
			}).Debug("Provider over quota, skipping")
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, u.opts.CallTimeout)
		start := time.Now()
		v, err := call(callCtx, a)
		cancel()
		metrics.TrackLatency(start, metrics.ProviderLatency.WithLabelValues(cfg.Name))

		if err != nil {
			attempts = append(attempts, errs.ProviderAttempt{Provider: cfg.Name, Err: err})
			metrics.ProviderFailures.WithLabelValues(cfg.Name, errorType(err)).Inc()
			u.logger.WithError(err).WithFields(logrus.Fields{
				"provider":  cfg.Name,
				"data_type": dt,
				"symbol":    symbol,
			}).Warn("Provider call failed, trying next")
			continue
		}

		u.quota.RecordCall(cfg.Name, string(dt))
		metrics.ProviderRequests.WithLabelValues(cfg.Name, string(dt)).Inc()
		return v, nil
	}

	return nil, &errs.AllProvidersExhaustedError{
		DataType: string(dt),
		Symbol:   symbol,
		Attempts: attempts,
	}
}

// publish fires a best-effort fan-out without blocking the caller.
func (u *Unified) publish(fn func(context.Context) error) {
	if u.publisher == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := fn(ctx); err != nil {
			u.logger.WithError(err).Debug("Publish failed")
		}
	}()
}

// GetPrice returns the current price for symbol, from cache when allowed.
func (u *Unified) GetPrice(ctx context.Context, symbol string, useCache bool) (*models.PriceQuote, error) {
	key := priceKey(symbol)

	fill := func() (interface{}, error) {
		v, err := u.callProvidersInOrder(ctx, provider.DataTypePrice, symbol,
			func(ctx context.Context, a provider.Adapter) (interface{}, error) {
				return a.GetPrice(ctx, symbol)
			})
		if err != nil {
			return nil, err
		}
		q := v.(*models.PriceQuote)
		u.publish(func(ctx context.Context) error { return u.publisher.PublishPrice(ctx, q) })
		return *q, nil
	}

	if !useCache {
		v, err := fill()
		if err != nil {
			return nil, err
		}
		q := v.(models.PriceQuote)
		u.cache.Set(key, q, u.opts.TTLs.Price)
		return &q, nil
	}

	v, hit, err := u.cache.Load(key, u.opts.TTLs.Price, fill)
	if err != nil {
		return nil, err
	}
	q := v.(models.PriceQuote)
	q.Cached = hit
	return &q, nil
}

// GetFundamentals returns company financials for symbol.
func (u *Unified) GetFundamentals(ctx context.Context, symbol string, useCache bool) (*models.Fundamentals, error) {
	key := fundamentalsKey(symbol)

	fill := func() (interface{}, error) {
		v, err := u.callProvidersInOrder(ctx, provider.DataTypeFundamentals, symbol,
			func(ctx context.Context, a provider.Adapter) (interface{}, error) {
				return a.GetFundamentals(ctx, symbol)
			})
		if err != nil {
			return nil, err
		}
		return *(v.(*models.Fundamentals)), nil
	}

	if !useCache {
		v, err := fill()
		if err != nil {
			return nil, err
		}
		f := v.(models.Fundamentals)
		u.cache.Set(key, f, u.opts.TTLs.Fundamentals)
		return &f, nil
	}

	v, hit, err := u.cache.Load(key, u.opts.TTLs.Fundamentals, fill)
	if err != nil {
		return nil, err
	}
	f := v.(models.Fundamentals)
	f.Cached = hit
	return &f, nil
}

// GetHistorical returns OHLCV bars for symbol over timeRange. An unknown
// range is rejected, never defaulted.
func (u *Unified) GetHistorical(ctx context.Context, symbol, timeRange string, useCache bool) (*models.HistoricalSeries, error) {
	if !models.ValidRanges[timeRange] {
		return nil, &errs.ValidationError{Field: "range", Value: timeRange}
	}
	key := historicalKey(symbol, timeRange)

	fill := func() (interface{}, error) {
		v, err := u.callProvidersInOrder(ctx, provider.DataTypeHistorical, symbol,
			func(ctx context.Context, a provider.Adapter) (interface{}, error) {
				return a.GetHistorical(ctx, symbol, timeRange)
			})
		if err != nil {
			return nil, err
		}
		return *(v.(*models.HistoricalSeries)), nil
	}

	if !useCache {
		v, err := fill()
		if err != nil {
			return nil, err
		}
		h := v.(models.HistoricalSeries)
		u.cache.Set(key, h, u.opts.TTLs.Historical)
		return &h, nil
	}

	v, hit, err := u.cache.Load(key, u.opts.TTLs.Historical, fill)
	if err != nil {
		return nil, err
	}
	h := v.(models.HistoricalSeries)
	h.Cached = hit
	return &h, nil
}

// GetCompanyInfo returns the issuer profile for symbol.
func (u *Unified) GetCompanyInfo(ctx context.Context, symbol string, useCache bool) (*models.CompanyInfo, error) {
	key := companyKey(symbol)

	fill := func() (interface{}, error) {
		v, err := u.callProvidersInOrder(ctx, provider.DataTypeCompanyInfo, symbol,
			func(ctx context.Context, a provider.Adapter) (interface{}, error) {
				return a.GetCompanyInfo(ctx, symbol)
			})
		if err != nil {
			return nil, err
		}
		return *(v.(*models.CompanyInfo)), nil
	}

	if !useCache {
		v, err := fill()
		if err != nil {
			return nil, err
		}
		ci := v.(models.CompanyInfo)
		u.cache.Set(key, ci, u.opts.TTLs.CompanyInfo)
		return &ci, nil
	}

	v, hit, err := u.cache.Load(key, u.opts.TTLs.CompanyInfo, fill)
	if err != nil {
		return nil, err
	}
	ci := v.(models.CompanyInfo)
	ci.Cached = hit
	return &ci, nil
}

// GetNews returns up to limit headlines for symbol.
func (u *Unified) GetNews(ctx context.Context, symbol string, limit int, useCache bool) (*models.NewsList, error) {
	if limit <= 0 {
		limit = 10
	}
	key := newsKey(symbol, limit)

	fill := func() (interface{}, error) {
		v, err := u.callProvidersInOrder(ctx, provider.DataTypeNews, symbol,
			func(ctx context.Context, a provider.Adapter) (interface{}, error) {
				return a.GetNews(ctx, symbol, limit)
			})
		if err != nil {
			return nil, err
		}
		n := v.(*models.NewsList)
		u.publish(func(ctx context.Context) error { return u.publisher.PublishNews(ctx, n) })
		return *n, nil
	}

	if !useCache {
		v, err := fill()
		if err != nil {
			return nil, err
		}
		n := v.(models.NewsList)
		u.cache.Set(key, n, u.opts.TTLs.News)
		return &n, nil
	}

	v, hit, err := u.cache.Load(key, u.opts.TTLs.News, fill)
	if err != nil {
		return nil, err
	}
	n := v.(models.NewsList)
	n.Cached = hit
	return &n, nil
}

// GetBatchPrices returns prices for many symbols. Cached symbols are served
// directly; the rest goes to a batch-capable provider in one call, falling
// back to per-symbol requests on batch failure. Failing symbols are dropped,
// never fatal to the batch.
func (u *Unified) GetBatchPrices(ctx context.Context, symbols []string, useCache bool) (map[string]*models.PriceQuote, error) {
	out := make(map[string]*models.PriceQuote, len(symbols))

	missing := symbols
	if useCache {
		missing = missing[:0:0]
		for _, sym := range symbols {
			if v, ok := u.cache.Get(priceKey(sym)); ok {
				q := v.(models.PriceQuote)
				q.Cached = true
				out[sym] = &q
				continue
			}
			missing = append(missing, sym)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	if fetched := u.tryBatchProvider(ctx, missing); fetched != nil {
		for sym, q := range fetched {
			u.cache.Set(priceKey(sym), *q, u.opts.TTLs.Price)
			out[sym] = q
		}
		return out, nil
	}

	// No batch-capable provider succeeded: degrade to the single-item path.
	for _, sym := range missing {
		q, err := u.GetPrice(ctx, sym, useCache)
		if err != nil {
			u.logger.WithError(err).WithField("symbol", sym).Debug("Dropping symbol from batch")
			continue
		}
		out[sym] = q
	}
	return out, nil
}

// tryBatchProvider issues one batch call against the first admissible
// provider advertising batch support. Returns nil when none succeeded.
func (u *Unified) tryBatchProvider(ctx context.Context, symbols []string) map[string]*models.PriceQuote {
	for _, a := range u.registry.ForDataType(provider.DataTypePrice) {
		cfg := a.Config()
		if !cfg.Capabilities.BatchRequests {
			continue
		}
		if !u.quota.CanUseProvider(cfg.Name) {
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, u.opts.CallTimeout)
		start := time.Now()
		res, err := a.GetBatchPrices(callCtx, symbols)
		cancel()
		metrics.TrackLatency(start, metrics.ProviderLatency.WithLabelValues(cfg.Name))

		if err != nil {
			metrics.ProviderFailures.WithLabelValues(cfg.Name, errorType(err)).Inc()
			u.logger.WithError(err).WithField("provider", cfg.Name).Warn("Batch price call failed")
			return nil
		}

		u.quota.RecordCall(cfg.Name, "batch_prices")
		metrics.ProviderRequests.WithLabelValues(cfg.Name, "batch_prices").Inc()
		return res
	}
	return nil
}

// Status reports per-provider health and usage plus cache stats.
func (u *Unified) Status() map[string]interface{} {
	providers := make(map[string]interface{})
	for _, a := range u.registry.All() {
		cfg := a.Config()
		providers[cfg.Name] = map[string]interface{}{
			"healthy":  a.IsHealthy(),
			"priority": cfg.Priority,
			"usage":    u.quota.Usage(cfg.Name),
		}
	}

	return map[string]interface{}{
		"providers":                  providers,
		"cache":                      u.cache.Stats(),
		"stream_messages_per_second": metrics.GetStreamMessagesPerSecond(),
		"time":                       u.clock.Now().UTC(),
	}
}

// QuotaStatus reports usage against limits plus the alert list (providers
// above the alert threshold).
func (u *Unified) QuotaStatus() map[string]interface{} {
	return map[string]interface{}{
		"usage":  u.quota.Snapshot(),
		"alerts": u.quota.Alerts(),
	}
}
