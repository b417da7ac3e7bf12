package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"marketgate/internal/models"
)

// DataType identifies one of the capabilities a provider may serve.
type DataType string

const (
	DataTypePrice        DataType = "price"
	DataTypeFundamentals DataType = "fundamentals"
	DataTypeHistorical   DataType = "historical"
	DataTypeCompanyInfo  DataType = "company_info"
	DataTypeNews         DataType = "news"
)

// Capabilities are the per-provider feature flags.
type Capabilities struct {
	RealtimePrice bool `yaml:"realtime_price"`
	BatchRequests bool `yaml:"batch_requests"`
	Fundamentals  bool `yaml:"fundamentals"`
	Historical    bool `yaml:"historical"`
	News          bool `yaml:"news"`
	CompanyInfo   bool `yaml:"company_info"`
	WebSocket     bool `yaml:"websocket"`
}

// QuotaLimits are the admissible call budgets. Zero means unlimited.
type QuotaLimits struct {
	Daily     int `yaml:"daily"`
	PerMinute int `yaml:"per_minute"`
}

// Config describes one registered provider. Immutable after registration;
// lower priority is tried first.
type Config struct {
	Name         string       `yaml:"name"`
	Priority     int          `yaml:"priority"`
	StreamURL    string       `yaml:"stream_url"`
	Capabilities Capabilities `yaml:"capabilities"`
	Limits       QuotaLimits  `yaml:"limits"`
}

// CanHandle reports whether the provider serves the given data type.
func (c Config) CanHandle(dt DataType) bool {
	switch dt {
	case DataTypePrice:
		return c.Capabilities.RealtimePrice
	case DataTypeFundamentals:
		return c.Capabilities.Fundamentals
	case DataTypeHistorical:
		return c.Capabilities.Historical
	case DataTypeCompanyInfo:
		return c.Capabilities.CompanyInfo
	case DataTypeNews:
		return c.Capabilities.News
	default:
		return false
	}
}

// Adapter is the fixed contract every external data source implements.
// Concrete wire-format parsing lives behind this interface.
type Adapter interface {
	Initialize(ctx context.Context) error
	IsHealthy() bool
	GetPrice(ctx context.Context, symbol string) (*models.PriceQuote, error)
	GetBatchPrices(ctx context.Context, symbols []string) (map[string]*models.PriceQuote, error)
	GetFundamentals(ctx context.Context, symbol string) (*models.Fundamentals, error)
	GetHistorical(ctx context.Context, symbol, timeRange string) (*models.HistoricalSeries, error)
	GetCompanyInfo(ctx context.Context, symbol string) (*models.CompanyInfo, error)
	GetNews(ctx context.Context, symbol string, limit int) (*models.NewsList, error)
	Config() Config
}

// Registry holds all registered adapters. Registration happens once at
// startup; reads are concurrent.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter. Duplicate names are rejected.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := a.Config().Name
	if name == "" {
		return fmt.Errorf("provider name is required")
	}
	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("provider %s already registered", name)
	}
	r.adapters[name] = a
	return nil
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// ForDataType returns the adapters able to serve dt, ascending by priority.
func (r *Registry) ForDataType(dt DataType) []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		if a.Config().CanHandle(dt) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ci, cj := out[i].Config(), out[j].Config()
		if ci.Priority != cj.Priority {
			return ci.Priority < cj.Priority
		}
		return ci.Name < cj.Name
	})
	return out
}

// All returns every registered adapter, ascending by priority.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		ci, cj := out[i].Config(), out[j].Config()
		if ci.Priority != cj.Priority {
			return ci.Priority < cj.Priority
		}
		return ci.Name < cj.Name
	})
	return out
}

// Configs returns the configuration of every registered adapter.
func (r *Registry) Configs() []Config {
	all := r.All()
	out := make([]Config, 0, len(all))
	for _, a := range all {
		out = append(out, a.Config())
	}
	return out
}
