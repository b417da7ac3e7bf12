package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"marketgate/internal/cache"
	"marketgate/internal/clock"
	"marketgate/internal/config"
	"marketgate/internal/fallback"
	"marketgate/internal/models"
	"marketgate/internal/provider"
	"marketgate/internal/pubsub"
	"marketgate/internal/quota"
	"marketgate/internal/service"
	"marketgate/internal/stream"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	version   = "1.0.0"
	startTime = time.Now()
)

func main() {
	// Setup logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	logger.Info("Starting MarketGate...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config: ", err)
	}

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid config: ", err)
	}

	// Set log level
	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(level)
	}
	if cfg.Logging.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	clk := clock.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Redis is optional; without it the publish fan-out is disabled.
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		logger.Info("Connecting to Redis...")
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("Failed to connect to Redis: ", err)
		}
		defer redisClient.Close()
		logger.Info("Redis connected successfully")
	}
	publisher := pubsub.NewPublisher(redisClient, logger)

	// Provider catalog
	providerConfigs, symbols, sources, err := config.LoadProviders(cfg.Service.ProvidersFile)
	if err != nil {
		logger.Fatal("Failed to load providers: ", err)
	}

	registry := provider.NewRegistry()
	tracker := quota.NewTracker(clk, logger)
	for _, pc := range providerConfigs {
		tracker.Register(pc)
		if cfg.Service.EnableSimAdapter {
			adapter := provider.NewSimAdapter(pc)
			if err := adapter.Initialize(ctx); err != nil {
				logger.WithError(err).WithField("provider", pc.Name).Fatal("Failed to initialize provider")
			}
			if err := registry.Register(adapter); err != nil {
				logger.WithError(err).Fatal("Failed to register provider")
			}
		}
	}
	tracker.StartPruning(ctx, cfg.Service.QuotaPruneEvery)

	// Memory cache
	memCache := cache.New(cfg.Cache.MaxBytes, clk, logger)
	memCache.StartJanitor(ctx, cfg.Cache.JanitorInterval)

	// Unified API service
	unified := service.NewUnified(registry, tracker, memCache, publisher, clk, logger, service.Options{
		TTLs: service.TTLs{
			Price:        cfg.Cache.PriceTTL,
			News:         cfg.Cache.NewsTTL,
			Historical:   cfg.Cache.HistoricalTTL,
			Fundamentals: cfg.Cache.FundamentalsTTL,
			CompanyInfo:  cfg.Cache.CompanyInfoTTL,
		},
		CallTimeout: cfg.Service.CallTimeout,
	})

	// Streaming pool and fallback state machine
	pool := stream.NewPool(cfg.Pool.Build(), stream.WebsocketDialer{}, clk, logger)
	fbm := fallback.NewManager(cfg.Fallback.Build(), unified, memCache, pool, clk, logger)

	pool.OnMessage(func(source string, data []byte) {
		var q models.StreamQuote
		if err := json.Unmarshal(data, &q); err != nil {
			logger.WithError(err).WithField("source", source).Debug("Unparseable stream frame")
			return
		}
		q.Source = source
		if q.ReceivedAt.IsZero() {
			q.ReceivedAt = clk.Now()
		}
		fbm.RecordStreamData(q)
		go func() {
			pubCtx, pubCancel := context.WithTimeout(ctx, 2*time.Second)
			defer pubCancel()
			if err := publisher.PublishStreamQuote(pubCtx, &q); err != nil {
				logger.WithError(err).Debug("Stream publish failed")
			}
		}()
	})

	pool.Start()
	fbm.Start()

	// Pump pool lifecycle events into the fallback state machine.
	go func() {
		for ev := range pool.Events() {
			fbm.ObservePoolEvent(ev)
		}
	}()

	for _, src := range sources {
		if err := pool.InitializePool(src.Name, src.URL); err != nil {
			logger.WithError(err).WithField("source", src.Name).Error("Failed to initialize source")
		}
	}

	// Subscribe the tracked symbol set on every source.
	go func() {
		for _, symbol := range symbols {
			subCtx, subCancel := context.WithTimeout(ctx, 30*time.Second)
			err := pool.SendMessage(subCtx, symbol, map[string]interface{}{
				"action": "subscribe",
				"symbol": symbol,
			})
			subCancel()
			if err != nil {
				logger.WithError(err).WithField("symbol", symbol).Warn("Subscribe failed")
			}
		}
	}()

	// Start HTTP server
	go startHTTPServer(cfg, logger, unified, fbm, pool)

	logger.Infof("MarketGate v%s started successfully", version)
	logger.Infof("HTTP server listening on :%d", cfg.Server.HTTPPort)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...")
	fbm.Stop()
	pool.Stop()
	cancel()

	time.Sleep(time.Second)
	logger.Info("Shutdown complete")
}

func startHTTPServer(
	cfg *config.Config,
	logger *logrus.Logger,
	unified *service.Unified,
	fbm *fallback.Manager,
	pool *stream.Pool,
) {
	mux := http.NewServeMux()

	writeJSON := func(w http.ResponseWriter, status int, v interface{}) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if err := json.NewEncoder(w).Encode(v); err != nil {
			logger.WithError(err).Debug("Response encode failed")
		}
	}

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"healthy":        true,
			"version":        version,
			"uptime_seconds": int64(time.Since(startTime).Seconds()),
			"fallback_state": fbm.CurrentState(),
		})
	})

	mux.HandleFunc("/api/v1/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, unified.Status())
	})

	mux.HandleFunc("/api/v1/quota", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, unified.QuotaStatus())
	})

	mux.HandleFunc("/api/v1/fallback", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, fbm.State())
	})

	mux.HandleFunc("/api/v1/pool", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, pool.LoadBalancerMetrics())
	})

	mux.HandleFunc("/api/v1/price", func(w http.ResponseWriter, r *http.Request) {
		symbol := r.URL.Query().Get("symbol")
		if symbol == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "symbol is required"})
			return
		}
		q := fbm.GetDataWithFallback(r.Context(), symbol)
		if q == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no data available for " + symbol})
			return
		}
		writeJSON(w, http.StatusOK, q)
	})

	mux.HandleFunc("/api/v1/quote", func(w http.ResponseWriter, r *http.Request) {
		symbol := r.URL.Query().Get("symbol")
		if symbol == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "symbol is required"})
			return
		}
		useCache := true
		if v := r.URL.Query().Get("cache"); v != "" {
			useCache, _ = strconv.ParseBool(v)
		}
		q, err := unified.GetPrice(r.Context(), symbol, useCache)
		if err != nil {
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, q)
	})

	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", cfg.Server.HTTPPort)
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	logger.Infof("HTTP server starting on %s", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("HTTP server failed: ", err)
	}
}
