package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/auth"
	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/config"
	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/fees"
	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/gateway"
	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/idempotency"
	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/ledger"
	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/locks"
	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/metrics"
	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/service"
	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/storage/sqlite"
	"github.com/nishojibon5-hash/Ebondhu-sub000/internal/sweeper"
	"github.com/nishojibon5-hash/Ebondhu-sub000/pkg/logging"
)

func main() {
	logger := logging.Setup()

	if err := run(logger); err != nil {
		logger.Error("walletd failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return err
	}
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info("Storage initialized", "database", cfg.DBPath)

	schedule := fees.Default()
	if cfg.FeeSchedulePath != "" {
		schedule, err = fees.Load(cfg.FeeSchedulePath)
		if err != nil {
			return err
		}
		logger.Info("Fee schedule loaded", "path", cfg.FeeSchedulePath)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	authority := gateway.New(cfg.AuthorityURL, auth.NewSessionSigner(cfg.SessionSecret, cfg.SessionTTL), gateway.Options{
		Policy:  cfg.RetryPolicy(),
		Metrics: m,
		Logger:  logger,
	})

	// The executor and the sweeper must share these.
	tracker := idempotency.NewTracker(logger)
	accountLocks := locks.New()
	notifier := ledger.NewNotifier()

	sw := sweeper.New(store, authority, sweeper.Options{
		Tracker:     tracker,
		Locks:       accountLocks,
		Notifier:    notifier,
		Metrics:     m,
		Logger:      logger,
		Policy:      cfg.RetryPolicy(),
		Concurrency: cfg.SweepConcurrency,
		Interval:    cfg.SweepInterval,
		Retention:   cfg.IdempotencyRetention,
	})

	executor := ledger.NewExecutor(store, authority, ledger.Options{
		Tracker:       tracker,
		Locks:         accountLocks,
		Fees:          schedule,
		PINs:          auth.NewBcryptPIN(0),
		Notifier:      notifier,
		Metrics:       m,
		Logger:        logger,
		CommitTimeout: cfg.CommitTimeout,
		Syncer:        sw,

		PINMaxAttempts: cfg.PINMaxAttempts,
		PINLockout:     cfg.PINLockout,
	})

	mux := http.NewServeMux()
	walletPath, walletHandler := service.NewWalletService(executor, sw, logger).Handler()
	mux.Handle(walletPath, walletHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	loggedHandler := loggingMiddleware(logger, corsMiddleware(cfg.CORSAllowedOrigin, mux))

	// Wrap with h2c for HTTP/2 without TLS (required for Connect streaming)
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           h2c.NewHandler(loggedHandler, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		sw.Run(ctx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Connect server starting", "address", cfg.ListenAddr)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			stop()
			<-sweepDone
			return err
		}
	case <-ctx.Done():
		logger.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server shutdown incomplete", "error", err)
	}
	<-sweepDone
	return nil
}

// loggingMiddleware logs all incoming requests
func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		logger.Debug("Request received",
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		)

		next.ServeHTTP(w, r)

		logger.Info("Request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// corsMiddleware admits requests without an Origin header (the native app,
// curl) and browser requests from allowedOrigin only. Any other page open in
// the user's browser gets 403 before reaching a handler.
func corsMiddleware(allowedOrigin string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Add("Vary", "Origin")
		if allowedOrigin == "" || origin != allowedOrigin {
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}

		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Connect-Protocol-Version, Connect-Timeout-Ms")
		w.Header().Set("Access-Control-Expose-Headers", "Connect-Protocol-Version, Connect-Timeout-Ms, Reject-Reason")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
