package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"escrowcore/internal/config"
	"escrowcore/internal/escrow"
	"escrowcore/internal/idempotency"
	"escrowcore/internal/ledger"
	"escrowcore/internal/logging"
	"escrowcore/internal/server"
	"escrowcore/internal/wallet"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
)

const (
	connectTimeout  = 30 * time.Second
	shutdownTimeout = 15 * time.Second
)

func main() {
	if err := run(); err != nil {
		logger := logging.New("info", "json")
		logger.Fatal().Err(err).Msg("server exited")
	}
}

// run owns every resource it opens; it returns instead of exiting so that
// deferred cleanup always runs.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config")
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return errors.Wrapf(err, "idempotency store %s", cfg.Service.IdempotencyStore)
	}
	defer closeStore()

	gw, err := openGateway(cfg, logger)
	if err != nil {
		return errors.Wrapf(err, "ledger connection %s", cfg.Ledger.URL)
	}
	defer func() {
		if err := gw.Close(); err != nil {
			logger.Warn().Err(err).Msg("ledger close")
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	instrumented := ledger.Instrument(gw, ledger.NewMetrics(reg))

	wallets := wallet.NewResolver(wallet.Settings{
		Secret:  cfg.Custody.Secret,
		Address: cfg.Custody.Address,
	}, nil, logger)
	if !wallets.HasSecret() {
		logger.Warn().Msg("ESCROW_WALLET_SECRET is not set; create and cancel will fail")
	}

	manager := escrow.NewManager(instrumented, wallets, escrow.Config{
		DefaultEscrowAddress: cfg.Custody.DefaultEscrowAddress,
		Network:              cfg.Ledger.Network,
		SerializeSubmits:     cfg.Custody.SerializeSubmits,
	}, logger)

	var health ledger.HealthChecker
	if hc, ok := instrumented.(ledger.HealthChecker); ok {
		health = hc
	}
	apiServer := server.NewServer(cfg, manager, store,
		server.WithLogger(logger),
		server.WithLedgerHealth(health),
		server.WithRegistry(reg),
	)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- apiServer.Start()
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-ch:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "serve")
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := apiServer.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("shutdown")
	}
	return nil
}

func openGateway(cfg *config.AppConfig, logger zerolog.Logger) (ledger.Gateway, error) {
	var gw ledger.Gateway
	if cfg.Ledger.DryRun {
		logger.Warn().Msg("LEDGER_DRY_RUN enabled; using in-memory ledger")
		gw = ledger.NewFakeGateway(1)
	} else {
		xrpl, err := ledger.NewXRPLGateway(cfg.Ledger.URL, logger)
		if err != nil {
			return nil, err
		}
		gw = xrpl
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := gw.Connect(ctx); err != nil {
		return nil, err
	}
	logger.Info().Str("network", cfg.Ledger.Network).Bool("dry_run", cfg.Ledger.DryRun).Msg("ledger connected")
	return gw, nil
}

func openStore(cfg *config.AppConfig) (idempotency.Store, func(), error) {
	switch cfg.Service.IdempotencyStore {
	case config.StoreFile:
		fs, err := idempotency.NewFileStore(cfg.Service.IdempotencyStorePath)
		return fs, func() {}, err
	case config.StorePostgres:
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		pg, err := idempotency.NewPostgresStore(ctx, cfg.Service.DatabaseURL)
		if err != nil {
			return nil, func() {}, err
		}
		return pg, pg.Close, nil
	default:
		return idempotency.NewMemoryStore(), func() {}, nil
	}
}
