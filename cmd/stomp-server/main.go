package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/adred-codev/stomp_poc/internal/accounts"
	"github.com/adred-codev/stomp_poc/internal/bridge"
	"github.com/adred-codev/stomp_poc/internal/limits"
	"github.com/adred-codev/stomp_poc/internal/monitoring"
	"github.com/adred-codev/stomp_poc/internal/platform"
	"github.com/adred-codev/stomp_poc/internal/server"
	"github.com/adred-codev/stomp_poc/internal/types"
	"github.com/rs/zerolog"

	_ "go.uber.org/automaxprocs"
)

const memoryAccounts = "memory"

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-debug] [port] [tpc|reactor]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	bootLogger := monitoring.NewLogger(monitoring.LoggerConfig{Level: types.LogLevelInfo, Format: types.LogFormatJSON})

	cfg, err := platform.LoadConfig(flag.Args(), &bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = string(types.LogLevelDebug)
	}

	logger := monitoring.InitGlobalLogger(monitoring.LoggerConfig{
		Level:  types.LogLevel(cfg.LogLevel),
		Format: types.LogFormat(cfg.LogFormat),
	})
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("Runtime configured")
	cfg.LogConfig(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Server failed")
	}
}

func run(cfg *platform.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := monitoring.NewMetrics()

	var (
		store    accounts.Store
		reporter accounts.Reporter
	)
	if cfg.AccountsAddr == memoryAccounts {
		mem := accounts.NewMemoryStore()
		store, reporter = mem, mem
		logger.Warn().Msg("Using in-memory account store, accounts are lost on restart")
	} else {
		client := accounts.NewSQLClient(accounts.SQLClientConfig{
			Addr:    cfg.AccountsAddr,
			Timeout: cfg.AccountsTimeout,
			Logger:  logger,
		})
		store, reporter = client, client
	}

	limiter := limits.NewConnectionRateLimiter(limits.ConnectionRateLimiterConfig{
		IPBurst:     cfg.ConnRateIPBurst,
		IPRate:      cfg.ConnRateIPPerSec,
		GlobalBurst: cfg.ConnRateGlobalBurst,
		GlobalRate:  cfg.ConnRateGlobalPerSec,
		Logger:      logger,
	})
	defer limiter.Stop()

	var srv *server.Server
	guard := limits.NewResourceGuard(limits.ResourceGuardConfig{
		MaxConnections:     cfg.MaxConnections,
		CPURejectThreshold: cfg.CPURejectThreshold,
		MaxMemoryBytes:     cfg.MemoryLimit,
		MaxGoroutines:      cfg.MaxGoroutines,
	}, func() int64 { return srv.ActiveConnections() }, logger, metrics)

	srv, err := server.New(server.Config{
		Mode:            cfg.ServerMode(),
		Addr:            cfg.ListenAddr(),
		WSAddr:          cfg.WSAddr,
		AdminAddr:       cfg.AdminAddr,
		Workers:         cfg.Workers,
		WorkerQueue:     cfg.WorkerQueue,
		AccountsTimeout: cfg.AccountsTimeout,
		MetricsInterval: cfg.MetricsInterval,
	}, server.Deps{
		Accounts:    store,
		Reporter:    reporter,
		RateLimiter: limiter,
		Guard:       guard,
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		return err
	}

	if cfg.NATSURL != "" {
		b, err := bridge.Connect(bridge.Config{URL: cfg.NATSURL, Subject: cfg.NATSSubject}, srv.Registry(), logger, metrics)
		if err != nil {
			return err
		}
		defer b.Close()
		srv.SetRelay(b)
	}

	if err := srv.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info().Msg("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		monitoring.LogError(logger, err, "Error during shutdown", nil)
	}
	return nil
}
