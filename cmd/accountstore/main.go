package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/adred-codev/stomp_poc/internal/accounts"
	"github.com/adred-codev/stomp_poc/internal/monitoring"
	"github.com/adred-codev/stomp_poc/internal/platform"
	"github.com/adred-codev/stomp_poc/internal/types"
)

func main() {
	cfg, err := platform.LoadAccountStoreConfig()
	if err != nil {
		boot := monitoring.NewLogger(monitoring.LoggerConfig{Level: types.LogLevelInfo, Format: types.LogFormatJSON, Service: "accountstore"})
		boot.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger := monitoring.InitGlobalLogger(monitoring.LoggerConfig{
		Level:   types.LogLevel(cfg.LogLevel),
		Format:  types.LogFormat(cfg.LogFormat),
		Service: "accountstore",
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := accounts.OpenSQLServer(cfg.DBPath, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("db", cfg.DBPath).Msg("Failed to open database")
	}
	defer store.Close()

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.Addr).Msg("Failed to listen")
	}

	if err := store.Serve(ctx, ln); err != nil {
		monitoring.LogError(logger, err, "Account store stopped", nil)
	}
}
