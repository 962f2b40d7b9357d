package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/adred-codev/stomp_poc/internal/loadtest"
	"github.com/adred-codev/stomp_poc/internal/monitoring"
	"github.com/adred-codev/stomp_poc/internal/types"
)

func main() {
	var cfg loadtest.Config
	flag.StringVar(&cfg.Addr, "addr", getEnv("STOMP_ADDR", "localhost:7777"), "Broker TCP address")
	flag.StringVar(&cfg.HealthURL, "health", getEnv("HEALTH_URL", "http://localhost:9090/health"), "Health check URL (empty disables)")
	flag.IntVar(&cfg.Connections, "connections", getEnvInt("TARGET_CONNECTIONS", 1000), "Target number of connections")
	flag.IntVar(&cfg.RampRate, "ramp-rate", getEnvInt("RAMP_RATE", 40), "Connections per second during ramp-up")
	flag.DurationVar(&cfg.Sustain, "duration", 5*time.Minute, "Sustain duration")
	flag.DurationVar(&cfg.ReportInterval, "report-interval", 10*time.Second, "Report interval")
	flag.DurationVar(&cfg.HealthInterval, "health-interval", 5*time.Second, "Health check interval")
	flag.DurationVar(&cfg.ConnectTimeout, "connection-timeout", 10*time.Second, "Connect and login timeout")
	channels := flag.String("channels", getEnv("CHANNELS", "/topic/a,/topic/b,/topic/c"), "Comma-separated channels")
	flag.StringVar(&cfg.SubscriptionMode, "subscription-mode", getEnv("SUBSCRIPTION_MODE", loadtest.SubscribeAll), "Subscription mode: all, single, random")
	flag.IntVar(&cfg.ChannelsPerClient, "channels-per-client", getEnvInt("CHANNELS_PER_CLIENT", 2), "Channels per client (random mode)")
	flag.IntVar(&cfg.PublisherEvery, "publisher-every", getEnvInt("PUBLISHER_EVERY", 10), "Every Nth client publishes (0 disables)")
	flag.DurationVar(&cfg.PublishInterval, "publish-interval", time.Second, "Publish interval per publisher")
	flag.StringVar(&cfg.UserPrefix, "user-prefix", getEnv("USER_PREFIX", "load"), "Login name prefix")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	for _, ch := range strings.Split(*channels, ",") {
		if ch = strings.TrimSpace(ch); ch != "" {
			cfg.Channels = append(cfg.Channels, ch)
		}
	}

	level := types.LogLevelInfo
	if *debug {
		level = types.LogLevelDebug
	}
	logger := monitoring.InitGlobalLogger(monitoring.LoggerConfig{
		Level:   level,
		Format:  types.LogFormatPretty,
		Service: "stomp-loadtest",
	})

	runner, err := loadtest.New(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal().Err(err).Msg("Load test failed")
	}
	logger.Info().Msg("Load test finished")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
