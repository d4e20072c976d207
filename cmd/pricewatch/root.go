package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/qvcloud/pricefeed"
	"github.com/qvcloud/pricefeed/internal/config"
	"github.com/qvcloud/pricefeed/stomp"
	"github.com/qvcloud/pricefeed/transport/websocket"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	configPath string
	envFiles   []string
	brokerURL  string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "pricewatch",
	Short: "Watch live price updates from the market dashboard broker",
	Long: `pricewatch connects to the dashboard's STOMP price broker, subscribes to
price topics and prints every update as a JSON line.

Examples:
  pricewatch watch --url wss://dashboard.example.com/ws
  pricewatch watch --config pricewatch.yaml /topic/prices/currency/USD
  pricewatch send /app/prices/refresh '{"assetClass":"stocks"}'`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a pricewatch yaml file")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env", []string{".env"}, "Env files to load before reading config")
	rootCmd.PersistentFlags().StringVar(&brokerURL, "url", "", "Broker URL, overrides config and "+config.EnvBrokerURL)
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug|info|warn|error)")
}

// Execute runs the root command until ctx is cancelled.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// loadConfig applies env files, the config file and flag overrides.
func loadConfig(topics []string) (*config.Config, error) {
	if err := config.LoadEnv(envFiles...); err != nil {
		return nil, err
	}
	cfg, err := config.LoadWithDefaults(configPath)
	if err != nil {
		return nil, err
	}
	if brokerURL != "" {
		cfg.Broker.URL = brokerURL
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if len(topics) > 0 {
		cfg.Topics = topics
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.LogConfig, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if cfg.Format != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// clientOptions maps the broker config onto client options.
func clientOptions(cfg config.BrokerConfig, logger pricefeed.Logger) []pricefeed.Option {
	opts := []pricefeed.Option{
		pricefeed.Addrs(cfg.URL),
		pricefeed.WithLogger(logger),
		pricefeed.WithHeartbeat(cfg.HeartbeatOutgoing, cfg.HeartbeatIncoming),
		pricefeed.WithReconnectDelay(cfg.ReconnectDelay),
		pricefeed.WithMaxReconnectAttempts(cfg.MaxReconnectAttempts),
		pricefeed.WithConnectTimeout(cfg.ConnectTimeout),
	}
	if cfg.ClientID != "" {
		opts = append(opts, pricefeed.ClientID(cfg.ClientID))
	}
	if cfg.Login != "" {
		opts = append(opts, stomp.WithLogin(cfg.Login, cfg.Passcode))
	}
	if cfg.Host != "" {
		opts = append(opts, stomp.WithHost(cfg.Host))
	}
	if cfg.Token != "" {
		opts = append(opts, stomp.WithConnectHeader("Authorization", "Bearer "+cfg.Token))
	}
	if cfg.SockJS {
		opts = append(opts, websocket.WithSockJS())
	}
	return opts
}

func newClient(cfg *config.Config) (pricefeed.Client, zerolog.Logger) {
	zl := newLogger(cfg.Log, os.Stderr)
	logger := pricefeed.NewZerologLogger(zl)
	return stomp.NewClient(clientOptions(cfg.Broker, logger)...), zl
}

// logLifecycle logs client lifecycle events until ctx is done.
func logLifecycle(ctx context.Context, c pricefeed.Client, zl zerolog.Logger) {
	for ev := range c.Watch(ctx) {
		e := zl.Info()
		if ev.Err != nil {
			e = zl.Warn().Err(ev.Err)
		}
		e.Str("event", ev.Type.String()).Str("broker", c.Address()).Msg("lifecycle")
	}
}
