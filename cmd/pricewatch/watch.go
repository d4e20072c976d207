package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/qvcloud/pricefeed"
	"github.com/qvcloud/pricefeed/internal/config"
	"github.com/qvcloud/pricefeed/relay"
	"github.com/qvcloud/pricefeed/relay/kafka"
	"github.com/qvcloud/pricefeed/relay/nats"
	"github.com/qvcloud/pricefeed/relay/rabbitmq"
	"github.com/qvcloud/pricefeed/store/redis"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch [topic...]",
	Short: "Stream price updates as JSON lines",
	Long: `Subscribe to the given topics (or the configured ones, /topic/prices by
default) and print each update as {"topic":...,"at":...,"payload":...}.

With store.redis configured the last value per topic is printed at start and
kept up to date. With relay.kind set every update is also republished.`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

type update struct {
	Topic   string    `json:"topic"`
	At      time.Time `json:"at"`
	Stale   bool      `json:"stale,omitempty"`
	Payload any       `json:"payload"`
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	c, zl := newClient(cfg)
	logger := pricefeed.NewZerologLogger(zl)
	go logLifecycle(ctx, c, zl)

	var store pricefeed.Store
	if cfg.Store.Redis.Addr != "" {
		s := newStore(cfg.Store.Redis, logger)
		if err := s.Connect(ctx); err != nil {
			return err
		}
		defer s.Close()
		store = s
	}

	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", cfg.Broker.URL, err)
	}
	defer c.Disconnect()

	out := &lineWriter{w: cmd.OutOrStdout()}

	if cfg.Relay.Kind != "" {
		// The relay owns the subscriptions; updates reach stdout and the
		// store through its tap.
		sink, err := newSink(cfg.Relay, logger)
		if err != nil {
			return err
		}
		if store != nil {
			printStale(ctx, out, store, cfg.Topics, logger)
		}
		tap := func(ctx context.Context, ev pricefeed.Event) error {
			out.write(update{Topic: ev.Topic(), At: time.Now(), Payload: ev.Payload()})
			if store != nil {
				return store.Save(ctx, ev.Topic(), ev.Message().Body)
			}
			return nil
		}
		r := relay.New(c, sink, cfg.Topics, append(relayOptions(cfg.Relay), relay.WithTap(tap))...)
		if err := r.Start(); err != nil {
			return err
		}
		defer func() {
			published, failed := r.Stats()
			zl.Info().Uint64("published", published).Uint64("failed", failed).Str("sink", sink.String()).Msg("relay stopped")
			r.Stop()
		}()
	} else {
		for _, topic := range cfg.Topics {
			opts := []pricefeed.FeedOption{pricefeed.FeedContext(ctx)}
			if store != nil {
				opts = append(opts, pricefeed.FeedStore(store))
			}
			f := pricefeed.NewFeed(c, topic, opts...)
			defer f.Close()

			if v, ok := f.Latest(); ok {
				out.write(update{Topic: topic, At: time.Now(), Stale: true, Payload: v})
			}
			go func() {
				for v := range f.Updates() {
					out.write(update{Topic: f.Topic(), At: time.Now(), Payload: v})
				}
			}()
		}
	}

	failed := make(chan error, 1)
	id := c.On(pricefeed.EventError, func(ev pricefeed.LifecycleEvent) {
		if errors.Is(ev.Err, pricefeed.ErrReconnectExhausted) {
			select {
			case failed <- ev.Err:
			default:
			}
		}
	})
	defer c.Off(pricefeed.EventError, id)

	select {
	case <-ctx.Done():
		return nil
	case err := <-failed:
		return err
	}
}

type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lineWriter) write(u update) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, err := json.Marshal(u)
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode %s: %v\n", u.Topic, err)
		return
	}
	l.w.Write(append(b, '\n'))
}

func printStale(ctx context.Context, out *lineWriter, store pricefeed.Store, topics []string, logger pricefeed.Logger) {
	for _, topic := range topics {
		body, ok, err := store.Load(ctx, topic)
		if err != nil {
			logger.Logf("pricewatch: load last value of %s: %v", topic, err)
			continue
		}
		if !ok {
			continue
		}
		var v any
		if err := json.Unmarshal(body, &v); err != nil {
			v = string(body)
		}
		out.write(update{Topic: topic, At: time.Now(), Stale: true, Payload: v})
	}
}

func newStore(cfg config.RedisConfig, logger pricefeed.Logger) *redis.Store {
	return redis.NewStore(
		redis.Addr(cfg.Addr),
		redis.Password(cfg.Password),
		redis.DB(cfg.DB),
		redis.Prefix(cfg.Prefix),
		redis.TTL(cfg.TTL),
		redis.WithLogger(logger),
	)
}

func newSink(cfg config.RelayConfig, logger pricefeed.Logger) (relay.Sink, error) {
	opts := []relay.Option{relay.Addrs(cfg.Addrs...), relay.WithLogger(logger), relay.ClientID("pricewatch")}
	switch cfg.Kind {
	case "nats":
		return nats.NewSink(opts...), nil
	case "kafka":
		if cfg.Topic != "" {
			opts = append(opts, kafka.WithTopic(cfg.Topic))
		}
		return kafka.NewSink(opts...), nil
	case "rabbitmq":
		if cfg.Exchange != "" {
			opts = append(opts, rabbitmq.WithExchange(cfg.Exchange))
		}
		return rabbitmq.NewSink(opts...), nil
	}
	return nil, fmt.Errorf("unknown relay sink %q", cfg.Kind)
}

func relayOptions(cfg config.RelayConfig) []relay.RelayOption {
	if cfg.Prefix == "" {
		return nil
	}
	return []relay.RelayOption{relay.WithPrefix(cfg.Prefix)}
}

