package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/qvcloud/pricefeed"
	"github.com/rs/zerolog"
)

// Validate checks the config for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Broker.URL == "" {
		errs = append(errs, errors.New("broker.url is required"))
	} else if u, err := url.Parse(c.Broker.URL); err != nil {
		errs = append(errs, fmt.Errorf("broker.url: %w", err))
	} else {
		switch u.Scheme {
		case "ws", "wss", "http", "https":
		default:
			errs = append(errs, fmt.Errorf("broker.url: unsupported scheme %q", u.Scheme))
		}
	}
	if c.Broker.HeartbeatOutgoing < 0 || c.Broker.HeartbeatIncoming < 0 {
		errs = append(errs, errors.New("broker heartbeats must not be negative"))
	}
	if c.Broker.ReconnectDelay < 0 {
		errs = append(errs, errors.New("broker.reconnect_delay must not be negative"))
	}
	if c.Broker.MaxReconnectAttempts < 0 {
		errs = append(errs, errors.New("broker.max_reconnect_attempts must not be negative"))
	}

	for _, t := range c.Topics {
		if !strings.HasPrefix(t, "/") {
			errs = append(errs, fmt.Errorf("topic %q must start with /", t))
			continue
		}
		if cls, _, ok := pricefeed.ParseTopic(t); ok && cls != "" && !cls.Valid() {
			errs = append(errs, fmt.Errorf("topic %q: unknown asset class %q", t, cls))
		}
	}

	switch c.Relay.Kind {
	case "":
	case "nats", "kafka", "rabbitmq":
		if len(c.Relay.Addrs) == 0 {
			errs = append(errs, fmt.Errorf("relay.addrs is required for %s", c.Relay.Kind))
		}
	default:
		errs = append(errs, fmt.Errorf("relay.kind: unknown sink %q", c.Relay.Kind))
	}

	if c.Store.Redis.DB < 0 {
		errs = append(errs, errors.New("store.redis.db must not be negative"))
	}

	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}

	return errors.Join(errs...)
}
