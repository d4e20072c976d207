package config

import "github.com/qvcloud/pricefeed"

const (
	DefaultHeartbeat            = pricefeed.DefaultHeartbeat
	DefaultReconnectDelay       = pricefeed.DefaultReconnectDelay
	DefaultMaxReconnectAttempts = pricefeed.DefaultMaxReconnectAttempts
	DefaultConnectTimeout       = pricefeed.DefaultConnectTimeout
	DefaultTopic                = "/topic/prices"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "console"
	DefaultRedisPrefix          = "pricefeed:last:"
)

// Default returns the config a file is decoded over. Keys the file leaves
// out keep these values; keys it sets to zero stay zero, so heartbeats and
// retries can be turned off.
func Default() Config {
	return Config{
		Broker: BrokerConfig{
			HeartbeatOutgoing:    DefaultHeartbeat,
			HeartbeatIncoming:    DefaultHeartbeat,
			ReconnectDelay:       DefaultReconnectDelay,
			MaxReconnectAttempts: DefaultMaxReconnectAttempts,
			ConnectTimeout:       DefaultConnectTimeout,
		},
		Log: LogConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}

// applyDefaults fills values that have no meaningful zero.
func (c *Config) applyDefaults() {
	if len(c.Topics) == 0 {
		c.Topics = []string{DefaultTopic}
	}

	if c.Store.Redis.Addr != "" && c.Store.Redis.Prefix == "" {
		c.Store.Redis.Prefix = DefaultRedisPrefix
	}

	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}
