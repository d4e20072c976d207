// Package config loads the pricewatch configuration: a yaml file with
// ${VAR} expansion, optional .env files and a few environment overrides.
package config

import "time"

// Config is the root configuration for pricewatch.
type Config struct {
	Broker BrokerConfig `yaml:"broker"`
	Topics []string     `yaml:"topics"`
	Relay  RelayConfig  `yaml:"relay"`
	Store  StoreConfig  `yaml:"store"`
	Log    LogConfig    `yaml:"log"`
}

// BrokerConfig holds the price broker connection.
type BrokerConfig struct {
	URL      string `yaml:"url"`
	SockJS   bool   `yaml:"sockjs"`
	Host     string `yaml:"host"`
	Login    string `yaml:"login"`
	Passcode string `yaml:"passcode"`
	// Token is sent as a bearer Authorization connect header.
	Token    string `yaml:"token"`
	ClientID string `yaml:"client_id"`

	HeartbeatOutgoing    time.Duration `yaml:"heartbeat_outgoing"`
	HeartbeatIncoming    time.Duration `yaml:"heartbeat_incoming"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
}

// RelayConfig selects an optional bus to republish updates to.
type RelayConfig struct {
	// Kind is one of "", nats, kafka, rabbitmq. Empty disables the relay.
	Kind     string   `yaml:"kind"`
	Addrs    []string `yaml:"addrs"`
	Prefix   string   `yaml:"prefix"`
	Exchange string   `yaml:"exchange"` // rabbitmq
	Topic    string   `yaml:"topic"`    // kafka
}

// StoreConfig configures the last-price store.
type StoreConfig struct {
	Redis RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	// Format is console or json.
	Format string `yaml:"format"`
}
