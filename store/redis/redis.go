// Package redis is a pricefeed.Store that keeps the last payload per topic
// in Redis, so a restarted dashboard can render stale prices before the
// broker delivers fresh ones.
package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/qvcloud/pricefeed"
	"github.com/redis/go-redis/v9"
)

var ErrNotConnected = errors.New("redis: not connected")

const DefaultPrefix = "pricefeed:last:"

type redisClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Close() error
}

type Options struct {
	Addr      string
	Password  string
	DB        int
	TLSConfig *tls.Config

	// Prefix is prepended to the topic to form the key.
	Prefix string
	// TTL expires stored values; zero keeps them forever.
	TTL time.Duration

	Logger pricefeed.Logger
}

type Option func(*Options)

func Addr(addr string) Option {
	return func(o *Options) {
		o.Addr = addr
	}
}

func Password(p string) Option {
	return func(o *Options) {
		o.Password = p
	}
}

func DB(db int) Option {
	return func(o *Options) {
		o.DB = db
	}
}

func TLSConfig(t *tls.Config) Option {
	return func(o *Options) {
		o.TLSConfig = t
	}
}

func Prefix(p string) Option {
	return func(o *Options) {
		o.Prefix = p
	}
}

func TTL(d time.Duration) Option {
	return func(o *Options) {
		o.TTL = d
	}
}

func WithLogger(l pricefeed.Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

type Store struct {
	opts Options

	mu     sync.RWMutex
	client redisClient

	newClient func(opts *redis.Options) redisClient
}

func NewStore(opts ...Option) *Store {
	options := Options{
		Prefix: DefaultPrefix,
	}
	for _, o := range opts {
		o(&options)
	}
	if options.Logger == nil {
		options.Logger = pricefeed.DefaultLogger()
	}
	return &Store{
		opts: options,
		newClient: func(opts *redis.Options) redisClient {
			return redis.NewClient(opts)
		},
	}
}

func (s *Store) Options() Options { return s.opts }

// Connect opens the client and pings the server.
func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return nil
	}
	if s.opts.Addr == "" {
		return fmt.Errorf("redis: address is required")
	}

	c := s.newClient(&redis.Options{
		Addr:      s.opts.Addr,
		Password:  s.opts.Password,
		DB:        s.opts.DB,
		TLSConfig: s.opts.TLSConfig,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return fmt.Errorf("redis: connect error: %w", err)
	}
	s.client = c
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

func (s *Store) key(topic string) string {
	return s.opts.Prefix + topic
}

func (s *Store) conn() (redisClient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.client == nil {
		return nil, ErrNotConnected
	}
	return s.client, nil
}

func (s *Store) Save(ctx context.Context, topic string, body []byte) error {
	c, err := s.conn()
	if err != nil {
		return err
	}
	return c.Set(ctx, s.key(topic), body, s.opts.TTL).Err()
}

// Load returns the stored body for topic; ok is false when nothing is stored.
func (s *Store) Load(ctx context.Context, topic string) ([]byte, bool, error) {
	c, err := s.conn()
	if err != nil {
		return nil, false, err
	}
	body, err := c.Get(ctx, s.key(topic)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return body, true, nil
}

func (s *Store) String() string {
	return "redis"
}

var _ pricefeed.Store = (*Store)(nil)
