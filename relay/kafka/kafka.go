// Package kafka is a relay.Sink that writes price updates to Kafka.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/qvcloud/pricefeed"
	"github.com/qvcloud/pricefeed/relay"
	"github.com/segmentio/kafka-go"
)

var ErrNotConnected = errors.New("kafka: not connected")

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaSink struct {
	opts relay.Options

	// topic, when set, receives every update keyed by subject. Otherwise
	// each subject is written to a topic of the same name.
	topic string

	sync.RWMutex
	writer  kafkaWriter
	running bool

	newWriter func(w *kafka.Writer) kafkaWriter
}

func (k *kafkaSink) Options() relay.Options { return k.opts }

func (k *kafkaSink) Connect() error {
	k.Lock()
	defer k.Unlock()

	if k.running {
		return nil
	}
	if len(k.opts.Addrs) == 0 {
		return fmt.Errorf("kafka: broker addresses are required")
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(k.opts.Addrs...),
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	if k.opts.TLSConfig != nil {
		w.Transport = &kafka.Transport{TLS: k.opts.TLSConfig, ClientID: k.opts.ClientID}
	} else if k.opts.ClientID != "" {
		w.Transport = &kafka.Transport{ClientID: k.opts.ClientID}
	}
	if v, ok := pricefeed.GetTrackedValue(k.opts.Context, batchTimeoutKey{}).(time.Duration); ok {
		w.BatchTimeout = v
	}
	if v, ok := pricefeed.GetTrackedValue(k.opts.Context, asyncKey{}).(bool); ok {
		w.Async = v
	}

	k.writer = k.newWriter(w)
	k.running = true

	pricefeed.WarnUnconsumed(k.opts.Context, k.opts.Logger)
	return nil
}

func (k *kafkaSink) Disconnect() error {
	k.Lock()
	defer k.Unlock()

	if !k.running {
		return nil
	}
	var err error
	if k.writer != nil {
		err = k.writer.Close()
		k.writer = nil
	}
	k.running = false
	return err
}

func (k *kafkaSink) Publish(ctx context.Context, subject string, msg *pricefeed.Message) error {
	k.RLock()
	w := k.writer
	k.RUnlock()

	if w == nil {
		return ErrNotConnected
	}

	km := kafka.Message{
		Topic:   subject,
		Value:   msg.Body,
		Headers: headers(msg.Header),
	}
	if k.topic != "" {
		km.Topic = k.topic
		km.Key = []byte(subject)
	}
	return w.WriteMessages(ctx, km)
}

func headers(h map[string]string) []kafka.Header {
	keys := make([]string, 0, len(h))
	for key := range h {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]kafka.Header, 0, len(keys))
	for _, key := range keys {
		out = append(out, kafka.Header{Key: key, Value: []byte(h[key])})
	}
	return out
}

func (k *kafkaSink) String() string {
	return "kafka"
}

func NewSink(opts ...relay.Option) relay.Sink {
	options := relay.NewOptions(opts...)
	s := &kafkaSink{
		opts: *options,
		newWriter: func(w *kafka.Writer) kafkaWriter {
			return w
		},
	}
	if v, ok := pricefeed.GetTrackedValue(options.Context, topicKey{}).(string); ok {
		s.topic = strings.TrimSpace(v)
	}
	return s
}

type topicKey struct{}
type batchTimeoutKey struct{}
type asyncKey struct{}

// WithTopic writes every update to topic, keyed by subject, so all updates
// for one instrument land on the same partition.
func WithTopic(topic string) relay.Option {
	return func(o *relay.Options) {
		o.Context = pricefeed.WithTrackedValue(o.Context, topicKey{}, topic, "kafka.WithTopic")
	}
}

func WithBatchTimeout(d time.Duration) relay.Option {
	return func(o *relay.Options) {
		o.Context = pricefeed.WithTrackedValue(o.Context, batchTimeoutKey{}, d, "kafka.WithBatchTimeout")
	}
}

// WithAsync makes writes return before the broker acknowledges them.
func WithAsync(async bool) relay.Option {
	return func(o *relay.Options) {
		o.Context = pricefeed.WithTrackedValue(o.Context, asyncKey{}, async, "kafka.WithAsync")
	}
}
