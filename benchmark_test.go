package pricefeed_test

import (
	"context"
	"testing"

	"github.com/qvcloud/pricefeed"
	"github.com/qvcloud/pricefeed/brokers/memory"
)

func BenchmarkClientDispatch(b *testing.B) {
	broker := memory.NewBroker()
	c := pricefeed.NewClient(broker, pricefeed.WithLogger(&mockLogger{}))
	if err := c.Connect(context.Background()); err != nil {
		b.Fatal(err)
	}
	defer c.Disconnect()

	topic := pricefeed.AssetClassTopic(pricefeed.Currency)
	if _, err := c.Subscribe(topic, func(context.Context, pricefeed.Event) error { return nil }); err != nil {
		b.Fatal(err)
	}
	body := []byte(`{"currencyCode":"USD","sellingRate":32.80}`)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		broker.Publish(topic, body)
	}
}

func BenchmarkFeedUpdate(b *testing.B) {
	broker := memory.NewBroker()
	c := pricefeed.NewClient(broker, pricefeed.WithLogger(&mockLogger{}))
	if err := c.Connect(context.Background()); err != nil {
		b.Fatal(err)
	}
	defer c.Disconnect()

	topic := pricefeed.InstrumentTopic(pricefeed.Stocks, "THYAO")
	feed := pricefeed.NewFeed(c, topic, pricefeed.FeedBuffer(0))
	defer feed.Close()
	body := []byte(`{"symbol":"THYAO","last":291.25}`)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		broker.Publish(topic, body)
	}
}
