package pubsub

import (
	"context"
	"encoding/json"

	"marketgate/internal/metrics"
	"marketgate/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// Publisher fans fresh market data out to downstream consumers over Redis
// pub/sub. A nil Publisher or nil client is valid and publishes nothing, so
// the data layer works without Redis configured.
type Publisher struct {
	client *redis.Client
	logger *logrus.Logger
}

func NewPublisher(client *redis.Client, logger *logrus.Logger) *Publisher {
	return &Publisher{
		client: client,
		logger: logger,
	}
}

// PublishPrice publishes a fresh price quote to its symbol channel.
func (p *Publisher) PublishPrice(ctx context.Context, quote *models.PriceQuote) error {
	if p == nil || p.client == nil {
		return nil
	}

	data, err := json.Marshal(quote)
	if err != nil {
		return err
	}

	channel := "marketgate:price:" + quote.Symbol
	if err := p.client.Publish(ctx, channel, data).Err(); err != nil {
		metrics.PublishFailures.WithLabelValues("price").Inc()
		return err
	}
	metrics.PublishSuccess.WithLabelValues("price").Inc()
	return nil
}

// PublishStreamQuote publishes a streamed tick to its symbol channel.
func (p *Publisher) PublishStreamQuote(ctx context.Context, quote *models.StreamQuote) error {
	if p == nil || p.client == nil {
		return nil
	}

	data, err := json.Marshal(quote)
	if err != nil {
		return err
	}

	channel := "marketgate:stream:" + quote.Symbol
	if err := p.client.Publish(ctx, channel, data).Err(); err != nil {
		metrics.PublishFailures.WithLabelValues("stream").Inc()
		return err
	}
	metrics.PublishSuccess.WithLabelValues("stream").Inc()
	return nil
}

// PublishNews publishes fresh headlines for a symbol.
func (p *Publisher) PublishNews(ctx context.Context, news *models.NewsList) error {
	if p == nil || p.client == nil {
		return nil
	}

	data, err := json.Marshal(news)
	if err != nil {
		return err
	}

	channel := "marketgate:news:" + news.Symbol
	if err := p.client.Publish(ctx, channel, data).Err(); err != nil {
		metrics.PublishFailures.WithLabelValues("news").Inc()
		return err
	}
	metrics.PublishSuccess.WithLabelValues("news").Inc()
	return nil
}
