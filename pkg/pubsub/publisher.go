package pubsub

import (
	"context"
	"errors"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"

	"github.com/angelmondragon/courier/pkg/logger"
	"github.com/angelmondragon/courier/pkg/message"
	"github.com/angelmondragon/courier/pkg/streams"
)

// ErrExternalIDsUnsupported is returned when a caller asks for
// caller-chosen ids; Pub/Sub always assigns its own.
var ErrExternalIDsUnsupported = errors.New("pubsub publisher does not accept external message ids")

const (
	attrMessageType = "message_type"
	attrMessageID   = "message_id"
)

type topicPublisher interface {
	Publish(context.Context, *pubsub.Message) publishResult
	ResumePublish(orderingKey string)
}

type publishResult interface {
	Get(context.Context) (string, error)
}

type gcpTopicPublisher struct {
	publisher *pubsub.Publisher
}

func (g gcpTopicPublisher) Publish(ctx context.Context, msg *pubsub.Message) publishResult {
	return g.publisher.Publish(ctx, msg)
}

func (g gcpTopicPublisher) ResumePublish(orderingKey string) {
	g.publisher.ResumePublish(orderingKey)
}

type PublisherParams struct {
	Publisher *pubsub.Publisher
	// OrderingKey keeps messages of one logical stream in order.
	OrderingKey string
	Logger      *logger.Logger
}

// Publisher sends outbox messages to one Pub/Sub topic.
type Publisher struct {
	topic       topicPublisher
	orderingKey string
	logg        *logger.Logger
}

func NewPublisher(params PublisherParams) (*Publisher, error) {
	if params.Publisher == nil {
		return nil, errors.New("pubsub publisher is required")
	}
	return newPublisher(gcpTopicPublisher{publisher: params.Publisher}, params.OrderingKey, params.Logger), nil
}

func newPublisher(topic topicPublisher, orderingKey string, logg *logger.Logger) *Publisher {
	if logg == nil {
		logg = logger.Nop()
	}
	return &Publisher{topic: topic, orderingKey: orderingKey, logg: logg}
}

// Publish sends every message and waits for all server ids. Ids come back in
// input order. A failed send pauses the ordering key, so it is resumed before
// returning the error and the whole batch can be retried.
func (p *Publisher) Publish(ctx context.Context, msgs []*message.Message) ([]string, error) {
	if len(msgs) == 0 {
		return []string{}, nil
	}

	results := make([]publishResult, len(msgs))
	for i, m := range msgs {
		data, err := m.ToJSON()
		if err != nil {
			return nil, fmt.Errorf("encoding message %d: %w", i, err)
		}
		results[i] = p.topic.Publish(ctx, &pubsub.Message{
			Data:        data,
			OrderingKey: p.orderingKey,
			Attributes: map[string]string{
				attrMessageType: m.Type(),
				attrMessageID:   m.ID().String(),
			},
		})
	}

	ids := make([]string, len(results))
	var firstErr error
	for i, res := range results {
		id, err := res.Get(ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("publishing message %s: %w", msgs[i].ID(), err)
			}
			continue
		}
		ids[i] = id
	}
	if firstErr != nil {
		if p.orderingKey != "" {
			p.topic.ResumePublish(p.orderingKey)
		}
		return nil, firstErr
	}

	p.logg.Debug(p.logg.WithField(ctx, "count", len(ids)), "pubsub messages published")
	return ids, nil
}

var _ streams.EntryPublisher = (*Publisher)(nil)

// PublishWithIDs fails with ErrExternalIDsUnsupported for any non-empty input.
func (p *Publisher) PublishWithIDs(_ context.Context, entries []streams.Entry) ([]string, error) {
	if len(entries) == 0 {
		return []string{}, nil
	}
	return nil, ErrExternalIDsUnsupported
}
