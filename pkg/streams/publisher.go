package streams

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/angelmondragon/courier/pkg/logger"
	"github.com/angelmondragon/courier/pkg/message"
)

// Entry pairs a message with a caller-chosen stream id. An empty ID lets
// Redis assign one.
type Entry struct {
	ID      string
	Message *message.Message
}

// EntryPublisher is the publisher contract shared by the Redis stream and
// Pub/Sub implementations.
type EntryPublisher interface {
	Publish(ctx context.Context, msgs []*message.Message) ([]string, error)
	PublishWithIDs(ctx context.Context, entries []Entry) ([]string, error)
}

var _ EntryPublisher = (*Publisher)(nil)

type PublisherParams struct {
	Client redis.Cmdable
	Stream string
	// MaxLen trims the stream approximately (MAXLEN ~) when positive.
	MaxLen int64
	Logger *logger.Logger
}

// Publisher appends messages to one stream.
type Publisher struct {
	client redis.Cmdable
	stream string
	maxLen int64
	logg   *logger.Logger
}

func NewPublisher(params PublisherParams) (*Publisher, error) {
	if params.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if params.Stream == "" {
		return nil, errors.New("stream name is required")
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	return &Publisher{client: params.Client, stream: params.Stream, maxLen: params.MaxLen, logg: logg}, nil
}

// Stream is the destination stream name.
func (p *Publisher) Stream() string {
	return p.stream
}

// Publish appends msgs in one MULTI/EXEC and returns their stream ids in input order.
func (p *Publisher) Publish(ctx context.Context, msgs []*message.Message) ([]string, error) {
	entries := make([]Entry, len(msgs))
	for i, m := range msgs {
		entries[i] = Entry{Message: m}
	}
	return p.PublishWithIDs(ctx, entries)
}

// PublishWithIDs appends entries using their own ids, so a retried publish of
// the same ids is rejected by Redis instead of duplicated.
func (p *Publisher) PublishWithIDs(ctx context.Context, entries []Entry) ([]string, error) {
	if len(entries) == 0 {
		return []string{}, nil
	}

	args := make([]*redis.XAddArgs, len(entries))
	for i, e := range entries {
		values, err := encode(e.Message)
		if err != nil {
			return nil, fmt.Errorf("encoding entry %d: %w", i, err)
		}
		id := e.ID
		if id == "" {
			id = "*"
		}
		args[i] = &redis.XAddArgs{Stream: p.stream, ID: id, Values: values}
		if p.maxLen > 0 {
			args[i].MaxLen = p.maxLen
			args[i].Approx = true
		}
	}

	cmds := make([]*redis.StringCmd, len(args))
	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, a := range args {
			cmds[i] = pipe.XAdd(ctx, a)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("xadd to %s: %w", p.stream, err)
	}

	ids := make([]string, len(cmds))
	for i, cmd := range cmds {
		ids[i] = cmd.Val()
	}
	p.logg.Debug(p.logg.WithFields(p.logg.WithStream(ctx, p.stream), map[string]any{
		"count":   len(ids),
		"last_id": ids[len(ids)-1],
	}), "stream entries appended")
	return ids, nil
}
