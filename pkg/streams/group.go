package streams

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/angelmondragon/courier/pkg/bus"
	pkgerrors "github.com/angelmondragon/courier/pkg/errors"
	"github.com/angelmondragon/courier/pkg/logger"
	"github.com/angelmondragon/courier/pkg/message"
	"github.com/angelmondragon/courier/pkg/metrics"
)

const (
	DefaultConsumer  = "default"
	defaultChunkSize = 100
)

type GroupParams struct {
	Client   redis.Cmdable
	Stream   string
	Group    string
	Consumer string
	Registry *message.Registry
	// Bus receives the decoded entries; a private bus is created when nil.
	Bus       *bus.Bus
	ChunkSize int
	BlockFor  time.Duration
	Metrics   *metrics.ConsumerMetrics
	Logger    *logger.Logger
}

// ConsumerGroup reads one stream as one member of a Redis consumer group.
type ConsumerGroup struct {
	client    redis.Cmdable
	stream    string
	group     string
	consumer  string
	registry  *message.Registry
	bus       *bus.Bus
	chunkSize int
	blockFor  time.Duration
	metrics   *metrics.ConsumerMetrics
	logg      *logger.Logger
}

func NewConsumerGroup(params GroupParams) (*ConsumerGroup, error) {
	if params.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if params.Stream == "" {
		return nil, errors.New("stream name is required")
	}
	if params.Group == "" {
		return nil, errors.New("group name is required")
	}
	consumer := params.Consumer
	if consumer == "" {
		consumer = DefaultConsumer
	}
	b := params.Bus
	if b == nil {
		b = bus.New()
	}
	chunk := params.ChunkSize
	if chunk <= 0 {
		chunk = defaultChunkSize
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	return &ConsumerGroup{
		client:    params.Client,
		stream:    params.Stream,
		group:     params.Group,
		consumer:  consumer,
		registry:  params.Registry,
		bus:       b,
		chunkSize: chunk,
		blockFor:  params.BlockFor,
		metrics:   params.Metrics,
		logg:      logg,
	}, nil
}

// Create makes the group at the start of the stream. An existing group is
// left alone.
func (g *ConsumerGroup) Create(ctx context.Context, createStreamIfMissing bool) error {
	var err error
	if createStreamIfMissing {
		err = g.client.XGroupCreateMkStream(ctx, g.stream, g.group, "0").Err()
	} else {
		err = g.client.XGroupCreate(ctx, g.stream, g.group, "0").Err()
	}
	if err == nil {
		g.logg.Info(g.logCtx(ctx), "consumer group created")
		return nil
	}
	err = createGroupError(g.group, g.stream, err)
	if pkgerrors.Is(err, pkgerrors.CodeGroupAlreadyExists) {
		g.logg.Debug(g.logCtx(ctx), "consumer group already exists")
		return nil
	}
	return err
}

// createGroupError classifies an XGROUP CREATE failure. Redis answers
// BUSYGROUP when the group is already there.
func createGroupError(group, stream string, err error) error {
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return pkgerrors.Wrap(pkgerrors.CodeGroupAlreadyExists, err, fmt.Sprintf("group %s already exists on %s", group, stream))
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("creating group %s on %s", group, stream))
}

// Join subscribes c to the entries this member processes. It never touches
// Redis.
func (g *ConsumerGroup) Join(c bus.Consumer) (leave func()) {
	return g.bus.Subscribe(c)
}

// Delivery is one stream entry. Err is set when the entry could not be decoded.
type Delivery struct {
	StreamID string
	Message  *message.Message
	Err      error
}

type FetchOptions struct {
	ChunkSize int
	// BlockFor waits for new entries; zero returns immediately.
	BlockFor time.Duration
}

// FetchNewMessages reads entries never delivered to any member (XREADGROUP >).
func (g *ConsumerGroup) FetchNewMessages(ctx context.Context, opts FetchOptions) ([]Delivery, error) {
	count := opts.ChunkSize
	if count <= 0 {
		count = g.chunkSize
	}
	block := opts.BlockFor
	if block <= 0 {
		block = -1
	}
	res, err := g.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    g.group,
		Consumer: g.consumer,
		Streams:  []string{g.stream, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return []Delivery{}, nil
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("reading group %s on %s", g.group, g.stream))
	}
	var out []Delivery
	for _, s := range res {
		out = append(out, g.toDeliveries(s.Messages)...)
	}
	if out == nil {
		out = []Delivery{}
	}
	return out, nil
}

func (g *ConsumerGroup) toDeliveries(entries []redis.XMessage) []Delivery {
	out := make([]Delivery, 0, len(entries))
	for _, entry := range entries {
		m, err := decode(entry.Values, g.registry)
		out = append(out, Delivery{StreamID: entry.ID, Message: m, Err: err})
	}
	return out
}

// ProcessResult summarizes one processing pass.
type ProcessResult struct {
	Fetched     int
	Acked       int
	Failed      int
	Undecodable int
}

// ProcessNewMessages fetches a chunk, hands each entry to the joined
// consumers in stream order and acks, in one XACK, the entries whose handlers
// all succeeded. Failed and undecodable entries stay pending.
func (g *ConsumerGroup) ProcessNewMessages(ctx context.Context) (ProcessResult, error) {
	deliveries, err := g.FetchNewMessages(ctx, FetchOptions{ChunkSize: g.chunkSize, BlockFor: g.blockFor})
	if err != nil {
		return ProcessResult{}, err
	}
	return g.process(ctx, deliveries)
}

// ProcessPendingMessages claims entries that sat unacknowledged for at least
// minIdle, from any member, and processes them like new ones.
func (g *ConsumerGroup) ProcessPendingMessages(ctx context.Context, minIdle time.Duration) (ProcessResult, error) {
	pending, err := g.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: g.stream,
		Group:  g.group,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  int64(g.chunkSize),
	}).Result()
	if errors.Is(err, redis.Nil) {
		return ProcessResult{}, nil
	}
	if err != nil {
		return ProcessResult{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("listing pending entries of %s", g.group))
	}
	if len(pending) == 0 {
		return ProcessResult{}, nil
	}

	ids := make([]string, len(pending))
	for i, p := range pending {
		ids[i] = p.ID
	}
	claimed, err := g.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   g.stream,
		Group:    g.group,
		Consumer: g.consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return ProcessResult{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("claiming pending entries of %s", g.group))
	}
	g.metrics.AddReclaimed(g.group, len(claimed))
	if len(claimed) > 0 {
		g.logg.Info(g.logg.WithField(g.logCtx(ctx), "count", len(claimed)), "pending entries claimed")
	}
	return g.process(ctx, g.toDeliveries(claimed))
}

func (g *ConsumerGroup) process(ctx context.Context, deliveries []Delivery) (ProcessResult, error) {
	result := ProcessResult{Fetched: len(deliveries)}
	if len(deliveries) == 0 {
		return result, nil
	}

	logCtx := g.logCtx(ctx)
	acks := make([]string, 0, len(deliveries))
	for i, d := range deliveries {
		entryCtx := g.logg.WithField(logCtx, "stream_id", d.StreamID)
		if d.Err != nil {
			result.Undecodable++
			g.logg.Error(entryCtx, "stream entry could not be decoded; leaving it pending", d.Err)
			continue
		}

		outcomes := g.bus.NotifyInChunk(ctx, d.Message, bus.ChunkInfo{Size: len(deliveries), Current: i})
		if bus.AllSucceeded(outcomes) {
			acks = append(acks, d.StreamID)
			continue
		}
		result.Failed++
		failures := 0
		for _, o := range outcomes {
			if o.Err != nil {
				failures++
			}
		}
		g.metrics.AddHandlerFailures(g.group, failures)
		err := pkgerrors.Wrap(pkgerrors.CodeHandlerFailure, bus.Err(outcomes), "handlers failed")
		entryCtx = g.logg.WithMessageID(entryCtx, d.Message.ID().String())
		g.logg.Error(g.logg.WithField(entryCtx, "message_type", d.Message.Type()), "stream entry not acknowledged", err)
	}

	if len(acks) > 0 {
		if err := g.client.XAck(ctx, g.stream, g.group, acks...).Err(); err != nil {
			return result, pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("acking %d entries", len(acks)))
		}
		result.Acked = len(acks)
		g.metrics.AddAcked(g.group, len(acks))
	}
	return result, nil
}

func (g *ConsumerGroup) logCtx(ctx context.Context) context.Context {
	ctx = g.logg.WithStream(ctx, g.stream)
	ctx = g.logg.WithConsumer(ctx, g.consumer)
	return g.logg.WithField(ctx, "group", g.group)
}
