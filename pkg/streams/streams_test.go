package streams

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/courier/pkg/bus"
	pkgerrors "github.com/angelmondragon/courier/pkg/errors"
	"github.com/angelmondragon/courier/pkg/message"
)

const (
	testStream = "test-stream"
	testGroup  = "test-group"
)

type counted struct {
	N int `json:"n"`
}

func setup(t *testing.T) (*miniredis.Miniredis, *redis.Client, *message.Registry) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	reg := message.NewRegistry()
	require.NoError(t, message.RegisterType[counted](reg, "Counted"))
	return mr, client, reg
}

func newMessages(n int) []*message.Message {
	out := make([]*message.Message, n)
	for i := range out {
		out[i] = message.New("Counted", &counted{N: i})
	}
	return out
}

func newGroup(t *testing.T, client *redis.Client, reg *message.Registry) *ConsumerGroup {
	t.Helper()
	g, err := NewConsumerGroup(GroupParams{
		Client:   client,
		Stream:   testStream,
		Group:    testGroup,
		Consumer: "consumer-a",
		Registry: reg,
	})
	require.NoError(t, err)
	require.NoError(t, g.Create(context.Background(), true))
	return g
}

func pendingCount(t *testing.T, client *redis.Client) int64 {
	t.Helper()
	p, err := client.XPending(context.Background(), testStream, testGroup).Result()
	require.NoError(t, err)
	return p.Count
}

func TestPublishReturnsIDsInOrder(t *testing.T) {
	ctx := context.Background()
	_, client, reg := setup(t)
	pub, err := NewPublisher(PublisherParams{Client: client, Stream: testStream})
	require.NoError(t, err)

	msgs := newMessages(3)
	ids, err := pub.Publish(ctx, msgs)
	require.NoError(t, err)
	require.Len(t, ids, 3)

	entries, err := client.XRange(ctx, testStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, ids[i], e.ID)
		decoded, err := decode(e.Values, reg)
		require.NoError(t, err)
		assert.True(t, message.Equal(msgs[i], decoded))
	}
}

func TestPublishEmptyMakesNoCall(t *testing.T) {
	mr, client, _ := setup(t)
	pub, err := NewPublisher(PublisherParams{Client: client, Stream: testStream})
	require.NoError(t, err)

	ids, err := pub.Publish(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.NotNil(t, ids)
	assert.False(t, mr.Exists(testStream))
}

func TestPublishWithIDsRejectsReplays(t *testing.T) {
	ctx := context.Background()
	_, client, _ := setup(t)
	pub, err := NewPublisher(PublisherParams{Client: client, Stream: testStream, MaxLen: 1000})
	require.NoError(t, err)

	msgs := newMessages(2)
	entries := []Entry{{ID: "100-1", Message: msgs[0]}, {ID: "100-2", Message: msgs[1]}}
	ids, err := pub.PublishWithIDs(ctx, entries)
	require.NoError(t, err)
	assert.Equal(t, []string{"100-1", "100-2"}, ids)

	_, err = pub.PublishWithIDs(ctx, entries)
	assert.Error(t, err, "reusing ids must be rejected by the broker")

	n, err := client.XLen(ctx, testStream).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestCreateIsIdempotent(t *testing.T) {
	_, client, reg := setup(t)
	g := newGroup(t, client, reg)
	require.NoError(t, g.Create(context.Background(), true))

	groups, err := client.XInfoGroups(context.Background(), testStream).Result()
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, testGroup, groups[0].Name)
}

func TestCreateTwiceKeepsExistingGroup(t *testing.T) {
	ctx := context.Background()
	_, client, reg := setup(t)
	g := newGroup(t, client, reg)

	require.NoError(t, g.Create(ctx, true))
	require.NoError(t, g.Create(ctx, false), "an existing group is not an error")

	groups, err := client.XInfoGroups(ctx, testStream).Result()
	require.NoError(t, err)
	assert.Len(t, groups, 1)
}

func TestCreateGroupErrorClassification(t *testing.T) {
	busy := createGroupError(testGroup, testStream, errors.New("BUSYGROUP Consumer Group name already exists"))
	assert.True(t, pkgerrors.Is(busy, pkgerrors.CodeGroupAlreadyExists), "got %v", busy)

	other := createGroupError(testGroup, testStream, errors.New("ERR The XGROUP subcommand requires the key to exist"))
	assert.True(t, pkgerrors.Is(other, pkgerrors.CodeDependency), "got %v", other)
	assert.False(t, pkgerrors.Is(other, pkgerrors.CodeGroupAlreadyExists))
}

func TestCreateWithoutStreamFails(t *testing.T) {
	_, client, reg := setup(t)
	g, err := NewConsumerGroup(GroupParams{Client: client, Stream: "missing", Group: testGroup, Registry: reg})
	require.NoError(t, err)
	assert.Error(t, g.Create(context.Background(), false))
}

func TestFetchNewMessages(t *testing.T) {
	ctx := context.Background()
	_, client, reg := setup(t)
	g := newGroup(t, client, reg)

	empty, err := g.FetchNewMessages(ctx, FetchOptions{})
	require.NoError(t, err)
	assert.Empty(t, empty)
	assert.NotNil(t, empty)

	pub, err := NewPublisher(PublisherParams{Client: client, Stream: testStream})
	require.NoError(t, err)
	msgs := newMessages(3)
	_, err = pub.Publish(ctx, msgs)
	require.NoError(t, err)

	first, err := g.FetchNewMessages(ctx, FetchOptions{ChunkSize: 1})
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.True(t, message.Equal(msgs[0], first[0].Message))

	rest, err := g.FetchNewMessages(ctx, FetchOptions{})
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.True(t, message.Equal(msgs[2], rest[1].Message))
}

func TestProcessNewMessagesAcksAll(t *testing.T) {
	ctx := context.Background()
	_, client, reg := setup(t)
	g := newGroup(t, client, reg)

	var seen []int
	g.Join(bus.Consumer{
		Name:     "recorder",
		Subjects: bus.AllTypes(),
		Consume: func(_ context.Context, msg *message.Message, _ bus.ChunkInfo) error {
			seen = append(seen, msg.Data.(*counted).N)
			return nil
		},
	})

	pub, err := NewPublisher(PublisherParams{Client: client, Stream: testStream})
	require.NoError(t, err)
	_, err = pub.Publish(ctx, newMessages(10))
	require.NoError(t, err)

	result, err := g.ProcessNewMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, ProcessResult{Fetched: 10, Acked: 10}, result)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, seen, "entries are handled in stream order")
	assert.Equal(t, int64(0), pendingCount(t, client))
}

func TestProcessNewMessagesAcksOnlyFullSuccess(t *testing.T) {
	ctx := context.Background()
	_, client, reg := setup(t)
	g := newGroup(t, client, reg)

	g.Join(bus.Consumer{
		Name:     "succeeding",
		Subjects: bus.AllTypes(),
		Consume:  func(context.Context, *message.Message, bus.ChunkInfo) error { return nil },
	})
	g.Join(bus.Consumer{
		Name:     "failing",
		Subjects: bus.Types("Counted"),
		Consume: func(_ context.Context, msg *message.Message, _ bus.ChunkInfo) error {
			if msg.Data.(*counted).N < 9 {
				return errors.New("not yet")
			}
			return nil
		},
	})

	pub, err := NewPublisher(PublisherParams{Client: client, Stream: testStream})
	require.NoError(t, err)
	_, err = pub.Publish(ctx, newMessages(10))
	require.NoError(t, err)

	result, err := g.ProcessNewMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Acked)
	assert.Equal(t, 9, result.Failed)
	assert.Equal(t, int64(9), pendingCount(t, client))
}

func TestUndecodableEntriesStayPending(t *testing.T) {
	ctx := context.Background()
	_, client, reg := setup(t)
	g := newGroup(t, client, reg)
	g.Join(bus.Consumer{Name: "noop", Subjects: bus.AllTypes(), Consume: func(context.Context, *message.Message, bus.ChunkInfo) error { return nil }})

	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{Stream: testStream, Values: map[string]any{"value": "not json"}}).Err())
	unknown, err := message.New("Unregistered", nil).ToJSON()
	require.NoError(t, err)
	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{Stream: testStream, Values: map[string]any{"value": string(unknown)}}).Err())
	pub, err := NewPublisher(PublisherParams{Client: client, Stream: testStream})
	require.NoError(t, err)
	_, err = pub.Publish(ctx, newMessages(1))
	require.NoError(t, err)

	result, err := g.ProcessNewMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, ProcessResult{Fetched: 3, Acked: 1, Undecodable: 2}, result)
	assert.Equal(t, int64(2), pendingCount(t, client))
}

func TestProcessPendingMessagesReclaimsIdleEntries(t *testing.T) {
	ctx := context.Background()
	mr, client, reg := setup(t)
	now := time.Now()
	mr.SetTime(now)

	crashed := newGroup(t, client, reg)
	pub, err := NewPublisher(PublisherParams{Client: client, Stream: testStream})
	require.NoError(t, err)
	_, err = pub.Publish(ctx, newMessages(3))
	require.NoError(t, err)

	// delivered to a member that never acks
	delivered, err := crashed.FetchNewMessages(ctx, FetchOptions{})
	require.NoError(t, err)
	require.Len(t, delivered, 3)

	survivor, err := NewConsumerGroup(GroupParams{
		Client:   client,
		Stream:   testStream,
		Group:    testGroup,
		Consumer: "consumer-b",
		Registry: reg,
	})
	require.NoError(t, err)
	handled := 0
	survivor.Join(bus.Consumer{
		Name:     "counter",
		Subjects: bus.AllTypes(),
		Consume: func(context.Context, *message.Message, bus.ChunkInfo) error {
			handled++
			return nil
		},
	})

	result, err := survivor.ProcessPendingMessages(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Fetched, "entries are not idle long enough yet")

	mr.SetTime(now.Add(2 * time.Minute))
	result, err = survivor.ProcessPendingMessages(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Acked)
	assert.Equal(t, 3, handled)
	assert.Equal(t, int64(0), pendingCount(t, client))
}

func TestNewConsumerGroupValidates(t *testing.T) {
	_, client, _ := setup(t)
	_, err := NewConsumerGroup(GroupParams{Stream: "s", Group: "g"})
	assert.Error(t, err)
	_, err = NewConsumerGroup(GroupParams{Client: client, Group: "g"})
	assert.Error(t, err)
	_, err = NewConsumerGroup(GroupParams{Client: client, Stream: "s"})
	assert.Error(t, err)

	g, err := NewConsumerGroup(GroupParams{Client: client, Stream: "s", Group: "g"})
	require.NoError(t, err)
	assert.Equal(t, DefaultConsumer, g.consumer)
}
