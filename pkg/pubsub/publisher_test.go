package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	pubsub "cloud.google.com/go/pubsub/v2"

	"github.com/angelmondragon/courier/pkg/message"
	"github.com/angelmondragon/courier/pkg/streams"
)

type fakeTopic struct {
	sent    []*pubsub.Message
	fail    map[int]error
	resumed []string
}

func (f *fakeTopic) Publish(_ context.Context, msg *pubsub.Message) publishResult {
	idx := len(f.sent)
	f.sent = append(f.sent, msg)
	return fakeResult{id: fmt.Sprintf("server-%d", idx), err: f.fail[idx]}
}

func (f *fakeTopic) ResumePublish(key string) {
	f.resumed = append(f.resumed, key)
}

type fakeResult struct {
	id  string
	err error
}

func (f fakeResult) Get(context.Context) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.id, nil
}

func newMessages(n int) []*message.Message {
	out := make([]*message.Message, n)
	for i := range out {
		out[i] = message.New("Pinged", map[string]int{"n": i})
	}
	return out
}

func TestPublishReturnsServerIDsInOrder(t *testing.T) {
	topic := &fakeTopic{}
	pub := newPublisher(topic, "orders", nil)
	msgs := newMessages(3)

	ids, err := pub.Publish(context.Background(), msgs)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	want := []string{"server-0", "server-1", "server-2"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids[%d] = %q, want %q", i, ids[i], want[i])
		}
	}

	for i, sent := range topic.sent {
		if sent.OrderingKey != "orders" {
			t.Fatalf("ordering key = %q", sent.OrderingKey)
		}
		if sent.Attributes[attrMessageType] != "Pinged" || sent.Attributes[attrMessageID] != msgs[i].ID().String() {
			t.Fatalf("unexpected attributes %v", sent.Attributes)
		}
		decoded, err := message.FromJSON(sent.Data, nil)
		if err != nil {
			t.Fatalf("decode sent payload: %v", err)
		}
		if decoded.ID() != msgs[i].ID() {
			t.Fatalf("sent message %d has id %s", i, decoded.ID())
		}
		var data map[string]int
		if err := json.Unmarshal(decoded.Data.(json.RawMessage), &data); err != nil || data["n"] != i {
			t.Fatalf("payload %d = %v (%v)", i, data, err)
		}
	}
}

func TestPublishFailureResumesOrderingKey(t *testing.T) {
	topic := &fakeTopic{fail: map[int]error{1: errors.New("unavailable")}}
	pub := newPublisher(topic, "orders", nil)

	ids, err := pub.Publish(context.Background(), newMessages(3))
	if err == nil {
		t.Fatalf("expected error, got ids %v", ids)
	}
	if len(topic.resumed) != 1 || topic.resumed[0] != "orders" {
		t.Fatalf("resumed = %v", topic.resumed)
	}
}

func TestPublishEmptyBatch(t *testing.T) {
	topic := &fakeTopic{}
	ids, err := newPublisher(topic, "", nil).Publish(context.Background(), nil)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if ids == nil || len(ids) != 0 || len(topic.sent) != 0 {
		t.Fatalf("expected no calls and empty ids, got %v / %d sent", ids, len(topic.sent))
	}
}

func TestPublishWithIDsUnsupported(t *testing.T) {
	topic := &fakeTopic{}
	var pub streams.EntryPublisher = newPublisher(topic, "", nil)

	msgs := newMessages(1)
	_, err := pub.PublishWithIDs(context.Background(), []streams.Entry{{ID: "1-1", Message: msgs[0]}})
	if !errors.Is(err, ErrExternalIDsUnsupported) {
		t.Fatalf("expected ErrExternalIDsUnsupported, got %v", err)
	}

	ids, err := pub.PublishWithIDs(context.Background(), nil)
	if err != nil || ids == nil || len(ids) != 0 {
		t.Fatalf("expected empty ids for empty input, got %v (%v)", ids, err)
	}
}

func TestNewPublisherRequiresHandle(t *testing.T) {
	if _, err := NewPublisher(PublisherParams{}); err == nil {
		t.Fatal("expected error without a publisher handle")
	}
}

func TestTopicResourceName(t *testing.T) {
	cases := []struct {
		project, name, want string
	}{
		{"proj", "events", "projects/proj/topics/events"},
		{"proj", " events ", "projects/proj/topics/events"},
		{"proj", "projects/other/topics/x", "projects/other/topics/x"},
		{"", "events", ""},
		{"proj", "", ""},
	}
	for _, tc := range cases {
		if got := topicResourceName(tc.project, tc.name); got != tc.want {
			t.Fatalf("topicResourceName(%q, %q) = %q, want %q", tc.project, tc.name, got, tc.want)
		}
	}
}
