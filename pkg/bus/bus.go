// Package bus fans messages out to in-process consumers and reports every
// handler's outcome.
package bus

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"go.uber.org/multierr"

	pkgerrors "github.com/angelmondragon/courier/pkg/errors"
	"github.com/angelmondragon/courier/pkg/message"
)

const wildcard = "*"

// ChunkInfo tells a consumer where a message sits in the batch being notified.
type ChunkInfo struct {
	Size    int
	Current int
}

type ConsumeFunc func(ctx context.Context, msg *message.Message, chunk ChunkInfo) error

// Subjects selects the message types a consumer receives.
type Subjects struct {
	all   bool
	types []string
}

// AllTypes matches every message type.
func AllTypes() Subjects {
	return Subjects{all: true}
}

// Types matches exactly the listed message types.
func Types(types ...string) Subjects {
	return Subjects{types: append([]string(nil), types...)}
}

// IsZero reports whether s selects nothing.
func (s Subjects) IsZero() bool {
	return !s.all && len(s.types) == 0
}

func (s Subjects) keys() []string {
	if s.all {
		return []string{wildcard}
	}
	seen := make(map[string]struct{}, len(s.types))
	out := make([]string, 0, len(s.types))
	for _, t := range s.types {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// Consumer is a named handler subscribed to a set of subjects.
type Consumer struct {
	Name     string
	Subjects Subjects
	Consume  ConsumeFunc
}

// Outcome is the settled result of one consumer for one message.
type Outcome struct {
	Consumer string
	Err      error
}

type subscription struct {
	seq      uint64
	consumer Consumer
}

// Bus is an in-memory subscription table. The zero value is not usable; call New.
type Bus struct {
	mu   sync.RWMutex
	seq  uint64
	subs map[string][]*subscription
}

func New() *Bus {
	return &Bus{subs: map[string][]*subscription{}}
}

// Subscribe registers c and returns a func that removes exactly this
// registration. Calling it more than once is harmless.
func (b *Bus) Subscribe(c Consumer) (unsubscribe func()) {
	b.mu.Lock()
	b.seq++
	sub := &subscription{seq: b.seq, consumer: c}
	keys := c.Subjects.keys()
	for _, key := range keys {
		b.subs[key] = append(b.subs[key], sub)
	}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for _, key := range keys {
				b.subs[key] = remove(b.subs[key], sub)
				if len(b.subs[key]) == 0 {
					delete(b.subs, key)
				}
			}
		})
	}
}

func remove(subs []*subscription, target *subscription) []*subscription {
	out := subs[:0:0]
	for _, s := range subs {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

// consumersFor returns the consumers matching msgType in subscription order.
func (b *Bus) consumersFor(msgType string) []*subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	matched := make([]*subscription, 0, len(b.subs[msgType])+len(b.subs[wildcard]))
	matched = append(matched, b.subs[msgType]...)
	matched = append(matched, b.subs[wildcard]...)
	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })
	return matched
}

// NotifyMessages delivers every message to every matching consumer
// concurrently and waits for all of them. Failures never short-circuit other
// handlers. outcomes[i] holds message i's results in subscription order.
func (b *Bus) NotifyMessages(ctx context.Context, msgs []*message.Message) [][]Outcome {
	outcomes := make([][]Outcome, len(msgs))
	var wg sync.WaitGroup
	for i, msg := range msgs {
		wg.Add(1)
		go func(i int, msg *message.Message) {
			defer wg.Done()
			outcomes[i] = b.NotifyInChunk(ctx, msg, ChunkInfo{Size: len(msgs), Current: i})
		}(i, msg)
	}
	wg.Wait()
	return outcomes
}

// NotifyMessage is NotifyMessages for a single message.
func (b *Bus) NotifyMessage(ctx context.Context, msg *message.Message) []Outcome {
	return b.NotifyInChunk(ctx, msg, ChunkInfo{Size: 1, Current: 0})
}

// NotifyInChunk delivers msg, known to sit at chunk within a larger batch, to
// its consumers concurrently and settles all of them.
func (b *Bus) NotifyInChunk(ctx context.Context, msg *message.Message, chunk ChunkInfo) []Outcome {
	subs := b.consumersFor(msg.Type())
	outcomes := make([]Outcome, len(subs))
	var wg sync.WaitGroup
	for j, sub := range subs {
		wg.Add(1)
		go func(j int, sub *subscription) {
			defer wg.Done()
			outcomes[j] = Outcome{
				Consumer: sub.consumer.Name,
				Err:      consume(ctx, sub.consumer, msg, chunk),
			}
		}(j, sub)
	}
	wg.Wait()
	return outcomes
}

func consume(ctx context.Context, c Consumer, msg *message.Message, chunk ChunkInfo) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = pkgerrors.New(
				pkgerrors.CodeHandlerFailure,
				fmt.Sprintf("consumer %s panicked on message %s: %v", c.Name, msg.ID(), r),
			).WithDetails(map[string]string{"stack": string(debug.Stack())})
		}
	}()
	if c.Consume == nil {
		return pkgerrors.New(pkgerrors.CodeHandlerFailure, fmt.Sprintf("consumer %s has no consume func", c.Name))
	}
	return c.Consume(ctx, msg, chunk)
}

// AllSucceeded reports whether every outcome is nil-error.
func AllSucceeded(outcomes []Outcome) bool {
	for _, o := range outcomes {
		if o.Err != nil {
			return false
		}
	}
	return true
}

// Err combines the failed outcomes into one error, nil when all succeeded.
func Err(outcomes []Outcome) error {
	var err error
	for _, o := range outcomes {
		if o.Err != nil {
			err = multierr.Append(err, fmt.Errorf("consumer %s: %w", o.Consumer, o.Err))
		}
	}
	return err
}
