package eventsourcing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/courier/pkg/db"
	"github.com/angelmondragon/courier/pkg/eventstore"
	"github.com/angelmondragon/courier/pkg/logger"
	"github.com/angelmondragon/courier/pkg/message"
)

type eventStore interface {
	GetStreamMessages(ctx context.Context, stream string, deserialize eventstore.Deserializer) ([]*message.Message, error)
	AppendMessagesTx(ctx context.Context, tx *gorm.DB, stream string, expectedLastPosition int64, msgs []*message.Message) ([]eventstore.Positions, error)
}

type outboxStore interface {
	Append(ctx context.Context, tx *gorm.DB, msgs []*message.Message) error
}

// Factory returns an empty aggregate for id.
type Factory[T EventSourced] func(id string) T

type RepositoryParams[T EventSourced] struct {
	DB       db.TxRunner
	Events   eventStore
	Outbox   outboxStore
	Registry *message.Registry
	Category string
	New      Factory[T]
	Logger   *logger.Logger
}

// Repository loads and saves one aggregate category.
type Repository[T EventSourced] struct {
	db       db.TxRunner
	events   eventStore
	outbox   outboxStore
	registry *message.Registry
	category string
	factory  Factory[T]
	logg     *logger.Logger
}

func NewRepository[T EventSourced](p RepositoryParams[T]) (*Repository[T], error) {
	if p.DB == nil {
		return nil, errors.New("db is required")
	}
	if p.Events == nil {
		return nil, errors.New("event store is required")
	}
	if p.Category == "" {
		return nil, errors.New("category is required")
	}
	if p.New == nil {
		return nil, errors.New("aggregate factory is required")
	}
	logg := p.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	return &Repository[T]{
		db:       p.DB,
		events:   p.Events,
		outbox:   p.Outbox,
		registry: p.Registry,
		category: p.Category,
		factory:  p.New,
		logg:     logg,
	}, nil
}

func (r *Repository[T]) StreamName(id string) string {
	return eventstore.StreamName(r.category, id)
}

// Load replays the aggregate's stream. An empty stream yields a fresh
// aggregate at version -1. causation is attached to events raised afterwards.
func (r *Repository[T]) Load(ctx context.Context, id string, causation *uuid.UUID) (T, error) {
	agg := r.factory(id)
	events, err := r.events.GetStreamMessages(ctx, r.StreamName(id), eventstore.RegistryDeserializer(r.registry))
	if err != nil {
		var zero T
		return zero, fmt.Errorf("loading %s: %w", r.StreamName(id), err)
	}
	root := agg.Root()
	if err := root.ApplyEvents(events); err != nil {
		var zero T
		return zero, fmt.Errorf("replaying %s: %w", r.StreamName(id), err)
	}
	root.SetCausation(causation)
	return agg, nil
}

// Save appends the pending changes at the aggregate's version and, when an
// outbox is configured, queues the same events for publishing in the same
// transaction. The pending changes get their positions only after commit;
// a failed save leaves them unpositioned and still pending.
func (r *Repository[T]) Save(ctx context.Context, agg T) error {
	root := agg.Root()
	changes := root.Changes()
	if len(changes) == 0 {
		return nil
	}
	stream := r.StreamName(root.ID())

	var assigned []eventstore.Positions
	err := r.db.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		assigned, err = r.events.AppendMessagesTx(ctx, tx, stream, root.Version(), changes)
		if err != nil {
			return err
		}
		if r.outbox == nil {
			return nil
		}
		return r.outbox.Append(ctx, tx, positioned(changes, assigned))
	})
	if err != nil {
		return err
	}

	eventstore.Stamp(changes, assigned)
	root.version = changes[len(changes)-1].Header.StreamPosition
	root.FlushChanges()
	r.logg.Debug(r.logg.WithFields(r.logg.WithStream(ctx, stream), map[string]any{
		"count":   len(changes),
		"version": root.version,
	}), "aggregate saved")
	return nil
}

// positioned returns copies of msgs carrying the assigned positions.
func positioned(msgs []*message.Message, assigned []eventstore.Positions) []*message.Message {
	out := make([]*message.Message, len(msgs))
	for i, m := range msgs {
		cp := *m
		out[i] = &cp
	}
	eventstore.Stamp(out, assigned)
	return out
}
