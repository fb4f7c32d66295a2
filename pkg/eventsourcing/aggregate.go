// Package eventsourcing rebuilds aggregates from their streams and saves the
// events they raise together with their outbox copies.
package eventsourcing

import (
	"fmt"

	"github.com/google/uuid"

	pkgerrors "github.com/angelmondragon/courier/pkg/errors"
	"github.com/angelmondragon/courier/pkg/message"
)

// Applier folds one event into aggregate state.
type Applier func(event *message.Message) error

// Appliers maps event types to their appliers.
type Appliers map[string]Applier

// EventSourced is implemented by any type embedding *Aggregate.
type EventSourced interface {
	Root() *Aggregate
}

// Aggregate carries the bookkeeping shared by event-sourced entities. Domain
// types embed it and register one applier per event type they understand.
type Aggregate struct {
	id        string
	namespace string
	version   int64
	causation *uuid.UUID
	appliers  Appliers
	changes   []*message.Message
}

// NewAggregate starts an aggregate with no history (version -1).
func NewAggregate(namespace, id string, appliers Appliers) *Aggregate {
	if appliers == nil {
		appliers = Appliers{}
	}
	return &Aggregate{
		id:        id,
		namespace: namespace,
		version:   message.UnsetPosition,
		appliers:  appliers,
	}
}

func (a *Aggregate) Root() *Aggregate { return a }

func (a *Aggregate) ID() string        { return a.id }
func (a *Aggregate) Namespace() string { return a.namespace }

// Version is the stream position of the last persisted event, -1 for new aggregates.
func (a *Aggregate) Version() int64 { return a.version }

// SetCausation marks the command the next raised events answer.
func (a *Aggregate) SetCausation(commandID *uuid.UUID) {
	a.causation = commandID
}

// Raise builds an event, applies it and queues it for saving.
func (a *Aggregate) Raise(eventType string, data any) error {
	opts := []message.Option{message.WithNamespace(a.namespace)}
	if a.causation != nil {
		opts = append(opts, message.WithCausation(*a.causation))
	}
	event := message.New(eventType, data, opts...)
	if err := a.dispatch(event); err != nil {
		return err
	}
	a.changes = append(a.changes, event)
	return nil
}

// ApplyEvents replays persisted events; the version becomes the last one's
// stream position.
func (a *Aggregate) ApplyEvents(events []*message.Message) error {
	for _, event := range events {
		if err := a.dispatch(event); err != nil {
			return err
		}
	}
	if len(events) > 0 {
		a.version = events[len(events)-1].Header.StreamPosition
	}
	return nil
}

func (a *Aggregate) dispatch(event *message.Message) error {
	apply, ok := a.appliers[event.Type()]
	if !ok {
		return pkgerrors.New(pkgerrors.CodeUnknownMessageType,
			fmt.Sprintf("event %q cannot be applied to %s", event.Type(), a.namespace))
	}
	return apply(event)
}

// Changes returns the events raised since the last flush.
func (a *Aggregate) Changes() []*message.Message {
	return a.changes
}

func (a *Aggregate) FlushChanges() {
	a.changes = nil
}

// Fail builds a domain error carrying the aggregate's identity.
func (a *Aggregate) Fail(name, msg string, details any) *AggregateError {
	return &AggregateError{
		Name:    name,
		Message: msg,
		Details: details,
		Meta: AggregateMeta{
			Aggregate:          a.namespace,
			AggregateID:        a.id,
			CausationCommandID: a.causation,
		},
	}
}

type AggregateMeta struct {
	Aggregate          string     `json:"aggregate"`
	AggregateID        string     `json:"aggregateId"`
	CausationCommandID *uuid.UUID `json:"causationCommandId,omitempty"`
}

// AggregateError is a business rule violation. Name becomes the error code
// reported to the command's caller.
type AggregateError struct {
	Name    string
	Message string
	Details any
	Meta    AggregateMeta
}

func (e *AggregateError) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}
