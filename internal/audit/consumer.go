// Package audit records every consumed message in message_audit, once per
// message, in the same transaction as its consumption record.
package audit

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/courier/pkg/bus"
	"github.com/angelmondragon/courier/pkg/db"
	"github.com/angelmondragon/courier/pkg/idempotency"
	"github.com/angelmondragon/courier/pkg/logger"
	"github.com/angelmondragon/courier/pkg/message"
)

const ConsumerName = "audit"

type Params struct {
	DB         db.TxRunner
	Tracker    idempotency.MessageTracker
	Repository *Repository
	// Subjects defaults to every message type.
	Subjects bus.Subjects
	Logger   *logger.Logger
	Now      func() time.Time
}

// NewConsumer builds the idempotent audit consumer.
func NewConsumer(p Params) (bus.Consumer, error) {
	if p.Repository == nil {
		return bus.Consumer{}, errors.New("audit repository is required")
	}
	subjects := p.Subjects
	if subjects.IsZero() {
		subjects = bus.AllTypes()
	}
	now := p.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	logg := p.Logger
	if logg == nil {
		logg = logger.Nop()
	}

	return idempotency.NewConsumer(idempotency.ConsumerParams{
		Name:     ConsumerName,
		Subjects: subjects,
		DB:       p.DB,
		Tracker:  p.Tracker,
		Logger:   logg,
		Handler: func(ctx context.Context, tx *gorm.DB, msg *message.Message, _ bus.ChunkInfo) error {
			payload, err := msg.DataJSON()
			if err != nil {
				return err
			}
			entry := &Entry{
				MessageID:          msg.ID(),
				MessageType:        msg.Type(),
				Namespace:          msg.Header.Namespace,
				CausationMessageID: msg.Header.CausationMessageID,
				StreamPosition:     msg.Header.StreamPosition,
				GlobalPosition:     msg.Header.GlobalPosition,
				Payload:            payload,
				CreatedAt:          msg.Header.CreatedAt,
				RecordedAt:         now(),
			}
			if err := p.Repository.Insert(ctx, tx, entry); err != nil {
				return err
			}
			logg.Debug(logg.WithMessageID(ctx, msg.ID().String()), "message audited")
			return nil
		},
	})
}
