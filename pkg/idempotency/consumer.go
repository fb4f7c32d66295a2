package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/courier/pkg/bus"
	"github.com/angelmondragon/courier/pkg/db"
	pkgerrors "github.com/angelmondragon/courier/pkg/errors"
	"github.com/angelmondragon/courier/pkg/logger"
	"github.com/angelmondragon/courier/pkg/message"
)

// MessageTracker is the consumption record store the consumer relies on.
type MessageTracker interface {
	HasBeenConsumed(ctx context.Context, tx *gorm.DB, consumer string, id uuid.UUID) (bool, error)
	SaveConsumption(ctx context.Context, tx *gorm.DB, consumer string, id uuid.UUID) error
}

// Handler does the consumer's work inside tx.
type Handler func(ctx context.Context, tx *gorm.DB, msg *message.Message, chunk bus.ChunkInfo) error

type ConsumerParams struct {
	Name     string
	Subjects bus.Subjects
	DB       db.TxRunner
	Tracker  MessageTracker
	Handler  Handler
	Logger   *logger.Logger
}

type idempotentConsumer struct {
	name    string
	db      db.TxRunner
	tracker MessageTracker
	handler Handler
	logg    *logger.Logger
}

// NewConsumer wraps Handler so each message runs at most once per consumer
// name: check, handle and record share one transaction. Losing the insert race
// to a competing instance counts as success.
func NewConsumer(params ConsumerParams) (bus.Consumer, error) {
	if strings.TrimSpace(params.Name) == "" {
		return bus.Consumer{}, errors.New("consumer name is required")
	}
	if params.DB == nil {
		return bus.Consumer{}, errors.New("database client is required")
	}
	if params.Tracker == nil {
		return bus.Consumer{}, errors.New("message tracker is required")
	}
	if params.Handler == nil {
		return bus.Consumer{}, errors.New("handler is required")
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	c := &idempotentConsumer{
		name:    params.Name,
		db:      params.DB,
		tracker: params.Tracker,
		handler: params.Handler,
		logg:    logg,
	}
	return bus.Consumer{Name: params.Name, Subjects: params.Subjects, Consume: c.consume}, nil
}

func (c *idempotentConsumer) consume(ctx context.Context, msg *message.Message, chunk bus.ChunkInfo) error {
	logCtx := c.logg.WithConsumer(ctx, c.name)
	logCtx = c.logg.WithMessageID(logCtx, msg.ID().String())

	skipped := false
	var saveErr error
	err := c.db.WithTx(ctx, func(tx *gorm.DB) error {
		consumed, err := c.tracker.HasBeenConsumed(ctx, tx, c.name, msg.ID())
		if err != nil {
			return err
		}
		if consumed {
			skipped = true
			return nil
		}
		if err := c.handler(ctx, tx, msg, chunk); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeHandlerFailure, err,
				fmt.Sprintf("consumer %s failed on %s", c.name, msg.Type()))
		}
		saveErr = c.tracker.SaveConsumption(ctx, tx, c.name, msg.ID())
		return saveErr
	})

	if err != nil {
		if isDuplicate(err, saveErr) {
			c.logg.Info(c.logg.WithField(logCtx, "error_code", pkgerrors.CodeDuplicateConsumption), "message consumed by a competing instance")
			return nil
		}
		c.logg.Error(c.logg.WithFields(logCtx, pkgerrors.Dump(err).Fields()), "message consumption failed", err)
		return err
	}
	if skipped {
		c.logg.Debug(logCtx, "message already consumed; skipping")
	}
	return nil
}

// isDuplicate covers a tracker that reports DUPLICATE_CONSUMPTION and a
// unique violation surfacing at commit.
func isDuplicate(err, saveErr error) bool {
	if saveErr != nil {
		return pkgerrors.Is(saveErr, pkgerrors.CodeDuplicateConsumption) || db.IsUniqueViolation(saveErr, "")
	}
	if pkgerrors.Is(err, pkgerrors.CodeHandlerFailure) {
		return false
	}
	return db.IsUniqueViolation(err, "")
}
