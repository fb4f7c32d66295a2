package outbox

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	pkgerrors "github.com/angelmondragon/courier/pkg/errors"
	"github.com/angelmondragon/courier/pkg/logger"
	"github.com/angelmondragon/courier/pkg/message"
	"github.com/angelmondragon/courier/pkg/metrics"
)

const defaultChunkSize = 100

// Publisher moves messages to the broker and returns broker ids in input order.
type Publisher interface {
	Publish(ctx context.Context, msgs []*message.Message) ([]string, error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type relayStore interface {
	GetUnpublishedMessages(ctx context.Context, tx *gorm.DB, chunk int) ([]*message.Message, error)
	MarkAsPublished(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) error
}

type RelayParams struct {
	DB        txRunner
	Store     relayStore
	Publisher Publisher
	ChunkSize int
	// Stream labels metrics and logs; it does not pick the destination.
	Stream  string
	Metrics *metrics.RelayMetrics
	Logger  *logger.Logger
}

// Relay publishes one chunk of unpublished outbox rows per Tick.
type Relay struct {
	db        txRunner
	store     relayStore
	publisher Publisher
	chunkSize int
	stream    string
	metrics   *metrics.RelayMetrics
	logg      *logger.Logger
}

func NewRelay(params RelayParams) (*Relay, error) {
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if params.Store == nil {
		return nil, errors.New("outbox store is required")
	}
	if params.Publisher == nil {
		return nil, errors.New("publisher is required")
	}
	chunk := params.ChunkSize
	if chunk <= 0 {
		chunk = defaultChunkSize
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	return &Relay{
		db:        params.DB,
		store:     params.Store,
		publisher: params.Publisher,
		chunkSize: chunk,
		stream:    params.Stream,
		metrics:   params.Metrics,
		logg:      logg,
	}, nil
}

// Tick fetches a chunk, publishes it and marks it published in the same
// transaction. Publish and mark run concurrently; the transaction commits only
// when both succeed, so a failed publish leaves every row unpublished for the
// next tick. Errors are not retried here.
func (r *Relay) Tick(ctx context.Context) error {
	published := 0
	err := r.db.WithTx(ctx, func(tx *gorm.DB) error {
		msgs, err := r.store.GetUnpublishedMessages(ctx, tx, r.chunkSize)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			return nil
		}

		ids := make([]uuid.UUID, len(msgs))
		for i, m := range msgs {
			ids[i] = m.Header.ID
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			if _, err := r.publisher.Publish(gctx, msgs); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodePublishFailure, err, "publishing outbox chunk")
			}
			return nil
		})
		g.Go(func() error {
			return r.store.MarkAsPublished(gctx, tx, ids)
		})
		if err := g.Wait(); err != nil {
			return err
		}
		published = len(msgs)
		return nil
	})

	logCtx := r.logg.WithStream(ctx, r.stream)
	if err != nil {
		r.metrics.IncFailure(r.stream)
		r.logg.Error(logCtx, "outbox relay tick failed", err)
		return err
	}
	if published > 0 {
		r.metrics.AddPublished(r.stream, published)
		r.logg.Info(r.logg.WithField(logCtx, "count", published), "outbox messages published")
	}
	return nil
}
