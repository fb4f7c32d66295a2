// Package outbox stages outbound messages in the caller's transaction and
// relays them to a stream transport.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/courier/pkg/logger"
	"github.com/angelmondragon/courier/pkg/message"
)

var errTxRequired = errors.New("transaction required")

type StoreParams struct {
	DB       *gorm.DB
	Registry *message.Registry
	Logger   *logger.Logger
}

// Store reads and writes outbox_messages.
type Store struct {
	db       *gorm.DB
	registry *message.Registry
	logg     *logger.Logger
}

func NewStore(params StoreParams) (*Store, error) {
	if params.DB == nil {
		return nil, errors.New("db is required")
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	return &Store{db: params.DB, registry: params.Registry, logg: logg}, nil
}

// Append stages msgs as unpublished rows inside tx.
func (s *Store) Append(ctx context.Context, tx *gorm.DB, msgs []*message.Message) error {
	if tx == nil {
		return errTxRequired
	}
	if len(msgs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([]Record, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			return errors.New("nil outbox message")
		}
		if err := m.Header.Validate(); err != nil {
			return err
		}
		header, err := json.Marshal(m.Header)
		if err != nil {
			return fmt.Errorf("encoding header of message %s: %w", m.Header.ID, err)
		}
		data, err := m.DataJSON()
		if err != nil {
			return err
		}
		rows = append(rows, Record{
			MessageID:     m.Header.ID,
			MessageHeader: header,
			MessageData:   data,
			CreatedAt:     now,
		})
	}
	if err := tx.WithContext(ctx).Create(&rows).Error; err != nil {
		return fmt.Errorf("inserting outbox messages: %w", err)
	}

	logCtx := s.logg.WithFields(ctx, map[string]any{
		"count":            len(rows),
		"first_message_id": rows[0].MessageID.String(),
	})
	s.logg.Info(logCtx, "outbox messages queued")
	return nil
}

// MarkAsPublished flags ids as published. Marking twice is harmless.
func (s *Store) MarkAsPublished(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.conn(ctx, tx).Model(&Record{}).
		Where("message_id IN ?", ids).
		Update("is_published", true).Error
	if err != nil {
		return fmt.Errorf("marking outbox messages published: %w", err)
	}
	return nil
}

// GetUnpublishedMessages returns up to chunk unpublished messages in insertion
// order. On Postgres the rows are locked with SKIP LOCKED so concurrent relays
// take disjoint chunks.
func (s *Store) GetUnpublishedMessages(ctx context.Context, tx *gorm.DB, chunk int) ([]*message.Message, error) {
	if chunk <= 0 {
		return []*message.Message{}, nil
	}
	query := s.conn(ctx, tx).
		Where("is_published = ?", false).
		Order("row_index ASC").
		Limit(chunk)
	if tx != nil && tx.Dialector.Name() == "postgres" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}

	var rows []Record
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("fetching unpublished outbox messages: %w", err)
	}

	out := make([]*message.Message, 0, len(rows))
	for _, row := range rows {
		m, err := s.decode(row)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// IsPublished reports whether the row for id has been relayed. Unknown ids
// report false.
func (s *Store) IsPublished(ctx context.Context, id uuid.UUID) (bool, error) {
	var row Record
	err := s.db.WithContext(ctx).Select("is_published").Where("message_id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading outbox message %s: %w", id, err)
	}
	return row.IsPublished, nil
}

func (s *Store) decode(row Record) (*message.Message, error) {
	var header message.Header
	if err := json.Unmarshal(row.MessageHeader, &header); err != nil {
		return nil, fmt.Errorf("decoding header of outbox row %d: %w", row.RowIndex, err)
	}
	m, err := message.FromParts(header, row.MessageData, s.registry)
	if err != nil {
		return nil, fmt.Errorf("outbox row %d: %w", row.RowIndex, err)
	}
	return m, nil
}

func (s *Store) conn(ctx context.Context, tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx.WithContext(ctx)
	}
	return s.db.WithContext(ctx)
}
