// Package eventstore appends positioned messages to named streams under
// optimistic concurrency and reads them back in order.
package eventstore

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/angelmondragon/courier/pkg/logger"
	"github.com/angelmondragon/courier/pkg/message"

	pkgerrors "github.com/angelmondragon/courier/pkg/errors"
)

type dbConn interface {
	DB() *gorm.DB
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Params wires a Store.
type Params struct {
	DB      dbConn
	Backend string
	Logger  *logger.Logger
}

// Store is the positioned event store.
type Store struct {
	db      dbConn
	backend backend
	logg    *logger.Logger
}

func New(p Params) (*Store, error) {
	if p.DB == nil {
		return nil, fmt.Errorf("db client is required")
	}
	b, err := newBackend(p.Backend)
	if err != nil {
		return nil, err
	}
	logg := p.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	return &Store{db: p.DB, backend: b, logg: logg}, nil
}

// Positions are the stream and global positions assigned to one appended
// message.
type Positions struct {
	Position       int64
	GlobalPosition int64
}

// AppendMessages writes msgs to stream at expectedLastPosition+1… in one
// transaction and stamps the assigned positions on each message after commit.
func (s *Store) AppendMessages(ctx context.Context, stream string, expectedLastPosition int64, msgs []*message.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	var assigned []Positions
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		assigned, err = s.write(tx, stream, expectedLastPosition, msgs)
		return err
	})
	if err != nil {
		return err
	}
	Stamp(msgs, assigned)
	s.logAppend(ctx, stream, assigned)
	return nil
}

// AppendMessagesTx is AppendMessages inside a caller-owned transaction. It
// returns the positions the writes were given but leaves msgs untouched; the
// caller stamps them with Stamp after its transaction commits.
func (s *Store) AppendMessagesTx(ctx context.Context, tx *gorm.DB, stream string, expectedLastPosition int64, msgs []*message.Message) ([]Positions, error) {
	if tx == nil {
		return nil, fmt.Errorf("transaction required")
	}
	if len(msgs) == 0 {
		return []Positions{}, nil
	}
	assigned, err := s.write(tx.WithContext(ctx), stream, expectedLastPosition, msgs)
	if err != nil {
		return nil, err
	}
	s.logAppend(ctx, stream, assigned)
	return assigned, nil
}

func (s *Store) write(tx *gorm.DB, stream string, expected int64, msgs []*message.Message) ([]Positions, error) {
	if strings.TrimSpace(stream) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "stream name is required")
	}
	if expected < message.UnsetPosition {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("expected position %d is below -1", expected))
	}
	for _, m := range msgs {
		if m == nil {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "nil message")
		}
		if err := m.Header.Validate(); err != nil {
			return nil, err
		}
	}

	for i, m := range msgs {
		if err := s.backend.write(tx, stream, m, expected+int64(i)); err != nil {
			return nil, err
		}
	}

	assigned := make([]Positions, len(msgs))
	for i, m := range msgs {
		var pos Positions
		res := tx.Raw("SELECT position, global_position FROM messages WHERE id = ?", m.Header.ID).Scan(&pos)
		if res.Error != nil {
			return nil, fmt.Errorf("reading back message %s: %w", m.Header.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			return nil, pkgerrors.New(pkgerrors.CodeMessageNotFound, fmt.Sprintf("message %s not found after write", m.Header.ID))
		}
		assigned[i] = pos
	}
	return assigned, nil
}

// Stamp copies assigned positions onto msgs, index for index.
func Stamp(msgs []*message.Message, assigned []Positions) {
	for i, m := range msgs {
		if i >= len(assigned) {
			return
		}
		m.Header.StreamPosition = assigned[i].Position
		m.Header.GlobalPosition = assigned[i].GlobalPosition
	}
}

func (s *Store) logAppend(ctx context.Context, stream string, assigned []Positions) {
	ctx = s.logg.WithStream(ctx, stream)
	ctx = s.logg.WithFields(ctx, map[string]any{
		"count":         len(assigned),
		"last_position": assigned[len(assigned)-1].Position,
	})
	s.logg.Debug(ctx, "messages appended")
}

// GetStream returns the raw rows of stream ordered by position. An unknown
// stream yields an empty slice.
func (s *Store) GetStream(ctx context.Context, stream string) ([]RawMessage, error) {
	rows, err := s.backend.readStream(s.db.DB().WithContext(ctx), stream)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []RawMessage{}
	}
	return rows, nil
}

// GetStreamMessages reads stream and rebuilds each row with deserialize.
func (s *Store) GetStreamMessages(ctx context.Context, stream string, deserialize Deserializer) ([]*message.Message, error) {
	if deserialize == nil {
		deserialize = RegistryDeserializer(nil)
	}
	rows, err := s.GetStream(ctx, stream)
	if err != nil {
		return nil, err
	}
	out := make([]*message.Message, 0, len(rows))
	for _, row := range rows {
		m, err := deserialize(row)
		if err != nil {
			return nil, fmt.Errorf("stream %s position %d: %w", stream, row.Position, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// GetLastStreamPosition returns the stream's version, -1 when empty.
func (s *Store) GetLastStreamPosition(ctx context.Context, stream string) (int64, error) {
	return lastStreamPosition(s.db.DB().WithContext(ctx), stream)
}

// GetLastGlobalPosition returns the highest global position, -1 when empty.
func (s *Store) GetLastGlobalPosition(ctx context.Context) (int64, error) {
	var position int64
	if err := s.db.DB().WithContext(ctx).
		Raw("SELECT COALESCE(MAX(global_position), -1) FROM messages").
		Scan(&position).Error; err != nil {
		return 0, fmt.Errorf("reading global position: %w", err)
	}
	return position, nil
}

// Drop deletes every stored message. Test harnesses only.
func (s *Store) Drop(ctx context.Context) error {
	if err := s.backend.drop(s.db.DB().WithContext(ctx)); err != nil {
		return fmt.Errorf("dropping messages: %w", err)
	}
	s.logg.Warn(ctx, "event store dropped")
	return nil
}
