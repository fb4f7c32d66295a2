package eventstore

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gorm.io/gorm"

	"github.com/angelmondragon/courier/pkg/db"
	pkgerrors "github.com/angelmondragon/courier/pkg/errors"
	"github.com/angelmondragon/courier/pkg/message"
)

const (
	BackendTable     = "table"
	BackendMessageDB = "messagedb"
)

// ConflictDetails travels with CONCURRENCY_CONFLICT errors.
type ConflictDetails struct {
	Stream   string `json:"stream"`
	Expected int64  `json:"expected"`
	Provided int64  `json:"provided"`
}

func conflictError(stream string, actual, provided int64) error {
	return pkgerrors.New(
		pkgerrors.CodeConcurrencyConflict,
		fmt.Sprintf("invalid position for stream %s: expected %d, provided %d", stream, actual, provided),
	).WithDetails(ConflictDetails{Stream: stream, Expected: actual, Provided: provided})
}

type backend interface {
	write(tx *gorm.DB, stream string, m *message.Message, expected int64) error
	readStream(conn *gorm.DB, stream string) ([]RawMessage, error)
	drop(conn *gorm.DB) error
}

func newBackend(name string) (backend, error) {
	switch name {
	case "", BackendTable:
		return tableBackend{}, nil
	case BackendMessageDB:
		return messageDBBackend{}, nil
	default:
		return nil, fmt.Errorf("unknown event store backend %q", name)
	}
}

// messageDBBackend delegates version checks to message-db's write_message.
type messageDBBackend struct{}

const (
	writeMessageSQL      = "SELECT write_message(?, ?, ?, ?, ?, ?)"
	getStreamMessagesSQL = "SELECT id, stream_name, type, position, global_position, data, metadata, time FROM get_stream_messages(?, ?, ?, ?)"
	truncateMessagesSQL  = "TRUNCATE messages RESTART IDENTITY"
)

// message-db: Wrong expected version: 1 (Stream: Order-1, Stream Version: 2)
var wrongExpectedVersionRe = regexp.MustCompile(`Wrong expected version: (-?\d+) \(Stream: (.+?), Stream Version: (-?\d+)\)`)

func (messageDBBackend) write(tx *gorm.DB, stream string, m *message.Message, expected int64) error {
	data, err := m.DataJSON()
	if err != nil {
		return err
	}
	meta, err := metadataFor(m)
	if err != nil {
		return err
	}
	var position int64
	err = tx.Raw(writeMessageSQL, m.Header.ID.String(), stream, m.Header.Type, string(data), string(meta), expected).
		Scan(&position).Error
	if err != nil {
		if conflict := parseWrongExpectedVersion(err); conflict != nil {
			return conflict
		}
		return fmt.Errorf("write_message %s: %w", m.Header.ID, err)
	}
	return nil
}

func parseWrongExpectedVersion(err error) error {
	match := wrongExpectedVersionRe.FindStringSubmatch(err.Error())
	if match == nil {
		return nil
	}
	provided, perr := strconv.ParseInt(match[1], 10, 64)
	actual, aerr := strconv.ParseInt(match[3], 10, 64)
	if perr != nil || aerr != nil {
		return nil
	}
	return conflictError(match[2], actual, provided)
}

func (messageDBBackend) readStream(conn *gorm.DB, stream string) ([]RawMessage, error) {
	var rows []RawMessage
	if err := conn.Raw(getStreamMessagesSQL, stream, 0, -1, nil).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("get_stream_messages %s: %w", stream, err)
	}
	return rows, nil
}

func (messageDBBackend) drop(conn *gorm.DB) error {
	return conn.Exec(truncateMessagesSQL).Error
}

// tableBackend enforces the expected version itself and relies on the
// (stream_name, position) unique index for racing writers.
type tableBackend struct{}

func (tableBackend) write(tx *gorm.DB, stream string, m *message.Message, expected int64) error {
	current, err := lastStreamPosition(tx, stream)
	if err != nil {
		return err
	}
	if current != expected {
		return conflictError(stream, current, expected)
	}

	data, err := m.DataJSON()
	if err != nil {
		return err
	}
	meta, err := metadataFor(m)
	if err != nil {
		return err
	}
	row := StoredMessage{
		Position:   expected + 1,
		Time:       m.Header.CreatedAt.UTC(),
		StreamName: stream,
		Type:       m.Header.Type,
		Data:       data,
		Metadata:   meta,
		ID:         m.Header.ID,
	}
	if err := tx.Create(&row).Error; err != nil {
		if db.IsUniqueViolation(err, "") {
			if isDuplicateID(err) {
				return pkgerrors.Wrap(pkgerrors.CodeValidation, err, fmt.Sprintf("message %s already stored", m.Header.ID))
			}
			return conflictError(stream, expected+1, expected)
		}
		return fmt.Errorf("insert message %s: %w", m.Header.ID, err)
	}
	return nil
}

func isDuplicateID(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "ux_messages_id") || strings.Contains(msg, "messages.id")
}

func (tableBackend) readStream(conn *gorm.DB, stream string) ([]RawMessage, error) {
	var rows []StoredMessage
	if err := conn.Where("stream_name = ?", stream).Order("position ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("reading stream %s: %w", stream, err)
	}
	out := make([]RawMessage, 0, len(rows))
	for _, row := range rows {
		out = append(out, RawMessage{
			ID:             row.ID,
			StreamName:     row.StreamName,
			Type:           row.Type,
			Position:       row.Position,
			GlobalPosition: row.GlobalPosition,
			Data:           row.Data,
			Metadata:       row.Metadata,
			Time:           row.Time,
		})
	}
	return out, nil
}

func (tableBackend) drop(conn *gorm.DB) error {
	return conn.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&StoredMessage{}).Error
}

func lastStreamPosition(conn *gorm.DB, stream string) (int64, error) {
	var position int64
	if err := conn.Raw("SELECT COALESCE(MAX(position), -1) FROM messages WHERE stream_name = ?", stream).
		Scan(&position).Error; err != nil {
		return 0, fmt.Errorf("reading version of stream %s: %w", stream, err)
	}
	return position, nil
}
