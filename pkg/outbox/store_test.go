package outbox

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/courier/pkg/db"
	"github.com/angelmondragon/courier/pkg/db/dbtest"
	"github.com/angelmondragon/courier/pkg/message"
)

type invoiceIssued struct {
	InvoiceID string `json:"invoiceId"`
	Amount    int64  `json:"amount"`
}

func newTestRegistry(t *testing.T) *message.Registry {
	t.Helper()
	reg := message.NewRegistry()
	if err := message.RegisterType[invoiceIssued](reg, "InvoiceIssued"); err != nil {
		t.Fatalf("register: %v", err)
	}
	return reg
}

func newTestStore(t *testing.T) (*db.Client, *Store) {
	t.Helper()
	client := dbtest.Open(t, &Record{})
	store, err := NewStore(StoreParams{DB: client.DB(), Registry: newTestRegistry(t)})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return client, store
}

func newInvoice(id string) *message.Message {
	return message.New("InvoiceIssued", &invoiceIssued{InvoiceID: id, Amount: 100})
}

func appendInTx(t *testing.T, client *db.Client, store *Store, msgs ...*message.Message) {
	t.Helper()
	err := client.WithTx(context.Background(), func(tx *gorm.DB) error {
		return store.Append(context.Background(), tx, msgs)
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
}

func TestStoreAppendRequiresTransaction(t *testing.T) {
	_, store := newTestStore(t)
	err := store.Append(context.Background(), nil, []*message.Message{newInvoice("i-1")})
	if err == nil || err.Error() != "transaction required" {
		t.Fatalf("expected transaction required, got %v", err)
	}
}

func TestStoreUnpublishedThenMark(t *testing.T) {
	ctx := context.Background()
	client, store := newTestStore(t)
	m1, m2 := newInvoice("i-1"), newInvoice("i-2")
	appendInTx(t, client, store, m1, m2)

	pending, err := store.GetUnpublishedMessages(ctx, nil, 10)
	if err != nil {
		t.Fatalf("get unpublished: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 unpublished, got %d", len(pending))
	}
	if !message.Equal(pending[0], m1) || !message.Equal(pending[1], m2) {
		t.Fatalf("unexpected unpublished order or content: %+v", pending)
	}

	if err := store.MarkAsPublished(ctx, nil, []uuid.UUID{m1.ID()}); err != nil {
		t.Fatalf("mark: %v", err)
	}
	// marking again is a no-op
	if err := store.MarkAsPublished(ctx, nil, []uuid.UUID{m1.ID()}); err != nil {
		t.Fatalf("mark twice: %v", err)
	}

	published, err := store.IsPublished(ctx, m1.ID())
	if err != nil || !published {
		t.Fatalf("expected m1 published, got %v (%v)", published, err)
	}
	published, err = store.IsPublished(ctx, m2.ID())
	if err != nil || published {
		t.Fatalf("expected m2 unpublished, got %v (%v)", published, err)
	}

	pending, err = store.GetUnpublishedMessages(ctx, nil, 10)
	if err != nil {
		t.Fatalf("get unpublished: %v", err)
	}
	if len(pending) != 1 || pending[0].ID() != m2.ID() {
		t.Fatalf("expected only m2 pending, got %+v", pending)
	}
}

func TestStoreChunkLimitsAndOrders(t *testing.T) {
	ctx := context.Background()
	client, store := newTestStore(t)
	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		m := newInvoice("i")
		ids = append(ids, m.ID())
		appendInTx(t, client, store, m)
	}

	chunk, err := store.GetUnpublishedMessages(ctx, nil, 3)
	if err != nil {
		t.Fatalf("get unpublished: %v", err)
	}
	if len(chunk) != 3 {
		t.Fatalf("expected chunk of 3, got %d", len(chunk))
	}
	for i, m := range chunk {
		if m.ID() != ids[i] {
			t.Fatalf("chunk[%d] out of order", i)
		}
	}
}

func TestStoreAppendRollsBackWithCaller(t *testing.T) {
	ctx := context.Background()
	client, store := newTestStore(t)
	m := newInvoice("i-1")

	err := client.WithTx(ctx, func(tx *gorm.DB) error {
		if err := store.Append(ctx, tx, []*message.Message{m}); err != nil {
			return err
		}
		return gorm.ErrInvalidTransaction
	})
	if err == nil {
		t.Fatalf("expected rollback error")
	}

	pending, err := store.GetUnpublishedMessages(ctx, nil, 10)
	if err != nil {
		t.Fatalf("get unpublished: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected nothing staged after rollback, got %d", len(pending))
	}
}

func TestStoreMarkEmptyIsNoop(t *testing.T) {
	_, store := newTestStore(t)
	if err := store.MarkAsPublished(context.Background(), nil, nil); err != nil {
		t.Fatalf("mark empty: %v", err)
	}
}

func TestStoreUnknownTypeFailsDecode(t *testing.T) {
	ctx := context.Background()
	client := dbtest.Open(t, &Record{})
	store, err := NewStore(StoreParams{DB: client.DB(), Registry: message.NewRegistry()})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	appendInTx(t, client, store, newInvoice("i-1"))

	if _, err := store.GetUnpublishedMessages(ctx, nil, 10); err == nil {
		t.Fatalf("expected decode error for unregistered type")
	}
}
