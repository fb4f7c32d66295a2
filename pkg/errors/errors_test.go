package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

func TestMetadataForKnownCodes(t *testing.T) {
	tests := []struct {
		code      Code
		publicMsg string
		retryable bool
	}{
		{code: CodeValidation, publicMsg: "validation failed"},
		{code: CodeConcurrencyConflict, publicMsg: "stream was modified concurrently"},
		{code: CodeMessageNotFound, publicMsg: "written message could not be read back"},
		{code: CodePublishFailure, publicMsg: "broker rejected publish", retryable: true},
		{code: CodeHandlerFailure, publicMsg: "message handler failed", retryable: true},
		{code: CodeDuplicateConsumption, publicMsg: "message already consumed"},
		{code: CodeInternal, publicMsg: "internal error", retryable: true},
		{code: CodeDependency, publicMsg: "dependency unavailable", retryable: true},
	}

	for _, tt := range tests {
		meta := MetadataFor(tt.code)
		if meta.PublicMessage != tt.publicMsg {
			t.Fatalf("code %s expected public message %q got %q", tt.code, tt.publicMsg, meta.PublicMessage)
		}
		if meta.Retryable != tt.retryable {
			t.Fatalf("code %s expected retryable %v got %v", tt.code, tt.retryable, meta.Retryable)
		}
	}
}

func TestMetadataForUnknownCodeDefaultsToInternal(t *testing.T) {
	meta := MetadataFor("SOMETHING_UNKNOWN")
	if meta != MetadataFor(CodeInternal) {
		t.Fatalf("expected internal metadata, got %+v", meta)
	}
}

func TestErrorConstructors(t *testing.T) {
	base := New(CodeValidation, "missing type")
	if base.Code() != CodeValidation {
		t.Fatalf("expected validation code, got %s", base.Code())
	}
	if base.Message() != "missing type" {
		t.Fatalf("unexpected message %q", base.Message())
	}
	if base.Details() != nil {
		t.Fatalf("details should be nil by default")
	}

	cause := stdErrors.New("broker down")
	wrapped := Wrap(CodePublishFailure, cause, "publish batch").WithDetails(map[string]int{"count": 3})
	if !stdErrors.Is(wrapped, cause) {
		t.Fatalf("expected wrapped error to unwrap to cause")
	}
	if wrapped.Error() != "PUBLISH_FAILURE: publish batch: broker down" {
		t.Fatalf("unexpected error string %q", wrapped.Error())
	}
	if Wrap(CodeInternal, nil, "nothing").Unwrap() != nil {
		t.Fatalf("wrap of nil should not carry a cause")
	}
}

func TestIsWalksChain(t *testing.T) {
	inner := New(CodeConcurrencyConflict, "stale version")
	outer := Wrap(CodeInternal, fmt.Errorf("append: %w", inner), "save aggregate")

	if !Is(outer, CodeConcurrencyConflict) {
		t.Fatalf("expected nested conflict code to be found")
	}
	if !Is(outer, CodeInternal) {
		t.Fatalf("expected outer code to be found")
	}
	if Is(outer, CodePublishFailure) {
		t.Fatalf("unexpected publish failure match")
	}
	if Is(stdErrors.New("plain"), CodeInternal) {
		t.Fatalf("plain errors carry no code")
	}
	if As(nil) != nil {
		t.Fatalf("As(nil) should be nil")
	}
}

func TestDumpExtractsPostgresFields(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "23505", ConstraintName: "consumed_messages_pkey", TableName: "consumed_messages"}
	err := Wrap(CodeDuplicateConsumption, fmt.Errorf("insert: %w", pgErr), "save consumption")

	d := Dump(err)
	if d.Code != CodeDuplicateConsumption {
		t.Fatalf("unexpected code %s", d.Code)
	}
	if d.PGCode != "23505" || d.PGConstraint != "consumed_messages_pkey" {
		t.Fatalf("unexpected pg fields %+v", d)
	}
	if len(d.Chain) != 3 {
		t.Fatalf("expected 3 chain entries, got %d", len(d.Chain))
	}
	if fields := d.Fields(); fields["pg_code"] != "23505" {
		t.Fatalf("expected pg_code in fields, got %v", fields)
	}

	pqErr := &pq.Error{Code: "23505", Constraint: "outbox_messages_message_id_key"}
	if got := PostgresCode(fmt.Errorf("wrapped: %w", pqErr)); got != "23505" {
		t.Fatalf("expected pq code, got %q", got)
	}
	if got := PostgresCode(stdErrors.New("nope")); got != "" {
		t.Fatalf("expected empty code, got %q", got)
	}
}
