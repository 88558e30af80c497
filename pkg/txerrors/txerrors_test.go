package txerrors

import (
	"errors"
	"testing"
)

func TestReplicaUnavailableIsRetryable(t *testing.T) {
	err := ReplicaUnavailable("shutting down")
	if err.Code() != CodeReplicaUnavailable {
		t.Fatalf("expected code %q, got %q", CodeReplicaUnavailable, err.Code())
	}
	if err.Kind() != KindRetryable {
		t.Fatalf("expected KindRetryable, got %v", err.Kind())
	}
}

func TestIncompatibleSchemaIsFatalToTx(t *testing.T) {
	err := IncompatibleSchema(1, 2, 3)
	if err.Code() != CodeTxIncompatibleSchema {
		t.Fatalf("expected code %q, got %q", CodeTxIncompatibleSchema, err.Code())
	}
	if err.Kind() != KindFatalToTx {
		t.Fatalf("expected KindFatalToTx, got %v", err.Kind())
	}
}

func TestFailedReadWriteInReadOnlyMessage(t *testing.T) {
	err := FailedReadWriteInReadOnly()
	want := "failed to enlist read-write operation into read-only transaction"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestWrapFatalToPartitionPreservesCauseInMessage(t *testing.T) {
	cause := errors.New("disk full")
	err := WrapFatalToPartition(cause, "flush checkpoint for group %d", 7)
	if err.Kind() != KindFatalToPartition {
		t.Fatalf("expected KindFatalToPartition, got %v", err.Kind())
	}
	if err.Code() != CodeReplicaCommon {
		t.Fatalf("expected code %q, got %q", CodeReplicaCommon, err.Code())
	}
	if want := "flush checkpoint for group 7: disk full"; err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestCodeOfUnwrapsATypedError(t *testing.T) {
	err := ReplicationTimeout()
	if got := CodeOf(err); got != CodeReplicationTimeout {
		t.Fatalf("CodeOf = %q, want %q", got, CodeReplicationTimeout)
	}
}

func TestCodeOfDefaultsForUntypedErrors(t *testing.T) {
	if got := CodeOf(errors.New("some generic failure")); got != CodeReplicaCommon {
		t.Fatalf("CodeOf = %q, want %q", got, CodeReplicaCommon)
	}
}

func TestAssertionFailedProducesAnError(t *testing.T) {
	err := AssertionFailed("impossible state reached for row %s", "abc")
	if err == nil {
		t.Fatal("expected AssertionFailed to return a non-nil error")
	}
}
