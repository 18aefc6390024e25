package logging

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestOperationErrorKeepsKindThroughWrapping(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewOperationError("recognition.extract", "sess-1", WithKind(ErrService, cause))

	if !errors.Is(err, ErrService) {
		t.Fatalf("expected ErrService in chain, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause in chain, got %v", err)
	}
	if errors.Is(err, ErrPersistence) {
		t.Fatal("unexpected ErrPersistence match")
	}
	if got := Kind(err); got != ErrService {
		t.Fatalf("expected kind ErrService, got %v", got)
	}

	var opErr *OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.RequestID != "sess-1" {
		t.Fatalf("unexpected request id: %s", opErr.RequestID)
	}
}

func TestNewOperationErrorNil(t *testing.T) {
	if err := NewOperationError("op", "", nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestWithKindWithoutCause(t *testing.T) {
	err := WithKind(ErrValidation, nil)
	if err != ErrValidation {
		t.Fatalf("expected bare kind, got %v", err)
	}
	if Kind(errors.New("plain")) != nil {
		t.Fatal("expected no kind for plain error")
	}
}

func TestNewLoggerWithFile(t *testing.T) {
	logger, err := NewLogger(Options{Level: "debug", File: filepath.Join(t.TempDir(), "ekyc.log"), MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("expected logger, got error: %v", err)
	}
	WithOperation(logger, "test", "req").Info("hello")
	_ = logger.Sync()

	if _, err := NewLogger(Options{Level: "loud"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
