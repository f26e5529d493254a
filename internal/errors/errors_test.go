package errors

import (
	"errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestGetCodeUnwrapsChains(t *testing.T) {
	base := New(CodeNotPending, "approval is not pending")
	wrapped := fmt.Errorf("approve: %w", base)

	if got := GetCode(wrapped); got != CodeNotPending {
		t.Fatalf("expected NOT_PENDING, got %s", got)
	}
	if GetCode(errors.New("plain")) != CodeUnknown {
		t.Fatal("expected UNKNOWN for plain error")
	}
}

func TestIsMatchesByCode(t *testing.T) {
	err := Wrap(CodeQueueOverflow, "analysis queue is full", errors.New("depth 10"))
	if !errors.Is(err, New(CodeQueueOverflow, "")) {
		t.Fatal("expected code match")
	}
	if errors.Is(err, New(CodeBudgetExceeded, "")) {
		t.Fatal("expected code mismatch")
	}
	if err.Unwrap() == nil {
		t.Fatal("expected wrapped cause")
	}
}

func TestHandleErrorMapsCodes(t *testing.T) {
	st, ok := status.FromError(HandleError(New(CodeAlreadyExists, "duplicate approval")))
	if !ok {
		t.Fatal("expected grpc status")
	}
	if st.Code() != codes.AlreadyExists {
		t.Fatalf("expected AlreadyExists, got %s", st.Code())
	}

	st, ok = status.FromError(HandleError(errors.New("boom")))
	if !ok {
		t.Fatal("expected grpc status")
	}
	if st.Code() != codes.Internal {
		t.Fatalf("expected Internal, got %s", st.Code())
	}

	if HandleError(nil) != nil {
		t.Fatal("expected nil for nil error")
	}
}
