package checkpoint

import (
	"errors"
	"testing"
	"time"
)

func fixedNow() time.Time {
	return time.Unix(5000, 0).UTC()
}

func TestNewRequiresIdentity(t *testing.T) {
	if _, err := New(" ", "sub-1", fixedNow); !errors.Is(err, ErrAgentIDRequired) {
		t.Fatalf("expected ErrAgentIDRequired, got %v", err)
	}
	if _, err := New("agent-1", "", fixedNow); !errors.Is(err, ErrSubscriptionIDRequired) {
		t.Fatalf("expected ErrSubscriptionIDRequired, got %v", err)
	}

	cp, err := New("agent-1", "sub-1", fixedNow)
	if err != nil {
		t.Fatalf("new checkpoint: %v", err)
	}
	if cp.Status != StatusActive {
		t.Fatalf("expected active status, got %s", cp.Status)
	}
	if cp.LastProcessedPosition != 0 || cp.EventsProcessed != 0 {
		t.Fatal("expected zero progress on creation")
	}
}

func TestAdvanceIsMonotonic(t *testing.T) {
	cp, err := New("agent-1", "sub-1", fixedNow)
	if err != nil {
		t.Fatalf("new checkpoint: %v", err)
	}

	cp, err = Advance(cp, "evt-1", 10, fixedNow)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if cp.LastProcessedPosition != 10 || cp.EventsProcessed != 1 || cp.LastEventID != "evt-1" {
		t.Fatalf("unexpected checkpoint after advance: %+v", cp)
	}

	if _, err := Advance(cp, "evt-0", 10, fixedNow); !errors.Is(err, ErrPositionNotMonotonic) {
		t.Fatalf("expected ErrPositionNotMonotonic for equal position, got %v", err)
	}
	if _, err := Advance(cp, "evt-0", 3, fixedNow); !errors.Is(err, ErrPositionNotMonotonic) {
		t.Fatalf("expected ErrPositionNotMonotonic for lower position, got %v", err)
	}
}

func TestIsDuplicate(t *testing.T) {
	cp := Checkpoint{LastProcessedPosition: 10}
	if !cp.IsDuplicate(10) {
		t.Fatal("expected equal position to be duplicate")
	}
	if !cp.IsDuplicate(4) {
		t.Fatal("expected lower position to be duplicate")
	}
	if cp.IsDuplicate(11) {
		t.Fatal("expected higher position to be fresh")
	}
}

func TestLifecycleTransitions(t *testing.T) {
	cp, err := New("agent-1", "sub-1", fixedNow)
	if err != nil {
		t.Fatalf("new checkpoint: %v", err)
	}

	paused, err := Pause(cp, fixedNow)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if paused.Status != StatusPaused {
		t.Fatalf("expected paused, got %s", paused.Status)
	}
	if _, err := Pause(paused, fixedNow); !errors.Is(err, ErrInvalidStatusTransition) {
		t.Fatalf("expected invalid transition pausing paused agent, got %v", err)
	}

	resumed, err := Resume(paused, fixedNow)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Status != StatusActive {
		t.Fatalf("expected active, got %s", resumed.Status)
	}
	if _, err := Resume(resumed, fixedNow); !errors.Is(err, ErrInvalidStatusTransition) {
		t.Fatalf("expected invalid transition resuming active agent, got %v", err)
	}

	stopped, err := Stop(resumed, fixedNow)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if stopped.Status != StatusStopped {
		t.Fatalf("expected stopped, got %s", stopped.Status)
	}
	if _, err := Stop(stopped, fixedNow); !errors.Is(err, ErrInvalidStatusTransition) {
		t.Fatalf("expected invalid transition stopping stopped agent, got %v", err)
	}

	restarted, err := Resume(stopped, fixedNow)
	if err != nil {
		t.Fatalf("resume stopped: %v", err)
	}
	if restarted.Status != StatusActive {
		t.Fatalf("expected active after resume, got %s", restarted.Status)
	}
}
