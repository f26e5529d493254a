package event

import (
	"errors"
	"testing"
	"time"
)

func validEvent() Event {
	return Event{
		ID:             "evt-1",
		Type:           Type("orders.placed"),
		StreamID:       "order-42",
		GlobalPosition: 7,
		Timestamp:      time.Unix(1000, 0).UTC(),
	}
}

func TestNormalizeDefaultsPayloadAndTimestamp(t *testing.T) {
	evt := validEvent()
	evt.Timestamp = time.Time{}

	normalized, err := Normalize(evt)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if string(normalized.PayloadJSON) != "{}" {
		t.Fatalf("expected empty object payload, got %s", normalized.PayloadJSON)
	}
	if normalized.Timestamp.IsZero() {
		t.Fatal("expected timestamp default")
	}
}

func TestNormalizeRejectsMissingFields(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Event)
		wantErr error
	}{
		{"missing id", func(e *Event) { e.ID = " " }, ErrIDRequired},
		{"missing type", func(e *Event) { e.Type = "" }, ErrTypeRequired},
		{"missing stream", func(e *Event) { e.StreamID = "" }, ErrStreamIDRequired},
		{"missing position", func(e *Event) { e.GlobalPosition = 0 }, ErrPositionRequired},
		{"invalid payload", func(e *Event) { e.PayloadJSON = []byte("{") }, ErrPayloadInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			evt := validEvent()
			tc.mutate(&evt)
			if _, err := Normalize(evt); !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestIDsPreservesOrder(t *testing.T) {
	events := []Event{
		{ID: "a"}, {ID: "b"}, {ID: "c"},
	}
	ids := IDs(events)
	if len(ids) != 3 || ids[0] != "a" || ids[1] != "b" || ids[2] != "c" {
		t.Fatalf("unexpected ids: %v", ids)
	}
	if IDs(nil) != nil {
		t.Fatal("expected nil for empty input")
	}
}
